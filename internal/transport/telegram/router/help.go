package router

import (
	"context"
	"strings"
)

// HelpCommand renders the command list, or the usage of one command.
func (r *Router) HelpCommand() Command {
	return Command{
		Name:        "help",
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.FromID, req.Args))
		},
	}
}

func (r *Router) helpText(from int64, args []string) string {
	r.mu.RLock()
	owners := r.owners
	reg := r.cmds
	ordered := r.ordered
	r.mu.RUnlock()
	owner := isOwner(from, owners)

	if len(args) > 0 {
		name := sanitizeTelegramCommand(strings.TrimPrefix(args[0], "/"))
		c := reg[name]
		if c == nil || (c.Access == AccessOwnerOnly && !owner) {
			return "Unknown command. Try /help"
		}
		lines := []string{"/" + c.Name + " - " + c.Description}
		if c.Usage != "" {
			lines = append(lines, "Usage: "+c.Usage)
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+strings.Join(c.Aliases, ", "))
		}
		return strings.Join(lines, "\n")
	}

	lines := []string{"Commands:"}
	for _, c := range ordered {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		line := "/" + c.Name
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
