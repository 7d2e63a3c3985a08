package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "github.com/trishtzy/weatherbot/internal/runtime/supervisor"
	kit "github.com/trishtzy/weatherbot/internal/transport"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Hidden      bool          // kept out of /help and the menu
	Timeout     time.Duration // 0 uses the router default
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender  kit.Sender
	replied atomic.Bool
}

// Reply sends plain text back to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	r.replied.Store(true)
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyMarkdown sends Markdown text back to the requesting chat.
func (r *Request) ReplyMarkdown(ctx context.Context, text string) error {
	r.replied.Store(true)
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: kit.ParseModeMarkdown, DisablePreview: true})
	return err
}

// Router parses incoming messages and runs commands on a bounded worker pool.
type Router struct {
	mu       sync.RWMutex
	cmds     map[string]*Command
	ordered  []Command
	owners   []int64
	timeout  time.Duration
	log      logx.Logger
	sender   kit.Sender
	jobs     chan func()
	jobsOnce sync.Once
}

func New(log logx.Logger, sender kit.Sender, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		timeout: 20 * time.Second,
		log:     log.With(logx.String("comp", "telegram.router")),
		sender:  sender,
		jobs:    make(chan func(), 256),
	}
}

func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

// SetCommands replaces the registry and, when the sender supports it, pushes
// the public commands to the Telegram menu.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	reg := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		reg[name] = &cc
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := reg[sa]; !exists {
					reg[sa] = &cc
				}
			}
		}
		ordered = append(ordered, cc)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	r.mu.Lock()
	r.cmds = reg
	r.ordered = ordered
	r.mu.Unlock()

	if up, ok := r.sender.(kit.CommandMenuUpdater); ok {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, buildMenu(ordered)); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.ordered...)
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx ends or updates closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		r.jobsOnce.Do(func() { close(r.jobs) })
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if !r.tryEnqueue(func() { r.HandleUpdate(ctx, up) }) && up.Message != nil {
				_, _ = r.sender.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "Busy, please try again shortly.", nil)
			}
		}
	}
}

// HandleUpdate routes one update synchronously.
func (r *Router) HandleUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd := r.cmds[word]
	owners := r.owners
	r.mu.RUnlock()
	if cmd == nil {
		_, _ = r.sender.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.sender.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
		sender: r.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	final := Chain(cmd.Handle,
		WithRequestLog(750*time.Millisecond),
		WithFailureReply(),
		WithRecover(),
		WithDeadline(timeout),
	)
	_ = final(ctx, req)
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// parseCommand splits "/cmd@bot a b" into ("cmd", ["a","b"]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

// tokenizeCommandLine splits command text into tokens, honoring quotes.
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
