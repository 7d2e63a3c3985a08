// Command announce sends a release announcement to every subscribed chat.
//
//	announce [-dry-run] <version> [notes]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/trishtzy/weatherbot/internal/config"
	"github.com/trishtzy/weatherbot/internal/notifier"
	"github.com/trishtzy/weatherbot/internal/notifier/broadcast"
	"github.com/trishtzy/weatherbot/internal/storage"
	telegram "github.com/trishtzy/weatherbot/internal/transport/telegram/adapter"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const usage = "usage: announce [-dry-run] [-config path] <version> [notes]"

func main() {
	var (
		cfgPath, envPath string
		dryRun           bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.BoolVar(&dryRun, "dry-run", false, "print the message without sending")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	notes := ""
	if len(args) > 1 {
		notes = args[1]
	}
	msg, err := broadcast.ReleaseMessage(args[0], notes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if dryRun {
		fmt.Println(msg)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfgPath, envPath, args[0], msg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, envPath, version, msg string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)

	dbPath := cfg.Storage.PathOrDefault()
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Database not found at %s, skipping announcement.\n", dbPath)
		return nil
	}
	store, err := storage.Open(ctx, storage.Config{Path: dbPath, BusyTimeout: cfg.Storage.BusyTimeoutOrDefault()}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Offline: true}, log)
	if err != nil {
		return err
	}
	notif := notifier.New(notifier.Config{
		RatePerSec:    cfg.Notifier.RatePerSecOrDefault(),
		RetryMax:      cfg.Notifier.RetryMaxOrDefault(),
		RetryBase:     cfg.Notifier.RetryBaseOrDefault(),
		RetryMaxDelay: cfg.Notifier.RetryMaxDelayOrDefault(),
		SendTimeout:   cfg.Notifier.SendTimeoutOrDefault(),
	}, ad, log, nil)

	st, err := broadcast.New(store, notif, log, broadcast.WithAudit(store, strings.TrimSpace(version))).Run(ctx, msg)
	if err != nil {
		return err
	}
	if st.Total == 0 {
		fmt.Println("No subscribers found, skipping announcement.")
		return nil
	}
	for _, f := range st.Failures {
		fmt.Printf("  Failed to send to chat_id=%d: %s\n", f.ChatID, f.Error)
	}
	fmt.Printf("Announcement sent to %d of %d subscriber(s).\n", st.Done, st.Total)
	return nil
}
