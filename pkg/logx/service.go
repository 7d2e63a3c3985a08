package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/trishtzy/weatherbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./weatherbot.log"

// Service owns the sinks. Apply rebuilds them; loggers handed out earlier pick
// up the new sinks on their next write.
type Service struct {
	cur atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink // nil when no sender was given
}

var _ source = (*Service)(nil)

// New returns the service and its root logger. sender may be nil, which
// disables the Telegram sink regardless of cfg.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.tg = newTelegramSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) zl() zerolog.Logger {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

// Apply swaps sinks and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintln(os.Stderr, "logx:", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if s.tg != nil {
		s.tg.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			if cfg.Telegram.ChatID == 0 {
				fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a group chat")
			}
			s.tg.start()
			sinks = append(sinks, s.tg)
		}
	}

	if len(sinks) == 0 {
		sinks = []io.Writer{console(os.Stdout)}
	}
	zl := build(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.cur.Store(&zl)
}

// Close stops the Telegram worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.tg != nil {
		s.tg.stop()
	}
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
