// Package ops serves the operator endpoints: health, Prometheus metrics and
// optionally net/http/pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trishtzy/weatherbot/internal/runtime/supervisor"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const (
	defaultAddr   = "127.0.0.1:6060"
	shutdownGrace = 2 * time.Second
)

var (
	ErrInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")
	errServerExited = errors.New("ops: server exited")
)

// Config controls the ops HTTP server. Non-loopback binds need Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// Check is one named health probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Gatherer prometheus.Gatherer
	Checks   []Check
	// Info is rendered under "info" in /healthz.
	Info func() map[string]any
}

// Service owns at most one running server. The server is optional: listener
// failures are retried in the background and never stop the bot.
type Service struct {
	log  logx.Logger
	deps Deps

	mu   sync.Mutex
	cfg  Config
	cur  *server
	base context.Context // lifetime of servers started by Reconfigure
}

// server is one Start..Stop lifetime.
type server struct {
	cfg Config
	sup *supervisor.Supervisor

	mu    sync.Mutex
	bound string
}

func (sv *server) setBound(addr string) {
	sv.mu.Lock()
	sv.bound = addr
	sv.mu.Unlock()
}

func (sv *server) boundAddr() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.bound
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	sv := s.cur
	s.mu.Unlock()
	if sv == nil {
		return ""
	}
	return sv.boundAddr()
}

// Reconfigure applies cfg, starting, stopping or restarting the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.launch()
	case prev != cfg:
		s.Stop(ctx)
		s.launch()
	}
}

// Start is a no-op when disabled or already running. ctx bounds this and
// every later server.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.launch()
}

func (s *Service) launch() {
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	base := s.base
	if base == nil {
		base = context.Background()
	}
	sv := &server{cfg: s.cfg, sup: supervisor.New(base, supervisor.WithLogger(s.log))}
	s.cur = sv
	s.mu.Unlock()

	sv.sup.GoRestart("ops.http", func(c context.Context) error { return s.serve(c, sv) },
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
	)
}

// Stop waits for the server to exit or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sv := s.cur
	s.cur = nil
	s.mu.Unlock()
	if sv == nil {
		return
	}
	if err := sv.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops server stop timed out", logx.Err(err))
		return
	}
	s.log.Info("ops server stopped")
}

// serve runs one listener. A refused bind returns nil so it is not retried.
func (s *Service) serve(ctx context.Context, sv *server) error {
	cfg := sv.cfg
	addr := cfg.addr()
	open := cfg.Token == ""
	if open && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("ops server refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
			return nil
		}
		s.log.Warn("ops server has no token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	sv.setBound(ln.Addr().String())
	defer sv.setBound("")
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", !open))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errServerExited
	}
	return err
}
