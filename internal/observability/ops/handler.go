package ops

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const checkTimeout = 2 * time.Second

var pprofRoutes = map[string]http.HandlerFunc{
	"/debug/pprof/":        hpprof.Index,
	"/debug/pprof/cmdline": hpprof.Cmdline,
	"/debug/pprof/profile": hpprof.Profile,
	"/debug/pprof/symbol":  hpprof.Symbol,
	"/debug/pprof/trace":   hpprof.Trace,
}

// Handler returns the routed mux for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	if cfg.Pprof {
		for path, h := range pprofRoutes {
			mux.Handle(path, h)
		}
	}
	return requireToken(cfg.Token, mux)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Info   map[string]any    `json:"info,omitempty"`
}

// health answers 503 when any check fails.
func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.deps.Checks))}
	for _, c := range s.deps.Checks {
		resp.Checks[c.Name] = "ok"
		if err := c.Fn(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
		}
	}
	if s.deps.Info != nil {
		resp.Info = s.deps.Info()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// requireToken accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the guard.
func requireToken(token string, next http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(v)
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
