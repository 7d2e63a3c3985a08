package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

func testDeps(storeErr error) Deps {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "weatherbot_test_total", Help: "test"})
	c.Inc()
	reg.MustRegister(c)
	return Deps{
		Gatherer: reg,
		Checks: []Check{
			{Name: "storage", Fn: func(context.Context) error { return storeErr }},
		},
		Info: func() map[string]any { return map[string]any{"breaker": "closed"} },
	}
}

func get(t *testing.T, srv *httptest.Server, path string, hdr ...string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealthReportsChecks(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New(Config{}, testDeps(nil), logx.Nop()).Handler())
	defer srv.Close()

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	var hr healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &hr))
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "ok", hr.Checks["storage"])
	assert.Equal(t, "closed", hr.Info["breaker"])

	bad := httptest.NewServer(New(Config{}, testDeps(errors.New("database is locked")), logx.Nop()).Handler())
	defer bad.Close()
	code, body = get(t, bad, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "database is locked")
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New(Config{}, testDeps(nil), logx.Nop()).Handler())
	defer srv.Close()

	code, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "weatherbot_test_total 1")

	code, _ = get(t, srv, "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code)

	withPprof := httptest.NewServer(New(Config{Pprof: true}, testDeps(nil), logx.Nop()).Handler())
	defer withPprof.Close()
	code, _ = get(t, withPprof, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New(Config{Token: "s3cret"}, testDeps(nil), logx.Nop()).Handler())
	defer srv.Close()

	code, _ := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, srv, "/healthz?token=nope")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, srv, "/healthz?token=s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/metrics", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestStartServesOnLoopbackAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testDeps(nil), logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testDeps(nil), logx.Nop())
	assert.NoError(t, s.serve(context.Background(), &server{cfg: s.cfg}), "refusal stops the restart loop")
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestReconfigureRestartsOnChange(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testDeps(nil), logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.Reconfigure(ctx, Config{})
	assert.Empty(t, s.Addr())
	assert.False(t, s.Enabled())
}
