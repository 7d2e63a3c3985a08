package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

var errTrailingData = errors.New("config: trailing data after document")

const (
	defaultDebounce = 250 * time.Millisecond
	checkTimeout    = 5 * time.Second
)

// Manager owns the current config. Watch re-reads the file on change and
// hands every accepted version to subscribers.
type Manager struct {
	path     string
	debounce time.Duration
	log      logx.Logger
	check    func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cur    *Config
	digest [sha256.Size]byte

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: defaultDebounce,
		log:      logx.Nop(),
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that a reloaded config must pass on top of
// Validate. It does not apply to Load.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// Parse decodes the file strictly (unknown keys and trailing data are errors)
// and applies environment overrides. It does not validate.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	body, format, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s config %s: %w", format, m.path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

func decodeStrict(body []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, errTrailingData
	default:
		return nil, err
	}
}

// Load parses, validates and installs the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.install(cfg, digestOf(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) install(cfg *Config, d [sha256.Size]byte) {
	m.mu.Lock()
	m.cur, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *Manager) sameAsCurrent(d [sha256.Size]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur != nil && m.digest == d
}

// digestOf hashes the decoded config, so formatting-only edits and repeated
// write events for one save compare equal.
func digestOf(cfg *Config) [sha256.Size]byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(b)
}

// Subscribe returns a channel that receives each accepted reload. A slow
// subscriber only ever holds the newest versions.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped, subscriber full", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offer pushes cfg, evicting the oldest queued config when ch is full.
func offer(ch chan *Config, cfg *Config) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload is called after the file settled. Parse or validation failures keep
// the current config.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	d := digestOf(cfg)
	if m.sameAsCurrent(d) {
		log.Debug("config unchanged")
		return
	}
	if err := m.accept(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.install(cfg, d)
	m.broadcast(cfg)
	log.Info("config reloaded", logx.String("digest", fmt.Sprintf("%x", d[:6])))
}

func (m *Manager) accept(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return m.check(cctx, cfg)
}
