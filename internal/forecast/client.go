package forecast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/trishtzy/weatherbot/internal/schedule"
	"github.com/trishtzy/weatherbot/pkg/logx"
)

const maxBodyBytes = 4 << 20

var (
	errUpstreamStatus = errors.New("unexpected status code")
	errUpstreamCode   = errors.New("upstream reported error")
	errNoItems        = errors.New("response has no forecast items")
	errCircuitOpen    = errors.New("circuit breaker open")
)

// Fetcher retrieves one fresh Snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

type ClientConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration

	// Breaker trips after MaxFailures consecutive failures and stays open for OpenTimeout.
	MaxFailures int
	OpenTimeout time.Duration

	HTTPClient *http.Client
	// Now stamps Snapshot.FetchedAt only.
	Now func() time.Time
}

// Client talks to the two-hour forecast endpoint through a circuit breaker.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	circuit *gobreaker.CircuitBreaker
	log     logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log = log.With(logx.String("comp", "forecast.client"))

	maxFailures := uint32(cfg.MaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "forecast",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return &Client{cfg: cfg, http: hc, circuit: cb, log: log}
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() string { return c.circuit.State().String() }

// Fetch performs one bounded GET and parses the response. Every failure wraps ErrUnavailable.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	result, err := c.circuit.Execute(func() (interface{}, error) {
		return c.get(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	body, ok := result.(*apiData)
	if !ok || body == nil {
		return Snapshot{}, fmt.Errorf("%w: empty response data", ErrUnavailable)
	}

	snap, err := parseSnapshot(body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	snap.FetchedAt = c.cfg.Now().UTC()
	return snap, nil
}

func (c *Client) get(ctx context.Context) (*apiData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: %d", errUpstreamStatus, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out apiResponse
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if out.Code == nil || *out.Code != 0 {
		code := "missing"
		if out.Code != nil {
			code = fmt.Sprint(*out.Code)
		}
		return nil, fmt.Errorf("%w: code=%s msg=%q", errUpstreamCode, code, out.ErrorMsg)
	}
	return out.Data, nil
}

// parseSnapshot keeps only the last items entry, which is the current forecast.
func parseSnapshot(d *apiData) (Snapshot, error) {
	if len(d.Items) == 0 {
		return Snapshot{}, errNoItems
	}
	latest := d.Items[len(d.Items)-1]

	w, err := schedule.NormalizeValidity(latest.ValidPeriod.Start, latest.ValidPeriod.End)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Window:       w,
		ValidityText: strings.TrimSpace(latest.ValidPeriod.Text),
		Forecasts:    make([]AreaForecast, 0, len(latest.Forecasts)),
		Areas:        make([]string, 0, len(d.AreaMetadata)),
	}
	for _, f := range latest.Forecasts {
		if f.Area == "" {
			continue
		}
		snap.Forecasts = append(snap.Forecasts, AreaForecast{Area: f.Area, Label: string(f.Forecast)})
	}
	for _, m := range d.AreaMetadata {
		if m.Name != "" {
			snap.Areas = append(snap.Areas, m.Name)
		}
	}
	sort.Strings(snap.Areas)
	return snap, nil
}

type apiResponse struct {
	Code     *int     `json:"code"`
	ErrorMsg string   `json:"errorMsg"`
	Data     *apiData `json:"data"`
}

type apiData struct {
	AreaMetadata []struct {
		Name string `json:"name"`
	} `json:"area_metadata"`
	Items []apiItem `json:"items"`
}

type apiItem struct {
	Forecasts []struct {
		Area     string    `json:"area"`
		Forecast labelText `json:"forecast"`
	} `json:"forecasts"`
	ValidPeriod struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Text  string `json:"text"`
	} `json:"valid_period"`
}

// labelText accepts either a plain string or an object carrying a "text"
// field, both of which the endpoint has used for the forecast label.
type labelText string

func (l *labelText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = labelText(s)
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*l = labelText(obj.Text)
	return nil
}
