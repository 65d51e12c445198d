// Package analytics forwards product events to Plausible. Tracking never
// fails the caller: without a configured domain it is a no-op and delivery
// errors are only logged.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://plausible.io/api/event"
	sendTimeout     = 5 * time.Second
	userAgent       = "taskmarket-api/1.0"
)

// Props are event properties. Nil, empty-string and NaN values are dropped.
type Props map[string]any

type Config struct {
	Domain   string
	Endpoint string
	// BaseURL is reported as the event page, e.g. https://example.com.
	BaseURL string
}

type Tracker struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

type Option func(*Tracker)

func WithHTTPClient(hc *http.Client) Option {
	return func(t *Tracker) {
		if hc != nil {
			t.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.BaseURL == "" && cfg.Domain != "" {
		cfg.BaseURL = "https://" + cfg.Domain
	}
	t := &Tracker{
		cfg:    cfg,
		http:   &http.Client{Timeout: sendTimeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enabled reports whether events are delivered.
func (t *Tracker) Enabled() bool {
	return t != nil && t.cfg.Domain != ""
}

type event struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	URL    string `json:"url"`
	Props  Props  `json:"props,omitempty"`
}

// Track sends name with sanitised props in the background.
func (t *Tracker) Track(ctx context.Context, name string, props Props) {
	if !t.Enabled() || name == "" {
		return
	}
	ev := event{
		Name:   name,
		Domain: t.cfg.Domain,
		URL:    t.cfg.BaseURL + "/api",
		Props:  Sanitize(props),
	}

	// Delivery outlives the request that triggered it.
	sendCtx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.send(sendCtx, ev); err != nil {
			t.logger.Warn("analytics event not delivered", zap.String("event", name), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight events are delivered.
func (t *Tracker) Wait() {
	if t == nil {
		return
	}
	t.wg.Wait()
}

func (t *Tracker) send(ctx context.Context, ev event) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("analytics: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("analytics: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("analytics: post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analytics: post event: status %d", resp.StatusCode)
	}
	return nil
}

// Sanitize drops nil, empty-string and NaN values. It returns nil when nothing is left.
func Sanitize(props Props) Props {
	if len(props) == 0 {
		return nil
	}
	out := Props{}
	for k, v := range props {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		case float64:
			if math.IsNaN(val) {
				continue
			}
		case float32:
			if math.IsNaN(float64(val)) {
				continue
			}
		case *string:
			if val == nil || *val == "" {
				continue
			}
			v = *val
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
