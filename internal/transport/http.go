package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/signalops/truthengine/internal/observ"
)

// HTTPClient polls a /confirmations endpoint with cursor-based pagination.
// The fallback transport: slow but survives any middlebox.
type HTTPClient struct {
	cfg    Config
	url    string
	events chan Confirmation
	cursor string
	state  int32 // atomic ConnectionState
	client *http.Client
	cancel context.CancelFunc
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	c := &HTTPClient{
		cfg:    cfg,
		url:    cfg.BaseURL + "/confirmations",
		events: make(chan Confirmation, cfg.BufferSize),
		cursor: "0",
		client: &http.Client{Timeout: cfg.Timeout},
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	return c
}

func (c *HTTPClient) Start(ctx context.Context) (<-chan Confirmation, error) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.pollLoop(ctx)
	return c.events, nil
}

func (c *HTTPClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *HTTPClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *HTTPClient) pollLoop(ctx context.Context) {
	defer close(c.events)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	atomic.StoreInt32(&c.state, int32(StateConnected))
	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&c.state, int32(StateDisconnected))
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				atomic.StoreInt32(&c.state, int32(StateDisconnected))
				observ.IncCounter("confirmation_poll_errors_total", nil)
				observ.Log("confirmation_poll_error", map[string]any{"error": err.Error()})
				continue
			}
			atomic.StoreInt32(&c.state, int32(StateConnected))
		}
	}
}

type pollResponse struct {
	Confirmations []Confirmation `json:"confirmations"`
	Cursor        string         `json:"cursor"`
}

func (c *HTTPClient) pollOnce(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("since", c.cursor)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return err
	}
	for _, conf := range pr.Confirmations {
		select {
		case c.events <- conf:
			observ.IncCounter("confirmations_received_total", map[string]string{"transport": "http"})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if pr.Cursor != "" {
		c.cursor = pr.Cursor
	}
	return nil
}
