package transport

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalops/truthengine/internal/observ"
)

// WSClient consumes confirmations over a websocket with automatic
// reconnect. Read deadlines are kept short so shutdown is observed within
// bounded latency.
type WSClient struct {
	cfg    Config
	url    string
	events chan Confirmation
	state  int32
	cancel context.CancelFunc
}

func NewWSClient(cfg Config) *WSClient {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	wsURL := strings.Replace(cfg.BaseURL, "http", "ws", 1) + "/confirmations/ws"
	c := &WSClient{
		cfg:    cfg,
		url:    wsURL,
		events: make(chan Confirmation, cfg.BufferSize),
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	return c
}

func (c *WSClient) Start(ctx context.Context) (<-chan Confirmation, error) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.readLoop(ctx)
	return c.events, nil
}

func (c *WSClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *WSClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.events)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		atomic.StoreInt32(&c.state, int32(StateConnecting))

		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			observ.IncCounter("confirmation_ws_dial_errors_total", nil)
			observ.Log("confirmation_ws_dial_error", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		atomic.StoreInt32(&c.state, int32(StateConnected))

		if err := c.consume(ctx, conn); err != nil && ctx.Err() == nil {
			observ.Log("confirmation_ws_read_error", map[string]any{"error": err.Error()})
		}
		conn.Close()
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
	}
}

func (c *WSClient) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadline so a cancelled ctx is noticed on the next lap.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var conf Confirmation
		if err := conn.ReadJSON(&conf); err != nil {
			if websocket.IsUnexpectedCloseError(err) {
				return err
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return err
		}
		select {
		case c.events <- conf:
			observ.IncCounter("confirmations_received_total", map[string]string{"transport": "ws"})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
