package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/signalops/truthengine/internal/gate"
)

// Confirmation wraps one inbound payload with wire metadata for ordering
// and resume.
type Confirmation struct {
	ID      string        `json:"id"` // monotonic wire id for dedupe/resume
	TsUTC   time.Time     `json:"ts_utc"`
	Payload gate.RawEvent `json:"payload"`
}

// Client delivers inbound confirmation payloads. Context cancellation
// stops the client within the transport's poll/read timeout.
type Client interface {
	Start(ctx context.Context) (<-chan Confirmation, error)
	Close() error
	ConnectionState() ConnectionState
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config selects and tunes a transport client.
type Config struct {
	Transport    string        `yaml:"transport"` // "http", "ws", or "channel"
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// New builds a client for the configured transport.
func New(cfg Config) (Client, error) {
	switch cfg.Transport {
	case "http":
		return NewHTTPClient(cfg), nil
	case "ws":
		return NewWSClient(cfg), nil
	case "channel":
		return NewChannelClient(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Transport)
	}
}
