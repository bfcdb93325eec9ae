package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalops/truthengine/internal/gate"
)

// ChannelClient is an in-process transport for tests and simulation runs:
// producers Push payloads, the consumer sees the same channel semantics as
// the wire transports.
type ChannelClient struct {
	mu     sync.Mutex
	events chan Confirmation
	nextID int64
	closed bool
	state  int32
}

func NewChannelClient(buffer int) *ChannelClient {
	if buffer <= 0 {
		buffer = 1000
	}
	return &ChannelClient{events: make(chan Confirmation, buffer)}
}

func (c *ChannelClient) Start(ctx context.Context) (<-chan Confirmation, error) {
	atomic.StoreInt32(&c.state, int32(StateConnected))
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c.events, nil
}

// Push enqueues a raw payload as if it arrived off the wire.
func (c *ChannelClient) Push(payload gate.RawEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("transport: channel closed")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	conf := Confirmation{
		ID:      strconv.FormatInt(id, 10),
		TsUTC:   time.Now().UTC(),
		Payload: payload,
	}
	// Non-blocking send: a blocked send here would hold the lock and wedge
	// Close behind it.
	select {
	case c.events <- conf:
		return nil
	default:
		return errors.New("transport: channel buffer full")
	}
}

func (c *ChannelClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
	}
	return nil
}

func (c *ChannelClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}
