package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"rently/pkg/logger"
)

// CredentialFunc returns the bearer credential used to authenticate the
// channel. It is re-invoked on every (re)connect, so a refreshed credential
// takes effect on the next reconnect rather than retroactively.
type CredentialFunc func() (string, error)

// Options configures channel connections
type Options struct {
	Enabled           bool
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	Credential        CredentialFunc
}

// Client opens reconnecting named channels over a Transport
type Client struct {
	transport Transport
	opts      Options
	log       *logger.Logger
}

// NewClient creates a realtime channel client
func NewClient(transport Transport, opts Options, log *logger.Logger) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 1 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Client{transport: transport, opts: opts, log: log}
}

// Connect opens a named channel and starts the reconnect loop. When
// realtime is disabled by configuration the returned Handle is inert:
// On/Send/Close all work and do nothing, so callers never special-case.
func (c *Client) Connect(ctx context.Context, channel string) *Handle {
	h := &Handle{
		channel:  channel,
		client:   c,
		handlers: make(map[string][]*handlerEntry),
	}

	if !c.opts.Enabled {
		h.disabled = true
		h.state.Store(int32(StateClosed))
		return h
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.run(runCtx)
	return h
}

// Handle is a live (or inert) view of one named channel
type Handle struct {
	channel  string
	client   *Client
	disabled bool

	state     atomic.Int32 // zero value is StateConnecting
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	nextID   int
	conn     Conn // nil unless open
}

type handlerEntry struct {
	id int
	fn func(Message)
}

// State returns the current connection state
func (h *Handle) State() State {
	return State(h.state.Load())
}

// On registers a handler for a named event and returns an unsubscribe
// function. Multiple handlers per event are delivered in registration order.
func (h *Handle) On(event string, fn func(Message)) func() {
	if h.disabled {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	entry := &handlerEntry{id: h.nextID, fn: fn}
	h.handlers[event] = append(h.handlers[event], entry)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		entries := h.handlers[event]
		for i, e := range entries {
			if e.id == entry.id {
				h.handlers[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Send publishes a message on the channel, fire-and-forget. Messages are
// silently dropped while not connected.
func (h *Handle) Send(msg Message) {
	if h.disabled || h.State() != StateOpen {
		return
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Send(ctx, payload)
}

// Close stops reconnection and tears down the connection. Idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Lock()
		if h.conn != nil {
			_ = h.conn.Close()
			h.conn = nil
		}
		// Stored under the mutex so a connect that raced the cancel
		// cannot overwrite it with StateOpen afterwards
		h.state.Store(int32(StateClosed))
		h.mu.Unlock()
	})
}

// run is the reconnect loop: exponential backoff from the initial delay,
// doubling up to the cap, reset after every successful open.
func (h *Handle) run(ctx context.Context) {
	backoff := h.client.opts.InitialBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		attempt++

		credential := ""
		if h.client.opts.Credential != nil {
			cred, err := h.client.opts.Credential()
			if err != nil {
				h.client.log.LogChannelReconnect(ctx, h.channel, backoff, err)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff, h.client.opts.MaxBackoff)
				continue
			}
			credential = cred
		}

		conn, err := h.client.transport.Open(ctx, h.channel, credential)
		if err != nil {
			h.client.log.LogChannelReconnect(ctx, h.channel, backoff, err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, h.client.opts.MaxBackoff)
			continue
		}

		h.mu.Lock()
		if ctx.Err() != nil {
			h.mu.Unlock()
			_ = conn.Close()
			return
		}
		h.conn = conn
		h.state.Store(int32(StateOpen))
		h.mu.Unlock()
		h.client.log.LogChannelOpen(ctx, h.channel, attempt)
		backoff = h.client.opts.InitialBackoff

		serveErr := h.serve(ctx, conn)

		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		// Unexpected close: back off and reconnect
		h.mu.Lock()
		if ctx.Err() != nil {
			h.mu.Unlock()
			return
		}
		h.state.Store(int32(StateConnecting))
		h.mu.Unlock()
		h.client.log.LogChannelReconnect(ctx, h.channel, backoff, serveErr)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, h.client.opts.MaxBackoff)
	}
}

// serve pumps messages from an open connection until it fails, pinging on
// the heartbeat interval to keep idle intermediaries from dropping it.
func (h *Handle) serve(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(h.client.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					// Surface the failure through the receive loop
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		h.dispatch(payload)
	}
}

// dispatch decodes an envelope and delivers it to the handlers registered
// for its event, in registration order. Malformed payloads are dropped.
func (h *Handle) dispatch(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	h.mu.Lock()
	entries := make([]*handlerEntry, len(h.handlers[msg.Event]))
	copy(entries, h.handlers[msg.Event])
	h.mu.Unlock()

	for _, e := range entries {
		e.fn(msg)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleep waits for d, returning false if the context ended first
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
