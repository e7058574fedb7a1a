// Package push maintains the server push channels of the desk agent: one
// persistent WebSocket per channel, inbound frames decoded into typed events
// and fanned out to subscribers, outbound responses written back.
//
//	notif := push.New(push.NotificationConfig(baseURL+"/ws/popup", logger))
//	form := push.New(push.FormConfig(baseURL+"/ws/form", logger))
//	events := form.Subscribe(ctx)
//	_ = form.Connect(ctx)
//
// Channels share nothing; each owns its socket, reconnect timer and
// subscribers.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of a channel.
type State int

const (
	Closed State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	}
	return "closed"
}

// Config configures a Channel.
type Config struct {
	// Name identifies the channel in logs and events ("popup", "form").
	Name string
	URL  string

	Decoder   Decoder
	Reconnect ReconnectPolicy

	// Header is sent with the handshake.
	Header http.Header
	// Dialer defaults to a gorilla dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
	// WriteTimeout bounds a Send when ctx has no deadline. Default: 10s.
	WriteTimeout time.Duration
	// Buffer is the per-subscriber event buffer. Default: 64.
	Buffer int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = c.URL
	}
	if c.Decoder == nil {
		c.Decoder = DecodeNotification
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NotificationConfig is the popup channel: envelope.data is published as a
// notification, no reconnect.
func NotificationConfig(url string, logger *slog.Logger) Config {
	return Config{
		Name:      "popup",
		URL:       url,
		Decoder:   DecodeNotification,
		Reconnect: NoReconnect(),
		Logger:    logger,
	}
}

// FormConfig is the form channel: descriptors with a fields array are
// published, reconnect 3s after a close.
func FormConfig(url string, logger *slog.Logger) Config {
	return Config{
		Name:      "form",
		URL:       url,
		Decoder:   DecodeForm,
		Reconnect: FixedDelay(3 * time.Second),
		Logger:    logger,
	}
}

// Status is a snapshot of a channel.
type Status struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Reconnect string    `json:"reconnect"`
	Dials     uint64    `json:"dials"`
	Received  uint64    `json:"received"`
	Rejected  uint64    `json:"rejected"`
	Dropped   uint64    `json:"dropped"`
	Sent      uint64    `json:"sent"`
	LastEvent time.Time `json:"last_event,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Channel is one push connection.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	gen    uint64
	timer  *time.Timer
	closed bool
	status Status

	wmu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
	dropped atomic.Uint64
}

// New creates a Channel in the Closed state. Call Connect to dial.
func New(cfg Config) *Channel {
	cfg.defaults()
	return &Channel{
		cfg: cfg,
		log: cfg.Logger.With("channel", cfg.Name),
		status: Status{
			Name:      cfg.Name,
			URL:       cfg.URL,
			Reconnect: cfg.Reconnect.String(),
		},
		subs: make(map[uint64]*subscriber),
	}
}

// Name returns the configured channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is Open.
func (c *Channel) IsConnected() bool { return c.State() == Open }

// Status returns a snapshot of the channel.
func (c *Channel) Status() Status {
	c.mu.Lock()
	s := c.status
	s.State = c.state.String()
	s.Connected = c.state == Open
	c.mu.Unlock()
	s.Dropped = c.dropped.Load()
	return s
}

// Connect dials the server. It is a no-op while the channel is Connecting
// or Open, so at most one socket exists per channel. A dial failure is
// returned and, with a fixed-delay policy, retried after the delay.
func (c *Channel) Connect(ctx context.Context) error {
	return c.connect(ctx, false, 0)
}

// connect dials. A reconnect passes the generation it was scheduled under
// and gives up when Disconnect or Connect ran since.
func (c *Channel) connect(ctx context.Context, reconnect bool, scheduled uint64) error {
	c.mu.Lock()
	if reconnect {
		if c.gen != scheduled {
			c.mu.Unlock()
			return nil
		}
		c.timer = nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != Closed {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.status.Dials++
	c.mu.Unlock()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect or Close ran while dialing.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = Closed
		c.status.LastError = err.Error()
		if ctx.Err() == nil {
			c.scheduleLocked()
		}
		c.mu.Unlock()
		c.log.ErrorContext(ctx, "push: connect failed", "url", c.cfg.URL, "error", err)
		return fmt.Errorf("push: connect %s: %w", c.cfg.Name, err)
	}
	c.conn = conn
	c.state = Open
	c.status.LastError = ""
	c.mu.Unlock()

	c.log.InfoContext(ctx, "push: connected", "url", c.cfg.URL)
	go c.readLoop(conn, gen)
	return nil
}

// readLoop is the only reader of conn; events are published in arrival
// order.
func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.onClose(conn, gen, err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame []byte) {
	ev, err := c.cfg.Decoder(frame)
	if err != nil {
		c.mu.Lock()
		c.status.Rejected++
		c.mu.Unlock()
		c.log.Warn("push: frame dropped", "error", err, "size", len(frame))
		return
	}
	ev.Channel = c.cfg.Name
	ev.ReceivedAt = time.Now()

	c.mu.Lock()
	c.status.Received++
	c.status.LastEvent = ev.ReceivedAt
	c.mu.Unlock()

	c.publish(ev)
}

func (c *Channel) onClose(conn *websocket.Conn, gen uint64, err error) {
	conn.Close()

	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		// Closed on purpose by Disconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Closed
	c.status.LastError = err.Error()
	c.scheduleLocked()
	c.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("push: closed by server", "error", err)
	} else {
		c.log.Error("push: read failed", "error", err)
	}
}

func (c *Channel) scheduleLocked() {
	if c.closed || !c.cfg.Reconnect.Enabled() {
		return
	}
	c.stopTimerLocked()
	delay := c.cfg.Reconnect.Delay
	c.log.Info("push: reconnect scheduled", "delay", delay.String())
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Dialer.HandshakeTimeout+time.Second)
		defer cancel()
		_ = c.connect(ctx, true, gen)
	})
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Send encodes msg as JSON and writes it as one text frame. When the channel
// is not Open the message is dropped and ErrNotConnected returned.
func (c *Channel) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &ErrSendFailed{Channel: c.cfg.Name, Cause: fmt.Errorf("marshal: %w", err)}
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()
	if !open || conn == nil {
		c.log.ErrorContext(ctx, "push: not connected, message dropped", "size", len(data))
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}

	c.wmu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		c.log.ErrorContext(ctx, "push: write failed", "error", err)
		return &ErrSendFailed{Channel: c.cfg.Name, Cause: err}
	}

	c.mu.Lock()
	c.status.Sent++
	c.mu.Unlock()
	c.log.DebugContext(ctx, "push: sent", "size", len(data))
	return nil
}

// Disconnect closes the socket if any and cancels a pending reconnect. The
// channel can be connected again. Calling it on a Closed channel does
// nothing.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	c.log.Info("push: disconnected")
}

// Close disconnects for good and closes every subscriber stream.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()

	c.subMu.Lock()
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.stop()
	}
	c.subMu.Unlock()
	return nil
}
