package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Status is the client connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusReconnecting means the connection dropped and a retry
	// timer is armed.
	StatusReconnecting Status = "reconnecting"
	// StatusError is terminal: the reconnect budget is spent and only
	// a fresh Connect call leaves this state.
	StatusError Status = "error"
)

// StatusInfo is a snapshot of the client state for status listeners.
type StatusInfo struct {
	Status            Status
	Connected         bool
	LastHeartbeat     time.Time
	ReconnectAttempts int
	Error             string
}

// Config holds client settings. Zero durations and counts take the
// defaults below.
type Config struct {
	// Enabled gates the whole client; a disabled client is a no-op
	// and sync proceeds without signaling.
	Enabled bool

	// URL is the relay WebSocket endpoint.
	URL string

	// BudgetID scopes signals to one budget room.
	BudgetID string

	// DeviceID and UserID identify this peer in signal metadata.
	DeviceID string
	UserID   string

	// Version is the client version announced on connect.
	Version string

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration

	Logger *log.Logger
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultMaxReconnects     = 10
	defaultWriteTimeout      = 5 * time.Second
	dialTimeout              = 10 * time.Second
)

// ErrNotConnected is returned by Send when no connection is up. The
// signal is dropped; signaling is advisory and never blocks a sync.
var ErrNotConnected = errors.New("signal: not connected")

// Client maintains a WebSocket connection to a relay, with heartbeats
// and bounded automatic reconnection. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu            sync.Mutex
	status        Status
	errText       string
	conn          *websocket.Conn
	connCancel    context.CancelFunc
	lastHeartbeat time.Time
	attempts      int
	retryTimer    *time.Timer
	closing       bool

	signalSubs map[int]func(Message)
	statusSubs map[int]func(StatusInfo)
	nextSub    int
}

// NewClient returns a disconnected client.
func NewClient(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		status:     StatusDisconnected,
		signalSubs: make(map[int]func(Message)),
		statusSubs: make(map[int]func(StatusInfo)),
	}
}

// Connect dials the relay. A failed dial schedules a retry and still
// returns the dial error; callers treat it as advisory. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Printf("signaling disabled, skipping connect")
		return nil
	}
	if c.cfg.URL == "" {
		return errors.New("signal: no relay URL configured")
	}

	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting || c.status == StatusReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.attempts = 0
	c.setStatusLocked(StatusConnecting, "")
	c.mu.Unlock()

	return c.dial(ctx)
}

// dialURL appends the budget room to the relay endpoint.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("signal: bad relay URL: %w", err)
	}
	if c.cfg.BudgetID != "" {
		q := u.Query()
		q.Set("budgetId", c.cfg.BudgetID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		c.logger.Printf("dial %s failed: %v", c.cfg.URL, err)
		c.mu.Lock()
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.lastHeartbeat = time.Now()
	c.setStatusLocked(StatusConnected, "")
	c.mu.Unlock()

	go c.readLoop(conn, connCtx)
	go c.heartbeatLoop(conn, connCtx)

	// Announce this device to the room.
	if err := c.Send(TypeConnected, nil); err != nil {
		c.logger.Printf("connect announce failed: %v", err)
	}
	return nil
}

// Disconnect closes the connection and cancels any pending retry.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.setStatusLocked(StatusDisconnected, "")
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Send builds an allow-listed signal and writes it to the relay. The
// room and device identity come from the client config; meta may add
// user and version fields, anything else cannot be expressed.
func (c *Client) Send(t Type, meta *Metadata) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Printf("dropping %s signal, not connected", t)
		return ErrNotConnected
	}

	out := &Metadata{
		DeviceID: c.cfg.DeviceID,
		UserID:   c.cfg.UserID,
		Version:  c.cfg.Version,
		BudgetID: c.cfg.BudgetID,
	}
	if meta != nil {
		if meta.DeviceID != "" {
			out.DeviceID = meta.DeviceID
		}
		if meta.UserID != "" {
			out.UserID = meta.UserID
		}
		if meta.Version != "" {
			out.Version = meta.Version
		}
	}

	data, err := Encode(Message{
		Type:     t,
		BudgetID: c.cfg.BudgetID,
		Metadata: out,
	})
	if err != nil {
		return fmt.Errorf("signal: encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("signal: write: %w", err)
	}
	return nil
}

// Status returns the current state snapshot.
func (c *Client) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusInfoLocked()
}

// OnSignal registers fn for every non-heartbeat signal received. The
// returned func unsubscribes.
func (c *Client) OnSignal(fn func(Message)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.signalSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.signalSubs, id)
		c.mu.Unlock()
	}
}

// OnStatus registers fn for state changes and invokes it immediately
// with the current state. The returned func unsubscribes.
func (c *Client) OnStatus(fn func(StatusInfo)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	info := c.statusInfoLocked()
	c.mu.Unlock()

	fn(info)
	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.onConnLost(conn, err)
			return
		}

		msg, err := Sanitize(data)
		if err != nil {
			c.logger.Printf("dropping malformed signal: %v", err)
			continue
		}

		switch msg.Type {
		case TypePong:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		case TypePing:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
			if err := c.Send(TypePong, nil); err != nil {
				c.logger.Printf("pong failed: %v", err)
			}
		default:
			c.mu.Lock()
			subs := make([]func(Message), 0, len(c.signalSubs))
			for _, fn := range c.signalSubs {
				subs = append(subs, fn)
			}
			c.mu.Unlock()
			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.Send(TypePing, nil); err != nil {
				c.logger.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

// onConnLost tears down conn and schedules a retry unless the client
// is closing. Stale connections from an earlier generation are
// ignored.
func (c *Client) onConnLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.closing {
		c.setStatusLocked(StatusDisconnected, "")
		c.mu.Unlock()
		return
	}
	c.logger.Printf("connection lost: %v", err)
	c.scheduleRetryLocked()
	c.mu.Unlock()
}

// scheduleRetryLocked counts an attempt and arms the retry timer, or
// goes terminal once the budget is spent. Caller holds the lock.
func (c *Client) scheduleRetryLocked() {
	if c.closing {
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.setStatusLocked(StatusError,
			fmt.Sprintf("relay unreachable after %d attempts", c.cfg.MaxReconnectAttempts))
		return
	}
	c.setStatusLocked(StatusReconnecting, "")
	c.retryTimer = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		closing := c.closing
		if !closing {
			c.setStatusLocked(StatusConnecting, "")
		}
		c.mu.Unlock()
		if closing {
			return
		}
		c.dial(context.Background())
	})
}

func (c *Client) statusInfoLocked() StatusInfo {
	return StatusInfo{
		Status:            c.status,
		Connected:         c.status == StatusConnected,
		LastHeartbeat:     c.lastHeartbeat,
		ReconnectAttempts: c.attempts,
		Error:             c.errText,
	}
}

// setStatusLocked updates the state and notifies status listeners.
// Caller holds the lock; listeners run on a fresh goroutine so they
// may call back into the client.
func (c *Client) setStatusLocked(st Status, errText string) {
	if c.status == st && c.errText == errText {
		return
	}
	c.status = st
	c.errText = errText
	info := c.statusInfoLocked()
	subs := make([]func(StatusInfo), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	if len(subs) > 0 {
		go func() {
			for _, fn := range subs {
				fn(info)
			}
		}()
	}
}
