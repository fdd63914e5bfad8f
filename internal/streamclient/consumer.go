// Package streamclient consumes the live score stream and keeps a local view of live matches.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/stream"
)

// State is the connection state of a Consumer
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrGaveUp wraps the last connection error once every reconnect attempt has failed
var ErrGaveUp = errors.New("stream reconnect attempts exhausted")

// Conn is one open stream. Next blocks until the next frame arrives.
type Conn interface {
	Next() ([]byte, error)
	Close() error
}

// Dialer opens stream connections
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handlers receive consumer events. Every handler runs on the consumer goroutine
// and must not call Disconnect.
type Handlers struct {
	OnState    func(State)
	OnMatches  func([]domain.LiveMatch)
	OnStatus   func(domain.PollingStatus)
	OnError    func(message string)
	OnTerminal func(err error)
}

// Config configures a Consumer
type Config struct {
	Dialer         Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	Clock          clockwork.Clock
	Handlers       Handlers
	Logger         *slog.Logger
}

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type handlerFunc func(c *Consumer, data json.RawMessage) error

// dispatch maps each message type to the function applying it to the local view
var dispatch = map[string]handlerFunc{
	stream.MessageTypeConnection:   (*Consumer).handleConnection,
	stream.MessageTypeInitialData:  (*Consumer).handleInitialData,
	stream.MessageTypeScoreUpdate:  (*Consumer).handleScoreUpdate,
	stream.MessageTypeStatusUpdate: (*Consumer).handleStatusUpdate,
	stream.MessageTypePing:         (*Consumer).handlePing,
	stream.MessageTypeError:        (*Consumer).handleError,
}

// Consumer connects to the stream, applies messages to its match view and reconnects
// with exponential backoff
type Consumer struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	closed   bool
	clientID string
	matches  []domain.LiveMatch
	index    map[int64]int
	status   domain.PollingStatus
	lastPing time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a consumer in the disconnected state
func New(cfg Config) *Consumer {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: cfg.Logger,
		index:  make(map[int64]int),
	}
}

// Connect starts the connection loop in the background. It is a no-op while the loop
// is running or once the consumer has been disconnected. After a terminal give-up it
// starts a fresh loop with the failure count reset.
func (c *Consumer) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.done != nil {
		select {
		case <-c.done:
			c.cancel()
		default:
			return
		}
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Disconnect cancels any pending reconnect and closes the active connection.
// No state change or handler call happens after it returns.
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Done is closed when the connection loop exits
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// State returns the current connection state
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id the server assigned on the current connection
func (c *Consumer) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Matches returns a copy of the local live match view in server order
func (c *Consumer) Matches() []domain.LiveMatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.LiveMatch, len(c.matches))
	copy(out, c.matches)
	return out
}

// Status returns the last polling status received
func (c *Consumer) Status() domain.PollingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastPing returns the timestamp of the last keepalive
func (c *Consumer) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Backoff returns the delay before reconnect attempt n (1-based)
func Backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	delay := initial
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		if !c.setState(StateConnecting) {
			return
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}

		failures++
		if !c.setState(StateDisconnected) {
			return
		}
		if failures >= c.cfg.MaxAttempts {
			c.logger.Error("giving up on stream", "attempts", failures, "error", err)
			c.emit(func(h Handlers) {
				if h.OnTerminal != nil {
					h.OnTerminal(fmt.Errorf("%w: %w", ErrGaveUp, err))
				}
			})
			return
		}

		delay := Backoff(failures, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
		c.logger.Warn("stream connection failed, retrying", "attempt", failures, "delay", delay, "error", err)

		timer := c.cfg.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// session dials once and reads until the connection fails. connected reports whether
// the dial succeeded, which resets the consecutive failure count.
func (c *Consumer) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dialing stream: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	if !c.setState(StateConnected) {
		return true, nil
	}

	for {
		data, err := conn.Next()
		if err != nil {
			return true, fmt.Errorf("reading stream: %w", err)
		}
		if ctx.Err() != nil {
			return true, nil
		}
		c.handle(data)
	}
}

func (c *Consumer) handle(data []byte) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping malformed stream frame", "error", err)
		return
	}

	fn, ok := dispatch[env.Type]
	if !ok {
		c.logger.Debug("ignoring unknown stream message", "type", env.Type)
		return
	}
	if err := fn(c, env.Data); err != nil {
		c.logger.Warn("failed to apply stream message", "type", env.Type, "error", err)
	}
}

func (c *Consumer) handleConnection(data json.RawMessage) error {
	var payload stream.ConnectionData
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = payload.ClientID
	c.mu.Unlock()
	return nil
}

func (c *Consumer) handleInitialData(data json.RawMessage) error {
	var payload stream.InitialData
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.matches = append([]domain.LiveMatch(nil), payload.Matches...)
	c.index = make(map[int64]int, len(c.matches))
	for i, m := range c.matches {
		c.index[m.FixtureID] = i
	}
	c.status = payload.Status
	c.mu.Unlock()

	c.emit(func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(payload.Status)
		}
	})
	c.emitMatches()
	return nil
}

func (c *Consumer) handleScoreUpdate(data json.RawMessage) error {
	var updates []domain.ScoreUpdate
	if err := sonic.Unmarshal(data, &updates); err != nil {
		return err
	}

	changed := false
	c.mu.Lock()
	for _, u := range updates {
		i, ok := c.index[u.FixtureID]
		if !ok {
			continue
		}
		m := &c.matches[i]
		m.HomeScore = u.HomeScore
		m.AwayScore = u.AwayScore
		m.Status = u.Status
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.emitMatches()
	}
	return nil
}

func (c *Consumer) handleStatusUpdate(data json.RawMessage) error {
	var status domain.PollingStatus
	if err := sonic.Unmarshal(data, &status); err != nil {
		return err
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.emit(func(h Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(status)
		}
	})
	return nil
}

func (c *Consumer) handlePing(json.RawMessage) error {
	c.mu.Lock()
	c.lastPing = c.cfg.Clock.Now()
	c.mu.Unlock()
	return nil
}

func (c *Consumer) handleError(data json.RawMessage) error {
	var payload stream.ErrorData
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.emit(func(h Handlers) {
		if h.OnError != nil {
			h.OnError(payload.Error)
		}
	})
	return nil
}

func (c *Consumer) emitMatches() {
	matches := c.Matches()
	c.emit(func(h Handlers) {
		if h.OnMatches != nil {
			h.OnMatches(matches)
		}
	})
}

// setState records s and notifies OnState. It reports false once Disconnect was called.
func (c *Consumer) setState(s State) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.emit(func(h Handlers) {
			if h.OnState != nil {
				h.OnState(s)
			}
		})
	}
	return true
}

func (c *Consumer) emit(fn func(Handlers)) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	fn(c.cfg.Handlers)
}
