// Package stream fans live score changes out to connected viewers over SSE and WebSocket.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/metrics"
)

// Message types
const (
	MessageTypeConnection   = "connection"
	MessageTypeInitialData  = "initial-data"
	MessageTypeScoreUpdate  = "score-update"
	MessageTypeStatusUpdate = "status-update"
	MessageTypePing         = "ping"
	MessageTypeError        = "error"
)

// Transports
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// ErrHubStopped is returned when registering with a hub whose run loop has exited
var ErrHubStopped = errors.New("stream hub stopped")

// Message is the envelope every stream frame carries
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionData is the payload of a connection message
type ConnectionData struct {
	ClientID string `json:"client_id"`
}

// InitialData is the payload of an initial-data message
type InitialData struct {
	Matches []domain.LiveMatch   `json:"matches"`
	Status  domain.PollingStatus `json:"status"`
}

// ErrorData is the payload of an error message
type ErrorData struct {
	Error string `json:"error"`
}

// Client is one registered stream consumer. The hub closes Send when it removes the client.
type Client struct {
	id        string
	transport string
	send      chan []byte
}

// ID returns the client's registration token
func (c *Client) ID() string {
	return c.id
}

// Send returns the channel of encoded frames for this client
func (c *Client) Send() <-chan []byte {
	return c.send
}

// HubConfig configures a Hub
type HubConfig struct {
	PingInterval time.Duration
	SendBuffer   int
	Clock        clockwork.Clock
	Metrics      *metrics.Manager
	Logger       *slog.Logger
}

// hubOp is one unit of work for the run loop. Every producer goes through the same
// queue so registrations, snapshot updates and broadcasts keep their submission order.
type hubOp struct {
	register   *Client
	unregister *Client
	apply      func()
	message    *Message
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients map[*Client]struct{}
	ops     chan hubOp

	// guards clients for readers outside the run loop
	mu sync.RWMutex

	// owned by the run loop
	matches []domain.LiveMatch
	status  domain.PollingStatus

	pingInterval time.Duration
	sendBuffer   int
	clock        clockwork.Clock
	metrics      *metrics.Manager
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a new Hub
func NewHub(cfg HubConfig) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer < 2 {
		cfg.SendBuffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:      make(map[*Client]struct{}),
		ops:          make(chan hubOp, 256),
		pingInterval: cfg.PingInterval,
		sendBuffer:   cfg.SendBuffer,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until Stop
func (h *Hub) Run() {
	h.logger.Info("stream hub started")
	ticker := h.clock.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("stream hub stopping")
			return

		case op := <-h.ops:
			switch {
			case op.register != nil:
				h.add(op.register)
			case op.unregister != nil:
				h.remove(op.unregister, false)
			}
			if op.apply != nil {
				op.apply()
			}
			if op.message != nil {
				h.broadcastMessage(op.message)
			}

		case <-ticker.Chan():
			h.broadcastMessage(&Message{Type: MessageTypePing, Timestamp: h.clock.Now()})
		}
	}
}

// Stop stops the run loop and closes every client
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

// NewClient creates an unregistered client for transport
func (h *Hub) NewClient(transport string) *Client {
	return &Client{
		id:        uuid.New().String(),
		transport: transport,
		send:      make(chan []byte, h.sendBuffer),
	}
}

// Register adds a client and returns its token. The client's first two frames are
// connection and initial-data, ahead of any later broadcast.
func (h *Hub) Register(client *Client) (string, error) {
	if h.ctx.Err() != nil {
		return "", ErrHubStopped
	}
	select {
	case h.ops <- hubOp{register: client}:
		return client.id, nil
	case <-h.ctx.Done():
		return "", ErrHubStopped
	}
}

// Unregister removes a client. Unknown or already removed clients are ignored.
func (h *Hub) Unregister(client *Client) {
	h.submit(hubOp{unregister: client})
}

// Broadcast queues message for every registered client
func (h *Hub) Broadcast(message *Message) {
	h.submit(hubOp{message: message})
}

// PublishScoreUpdates broadcasts one score-update carrying every change of a cycle
func (h *Hub) PublishScoreUpdates(updates []domain.ScoreUpdate) {
	if len(updates) == 0 {
		return
	}
	h.Broadcast(&Message{
		Type:      MessageTypeScoreUpdate,
		Data:      updates,
		Timestamp: h.clock.Now(),
	})
}

// PublishStatus caches status for future initial-data and broadcasts a status-update
func (h *Hub) PublishStatus(status domain.PollingStatus) {
	message := &Message{
		Type:      MessageTypeStatusUpdate,
		Data:      status,
		Timestamp: h.clock.Now(),
	}
	h.submit(hubOp{apply: func() { h.status = status }, message: message})
}

// UpdateLiveSnapshot replaces the cached live matches sent to newly registered clients
func (h *Hub) UpdateLiveSnapshot(matches []domain.LiveMatch) {
	snapshot := make([]domain.LiveMatch, len(matches))
	copy(snapshot, matches)
	h.submit(hubOp{apply: func() { h.matches = snapshot }})
}

// SendError queues an error message for a single client
func (h *Hub) SendError(client *Client, text string) {
	message := &Message{
		Type:      MessageTypeError,
		Data:      ErrorData{Error: text},
		Timestamp: h.clock.Now(),
	}
	h.submit(hubOp{apply: func() { h.enqueue(client, message) }})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) submit(op hubOp) {
	select {
	case h.ops <- op:
	case <-h.ctx.Done():
	}
}

// broadcastMessage writes message to every client, dropping clients that cannot keep up
func (h *Hub) broadcastMessage(message *Message) {
	data, err := sonic.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", message.Type, "error", err)
		return
	}
	h.metrics.RecordBroadcast(message.Type)

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("client buffer full, removing", "client_id", client.id, "transport", client.transport)
		h.remove(client, true)
	}
}

// enqueue writes one message to a single client
func (h *Hub) enqueue(client *Client, message *Message) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	data, err := sonic.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", message.Type, "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.remove(client, true)
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamClientConnected(client.transport)

	h.enqueue(client, &Message{
		Type:      MessageTypeConnection,
		Data:      ConnectionData{ClientID: client.id},
		Timestamp: h.clock.Now(),
	})
	h.enqueue(client, &Message{
		Type:      MessageTypeInitialData,
		Data:      InitialData{Matches: h.matches, Status: h.status},
		Timestamp: h.clock.Now(),
	})
	h.logger.Debug("client registered", "client_id", client.id, "transport", client.transport)
}

func (h *Hub) remove(client *Client, dropped bool) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.StreamClientDisconnected(client.transport, dropped)
		h.logger.Debug("client unregistered", "client_id", client.id, "dropped", dropped)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		h.metrics.StreamClientDisconnected(client.transport, false)
	}
}
