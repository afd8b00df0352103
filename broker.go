package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"towerdrop/broker/internal/auth"
	"towerdrop/broker/internal/config"
	httpapi "towerdrop/broker/internal/http"
	"towerdrop/broker/internal/logging"
	"towerdrop/broker/internal/networking"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

// BrokerOption customises a Broker.
type BrokerOption func(*Broker)

// WithBrokerClock overrides the time source used for uptime; primarily used in tests.
func WithBrokerClock(clock func() time.Time) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithBandwidthRegulator throttles frame delivery per viewer.
func WithBandwidthRegulator(regulator *networking.BandwidthRegulator) BrokerOption {
	return func(b *Broker) { b.bandwidth = regulator }
}

// WithDeliveryMetrics records per-viewer delivery sizes and drops.
func WithDeliveryMetrics(metrics *networking.DeliveryMetrics) BrokerOption {
	return func(b *Broker) {
		if metrics != nil {
			b.delivery = metrics
		}
	}
}

type outbound struct {
	payload []byte
	class   networking.Class
}

// Client is one connected websocket viewer.
type Client struct {
	id      string
	subject string
	role    auth.Role
	conn    *websocket.Conn
	send    chan outbound

	mu     sync.Mutex
	closed bool
}

// enqueue queues msg without blocking and reports whether it was accepted.
func (c *Client) enqueue(msg outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue once and reports whether this call did it.
func (c *Client) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// Broker fans simulation frames out to websocket viewers and feeds their commands into the
// session.
type Broker struct {
	upgrader        websocket.Upgrader
	session         *Session
	commands        *commandPipeline
	bandwidth       *networking.BandwidthRegulator
	delivery        *networking.DeliveryMetrics
	wsAuthenticator websocketAuthenticator
	log             *logging.Logger
	now             func() time.Time
	startedAt       time.Time

	maxClients   int
	maxPayload   int64
	pingInterval time.Duration

	mu         sync.RWMutex
	clients    map[string]*Client
	pending    atomic.Int64
	startupErr error
}

// NewBroker wires the websocket fan-out to the session and command pipeline.
func NewBroker(session *Session, commands *commandPipeline, cfg *config.Config, logger *logging.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{
		session:         session,
		commands:        commands,
		delivery:        networking.NewDeliveryMetrics(),
		wsAuthenticator: allowAllAuthenticator{},
		log:             logger.With(logging.String("component", "broker")),
		now:             time.Now,
		maxClients:      cfg.MaxClients,
		maxPayload:      cfg.MaxPayloadBytes,
		pingInterval:    cfg.PingInterval,
		clients:         make(map[string]*Client),
	}
	b.upgrader = websocket.Upgrader{
		CheckOrigin:       originChecker(cfg.AllowedOrigins),
		EnableCompression: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.pingInterval <= 0 {
		b.pingInterval = config.DefaultPingInterval
	}
	if b.maxPayload <= 0 {
		b.maxPayload = config.DefaultMaxPayloadBytes
	}
	b.startedAt = b.now()
	return b
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// Run relays session frames to every viewer until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	frames, cancel := b.session.Subscribe(4)
	defer cancel()
	b.session.OnLighting(func(message LightingMessage) {
		payload, err := json.Marshal(message)
		if err != nil {
			b.log.Error("encode lighting update", logging.Error(err))
			return
		}
		b.broadcast(payload, networking.ClassControl)
	})
	defer b.session.OnLighting(nil)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-frames:
			if !ok {
				return
			}
			b.broadcast(event.Payload, networking.ClassFrame)
		}
	}
}

func (b *Broker) broadcast(payload []byte, class networking.Class) {
	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if !b.bandwidth.Allow(c.id, len(payload), class) {
			b.delivery.ObserveDrop(networking.DropBandwidth)
			continue
		}
		if c.enqueue(outbound{payload: payload, class: class}) {
			continue
		}
		b.delivery.ObserveDrop(networking.DropQueueFull)
		if class == networking.ClassControl {
			//1.- A viewer that cannot take control messages is out of sync; drop it.
			b.log.Warn("closing slow viewer", logging.String("client_id", c.id))
			b.unregister(c)
		}
	}
}

func (b *Broker) sendTo(c *Client, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		b.log.Error("encode viewer message", logging.Error(err))
		return
	}
	if !c.enqueue(outbound{payload: payload, class: networking.ClassControl}) {
		b.delivery.ObserveDrop(networking.DropQueueFull)
	}
}

type helloMessage struct {
	Type     string        `json:"type"`
	ClientID string        `json:"client_id"`
	Role     auth.Role     `json:"role"`
	Scene    httpapi.Scene `json:"scene"`
}

type ackMessage struct {
	Type       string `json:"type"`
	SequenceID uint64 `json:"sequence_id,omitempty"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	b.pending.Add(1)
	registered := false
	defer func() {
		if !registered {
			b.pending.Add(-1)
		}
	}()

	if b.maxClients > 0 && b.clientCount() >= b.maxClients {
		http.Error(w, "viewer limit reached", http.StatusServiceUnavailable)
		return
	}
	ident, err := b.wsAuthenticator.Authenticate(r)
	if err != nil {
		b.log.Warn("websocket authentication failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		subject: ident.Subject,
		role:    ident.Role,
		conn:    conn,
		send:    make(chan outbound, clientSendBuffer),
	}
	b.mu.Lock()
	b.clients[client.id] = client
	b.mu.Unlock()
	registered = true
	b.pending.Add(-1)

	logger := b.log.With(
		logging.String("client_id", client.id),
		logging.String("subject", client.subject),
		logging.String("role", string(client.role)),
	)
	logger.Info("viewer connected")

	b.sendTo(client, helloMessage{Type: "hello", ClientID: client.id, Role: client.role, Scene: b.session.Scene()})
	go b.writePump(client)
	b.readPump(client, logger)
	logger.Info("viewer disconnected")
}

func (b *Broker) readPump(c *Client, logger *logging.Logger) {
	defer b.unregister(c)
	c.conn.SetReadLimit(b.maxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * b.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * b.pingInterval))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		outcome := b.commands.Submit(c.id, c.role, msg)
		if outcome.Reason == reasonUnauthorised {
			b.delivery.ObserveDrop(networking.DropUnauthorised)
		}
		ack := ackMessage{Type: "ack", SequenceID: outcome.SequenceID, Accepted: outcome.Accepted, Reason: outcome.Reason}
		if outcome.Err != nil {
			ack.Error = outcome.Err.Error()
		}
		b.sendTo(c, ack)
		if outcome.Disconnect {
			logger.Warn("disconnecting viewer after repeated invalid commands")
			return
		}
	}
}

func (b *Broker) writePump(c *Client) {
	ticker := time.NewTicker(b.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
				return
			}
			b.delivery.ObserveDelivery(c.id, len(msg.payload))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broker) unregister(c *Client) {
	if !c.shutdown() {
		return
	}
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	b.bandwidth.Forget(c.id)
	b.delivery.ForgetClient(c.id)
	b.commands.Forget(c.id)
}

// Close disconnects every viewer.
func (b *Broker) Close() {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()
	for _, c := range clients {
		b.unregister(c)
	}
}

func (b *Broker) clientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SnapshotClientCounts reports connected viewers and handshakes in progress.
func (b *Broker) SnapshotClientCounts() (clients, pending int) {
	return b.clientCount(), int(b.pending.Load())
}

// SetStartupError marks the broker unready.
func (b *Broker) SetStartupError(err error) {
	b.mu.Lock()
	b.startupErr = err
	b.mu.Unlock()
}

// StartupError reports a fatal initialisation problem.
func (b *Broker) StartupError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startupErr
}

// Uptime reports how long the broker has been running.
func (b *Broker) Uptime() time.Duration {
	return b.now().Sub(b.startedAt)
}

var _ httpapi.ReadinessProvider = (*Broker)(nil)
