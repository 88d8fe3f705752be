// Package server coordinates client registration, room membership, event
// routing and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Tyrowin/roomrelay/internal/server"

// Session binds a connection to a room and a display name. It is created by
// the first join and replaced by later ones.
type Session struct {
	RoomID   string
	UserName string
}

// Stats is a point-in-time view of hub occupancy.
type Stats struct {
	Clients int `json:"clients"`
	Rooms   int `json:"rooms"`
}

type inboundFrame struct {
	client  *Client
	payload []byte
}

// Hub owns every connection, session and room. Run is the only goroutine that
// mutates that state, so a membership change and the users list computed from
// it form one atomic step. The mutex lets Stats read concurrently.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	clients  map[*Client]struct{}
	sessions map[*Client]*Session
	rooms    map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub for the given configuration. A nil logger falls back
// to slog.Default().
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        sanitizeConfig(cfg),
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		clients:    make(map[*Client]struct{}),
		sessions:   make(map[*Client]*Session),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a new client to the hub, which starts its pumps. It returns
// false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister reports that a client's connection has closed.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(c *Client, payload []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: c, payload: payload}:
		return true
	case <-h.done:
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.disconnect("connection closed", c)

		case frame := <-h.inbound:
			h.dispatch(frame.client, frame.payload)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.logger.Info("client registered", "client", c.id, "addr", c.addr, "clients", clientCount)

	if c.conn == nil {
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// dispatch decodes one inbound frame and routes it by type. Anything that does
// not decode, or arrives before a join where one is needed, is dropped.
func (h *Hub) dispatch(c *Client, raw []byte) {
	// A client dropped for a full buffer may still have frames in flight.
	if _, ok := h.clients[c]; !ok {
		return
	}

	// Forwarded frames carry sender bytes verbatim; browsers close on bad UTF-8.
	if !utf8.Valid(raw) {
		h.logger.Debug("dropping frame with invalid UTF-8", "client", c.id)
		return
	}

	eventType, err := decodeType(raw)
	if err != nil {
		h.logger.Debug("dropping malformed frame", "client", c.id, "error", err)
		return
	}

	var handle func(*Client, []byte) ([]*Client, error)
	switch eventType {
	case TypeJoin:
		handle = h.join
	case TypeMessage:
		handle = h.forwardMessage
	case TypeTyping:
		handle = h.forwardTyping
	case TypeReaction:
		handle = h.react
	case TypeStatus:
		handle = h.status
	default:
		h.logger.Debug("dropping frame with unknown type", "client", c.id, "type", eventType)
		return
	}

	_, span := h.tracer.Start(h.ctx, "relay."+eventType,
		trace.WithAttributes(attribute.String("relay.client_id", c.id)))
	defer span.End()

	failed, err := handle(c, raw)
	if err != nil {
		span.RecordError(err)
		h.logger.Debug("dropping event", "client", c.id, "type", eventType, "error", err)
	}
	if s := h.sessions[c]; s != nil {
		span.SetAttributes(attribute.String("relay.room_id", s.RoomID))
	}

	h.disconnect("send buffer full", failed...)
}

// disconnect removes clients from the hub and from their rooms. Removing a
// member broadcasts the new users list, which can overflow further buffers;
// those clients are queued and removed in turn.
func (h *Hub) disconnect(reason string, clients ...*Client) {
	queue := append([]*Client(nil), clients...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		queue = append(queue, h.remove(c, reason)...)
	}
}

func (h *Hub) remove(c *Client, reason string) []*Client {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return nil
	}
	delete(h.clients, c)
	session := h.sessions[c]
	delete(h.sessions, c)
	if session != nil {
		h.leaveRoomLocked(c, session.RoomID)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// The writer closes the socket once it drains the closed channel.
	close(c.send)
	h.logger.Info("client unregistered", "client", c.id, "addr", c.addr, "reason", reason, "clients", clientCount)

	if session == nil {
		return nil
	}
	return h.broadcastUsers(session.RoomID)
}

func (h *Hub) leaveRoomLocked(c *Client, roomID string) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// broadcast enqueues payload for every member of roomID except exclude and
// returns the members whose send buffer was full.
func (h *Hub) broadcast(roomID string, payload []byte, exclude *Client) []*Client {
	var failed []*Client
	for c := range h.rooms[roomID] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- payload:
		default:
			failed = append(failed, c)
		}
	}
	return failed
}

// Stats returns the number of registered clients and live rooms.
func (h *Hub) Stats() Stats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return Stats{Clients: len(h.clients), Rooms: len(h.rooms)}
}

// shutdownClients closes every send channel so each writer sends a close frame
// and tears down its connection.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.sessions = make(map[*Client]*Session)
	h.rooms = make(map[string]map[*Client]struct{})
	h.mutex.Unlock()

	for _, c := range clients {
		close(c.send)
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the event loop and waits for every client goroutine to
// finish, or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out, some client goroutines may still be running")
		return ctx.Err()
	}
}
