package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
	"github.com/nerrad567/xenbackend/internal/infrastructure/logging"
	"github.com/nerrad567/xenbackend/internal/lifecycle"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// ChannelPrefix starts every lifecycle channel name; the event kind
	// follows, e.g. "device.transition".
	ChannelPrefix = "device."

	// ChannelAll subscribes to every lifecycle channel.
	ChannelAll = "device.*"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 10 * time.Second
	defaultReadLimit    = 8192
)

// WSMessage is what the server sends to clients.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is what clients send. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
//
// Devices narrows the subscription to the named devices ("class/domid/devid").
// A client with no device filter receives events for every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// WSSubscriptionState is the response to subscribe and unsubscribe: the
// client's filter after the change.
type WSSubscriptionState struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices"`
}

// wsTiming holds the connection deadlines derived from configuration.
type wsTiming struct {
	readLimit    int64
	pingInterval time.Duration
	pongWait     time.Duration
}

// readWindow is how long a connection may stay silent before it is dropped.
func (t wsTiming) readWindow() time.Duration {
	return t.pingInterval + t.pongWait
}

// Hub tracks WebSocket clients and streams lifecycle records to them.
//
// Hub is a lifecycle.Sink: registered with the recorder, every record is
// broadcast on the channel named after its kind, to clients whose device
// filter matches.
type Hub struct {
	timing wsTiming
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	devices       map[lifecycle.DeviceKey]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Access is controlled by the ticket, not the origin.
		return true
	},
}

// NewHub creates a hub whose connections use the given limits. Zero or
// negative limits fall back to the defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	t := wsTiming{
		readLimit:    int64(cfg.MaxMessageSize),
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:     time.Duration(cfg.PongTimeout) * time.Second,
	}
	if t.readLimit <= 0 {
		t.readLimit = defaultReadLimit
	}
	if t.pingInterval <= 0 {
		t.pingInterval = defaultPingInterval
	}
	if t.pongWait <= 0 {
		t.pongWait = defaultPongWait
	}
	return &Hub{
		timing:  t,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func newWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		devices:       make(map[lifecycle.DeviceKey]struct{}),
	}
}

// ChannelFor returns the channel a lifecycle record is broadcast on.
func ChannelFor(rec lifecycle.Record) string {
	return ChannelPrefix + string(rec.Kind)
}

// Name implements lifecycle.Sink.
func (h *Hub) Name() string { return "websocket" }

// Handle implements lifecycle.Sink.
func (h *Hub) Handle(_ context.Context, rec lifecycle.Record) error {
	key := rec.Key()
	h.fanout(ChannelFor(rec), &key, rec)
	return nil
}

// Broadcast sends payload to every client subscribed to channel,
// regardless of device filters.
func (h *Hub) Broadcast(channel string, payload any) {
	h.fanout(channel, nil, payload)
}

func (h *Hub) fanout(channel string, key *lifecycle.DeviceKey, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		if c.wants(channel, key) {
			c.trySend(data)
		}
	}
}

// snapshot copies the client set so sends happen without the hub lock.
func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. The send channel is closed by whichever
// call actually removed it, so repeated calls are safe.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the request and starts the client's pumps.
// With auth enabled a ticket from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		if !s.tickets.redeem(ticket) {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)

	go c.writePump()
	go c.readPump()
}

// readPump handles client requests until the connection fails or goes
// quiet for longer than the read window.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	t := c.hub.timing
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(t.readWindow()))
	}

	c.conn.SetReadLimit(t.readLimit)
	extend() //nolint:errcheck // Best-effort; a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // Best-effort deadline reset
		c.handleRequest(data)
	}
}

// writePump owns all writes to the connection: queued messages and the
// keepalive ping.
func (c *WSClient) writePump() {
	t := c.hub.timing
	ping := time.NewTicker(t.pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, nil) //nolint:errcheck // Connection is closing anyway
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.timing.pongWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *WSClient) handleRequest(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		state, err := c.applySubscription(req)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		c.reply(req.ID, WSTypeResponse, state)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// applySubscription validates the whole request before changing anything,
// so a bad channel or device leaves the filter untouched.
func (c *WSClient) applySubscription(req wsRequest) (WSSubscriptionState, error) {
	if len(req.Payload) == 0 {
		return WSSubscriptionState{}, errors.New(req.Type + " payload is required")
	}
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return WSSubscriptionState{}, errors.New("invalid " + req.Type + " payload")
	}

	for _, ch := range p.Channels {
		if !strings.HasPrefix(ch, ChannelPrefix) {
			return WSSubscriptionState{}, errors.New("unknown channel: " + ch)
		}
	}
	keys := make([]lifecycle.DeviceKey, 0, len(p.Devices))
	for _, d := range p.Devices {
		k, err := lifecycle.ParseDeviceKey(d)
		if err != nil {
			return WSSubscriptionState{}, fmt.Errorf("invalid device %q", d)
		}
		keys = append(keys, k)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range p.Channels {
		if req.Type == WSTypeSubscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	for _, k := range keys {
		if req.Type == WSTypeSubscribe {
			c.devices[k] = struct{}{}
		} else {
			delete(c.devices, k)
		}
	}
	return c.stateLocked(), nil
}

func (c *WSClient) stateLocked() WSSubscriptionState {
	st := WSSubscriptionState{
		Channels: make([]string, 0, len(c.subscriptions)),
		Devices:  make([]string, 0, len(c.devices)),
	}
	for ch := range c.subscriptions {
		st.Channels = append(st.Channels, ch)
	}
	for k := range c.devices {
		st.Devices = append(st.Devices, k.String())
	}
	sort.Strings(st.Channels)
	sort.Strings(st.Devices)
	return st
}

// wants reports whether a message on channel about key (nil for messages
// not tied to a device) passes the client's filter.
func (c *WSClient) wants(channel string, key *lifecycle.DeviceKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, direct := c.subscriptions[channel]
	_, all := c.subscriptions[ChannelAll]
	if !direct && !(all && strings.HasPrefix(channel, ChannelPrefix)) {
		return false
	}
	if key == nil || len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[*key]
	return ok
}

// trySend queues data for the client. A full buffer (slow client) drops the
// message; so does a send channel closed by a concurrent Unregister.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
