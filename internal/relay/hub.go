// ABOUTME: Websocket fan-out hub keyed by channel id.
// ABOUTME: Non-blocking emit with per-subscriber write pumps, ping keepalive, and slow-client drop.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrChannelExists is returned when registering a channel id twice.
	ErrChannelExists = errors.New("channel already registered")
	// ErrChannelNotFound is returned when emitting to an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrHubClosed is returned by RegisterChannel after Close.
	ErrHubClosed = errors.New("relay hub closed")
)

const (
	// DefaultSubscriberBuffer is the per-subscriber send queue length.
	DefaultSubscriberBuffer = 64

	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// Subscribers never send anything meaningful; cap what they can send.
	maxSubscriberMessage = 512

	// WSPathPrefix is where ServeHTTP expects to be mounted.
	WSPathPrefix = "/ws"
)

// Close reasons sent to subscribers.
const (
	reasonDeviceDisconnected = "device disconnected"
	reasonTooSlow            = "subscriber too slow"
	reasonShutdown           = "gateway shutting down"
)

// HubConfig configures a Hub. Zero values select defaults.
type HubConfig struct {
	// AllowedOrigins restricts browser subscribers. Empty allows requests
	// without an Origin header, same-host origins, and localhost.
	AllowedOrigins   []string
	SubscriberBuffer int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

// Event is the JSON frame delivered to subscribers.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
}

// Hub fans events out to websocket subscribers of named channels.
type Hub struct {
	cfg            HubConfig
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	logger         *slog.Logger

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool

	pumps sync.WaitGroup
}

type channel struct {
	id string

	mu   sync.Mutex
	seq  uint64
	subs map[string]*subscriber
}

// NewHub creates an empty Hub.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	h := &Hub{
		cfg:            cfg,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		logger:         logger.With("component", "relay"),
		channels:       make(map[string]*channel),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// RegisterChannel creates channel id.
func (h *Hub) RegisterChannel(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.channels[id]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, id)
	}
	h.channels[id] = &channel{id: id, subs: make(map[string]*subscriber)}
	h.logger.Debug("channel registered", "channel", id)
	return nil
}

// UnregisterChannel removes channel id and closes its subscribers with a
// going-away close frame. Unknown ids are ignored.
func (h *Hub) UnregisterChannel(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()

	if !ok {
		return
	}
	n := ch.closeAll(websocket.CloseGoingAway, reasonDeviceDisconnected)
	h.logger.Debug("channel unregistered", "channel", id, "subscribers_closed", n)
}

// Emit publishes one event on channel id. It never blocks on subscribers;
// a subscriber whose queue is full is disconnected.
func (h *Hub) Emit(id, event string, data *structpb.Value) error {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}

	raw, err := marshalData(data)
	if err != nil {
		return fmt.Errorf("encoding data for %s: %w", id, err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.seq++
	frame, err := json.Marshal(Event{
		Channel: id,
		Event:   event,
		Data:    raw,
		Seq:     ch.seq,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding event for %s: %w", id, err)
	}

	for subID, sub := range ch.subs {
		select {
		case sub.send <- frame:
		default:
			delete(ch.subs, subID)
			sub.stop(websocket.ClosePolicyViolation, reasonTooSlow)
			h.logger.Warn("subscriber too slow, disconnecting",
				"channel", id,
				"subscriber_id", subID,
			)
		}
	}
	return nil
}

// Channels returns the registered channel ids, sorted.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SubscriberCount returns the number of subscribers on channel id.
func (h *Hub) SubscriberCount(id string) int {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Close unregisters every channel and waits for subscriber pumps to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.closeAll(websocket.CloseGoingAway, reasonShutdown)
	}
	h.pumps.Wait()
	return nil
}

// ServeHTTP upgrades GET /ws/<path> into a subscription on channel /<path>.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, WSPathPrefix)
	if id == "" || id == "/" || !strings.HasPrefix(id, "/") {
		http.Error(w, "channel required", http.StatusNotFound)
		return
	}

	h.mu.RLock()
	_, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "channel", id, "error", err)
		return
	}

	sub := newSubscriber(conn, h.cfg)
	if !h.startPumps(id, sub) {
		// Close ran between lookup and upgrade.
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reasonShutdown)
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		return
	}
	if !h.attach(id, sub) {
		// The device went away between lookup and upgrade.
		sub.stop(websocket.CloseGoingAway, reasonDeviceDisconnected)
	}

	h.logger.Info("subscriber connected",
		"channel", id,
		"subscriber_id", sub.id,
		"remote_addr", r.RemoteAddr,
	)
}

// startPumps runs the subscriber's pumps unless the hub is closed. The pumps
// are counted under h.mu so Close never waits on a group still being added to.
func (h *Hub) startPumps(id string, sub *subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}

	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		sub.writePump()
	}()
	go func() {
		defer h.pumps.Done()
		sub.readPump()
		h.detach(id, sub)
	}()
	return true
}

func (h *Hub) attach(id string, sub *subscriber) bool {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.subs == nil {
		return false
	}
	ch.subs[sub.id] = sub
	return true
}

// detach removes sub after its connection ended from the subscriber side.
func (h *Hub) detach(id string, sub *subscriber) {
	sub.stop(websocket.CloseNormalClosure, "")

	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	_, present := ch.subs[sub.id]
	delete(ch.subs, sub.id)
	ch.mu.Unlock()

	if present {
		h.logger.Info("subscriber disconnected", "channel", id, "subscriber_id", sub.id)
	}
}

// closeAll stops every subscriber and marks the channel dead so a racing
// attach cannot add to it.
func (c *channel) closeAll(code int, reason string) int {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop(code, reason)
	}
	return len(subs)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(h.allowedOrigins) > 0 {
		if h.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return h.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	return host == "localhost" || strings.HasPrefix(host, "localhost:") ||
		host == "127.0.0.1" || strings.HasPrefix(host, "127.0.0.1:")
}

func marshalData(v *structpb.Value) (json.RawMessage, error) {
	if v == nil || v.GetKind() == nil {
		return json.RawMessage("null"), nil
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	cfg  HubConfig

	stopOnce    sync.Once
	quit        chan struct{}
	closeCode   int
	closeReason string
}

func newSubscriber(conn *websocket.Conn, cfg HubConfig) *subscriber {
	return &subscriber{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, cfg.SubscriberBuffer),
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// stop asks the write pump to send a close frame and hang up. Only the
// first call's code and reason are used.
func (s *subscriber) stop(code int, reason string) {
	s.stopOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.quit)
	})
}

// writePump is the only writer of data frames on the connection.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.quit:
			s.flush()
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// flush writes whatever was queued before the stop.
func (s *subscriber) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *subscriber) write(msg []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// readPump discards subscriber input and returns when the connection ends.
func (s *subscriber) readPump() {
	pongWait := s.cfg.PingInterval * 2
	s.conn.SetReadLimit(maxSubscriberMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
