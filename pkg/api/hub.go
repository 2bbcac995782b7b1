package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/slotem-chrono/pkg/logging"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSend = 64
)

// HubRecorder receives subscriber gauges and drop counts.
type HubRecorder interface {
	SetSubscribers(hub string, n int)
	RecordBroadcastError(hub string)
}

type nopHubRecorder struct{}

func (nopHubRecorder) SetSubscribers(string, int)  {}
func (nopHubRecorder) RecordBroadcastError(string) {}

// Hub fans text messages out to websocket subscribers. Broadcasts are
// serialized, so every subscriber receives messages in broadcast order.
// A subscriber that cannot keep up or whose write fails is dropped.
type Hub struct {
	name     string
	upgrader websocket.Upgrader
	logger   *logging.Logger
	recorder HubRecorder

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	onJoin func() []byte
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewHub creates a hub. name labels its logs and metrics.
func NewHub(name string, logger *logging.Logger, recorder HubRecorder) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	if recorder == nil {
		recorder = nopHubRecorder{}
	}
	return &Hub{
		name: name,
		upgrader: websocket.Upgrader{
			// any origin may subscribe
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger.WithField("hub", name),
		recorder: recorder,
		subs:     make(map[*subscriber]struct{}),
	}
}

// OnJoin sets a function whose result is sent to each new subscriber before
// any broadcast.
func (h *Hub) OnJoin(fn func() []byte) {
	h.mu.Lock()
	h.onJoin = fn
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and registers the subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	s := &subscriber{
		conn: conn,
		send: make(chan []byte, subscriberSend),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if h.onJoin != nil {
		if msg := h.onJoin(); msg != nil {
			s.send <- msg
		}
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.recorder.SetSubscribers(h.name, n)
	h.logger.Info("Subscriber connected", logging.Fields{"remote": conn.RemoteAddr().String()})

	go h.writeLoop(s)
	h.readLoop(s)
	h.remove(s)
	h.logger.Info("Subscriber disconnected", logging.Fields{"remote": conn.RemoteAddr().String()})
}

// readLoop drains the connection so pongs and close frames are processed.
func (h *Hub) readLoop(s *subscriber) {
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("WebSocket send error", logging.Fields{"error": err.Error()})
				h.recorder.RecordBroadcastError(h.name)
				h.remove(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	s.stop()
	if ok {
		h.recorder.SetSubscribers(h.name, n)
	}
}

// Broadcast queues msg for every subscriber and returns how many received it.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for s := range h.subs {
		select {
		case s.send <- msg:
			delivered++
		default:
			h.logger.Warn("Dropping slow subscriber", logging.Fields{"remote": s.conn.RemoteAddr().String()})
			h.recorder.RecordBroadcastError(h.name)
			delete(h.subs, s)
			s.stop()
		}
	}
	h.recorder.SetSubscribers(h.name, len(h.subs))
	return delivered
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	h.recorder.SetSubscribers(h.name, 0)
	return nil
}
