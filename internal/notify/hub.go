// Package notify fans live world events out to websocket subscribers. Delivery is best-effort:
// nothing is persisted and slow subscribers lose messages.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types published per world.
const (
	TypeInteraction    = "interaction"
	TypeStatus         = "status"
	TypeAgentJoined    = "agent-joined"
	TypeAgentLeft      = "agent-left"
	TypeRelationUpdate = "relation-update"
	TypeEmergentEvent  = "emergent-event"
	TypeSceneDirection = "scene-direction"
)

// Event is one live message on a world's topic.
type Event struct {
	Type    string    `json:"type"`
	WorldID string    `json:"world_id"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is the fire-and-forget side of the channel.
type Publisher interface {
	Publish(worldID string, ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string, Event) {}

const (
	subscriberBuffer = 64
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

type subscriber struct {
	id  string
	out chan []byte
}

// Hub keeps per-world subscriber sets.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscriber

	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Publish encodes ev once and offers it to each subscriber of the world without blocking.
func (h *Hub) Publish(worldID string, ev Event) {
	ev.WorldID = worldID
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify marshal failed", "world", worldID, "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[worldID] {
		select {
		case s.out <- b:
		default:
			slog.Debug("notify subscriber slow, dropping", "world", worldID, "subscriber", s.id, "type", ev.Type)
		}
	}
}

// Subscribe registers a listener on a world and returns its message stream and an unsubscribe func.
func (h *Hub) Subscribe(worldID string) (<-chan []byte, func()) {
	s := &subscriber{id: uuid.NewString(), out: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	if h.subs[worldID] == nil {
		h.subs[worldID] = make(map[string]*subscriber)
	}
	h.subs[worldID][s.id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[worldID], s.id)
			if len(h.subs[worldID]) == 0 {
				delete(h.subs, worldID)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of listeners on a world.
func (h *Hub) Subscribers(worldID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[worldID])
}

// ServeWS upgrades the request and streams the world's events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, worldID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "world", worldID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Subscribe(worldID)
	defer unsubscribe()

	// Reader: only needed to process control frames and notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case b := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(worldID string, ev Event) {
	ev.WorldID = worldID
	r.mu.Lock()
	r.Events = append(r.Events, ev)
	r.mu.Unlock()
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
