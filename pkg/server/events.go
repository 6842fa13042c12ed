package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/model"
)

const (
	eventBuffer  = 16
	writeTimeout = 5 * time.Second
)

// Event is one message of the transition stream.
type Event struct {
	Type    string      `json:"type"` // state or transition
	Payload interface{} `json:"payload"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// EventHub fans uplink transitions out to websocket subscribers. Publish
// never blocks: a subscriber that cannot keep up is disconnected.
type EventHub struct {
	upgrader websocket.Upgrader
	snapshot func() model.FailoverState
	log      logrus.FieldLogger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewEventHub creates a hub; snapshot supplies the state sent on connect.
func NewEventHub(snapshot func() model.FailoverState, log logrus.FieldLogger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		snapshot: snapshot,
		log:      log,
		subs:     map[*subscriber]struct{}{},
	}
}

// HandleEvents upgrades the request and streams events until the client
// goes away.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("event stream upgrade failed")
		return
	}
	sub := &subscriber{conn: conn, send: make(chan Event, eventBuffer)}
	sub.send <- Event{Type: "state", Payload: h.snapshot()}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("remote", r.RemoteAddr).Debug("event subscriber connected")

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// Publish queues a transition for every subscriber.
func (h *EventHub) Publish(tr model.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- Event{Type: "transition", Payload: tr}:
		default:
			h.log.Warn("event subscriber too slow, disconnecting")
			h.drop(sub)
		}
	}
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.drop(sub)
	}
}

// drop must be called with mu held.
func (h *EventHub) drop(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
}

func (h *EventHub) writeLoop(sub *subscriber) {
	defer sub.conn.Close()
	for ev := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteJSON(ev); err != nil {
			h.mu.Lock()
			h.drop(sub)
			h.mu.Unlock()
			return
		}
	}
	sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readLoop only notices the client leaving.
func (h *EventHub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.drop(sub)
			h.mu.Unlock()
			return
		}
	}
}
