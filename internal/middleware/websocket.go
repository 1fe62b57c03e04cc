package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"mqdash/internal/models"
	"mqdash/internal/snapshot"
	"mqdash/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// Outbound buffer per observer. A buffer that fills faster than the
	// observer drains it means the observer is stalled; it gets dropped
	// rather than holding up delivery to everyone else.
	sendBuffer = 16

	maxInboundBytes = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Configure properly for production
	},
}

// observer is one connected live-feed subscriber. The hub run loop is the
// only writer to the observer set; each observer owns a buffered outbound
// channel drained by its own writer goroutine, so a slow connection never
// blocks the hub or its peers.
type observer struct {
	conn   *websocket.Conn
	send   chan []byte
	joined time.Time
}

// Hub fans every published snapshot (or fetch error) out to all connected
// observers and sends each newly connected observer the current snapshot as
// its first message.
type Hub struct {
	observers  map[*observer]bool
	register   chan *observer
	unregister chan *observer
	broadcast  chan []byte
	refresh    chan *observer
	done       chan struct{}
	store      *snapshot.Store
	mutex      sync.RWMutex
	logger     *utils.Logger
}

func NewHub(store *snapshot.Store, logger *utils.Logger) *Hub {
	return &Hub{
		observers:  make(map[*observer]bool),
		register:   make(chan *observer),
		unregister: make(chan *observer),
		broadcast:  make(chan []byte),
		refresh:    make(chan *observer),
		done:       make(chan struct{}),
		store:      store,
		logger:     logger,
	}
}

// Run owns the observer set. Join, leave, refresh, and broadcast all funnel
// through this single loop, so publishing always iterates a stable set and
// membership changes never race a fan-out.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for obs := range h.observers {
				delete(h.observers, obs)
				close(obs.send)
			}
			h.mutex.Unlock()
			return

		case obs := <-h.register:
			h.mutex.Lock()
			h.observers[obs] = true
			h.mutex.Unlock()
			h.queueCurrent(obs)
			h.logf("Observer connected (total %d)", len(h.observers))

		case obs := <-h.unregister:
			h.drop(obs, "disconnected")

		case message := <-h.broadcast:
			for obs := range h.observers {
				select {
				case obs.send <- message:
				default:
					h.drop(obs, "outbound buffer full")
				}
			}

		case obs := <-h.refresh:
			if h.observers[obs] {
				h.queueCurrent(obs)
			}
		}
	}
}

// drop removes an observer from the set and closes its outbound channel.
// Idempotent: a transport close racing an explicit leave is harmless.
func (h *Hub) drop(obs *observer, reason string) {
	if !h.observers[obs] {
		return
	}
	h.mutex.Lock()
	delete(h.observers, obs)
	h.mutex.Unlock()
	close(obs.send)
	h.logf("Observer dropped after %s: %s (total %d)",
		time.Since(obs.joined).Round(time.Second), reason, len(h.observers))
}

// queueCurrent sends the current snapshot, or the no-data placeholder, to a
// single observer. Every observer's first message is always a full snapshot.
func (h *Hub) queueCurrent(obs *observer) {
	event := models.Event{Type: models.EventNoData}
	if snap := h.store.Current(); snap != nil {
		event = models.Event{Type: models.EventSnapshotUpdate, Data: snap}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logf("Failed to encode snapshot event: %v", err)
		return
	}
	select {
	case obs.send <- payload:
	default:
		h.drop(obs, "outbound buffer full")
	}
}

// PublishSnapshot delivers a new snapshot to every connected observer.
// Called by the poller after each successful cycle; cycles never overlap, so
// per-observer delivery order matches poll-completion order.
func (h *Hub) PublishSnapshot(snap *models.Snapshot) {
	h.publish(models.Event{Type: models.EventSnapshotUpdate, Data: snap})
}

// PublishError tells observers the latest cycle failed and their data is
// unchanged. Sent as a distinct event type so clients can show a last-error
// indicator without discarding the displayed snapshot.
func (h *Hub) PublishError(fe *models.FetchError) {
	h.publish(models.Event{Type: models.EventSnapshotError, Data: fe})
}

func (h *Hub) publish(event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logf("Failed to encode %s event: %v", event.Type, err)
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// ClientCount reports the number of currently connected observers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.observers)
}

// Shutdown disconnects all observers and stops the run loop.
func (h *Hub) Shutdown() {
	close(h.done)
}

// HandleWebSocket upgrades the connection and runs the observer's read loop
// until the peer goes away. The only inbound message kind is
// request-refresh, which re-sends the current snapshot to the requester.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logf("WebSocket upgrade error: %v", err)
			return
		}

		obs := &observer{
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			joined: time.Now(),
		}
		select {
		case h.register <- obs:
		case <-h.done:
			conn.Close()
			return
		}

		go obs.writePump(h)
		obs.readPump(h)
	}
}

// readPump consumes inbound messages until the connection errors or closes,
// then deregisters the observer.
func (o *observer) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- o:
		case <-h.done:
		}
		o.conn.Close()
	}()

	o.conn.SetReadLimit(maxInboundBytes)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				h.logf("WebSocket read error: %v", err)
			}
			return
		}
		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			h.logf("Ignoring malformed observer message: %v", err)
			continue
		}
		if event.Type == models.EventRequestRefresh {
			select {
			case h.refresh <- o:
			case <-h.done:
				return
			}
		}
	}
}

// writePump drains the observer's outbound channel onto the wire and keeps
// the connection alive with pings. A closed channel means the hub dropped
// this observer; a write error makes the observer deregister itself.
func (o *observer) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case message, ok := <-o.send:
			if !ok {
				_ = o.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logf("WebSocket write error: %v", err)
				select {
				case h.unregister <- o:
				case <-h.done:
				}
				return
			}

		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				select {
				case h.unregister <- o:
				case <-h.done:
				}
				return
			}
		}
	}
}

func (h *Hub) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if h.logger != nil {
		h.logger.Write(msg)
		return
	}
	log.Println(msg)
}
