package middleware

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mqdash/internal/models"
	"mqdash/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func snapshotForCycle(n int) *models.Snapshot {
	marker := json.RawMessage(fmt.Sprintf(`{"cycle":%d}`, n))
	return &models.Snapshot{
		Brokers:      map[string]json.RawMessage{"b1": marker},
		Clients:      map[string]json.RawMessage{"c1": marker},
		SystemHealth: marker,
		TCPHealth:    map[string]json.RawMessage{"b1": marker},
		CapturedAt:   time.Unix(int64(n), 0).UTC(),
	}
}

// newHubServer starts a hub run loop plus a websocket endpoint around it.
func newHubServer(t *testing.T, store *snapshot.Store) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(store, nil)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialObserver(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func decodeSnapshot(t *testing.T, ev wireEvent) *models.Snapshot {
	t.Helper()
	var snap models.Snapshot
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		t.Fatalf("decode snapshot event: %v", err)
	}
	return &snap
}

func TestFirstMessageIsCurrentSnapshot(t *testing.T) {
	store := snapshot.NewStore()
	store.Replace(snapshotForCycle(7))
	_, srv := newHubServer(t, store)

	conn := dialObserver(t, srv)
	ev := readEvent(t, conn)
	if ev.Type != models.EventSnapshotUpdate {
		t.Fatalf("expected %s as first message, got %s", models.EventSnapshotUpdate, ev.Type)
	}
	snap := decodeSnapshot(t, ev)
	if string(snap.Brokers["b1"]) != `{"cycle":7}` {
		t.Fatalf("first message is not the store's current snapshot: %s", snap.Brokers["b1"])
	}
}

func TestFirstMessageIsNoDataBeforeFirstPoll(t *testing.T) {
	_, srv := newHubServer(t, snapshot.NewStore())

	conn := dialObserver(t, srv)
	ev := readEvent(t, conn)
	if ev.Type != models.EventNoData {
		t.Fatalf("expected %s before first successful poll, got %s", models.EventNoData, ev.Type)
	}
}

func TestRequestRefreshResendsSnapshot(t *testing.T) {
	store := snapshot.NewStore()
	store.Replace(snapshotForCycle(3))
	_, srv := newHubServer(t, store)

	conn := dialObserver(t, srv)
	readEvent(t, conn) // initial snapshot

	if err := conn.WriteJSON(models.Event{Type: models.EventRequestRefresh}); err != nil {
		t.Fatalf("send refresh: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != models.EventSnapshotUpdate {
		t.Fatalf("expected refresh to resend the snapshot, got %s", ev.Type)
	}
	snap := decodeSnapshot(t, ev)
	if snap.CapturedAt != time.Unix(3, 0).UTC() {
		t.Fatalf("refresh must not fabricate a new cycle, got %s", snap.CapturedAt)
	}
}

func TestBroadcastOrdering(t *testing.T) {
	store := snapshot.NewStore()
	hub, srv := newHubServer(t, store)

	conn := dialObserver(t, srv)
	readEvent(t, conn) // no-data; registration is now complete

	const cycles = 5
	for i := 1; i <= cycles; i++ {
		snap := snapshotForCycle(i)
		store.Replace(snap)
		hub.PublishSnapshot(snap)
	}

	var last time.Time
	for i := 1; i <= cycles; i++ {
		ev := readEvent(t, conn)
		if ev.Type != models.EventSnapshotUpdate {
			t.Fatalf("update %d: unexpected event %s", i, ev.Type)
		}
		snap := decodeSnapshot(t, ev)
		if !snap.CapturedAt.After(last) {
			t.Fatalf("update %d: captured_at %s not after %s", i, snap.CapturedAt, last)
		}
		last = snap.CapturedAt
	}
}

func TestErrorEventReachesObservers(t *testing.T) {
	store := snapshot.NewStore()
	hub, srv := newHubServer(t, store)

	conn := dialObserver(t, srv)
	readEvent(t, conn)

	hub.PublishError(&models.FetchError{
		Source:     "tcp-check",
		Cause:      "tcp-check: context deadline exceeded",
		OccurredAt: time.Now().UTC(),
	})

	ev := readEvent(t, conn)
	if ev.Type != models.EventSnapshotError {
		t.Fatalf("expected %s, got %s", models.EventSnapshotError, ev.Type)
	}
	var fe models.FetchError
	if err := json.Unmarshal(ev.Data, &fe); err != nil {
		t.Fatalf("decode fetch error: %v", err)
	}
	if fe.Source != "tcp-check" {
		t.Fatalf("expected failing source in error event, got %q", fe.Source)
	}
}

// TestSlowObserverIsolated registers one observer that never drains its
// buffer next to a healthy one and verifies the poisoned observer is dropped
// while the healthy one receives every update in order.
func TestSlowObserverIsolated(t *testing.T) {
	store := snapshot.NewStore()
	hub := NewHub(store, nil)
	go hub.Run()
	defer hub.Shutdown()

	poisoned := &observer{send: make(chan []byte, sendBuffer), joined: time.Now()}
	healthy := &observer{send: make(chan []byte, sendBuffer), joined: time.Now()}
	hub.register <- poisoned
	hub.register <- healthy

	received := make(chan []byte, 256)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for msg := range healthy.send {
			received <- msg
		}
	}()

	// One initial no-data message sits in each buffer already; publish more
	// than the poisoned observer's remaining capacity.
	const cycles = sendBuffer + 4
	for i := 1; i <= cycles; i++ {
		hub.PublishSnapshot(snapshotForCycle(i))
		// Pace the publishes so the draining goroutine keeps up; only the
		// poisoned observer should ever overflow.
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected poisoned observer to be dropped, count=%d", hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Healthy observer got the initial message plus every update, in order.
	var got []wireEvent
	timeout := time.After(2 * time.Second)
	for len(got) < cycles+1 {
		select {
		case msg := <-received:
			var ev wireEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("healthy observer received %d of %d messages", len(got), cycles+1)
		}
	}
	if got[0].Type != models.EventNoData {
		t.Fatalf("expected initial no-data, got %s", got[0].Type)
	}
	var last time.Time
	for i, ev := range got[1:] {
		if ev.Type != models.EventSnapshotUpdate {
			t.Fatalf("update %d: unexpected type %s", i+1, ev.Type)
		}
		snap := decodeSnapshot(t, ev)
		if !snap.CapturedAt.After(last) {
			t.Fatalf("update %d out of order: %s after %s", i+1, snap.CapturedAt, last)
		}
		last = snap.CapturedAt
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(snapshot.NewStore(), nil)
	go hub.Run()
	defer hub.Shutdown()

	obs := &observer{send: make(chan []byte, sendBuffer), joined: time.Now()}
	hub.register <- obs

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatal("observer never registered")
	}

	// A transport close racing an explicit leave produces two unregisters.
	hub.unregister <- obs
	hub.unregister <- obs

	deadline = time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("observer never deregistered")
	}
}

func TestShutdownClosesObserverConnections(t *testing.T) {
	store := snapshot.NewStore()
	hub := NewHub(store, nil)
	go hub.Run()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialObserver(t, srv)
	readEvent(t, conn)

	hub.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after shutdown")
	}
}
