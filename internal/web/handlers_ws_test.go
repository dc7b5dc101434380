package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"eq3-go-home/internal/thermostat"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewWSHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func recv(t *testing.T, c *wsClient) (thermostat.Event, bool) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			return thermostat.Event{}, false
		}
		var ev thermostat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return ev, true
	case <-time.After(200 * time.Millisecond):
		return thermostat.Event{}, false
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)

	c := &wsClient{send: make(chan []byte, 4)}
	hub.register <- c
	waitClients(t, hub, 1)

	hub.unregister <- c
	waitClients(t, hub, 0)

	if _, ok := <-c.send; ok {
		t.Error("send queue should be closed after unregister")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub(t)

	unknown := &wsClient{send: make(chan []byte, 1)}
	hub.unregister <- unknown
	waitClients(t, hub, 0)

	select {
	case unknown.send <- []byte("x"):
	default:
		t.Error("queue of an unregistered client must stay open")
	}
}

func TestWSHubFiltersByType(t *testing.T) {
	hub := newTestHub(t)

	all := &wsClient{send: make(chan []byte, 8)}
	onlySnap := &wsClient{send: make(chan []byte, 8), types: parseEventTypes(thermostat.EventSnapshot)}
	hub.register <- all
	hub.register <- onlySnap
	waitClients(t, hub, 2)

	hub.Broadcast(thermostat.Event{Type: thermostat.EventConnected})
	hub.Broadcast(thermostat.Event{Type: thermostat.EventSnapshot, Data: map[string]interface{}{"valve": 40}})

	for _, want := range []string{thermostat.EventConnected, thermostat.EventSnapshot} {
		ev, ok := recv(t, all)
		if !ok || ev.Type != want {
			t.Errorf("unfiltered client got %q (ok=%v), want %q", ev.Type, ok, want)
		}
	}

	ev, ok := recv(t, onlySnap)
	if !ok || ev.Type != thermostat.EventSnapshot {
		t.Errorf("filtered client got %q (ok=%v), want snapshot", ev.Type, ok)
	}
	if ev, ok := recv(t, onlySnap); ok {
		t.Errorf("filtered client got extra event %q", ev.Type)
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 8)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(thermostat.Event{Type: thermostat.EventConnecting})
	hub.Broadcast(thermostat.Event{Type: thermostat.EventConnected})
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client should still be registered")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	// Not running: the queue fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < wsEventBuffer+10; i++ {
			hub.Broadcast(thermostat.Event{Type: thermostat.EventSnapshot})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
	if n := len(hub.events); n != wsEventBuffer {
		t.Errorf("queued = %d, want %d", n, wsEventBuffer)
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub(t)

	c := &wsClient{send: make(chan []byte, 4)}
	hub.register <- c
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed queue after Stop")
		}
	case <-time.After(time.Second):
		t.Error("queue not closed after Stop")
	}
}

func TestParseEventTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{" , ", nil},
		{"snapshot", []string{"snapshot"}},
		{"connected, disconnected,", []string{"connected", "disconnected"}},
	}
	for _, tt := range tests {
		got := parseEventTypes(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("parseEventTypes(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		if tt.want == nil && got != nil {
			t.Errorf("parseEventTypes(%q) = %v, want nil", tt.raw, got)
		}
		for _, w := range tt.want {
			if !got[w] {
				t.Errorf("parseEventTypes(%q) missing %q", tt.raw, w)
			}
		}
	}
}

func dialWS(t *testing.T, ctx context.Context, baseURL, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) thermostat.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev thermostat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return ev
}

func postConnect(t *testing.T, baseURL string) {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/connection/connect", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
}

func TestWSStreamsThermostatEvents(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts.URL, "")

	hello := readEvent(t, ctx, conn)
	if hello.Type != "hello" {
		t.Fatalf("first message type = %q, want hello", hello.Type)
	}
	status, _ := hello.Data.(map[string]interface{})
	if status["state"] != thermostat.Disconnected.String() {
		t.Errorf("hello state = %v, want disconnected", status["state"])
	}

	waitClients(t, srv.wsHub, 1)
	postConnect(t, ts.URL)

	for _, want := range []string{thermostat.EventConnecting, thermostat.EventConnected} {
		if ev := readEvent(t, ctx, conn); ev.Type != want {
			t.Errorf("event type = %q, want %q", ev.Type, want)
		}
	}
}

func TestWSTypesQueryFilters(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts.URL, "?types=connected")

	if ev := readEvent(t, ctx, conn); ev.Type != "hello" {
		t.Fatalf("first message type = %q, want hello", ev.Type)
	}

	waitClients(t, srv.wsHub, 1)
	postConnect(t, ts.URL)

	if ev := readEvent(t, ctx, conn); ev.Type != thermostat.EventConnected {
		t.Errorf("event type = %q, want connected (connecting filtered out)", ev.Type)
	}
}
