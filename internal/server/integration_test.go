package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestRelayScenario walks the two-client exchange end to end: joins, a
// message, and a disconnect.
func TestRelayScenario(t *testing.T) {
	_, testServer := startRelay(t, nil)

	x := dialRelay(t, testServer.URL)
	y := dialRelay(t, testServer.URL)

	sendJSON(t, x, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	assertUsers(t, readJSON(t, x), "alice")

	sendJSON(t, y, map[string]any{"type": "join", "roomId": "r1", "userName": "bob"})
	assertUsers(t, readJSON(t, x), "alice", "bob")
	assertUsers(t, readJSON(t, y), "alice", "bob")

	sendJSON(t, x, map[string]any{"type": "message", "text": "hi"})
	got := readJSON(t, y)
	want := map[string]any{"type": "message", "roomId": "r1", "userName": "alice", "text": "hi"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// A status echoes to its sender. Seeing it next proves the message was
	// not delivered back to x.
	sendJSON(t, x, map[string]any{"type": "status", "text": "sentinel"})
	if frame := readJSON(t, x); frame["type"] != TypeStatus {
		t.Fatalf("expected x's next frame to be its status, got %v", frame)
	}
	if frame := readJSON(t, y); frame["type"] != TypeStatus {
		t.Fatalf("expected y to receive status, got %v", frame)
	}

	closeNormally(t, y)
	assertUsers(t, readJSON(t, x), "alice")
}

func TestRelayDropsEventsBeforeJoin(t *testing.T) {
	_, testServer := startRelay(t, nil)

	member := dialRelay(t, testServer.URL)
	sendJSON(t, member, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	assertUsers(t, readJSON(t, member), "alice")

	early := dialRelay(t, testServer.URL)
	sendJSON(t, early, map[string]any{"type": "message", "text": "too soon", "roomId": "r1"})
	sendJSON(t, early, map[string]any{"type": "status", "text": "busy", "roomId": "r1"})
	sendJSON(t, early, map[string]any{"type": "join", "roomId": "r1", "userName": "bob"})

	// Frames from one connection are handled in order, so the users list is
	// the first thing either side can see.
	assertUsers(t, readJSON(t, member), "alice", "bob")
	assertUsers(t, readJSON(t, early), "alice", "bob")
}

func TestRelayKeepsConnectionOpenOnMalformedInput(t *testing.T) {
	_, testServer := startRelay(t, nil)

	conn := dialRelay(t, testServer.URL)
	for _, raw := range []string{`garbage`, `{"type":"unknown"}`, `{"roomId":"r1"}`, `[]`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write %q: %v", raw, err)
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"join","roomId":"r1"}`)); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	sendJSON(t, conn, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	assertUsers(t, readJSON(t, conn), "alice")
}

func TestRelayIsolatesRooms(t *testing.T) {
	_, testServer := startRelay(t, nil)

	a := dialRelay(t, testServer.URL)
	b := dialRelay(t, testServer.URL)

	sendJSON(t, a, map[string]any{"type": "join", "roomId": "A", "userName": "ann"})
	assertUsers(t, readJSON(t, a), "ann")
	sendJSON(t, b, map[string]any{"type": "join", "roomId": "B", "userName": "ben"})
	assertUsers(t, readJSON(t, b), "ben")

	sendJSON(t, a, map[string]any{"type": "message", "text": "room A only"})
	sendJSON(t, a, map[string]any{"type": "reaction", "targetIndex": 0, "emoji": "👍"})
	if frame := readJSON(t, a); frame["type"] != TypeReaction || frame["roomId"] != "A" {
		t.Fatalf("expected a's reaction echo, got %v", frame)
	}

	// a's events are fully handled by now; anything leaked to b would be
	// queued ahead of b's own status.
	sendJSON(t, b, map[string]any{"type": "status", "text": "sentinel"})
	if frame := readJSON(t, b); frame["type"] != TypeStatus || frame["roomId"] != "B" {
		t.Fatalf("expected only b's own status, got %v", frame)
	}
}

func TestRelayConcurrentJoinsProduceCompleteMemberList(t *testing.T) {
	_, testServer := startRelay(t, nil)

	const numClients = 10
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dialRelay(t, testServer.URL)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			if err := conn.WriteJSON(map[string]any{"type": "join", "roomId": "busy", "userName": fmt.Sprintf("user-%d", i)}); err != nil {
				t.Errorf("client %d join: %v", i, err)
			}
		}(i, conn)
	}
	wg.Wait()

	// Each client keeps receiving users frames until the list is complete.
	want := make([]string, 0, numClients)
	for i := 0; i < numClients; i++ {
		want = append(want, fmt.Sprintf("user-%d", i))
	}
	for _, conn := range conns {
		var last map[string]any
		for {
			last = readJSON(t, conn)
			if len(usersOf(t, last)) == numClients {
				break
			}
		}
		assertUsers(t, last, want...)
	}
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	_, testServer := startRelay(t, nil)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL(testServer.URL), headers)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake from disallowed origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestRelayAllowsAnyOriginWithWildcard(t *testing.T) {
	_, testServer := startRelay(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"*"} })

	headers := http.Header{}
	headers.Set("Origin", "http://anywhere.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("expected wildcard origin to be accepted: %v", err)
	}
	_ = conn.Close()
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	_, testServer := startRelay(t, nil)

	resp, err := http.Post(testServer.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Errorf("expected Allow: GET, got %q", allow)
	}
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	_, testServer := startRelay(t, nil)

	resp, err := http.Get(testServer.URL + "/")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "running") {
		t.Errorf("unexpected health response %d %q", resp.StatusCode, body)
	}

	conn := dialRelay(t, testServer.URL)
	sendJSON(t, conn, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	assertUsers(t, readJSON(t, conn), "alice")

	resp, err = http.Get(testServer.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Clients != 1 || stats.Rooms != 1 {
		t.Errorf("expected 1 client in 1 room, got %+v", stats)
	}
}

func TestRelayClosesOversizedFrames(t *testing.T) {
	_, testServer := startRelay(t, func(cfg *Config) { cfg.MaxMessageSize = 64 })

	conn := dialRelay(t, testServer.URL)
	big := `{"type":"message","text":"` + strings.Repeat("x", 200) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after oversized frame")
	}
}

func TestRelayDropsFramesOverRateLimit(t *testing.T) {
	_, testServer := startRelay(t, func(cfg *Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})

	conn := dialRelay(t, testServer.URL)
	sendJSON(t, conn, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	sendJSON(t, conn, map[string]any{"type": "status", "text": "one"})
	sendJSON(t, conn, map[string]any{"type": "status", "text": "two"})

	assertUsers(t, readJSON(t, conn), "alice")
	if frame := readJSON(t, conn); frame["text"] != "one" {
		t.Fatalf("expected first status, got %v", frame)
	}

	if err := conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Errorf("expected rate limited frame to be dropped, got %s", raw)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(testConfig(), discardLogger())
	go hub.Run()
	testServer := httptest.NewServer(SetupRoutes(hub))
	defer testServer.Close()

	conn := dialRelay(t, testServer.URL)
	sendJSON(t, conn, map[string]any{"type": "join", "roomId": "r1", "userName": "alice"})
	assertUsers(t, readJSON(t, conn), "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close from server, got %v", err)
	}

	if hub.Register(NewClient(nil, hub, "late")) {
		t.Error("expected registration to fail after shutdown")
	}
}

func TestTestPageIsServed(t *testing.T) {
	_, testServer := startRelay(t, nil)

	resp, err := http.Get(testServer.URL + "/test")
	if err != nil {
		t.Fatalf("get test page: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("expected HTML content type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "new WebSocket(") {
		t.Error("expected test page to open a WebSocket")
	}
}
