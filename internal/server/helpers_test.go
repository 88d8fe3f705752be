package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testOrigin = "http://localhost:3000"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit.Burst = 1000
	return cfg
}

// Unit helpers drive the hub directly, without Run or sockets.

func newUnitHub(t *testing.T, mutate func(*Config)) *Hub {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := NewHub(cfg, discardLogger())
	t.Cleanup(h.cancel)
	return h
}

func addClient(h *Hub) *Client {
	c := NewClient(nil, h, "127.0.0.1:12345")
	h.handleRegister(c)
	return c
}

func dispatchJSON(t *testing.T, h *Hub, c *Client, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	h.dispatch(c, raw)
}

func joinAs(t *testing.T, h *Hub, c *Client, room, name string) {
	t.Helper()
	dispatchJSON(t, h, c, map[string]any{"type": "join", "roomId": room, "userName": name})
}

// drain returns every frame queued for c without blocking.
func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, decodeFrame(t, raw))
		default:
			return frames
		}
	}
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return frame
}

func usersOf(t *testing.T, frame map[string]any) []string {
	t.Helper()
	if frame["type"] != TypeUsers {
		t.Fatalf("expected users event, got %v", frame)
	}
	list, ok := frame["users"].([]any)
	if !ok {
		t.Fatalf("users field is not a list: %v", frame)
	}
	names := make([]string, 0, len(list))
	for _, v := range list {
		names = append(names, v.(string))
	}
	sort.Strings(names)
	return names
}

func assertUsers(t *testing.T, frame map[string]any, want ...string) {
	t.Helper()
	got := usersOf(t, frame)
	want = append([]string{}, want...)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected users %v, got %v", want, got)
	}
}

func assertNoFrames(t *testing.T, c *Client) {
	t.Helper()
	if frames := drain(t, c); len(frames) != 0 {
		t.Errorf("expected no frames, got %v", frames)
	}
}

// Integration helpers run a real hub behind httptest.

func startRelay(t *testing.T, mutate func(*Config)) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	hub := NewHub(cfg, discardLogger())
	go hub.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Shutdown(ctx); err != nil {
			t.Errorf("hub shutdown: %v", err)
		}
	})

	testServer := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(testServer.Close)
	return hub, testServer
}

func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

func dialRelay(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(wsURL(serverURL), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	messageType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", messageType)
	}
	return decodeFrame(t, raw)
}

func closeNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = conn.Close()
}
