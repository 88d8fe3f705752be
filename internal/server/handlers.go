// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, hub stats, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades GET requests from allowed origins and hands the
// connection to hub.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, hub.logger)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)

		// The hub launches the pump goroutines.
		if !hub.Register(client) {
			_ = conn.Close()
		}
	}
}

// HealthHandler responds with a plain text line while the process is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// StatsHandler reports the hub's client and room counts as JSON.
func StatsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hub.Stats()); err != nil {
			hub.logger.Warn("failed to write stats response", "error", err)
		}
	}
}

// TestPageHandler serves an HTML page for joining a room and exchanging
// events by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Room Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; margin-right: 5px; }
        #users { color: #555; }
    </style>
</head>
<body>
    <h1>Room Relay Test</h1>

    <div>
        <input type="text" id="room" placeholder="Room" value="lobby">
        <input type="text" id="name" placeholder="Name">
        <button onclick="join()">Join</button>
    </div>
    <div id="users"></div>
    <div>
        <input type="text" id="text" placeholder="Message or status..." oninput="typing()">
        <button onclick="send('message')">Send</button>
        <button onclick="send('status')">Set status</button>
        <button onclick="react()">React to #0</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const events = document.getElementById('events');

        function log(text) {
            const el = document.createElement('div');
            el.textContent = text;
            events.appendChild(el);
            events.scrollTop = events.scrollHeight;
        }

        function join() {
            const roomId = document.getElementById('room').value;
            const userName = document.getElementById('name').value;
            if (ws) { ws.close(); }
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.onopen = () => ws.send(JSON.stringify({ type: 'join', roomId, userName }));
            ws.onmessage = (event) => {
                const data = JSON.parse(event.data);
                if (data.type === 'users') {
                    document.getElementById('users').textContent = 'In room: ' + data.users.join(', ');
                } else if (data.type !== 'typing') {
                    log(event.data);
                }
            };
            ws.onclose = () => log('Connection closed');
        }

        function send(type) {
            const input = document.getElementById('text');
            if (!ws || ws.readyState !== WebSocket.OPEN) { return; }
            ws.send(JSON.stringify({ type, text: input.value }));
            if (type === 'message') { log('You: ' + input.value); }
            input.value = '';
        }

        function typing() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'typing' }));
            }
        }

        function react() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'reaction', targetIndex: 0, emoji: '👍' }));
            }
        }
    </script>
</body>
</html>`
