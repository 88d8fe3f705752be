// Package relayclient is a Go client for the relay's WebSocket protocol.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Options controls how the client connects.
type Options struct {
	// Origin is sent on the handshake; the relay rejects origins outside its
	// allow-list.
	Origin           string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultOptions returns sensible defaults. A zero timeout disables it.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Event is any frame the relay sends. Fields absent from a given type are
// left zero; Raw holds the frame as received. TargetIndex keeps the number
// as the relay sent it, which need not be an integer.
type Event struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId,omitempty"`
	UserName    string      `json:"userName,omitempty"`
	Text        string      `json:"text,omitempty"`
	TargetIndex json.Number `json:"targetIndex,omitempty"`
	Emoji       string      `json:"emoji,omitempty"`
	Users       []string    `json:"users,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Client is a single relay connection.
type Client struct {
	ws   *websocket.Conn
	opts Options
}

// Dial connects to the relay WebSocket endpoint at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if url == "" {
		return nil, errors.New("empty URL")
	}

	dialCtx := ctx
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	ws, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return &Client{ws: ws, opts: opts}, nil
}

// Join binds the connection to room under name. An empty name joins as the
// relay's default.
func (c *Client) Join(ctx context.Context, room, name string) error {
	return c.Send(ctx, map[string]any{"type": "join", "roomId": room, "userName": name})
}

// SendMessage posts text to the current room.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	return c.Send(ctx, map[string]any{"type": "message", "text": text})
}

// Typing signals that the user is composing a message.
func (c *Client) Typing(ctx context.Context) error {
	return c.Send(ctx, map[string]any{"type": "typing"})
}

// React attaches emoji to the message at index in the room's shared history.
func (c *Client) React(ctx context.Context, index int, emoji string) error {
	return c.Send(ctx, map[string]any{"type": "reaction", "targetIndex": index, "emoji": emoji})
}

// SetStatus publishes a free-form presence status.
func (c *Client) SetStatus(ctx context.Context, text string) error {
	return c.Send(ctx, map[string]any{"type": "status", "text": text})
}

// Send writes v as one JSON frame.
func (c *Client) Send(ctx context.Context, v any) error {
	if c.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.WriteTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Next blocks for the next event. A read that fails because ctx expired
// closes the connection.
func (c *Client) Next(ctx context.Context) (Event, error) {
	if c.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ReadTimeout)
		defer cancel()
	}

	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if isExpectedDisconnect(err) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read frame: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.Raw = data
	return ev, nil
}

// Close performs the closing handshake.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client close")
}

func isExpectedDisconnect(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
