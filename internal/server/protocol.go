// Package server defines the JSON wire contract exchanged with relay clients.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types carried in the "type" discriminant of every frame.
const (
	TypeJoin     = "join"
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypeReaction = "reaction"
	TypeStatus   = "status"
	TypeUsers    = "users"
)

// DefaultUserName is bound to sessions that join without a display name.
const DefaultUserName = "Anonymous"

var (
	errMissingType  = errors.New("missing event type")
	errMissingField = errors.New("missing required field")
	errNoSession    = errors.New("event before join")
)

type envelope struct {
	Type string `json:"type"`
}

type joinPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type textPayload struct {
	Text *string `json:"text"`
}

type reactionPayload struct {
	TargetIndex json.RawMessage `json:"targetIndex"`
	Emoji       string          `json:"emoji"`
}

// UsersEvent is the server-originated member list of a room.
type UsersEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ReactionEvent is broadcast to every member of a room, sender included.
// TargetIndex is relayed exactly as the sender wrote it.
type ReactionEvent struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId"`
	TargetIndex json.Number `json:"targetIndex"`
	Emoji       string      `json:"emoji"`
}

// StatusEvent is broadcast to every member of a room, sender included.
type StatusEvent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	UserName string `json:"userName"`
	RoomID   string `json:"roomId"`
}

// decodeType extracts the discriminant from a raw frame.
func decodeType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", errMissingType
	}
	return env.Type, nil
}

func decodeJoin(raw []byte) (roomID, userName string, err error) {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("decode join: %w", err)
	}

	roomID = strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return "", "", fmt.Errorf("join roomId: %w", errMissingField)
	}

	userName = strings.TrimSpace(p.UserName)
	if userName == "" {
		userName = DefaultUserName
	}
	return roomID, userName, nil
}

func decodeText(raw []byte) (string, error) {
	var p textPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	if p.Text == nil {
		return "", fmt.Errorf("text: %w", errMissingField)
	}
	return *p.Text, nil
}

func decodeReaction(raw []byte) (json.Number, string, error) {
	var p reactionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("decode reaction: %w", err)
	}
	index, ok := jsonNumber(p.TargetIndex)
	if !ok || p.Emoji == "" {
		return "", "", fmt.Errorf("reaction targetIndex/emoji: %w", errMissingField)
	}
	return index, p.Emoji, nil
}

// jsonNumber accepts only a bare JSON number literal; quoted numbers and null
// are rejected.
func jsonNumber(raw json.RawMessage) (json.Number, bool) {
	if len(raw) == 0 || raw[0] == '"' {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil || n == "" {
		return "", false
	}
	return n, true
}

// stampIdentity rewrites userName and roomId from the session while keeping
// every other field the sender supplied.
func stampIdentity(raw []byte, s *Session) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}

	userName, err := json.Marshal(s.UserName)
	if err != nil {
		return nil, err
	}
	roomID, err := json.Marshal(s.RoomID)
	if err != nil {
		return nil, err
	}
	fields["userName"] = userName
	fields["roomId"] = roomID

	return json.Marshal(fields)
}
