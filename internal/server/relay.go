package server

import (
	"encoding/json"
	"fmt"
	"sort"
)

// join binds c to a room. A join naming a different room than the current
// session is a room switch: the old room sees c leave before the new room
// sees it arrive.
func (h *Hub) join(c *Client, raw []byte) ([]*Client, error) {
	roomID, userName, err := decodeJoin(raw)
	if err != nil {
		return nil, err
	}

	h.mutex.Lock()
	previous := h.sessions[c]
	h.sessions[c] = &Session{RoomID: roomID, UserName: userName}
	if previous != nil && previous.RoomID != roomID {
		h.leaveRoomLocked(c, previous.RoomID)
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	h.mutex.Unlock()

	h.logger.Info("client joined room", "client", c.id, "room", roomID, "user", userName)

	var failed []*Client
	if previous != nil && previous.RoomID != roomID {
		failed = append(failed, h.broadcastUsers(previous.RoomID)...)
	}
	return append(failed, h.broadcastUsers(roomID)...), nil
}

func (h *Hub) forwardMessage(c *Client, raw []byte) ([]*Client, error) {
	if _, err := decodeText(raw); err != nil {
		return nil, err
	}
	return h.forward(c, raw)
}

func (h *Hub) forwardTyping(c *Client, raw []byte) ([]*Client, error) {
	return h.forward(c, raw)
}

// forward relays the sender's frame to the rest of its room with identity
// fields taken from the session.
func (h *Hub) forward(c *Client, raw []byte) ([]*Client, error) {
	session, err := h.sessionOf(c)
	if err != nil {
		return nil, err
	}

	payload, err := stampIdentity(raw, session)
	if err != nil {
		return nil, err
	}
	return h.broadcast(session.RoomID, payload, c), nil
}

// react echoes to the sender too; clients apply reactions only when the
// relay delivers them.
func (h *Hub) react(c *Client, raw []byte) ([]*Client, error) {
	session, err := h.sessionOf(c)
	if err != nil {
		return nil, err
	}

	index, emoji, err := decodeReaction(raw)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ReactionEvent{
		Type:        TypeReaction,
		RoomID:      session.RoomID,
		TargetIndex: index,
		Emoji:       emoji,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reaction: %w", err)
	}
	return h.broadcast(session.RoomID, payload, nil), nil
}

func (h *Hub) status(c *Client, raw []byte) ([]*Client, error) {
	session, err := h.sessionOf(c)
	if err != nil {
		return nil, err
	}

	text, err := decodeText(raw)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(StatusEvent{
		Type:     TypeStatus,
		Text:     text,
		UserName: session.UserName,
		RoomID:   session.RoomID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return h.broadcast(session.RoomID, payload, nil), nil
}

func (h *Hub) sessionOf(c *Client) (*Session, error) {
	session, ok := h.sessions[c]
	if !ok {
		return nil, errNoSession
	}
	return session, nil
}

// broadcastUsers sends the room's current member list to all of its members.
func (h *Hub) broadcastUsers(roomID string) []*Client {
	payload, err := json.Marshal(UsersEvent{Type: TypeUsers, Users: h.memberNames(roomID)})
	if err != nil {
		h.logger.Error("failed to encode users event", "room", roomID, "error", err)
		return nil
	}
	return h.broadcast(roomID, payload, nil)
}

// memberNames projects the room's sessions onto their distinct display names,
// sorted. Two connections sharing a name appear once, and the name stays
// listed until both have left.
func (h *Hub) memberNames(roomID string) []string {
	seen := make(map[string]struct{})
	names := make([]string, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		session := h.sessions[c]
		if session == nil {
			continue
		}
		if _, dup := seen[session.UserName]; dup {
			continue
		}
		seen[session.UserName] = struct{}{}
		names = append(names, session.UserName)
	}
	sort.Strings(names)
	return names
}
