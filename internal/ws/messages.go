package ws

import (
	"encoding/json"

	"docrelay/internal/services/room"
)

// Envelope wraps every WS frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
}

// Client -> relay message types.
const (
	MsgCreateRoom     = "create-room"
	MsgJoin           = "join"
	MsgLeave          = "leave"
	MsgDocumentUpdate = "document-update"
	MsgCursorMove     = "cursor-move"
)

// Relay -> client message types.
const (
	MsgRoomCreated  = "room-created"
	MsgRoomJoined   = "room-joined"
	MsgUserPresence = "user-presence"
	MsgError        = "error"
	// document-update and cursor-move are echoed under their inbound names
)

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// JoinPayload is the body for "join".
type JoinPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// DocumentPayload is the body for an inbound "document-update".
type DocumentPayload struct {
	Document json.RawMessage `json:"document"`
}

// CursorPayload is the body for an inbound "cursor-move".
type CursorPayload struct {
	CursorPosition room.CursorPosition `json:"cursorPosition"`
}

type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
}

type RoomJoinedPayload struct {
	User     room.PublicUser `json:"user"`
	RoomID   string          `json:"roomId"`
	Document json.RawMessage `json:"document"`
}

type UserPresencePayload struct {
	Users []room.PublicUser `json:"users"`
}

// DocumentBroadcastPayload is the fan-out body for "document-update".
type DocumentBroadcastPayload struct {
	Document json.RawMessage `json:"document"`
	UserID   string          `json:"userId"`
}

// CursorBroadcastPayload is the fan-out body for "cursor-move".
type CursorBroadcastPayload struct {
	UserID         string              `json:"userId"`
	CursorPosition room.CursorPosition `json:"cursorPosition"`
}

// ErrorPayload is returned for failures.
type ErrorPayload struct {
	Message string `json:"message"`
}

func mustEnvelope(msgType string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		panic("ws: marshal payload: " + err.Error())
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: body})
	if err != nil {
		panic("ws: marshal envelope: " + err.Error())
	}
	return data
}
