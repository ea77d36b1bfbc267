package ws

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"docrelay/internal/services/room"
)

type connState int

const (
	stateUnauthenticated connState = iota // connected, not bound to a room
	stateJoined                           // bound to one roomID + userID
	stateClosed                           // terminal
)

// connHandler is the per-connection protocol state machine. It holds only a
// transient reference into the store (current room id, current user id); the
// store owns all room and user records.
type connHandler struct {
	store    room.IRoomStore
	conn     *clientConn
	validate *validator.Validate

	state  connState
	roomID string
	userID string
}

func newConnHandler(store room.IRoomStore, conn *clientConn, validate *validator.Validate) *connHandler {
	return &connHandler{store: store, conn: conn, validate: validate}
}

// handleFrame processes one inbound frame to completion. The reader loop calls
// it serially, so each message's store mutations finish before the next frame
// is looked at.
func (h *connHandler) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.replyError("Invalid message format")
		return
	}

	switch env.Type {
	case MsgCreateRoom:
		h.handleCreateRoom()
	case MsgJoin:
		h.handleJoin(env.Payload)
	case MsgDocumentUpdate:
		h.handleDocumentUpdate(env.Payload)
	case MsgCursorMove:
		h.handleCursorMove(env.Payload)
	case MsgLeave:
		h.handleLeave()
	default:
		zap.L().Info("ws.unknown_message_type", zap.String("type", env.Type))
	}
}

func (h *connHandler) handleCreateRoom() {
	if h.state != stateUnauthenticated {
		return
	}
	roomID, err := h.store.CreateRoom()
	if err != nil {
		h.replyError(err.Error())
		return
	}
	h.reply(MsgRoomCreated, RoomCreatedPayload{RoomID: roomID})
}

func (h *connHandler) handleJoin(payload json.RawMessage) {
	if h.state != stateUnauthenticated {
		zap.L().Info("ws.join_ignored", zap.String("room_id", h.roomID))
		return
	}

	var req JoinPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.replyError("Invalid message format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.replyError("Invalid message format")
		return
	}

	user, doc, err := h.store.JoinRoom(req.RoomID, req.Username, h.conn)
	if err != nil {
		h.replyError(joinErrorMessage(err))
		return
	}

	h.state = stateJoined
	h.roomID = req.RoomID
	h.userID = user.ID

	h.reply(MsgRoomJoined, RoomJoinedPayload{User: user, RoomID: req.RoomID, Document: doc})
	h.broadcastPresence()
	h.seedCursors()
}

// seedCursors replays the peers' last known cursors to a fresh joiner so its
// overlay is populated without waiting for everyone to move again. Cursor
// data stays on its own channel; it never rides the presence list.
func (h *connHandler) seedCursors() {
	for _, mc := range h.store.Cursors(h.roomID) {
		if mc.UserID == h.userID {
			continue
		}
		h.reply(MsgCursorMove, CursorBroadcastPayload{UserID: mc.UserID, CursorPosition: mc.Position})
	}
}

func (h *connHandler) handleDocumentUpdate(payload json.RawMessage) {
	if h.state != stateJoined {
		return
	}
	var req DocumentPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.replyError("Invalid message format")
		return
	}

	h.store.UpdateDocument(h.roomID, req.Document)
	h.store.Broadcast(
		h.roomID,
		mustEnvelope(MsgDocumentUpdate, DocumentBroadcastPayload{Document: req.Document, UserID: h.userID}),
		h.userID,
	)
}

func (h *connHandler) handleCursorMove(payload json.RawMessage) {
	if h.state != stateJoined {
		return
	}
	var req CursorPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.replyError("Invalid message format")
		return
	}

	// Cursor traffic never touches presence; the two channels stay independent.
	h.store.SetCursor(h.roomID, h.userID, req.CursorPosition)
	h.store.Broadcast(
		h.roomID,
		mustEnvelope(MsgCursorMove, CursorBroadcastPayload{UserID: h.userID, CursorPosition: req.CursorPosition}),
		h.userID,
	)
}

// handleLeave removes the user like a connection close would, but keeps the
// socket open and returns the connection to the unauthenticated state.
func (h *connHandler) handleLeave() {
	if h.state != stateJoined {
		return
	}
	h.leaveAndNotify()
	h.state = stateUnauthenticated
}

// onClose runs exactly once when the underlying connection is gone.
func (h *connHandler) onClose() {
	if h.state == stateJoined {
		h.leaveAndNotify()
	}
	h.state = stateClosed
}

func (h *connHandler) leaveAndNotify() {
	roomID, userID := h.roomID, h.userID
	h.roomID, h.userID = "", ""

	h.store.LeaveRoom(roomID, userID)
	// Broadcast is a no-op when the leaver was the last member and the room
	// is already gone.
	h.store.Broadcast(
		roomID,
		mustEnvelope(MsgUserPresence, UserPresencePayload{Users: h.store.PublicUsers(roomID)}),
		"",
	)
}

// broadcastPresence sends the full membership list to every member of the
// current room, the sender included.
func (h *connHandler) broadcastPresence() {
	h.store.Broadcast(
		h.roomID,
		mustEnvelope(MsgUserPresence, UserPresencePayload{Users: h.store.PublicUsers(h.roomID)}),
		"",
	)
}

// reply goes through the same outbound queue as broadcasts, so a reply and a
// following fan-out frame can never swap places on the wire.
func (h *connHandler) reply(msgType string, payload any) {
	if err := h.conn.SendText(mustEnvelope(msgType, payload)); err != nil {
		zap.L().Debug("ws.reply_failed", zap.Error(err))
	}
}

func (h *connHandler) replyError(message string) {
	h.reply(MsgError, ErrorPayload{Message: message})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, room.ErrRoomFull):
		return "Room is full"
	case errors.Is(err, room.ErrUsernameTaken):
		return "Username already taken"
	default:
		return err.Error()
	}
}
