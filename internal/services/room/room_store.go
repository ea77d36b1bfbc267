package room

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PublicUser is the membership projection sent over the wire. Cursor data and
// connection handles never appear here; cursors travel on their own channel.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// CursorPosition is the last reported selection of a user. Not persisted
// across disconnect.
type CursorPosition struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	From int     `json:"from"`
	To   int     `json:"to"`
}

// Conn is the transport handle looked up at broadcast time. The store never
// keeps connections inside member records; they live in a side table keyed by
// user id so domain state stays decoupled from transport lifetime.
//
// SendText runs inside the store's critical section, so implementations must
// queue or drop without blocking.
type Conn interface {
	SendText(data []byte) error
}

const (
	roomCodeLen      = 6
	roomCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// Collisions are retried; with a 36^6 code space and a handful of live
	// rooms the first draw wins in practice.
	maxCodeAttempts = 10
)

// Every new room starts as a single empty paragraph.
var emptyDocument = json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`)

// palette holds the member colors, assigned round-robin by join order.
var palette = [4]string{"#3B82F6", "#EF4444", "#10B981", "#F59E0B"}

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrCodeSpaceExhausted = errors.New("room code space exhausted")
)

type member struct {
	id       string
	username string
	color    string
	cursor   *CursorPosition
}

type room struct {
	id      string
	members []*member // insertion order = join order
	joinSeq int       // total successful joins, drives color assignment
	doc     json.RawMessage
}

// MemberCursor pairs a user id with that user's last reported cursor.
type MemberCursor struct {
	UserID   string
	Position CursorPosition
}

type IRoomStore interface {
	CreateRoom() (string, error)
	JoinRoom(roomID, username string, conn Conn) (PublicUser, json.RawMessage, error)
	LeaveRoom(roomID, userID string)
	UpdateDocument(roomID string, doc json.RawMessage)
	SetCursor(roomID, userID string, cur CursorPosition)
	Cursors(roomID string) []MemberCursor
	Broadcast(roomID string, message []byte, excludeUserID string)
	PublicUsers(roomID string) []PublicUser
	RoomCount() int
}

type roomStore struct {
	mu       sync.Mutex // one coarse lock serializes all mutation
	rooms    map[string]*room
	conns    map[string]Conn // user id -> live connection
	maxUsers int
}

func NewRoomStore(maxUsers int) IRoomStore {
	return &roomStore{
		rooms:    make(map[string]*room),
		conns:    make(map[string]Conn),
		maxUsers: maxUsers,
	}
}

func generateRoomCode() string {
	code := make([]byte, roomCodeLen)
	for i := range code {
		code[i] = roomCodeAlphabet[rand.IntN(len(roomCodeAlphabet))]
	}
	return string(code)
}

func (s *roomStore) CreateRoom() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range maxCodeAttempts {
		id := generateRoomCode()
		if _, taken := s.rooms[id]; taken {
			continue
		}
		s.rooms[id] = &room{id: id, doc: emptyDocument}
		return id, nil
	}
	return "", ErrCodeSpaceExhausted
}

func (s *roomStore) JoinRoom(roomID, username string, conn Conn) (PublicUser, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return PublicUser{}, nil, ErrRoomNotFound
	}
	if len(r.members) >= s.maxUsers {
		return PublicUser{}, nil, ErrRoomFull
	}
	for _, m := range r.members {
		if m.username == username {
			return PublicUser{}, nil, ErrUsernameTaken
		}
	}

	m := &member{
		id:       uuid.NewString(),
		username: username,
		color:    palette[r.joinSeq%len(palette)],
	}
	r.joinSeq++
	r.members = append(r.members, m)
	s.conns[m.id] = conn

	zap.L().Info("user_joined",
		zap.String("room_id", roomID),
		zap.String("user_id", m.id),
		zap.String("username", username),
	)
	return PublicUser{ID: m.id, Username: m.username, Color: m.color}, r.doc, nil
}

// LeaveRoom is idempotent: absent rooms and absent users are both no-ops.
// The room is deleted the moment its last member leaves.
func (s *roomStore) LeaveRoom(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, userID)

	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for i, m := range r.members {
		if m.id == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	if len(r.members) == 0 {
		delete(s.rooms, roomID)
		zap.L().Info("room_deleted", zap.String("room_id", roomID))
	}
}

// UpdateDocument replaces the room's document wholesale. Last write wins;
// there is no versioning and no merge of concurrent edits.
func (s *roomStore) UpdateDocument(roomID string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[roomID]; ok {
		r.doc = doc
	}
}

func (s *roomStore) SetCursor(roomID, userID string, cur CursorPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, m := range r.members {
		if m.id == userID {
			m.cursor = &cur
			return
		}
	}
}

// Broadcast delivers message to every member of the room except
// excludeUserID. Members without a live connection, and members whose
// enqueue fails, are skipped silently: no retry, no delivery guarantee.
//
// Enqueueing happens under the lock so that every member sees broadcasts in
// the order they were issued; a receiver draining its queue slowly cannot
// reorder events for anyone.
func (s *roomStore) Broadcast(roomID string, message []byte, excludeUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, m := range r.members {
		if m.id == excludeUserID {
			continue
		}
		c, open := s.conns[m.id]
		if !open {
			continue
		}
		if err := c.SendText(message); err != nil {
			zap.L().Debug("broadcast_enqueue_failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// Cursors returns the last known cursor of every member that has reported
// one, in join order.
func (s *roomStore) Cursors(roomID string) []MemberCursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var out []MemberCursor
	for _, m := range r.members {
		if m.cursor != nil {
			out = append(out, MemberCursor{UserID: m.id, Position: *m.cursor})
		}
	}
	return out
}

func (s *roomStore) PublicUsers(roomID string) []PublicUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]PublicUser, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, PublicUser{ID: m.id, Username: m.username, Color: m.color})
	}
	return users
}

func (s *roomStore) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
