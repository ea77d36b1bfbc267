// Package client provides the client-side connection wrapper for the relay:
// idempotent connect, best-effort send, per-type subscriber lists, and
// reconnection with linear backoff.
package client

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docrelay/internal/ws"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
)

// Handler receives the decoded payload of one inbound envelope.
type Handler func(payload json.RawMessage)

// Session maintains at most one active connection to the relay. Reconnect
// attempts are strictly sequential and only follow unexpected closes; an
// intentional Disconnect cancels any pending attempt.
type Session struct {
	url    string
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    map[string][]Handler
	onReconnect []func()
	rejoin      *ws.JoinPayload
	attempts    int
	intentional bool
	timer       *time.Timer

	writeMu sync.Mutex

	baseDelay   time.Duration
	maxAttempts int
}

func NewSession(url string) *Session {
	return &Session{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handlers:    make(map[string][]Handler),
		baseDelay:   defaultBaseDelay,
		maxAttempts: defaultMaxAttempts,
	}
}

// Connect is idempotent: if the connection is already open it returns
// immediately, otherwise it dials and starts the reader loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentional = false
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	s.attempts = 0
	go s.readLoop(conn)
	return nil
}

// Send is best-effort: when the connection is not open the message is
// dropped, with no queuing and no error surfaced to the caller. A join
// message is remembered as the rejoin intent replayed after reconnects.
func (s *Session) Send(env ws.Envelope) {
	s.mu.Lock()
	if env.Type == ws.MsgJoin && len(env.Payload) > 0 {
		var intent ws.JoinPayload
		if err := json.Unmarshal(env.Payload, &intent); err == nil {
			s.rejoin = &intent
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		zap.L().Debug("client.send_dropped", zap.String("type", env.Type))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		zap.L().Debug("client.send_failed", zap.String("type", env.Type), zap.Error(err))
	}
}

// On appends a handler to the ordered subscriber list for a message type.
func (s *Session) On(msgType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = append(s.handlers[msgType], h)
}

// Off removes every handler registered for a message type.
func (s *Session) Off(msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, msgType)
}

// OnReconnect registers a callback fired after a successful automatic
// reconnection, once the stored join intent (if any) has been resent.
func (s *Session) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = append(s.onReconnect, fn)
}

// Disconnect closes the session on purpose: the reconnect path is suppressed,
// any scheduled reconnect timer is cancelled, and all handlers are cleared.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.handlers = make(map[string][]Handler)
	s.onReconnect = nil
	s.rejoin = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn)
			return
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			zap.L().Debug("client.decode_failed", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env ws.Envelope) {
	s.mu.Lock()
	hs := slices.Clone(s.handlers[env.Type])
	s.mu.Unlock()

	for _, h := range hs {
		h(env.Payload)
	}
}

func (s *Session) handleClose(conn *websocket.Conn) {
	_ = conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	if s.intentional {
		return
	}
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a single timer for the next attempt at
// baseDelay × attemptNumber. After maxAttempts the session gives up silently.
func (s *Session) scheduleReconnectLocked() {
	if s.attempts >= s.maxAttempts {
		zap.L().Warn("client.reconnect_exhausted", zap.Int("attempts", s.attempts))
		return
	}
	s.attempts++
	delay := time.Duration(s.attempts) * s.baseDelay
	s.timer = time.AfterFunc(delay, s.redial)
}

func (s *Session) redial() {
	s.mu.Lock()
	if s.intentional || s.conn != nil {
		s.mu.Unlock()
		return
	}
	if err := s.connectLocked(context.Background()); err != nil {
		zap.L().Debug("client.reconnect_failed", zap.Error(err))
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}
	rejoin := s.rejoin
	callbacks := slices.Clone(s.onReconnect)
	s.mu.Unlock()

	if rejoin != nil {
		body, err := json.Marshal(rejoin)
		if err == nil {
			s.Send(ws.Envelope{Type: ws.MsgJoin, Payload: body})
		}
	}
	for _, fn := range callbacks {
		fn()
	}
}
