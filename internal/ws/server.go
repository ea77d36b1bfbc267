package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docrelay/internal/services/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be < pongWait
	maxMessageSize = 1 << 20             // document blobs, not chat lines
)

type WsServer struct {
	store    room.IRoomStore
	upgrader websocket.Upgrader
	validate *validator.Validate

	// mu admits one inbound message at a time, relay-wide. All store
	// mutations and broadcast enqueues triggered by a message happen inside
	// it, so each message runs to completion before the next one is looked at
	// and every member sees events in the order the relay processed them.
	mu sync.Mutex
}

func NewWsServer(store room.IRoomStore) *WsServer {
	return &WsServer{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev-only
		},
		validate: validator.New(),
	}
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}

	conn := newClientConn(rawConn)
	handler := newConnHandler(s.store, conn, s.validate)

	go s.reader(handler, conn)
	go s.pinger(conn)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

// reader pulls inbound frames off one connection and hands them to the
// handler under the relay lock.
func (s *WsServer) reader(handler *connHandler, conn *clientConn) {
	defer func() {
		s.mu.Lock()
		handler.onClose()
		s.mu.Unlock()
		conn.close()
	}()

	conn.rawConn.SetReadLimit(maxMessageSize)
	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			return // client closed or errored
		}
		s.mu.Lock()
		handler.handleFrame(data)
		s.mu.Unlock()
	}
}

func (s *WsServer) pinger(conn *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := conn.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}
