package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/virtforge/virtforge/internal/terminal"
	"github.com/virtforge/virtforge/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now; tighten in production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsEmitter serializes bridge events onto one WebSocket connection.
// gorilla/websocket allows a single concurrent writer, so all writes
// share a mutex.
type wsEmitter struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	done chan struct{}
}

func (e *wsEmitter) send(msg types.TerminalMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ws.WriteJSON(msg)
}

func (e *wsEmitter) Ready() {
	e.send(types.TerminalMessage{Type: types.TerminalMsgReady})
}

func (e *wsEmitter) Output(data []byte) {
	e.send(types.TerminalMessage{Type: types.TerminalMsgOut, Output: string(data)})
}

func (e *wsEmitter) Error(msg string) {
	e.send(types.TerminalMessage{Type: types.TerminalMsgError, Error: msg})
}

func (e *wsEmitter) Closed() {
	e.send(types.TerminalMessage{Type: types.TerminalMsgClosed})
	close(e.done)
}

func (s *Server) terminalWebSocket(c echo.Context) error {
	workspaceID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	connectionID := uuid.New().String()
	emit := &wsEmitter{ws: ws, done: make(chan struct{})}

	if err := s.bridge.Attach(c.Request().Context(), connectionID, workspaceID, 80, 24, emit); err != nil {
		emit.Error(err.Error())
		return nil
	}
	defer s.bridge.Detach(connectionID)

	// Inbound loop: client messages -> bridge. The output pump runs
	// inside the bridge and emits through wsEmitter.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg types.TerminalMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case types.TerminalMsgIn:
				if err := s.bridge.SendInput(connectionID, []byte(msg.Input)); err != nil {
					if errors.Is(err, terminal.ErrNoSession) {
						emit.Error("no active terminal session")
						return
					}
					emit.Error(err.Error())
				}
			case types.TerminalMsgResize:
				if err := s.bridge.Resize(connectionID, msg.Cols, msg.Rows); err != nil {
					emit.Error(err.Error())
				}
			}
		}
	}()

	select {
	case <-readDone:
	case <-emit.done:
	}

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}
