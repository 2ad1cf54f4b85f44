package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeTask streams committed task views over a websocket, one JSON
// message per transition. The unknown-id check happens before the upgrade so
// clients get a plain 404. The stream closes after the terminal view.
func (h *Handler) subscribeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	sub, err := h.hub.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task_not_found", "no task with id "+id)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn("websocket upgrade failed",
			zap.String("task", id), zap.Error(err))
		return
	}
	defer conn.Close()
	defer sub.Close()

	// Drain reads so client disconnects surface promptly.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case v, ok := <-sub.Updates():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}
