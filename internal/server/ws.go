package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSAPI upgrades to the status channel. Clients subscribe with ?jobId= for a
// single job, ?configId= for every job of a configuration, or neither for the
// global stream. The retained snapshot, if any, arrives first.
func (s *Server) WSAPI(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	configID := r.URL.Query().Get("configId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already wrote the error
	}

	sub := s.bus.Subscribe(jobID, configID)
	defer sub.Cancel()
	defer conn.Close()

	// Reader goroutine: only to observe close; inbound frames are ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
