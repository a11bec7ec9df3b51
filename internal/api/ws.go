package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cliparr/internal/logging"
	"cliparr/internal/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to a trusted interface; cross-origin browsers are
	// allowed to watch progress.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the wire shape of one progress observation.
type wsMessage struct {
	Type          string    `json:"type"`
	JobID         int64     `json:"job_id"`
	EpisodeFileID int64     `json:"episode_file_id,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	Percent       float64   `json:"percent,omitempty"`
	FPS           float64   `json:"fps,omitempty"`
	Status        string    `json:"status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func messageFromEvent(event progress.Event) wsMessage {
	msg := wsMessage{
		JobID:         event.JobID,
		EpisodeFileID: event.EpisodeFileID,
		FilePath:      event.CurrentFile,
		Percent:       event.Percent,
		FPS:           event.FPS,
		Status:        event.Status,
		Timestamp:     event.Timestamp,
	}
	switch event.Type {
	case progress.EventProgress:
		msg.Type = "ffmpeg-progress"
		if msg.Status == "" {
			msg.Status = event.Stage
		}
	case progress.EventStatus:
		msg.Type = "status-change"
	case progress.EventJobDeleted:
		msg.Type = "job-deleted"
	default:
		msg.Type = event.Type
	}
	return msg
}

// handleWebSocket streams pipeline events to one client. Delivery is best
// effort; a slow client loses the oldest buffered events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "progress channel unavailable"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer sub.Close()

	// Reader goroutine drains client frames so close frames are seen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(messageFromEvent(event)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
