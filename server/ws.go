package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/orevatech/opsportal/run"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The portal binds to localhost; same-origin enforcement would
	// break the desktop dashboard wrapper.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logPollRate paces file polling per connection.
var logPollRate = rate.Every(500 * time.Millisecond)

// logFrame is one websocket message of the log stream.
type logFrame struct {
	Data   string `json:"data,omitempty"`
	Offset int64  `json:"offset"`
	Status string `json:"status"`
	Done   bool   `json:"done,omitempty"`
}

// handleRunLogSocket streams a run's log over a websocket. The client
// may pass ?offset= to resume. Frames carry appended data as it shows
// up; the stream closes after the run reaches a terminal state and the
// file is drained.
func (s *Server) handleRunLogSocket(w http.ResponseWriter, r *http.Request) {
	job, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads only ever see client close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(logPollRate, 1)
	ctx := r.Context()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		job, err = s.runs.Get(ctx, job.ID)
		if err != nil {
			return
		}
		chunk, err := run.ReadLogChunk(job, offset, 0)
		if err != nil {
			return
		}

		terminal := job.Status.IsTerminal()
		drained := chunk.NewOffset == offset
		frame := logFrame{
			Data:   chunk.Data,
			Offset: chunk.NewOffset,
			Status: string(job.Status),
			Done:   terminal && drained,
		}
		offset = chunk.NewOffset

		// Skip empty keepalives unless the status is worth reporting.
		if frame.Data != "" || frame.Done || terminal {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
		if frame.Done {
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			return
		}
	}
}
