package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/logger"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams task changes as server-sent events: the state of
// every task first, then each change as it happens.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, statusResponse{Error: errKeyIncorrect.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.engine.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				logger.Errorf("Failed to encode event for task %s: %v", ev.TaskID, err)
				continue
			}

			if _, err := fmt.Fprintf(w, "id: %s-%d\nevent: task\ndata: %s\n\n", ev.TaskID, ev.Version, data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}
