package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// sseEvents handles the SSE (Server-Sent Events) endpoint.
// Clients receive the current now-playing immediately, then every update.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	// Verify the client supports streaming
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	id := uuid.New().String()
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)

	// The bus replays its last update on subscribe; before the first
	// publish there is nothing to replay, so send the controller's view.
	select {
	case np, ok := <-ch:
		if !ok {
			return
		}
		sendSSE(w, flusher, np)
	default:
		sendSSE(w, flusher, h.ctrl.NowPlaying())
	}

	for {
		select {
		case np, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, np)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
