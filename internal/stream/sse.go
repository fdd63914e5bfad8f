package stream

import (
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams hub messages to the response as Server-Sent Events
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := h.NewClient(TransportSSE)
	if _, err := h.Register(client); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-client.send:
			if !ok {
				return
			}
			// Not every ResponseWriter supports deadlines.
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.logger.Debug("sse write failed", "client_id", client.id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
