package api

import (
	"encoding/json"
	"net/http"

	"github.com/mockmate/coaching-session-engine/internal/notifier"
)

// eventsHandler bridges a notifier connection onto a server-sent event
// stream. Delivery is best-effort while connected: a client that reconnects
// gets no replay and must refetch current session state itself.
func eventsHandler(registry *notifier.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
			return
		}

		conn := registry.Subscribe(ident.UserID)
		defer registry.Unsubscribe(conn)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-conn.C:
				if !open {
					return
				}
				body, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(body) + "\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
