package server

import (
	"context"
	"net/http"
	"time"
)

// Routes mounts the GraphQL handler at path next to a /health probe.
// metrics may be nil.
func Routes(path string, h *Handler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.gw.Check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()}, false)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"}, false)
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
