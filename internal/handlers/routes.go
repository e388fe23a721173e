package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

type RouterConfig struct {
	CORSOrigins []string
	APIKey      string
}

// Routes returns the API with its middleware applied
func (h *Handler) Routes(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/filters", h.handle(h.HandleFilters)).Methods(http.MethodGet)
	r.HandleFunc("/scanner", h.handle(h.HandleScanner)).Methods(http.MethodPost)

	// fixed paths before the {image_id} patterns
	r.HandleFunc("/image/upload", h.handle(h.HandleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/image/scan", h.handle(h.HandleScan)).Methods(http.MethodPost)
	r.HandleFunc("/image/pdf", h.handle(h.HandleImagesToPDF)).Methods(http.MethodPost)
	r.HandleFunc("/image/filter/{image_id}", h.handle(h.HandleApplyFilters)).Methods(http.MethodPost)
	r.HandleFunc("/image/{image_id}/undo", h.handle(h.HandleUndo)).Methods(http.MethodGet)
	r.HandleFunc("/image/{image_id}/redo", h.handle(h.HandleRedo)).Methods(http.MethodGet)
	r.HandleFunc("/image/{image_id}/download", h.handle(h.HandleDownload)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/image/{image_id}", h.handle(h.HandleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/image/{image_id}", h.handle(h.HandleDelete)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, &APIError{Err: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, &APIError{Err: "method not allowed"})
	})

	var handler http.Handler = r
	handler = h.authMiddleware(cfg.APIKey, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = h.recoveryMiddleware(handler)
	return logMiddleware(handler)
}
