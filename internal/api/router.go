package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter mounts the control surface under /api/rag.
func NewRouter(h *Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogging(logger))

	api := r.PathPrefix("/api/rag").Subrouter()
	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/config", h.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", h.handleUpdateConfig).Methods(http.MethodPut)
	api.HandleFunc("/index", h.handleIndex).Methods(http.MethodPost)
	api.HandleFunc("/query", h.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/clear", h.handleClear).Methods(http.MethodPost)

	return r
}

// requestLogging tags each request with an id and logs method, path and
// duration once the handler returns.
func requestLogging(logger *zap.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()
			w.Header().Set("X-Request-ID", requestID)

			started := time.Now()
			next.ServeHTTP(w, r)

			logger.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(started)))
		})
	}
}
