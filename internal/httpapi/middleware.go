package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/taskstream/pkg/logger"
)

// loggingMiddleware logs method, path and latency for every request.
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithField("method", r.Method).WithField("path", r.URL.Path).
				WithField("duration_ms", time.Since(start).Milliseconds()).Debug("handled request")
		})
	}
}

// recoveryMiddleware turns a panicking handler into a 500 JSON error.
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panic", rec).Error("recovered from panic")
					jsonError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
