package server

import (
	"net/http"
	"runtime/debug"
)

// recoveryMiddleware intercepts panics from downstream handlers, logs the
// stack, and returns HTTP 500. Webhook handlers recover their own pipeline
// panics before this; it catches handler-level bugs only.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered in HTTP handler",
					"panic", rec,
					"method", r.Method,
					"url", r.URL.String(),
					"remote", r.RemoteAddr,
					"stack", string(debug.Stack()))
				WriteError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
