package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"paper-quiz-service/internal/metrics"
)

// AdminAuth guards admin routes with HTTP basic auth for a single
// allow-listed identity. An empty email disables admin access entirely.
type AdminAuth struct {
	Email        string
	PasswordHash string
}

func (a AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, password, ok := r.BasicAuth()
		if !ok || !a.allowed(email, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="quiz admin"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "admin credentials required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a AdminAuth) allowed(email, password string) bool {
	if a.Email == "" || a.PasswordHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(email)), []byte(strings.ToLower(a.Email))) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// observe records request metrics under the matched route pattern and logs
// server errors.
func observe(m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(r.Method, route, status, time.Since(start))
			if status >= http.StatusInternalServerError {
				logger.Warn("request failed",
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", status),
					zap.String("requestId", middleware.GetReqID(r.Context())),
				)
			}
		})
	}
}
