package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/auth"
)

// quietPaths are endpoints polled by infrastructure — liveness probes and
// metric scrapers. They log at Debug so steady-state traffic does not bury
// the requests operators actually care about.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Authenticate validates the Bearer token in the Authorization header and
// rejects the request with a 401 when it is missing, malformed, or expired.
// The hub issues tokens to a single machine client, so there is nothing to
// carry into the request context — the middleware only gates.
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				ErrUnauthorized(w)
				return
			}
			if _, err := svc.ValidateToken(token); err != nil {
				ErrUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme comparison is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return token, true
}

// RequestLogger returns a Chi-compatible middleware that logs each completed
// request: method, path, status, response size, and handler duration. Chi's
// middleware.RequestID must run before it so the request ID is in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			}

			if _, quiet := quietPaths[r.URL.Path]; quiet {
				logger.Debug("http request", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}
