package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrPanicRecovered indicates an HTTP handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in admin api handler")

// ErrMissingBearerToken indicates a request carried no Authorization header.
var ErrMissingBearerToken = errors.New("missing bearer token")

// ErrInvalidBearerToken indicates a request's bearer token failed verification.
var ErrInvalidBearerToken = errors.New("invalid bearer token")

// statusRecorder wraps http.ResponseWriter to capture the status code
// written, since net/http gives no way to read it back afterward.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every admin API request with method, path,
// status, and duration. Log level is Info for 2xx/3xx and Warn otherwise.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			}

			if rec.status >= 400 {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "admin api request completed with error", attrs...)
			} else {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "admin api request completed", attrs...)
			}
		})
	}
}

// RecoveryMiddleware recovers from panics in downstream handlers, logging
// the panic value and stack trace at Error level and returning a 500.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)

					logger.ErrorContext(r.Context(), "panic recovered in admin api handler",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(buf[:n])),
					)

					writeError(w, http.StatusInternalServerError,
						fmt.Errorf("%s: %w", r.URL.Path, ErrPanicRecovered))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires a valid HS256 JWT bearer token when secret is
// non-empty. An empty secret disables authentication entirely, which is
// the default for local/dev use (spec §12 admin API is a supplement with
// no prescribed auth scheme).
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, ErrMissingBearerToken)
				return
			}

			_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: %w", ErrInvalidBearerToken, err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MintToken issues an HS256 JWT signed with secret, for operators bootstrapping
// an admin API client outside of a full identity-provider integration.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
