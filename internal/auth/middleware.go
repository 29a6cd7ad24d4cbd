package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated key owner from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// RemoteIP extracts the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// Middleware returns HTTP middleware that validates Bearer API keys.
// When the store has no keys every request passes through with only the
// remote IP attached.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := RemoteIP(r)
			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)

			if !store.Enabled() {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="threadsync"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			ak := store.ValidateAPIKey(token)
			if !strings.HasPrefix(token, APIKeyPrefix) || ak == nil {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="threadsync", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("user_id", ak.UserID),
				slog.String("ip", ip),
			)

			ctx = context.WithValue(ctx, ctxUserID, ak.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
