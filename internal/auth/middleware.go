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
	ctxAuthMethod
	ctxRemoteIP
)

// Authentication methods recorded on the request context.
const (
	MethodAPIKey = "api_key"
	MethodBasic  = "basic"
)

const wwwAuthenticate = `Bearer realm="clinic-sync", Basic realm="clinic-sync"`

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestAuthMethod returns how the request authenticated, or "".
func RequestAuthMethod(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that accepts a Bearer API key or
// Basic credentials. Repeated Basic failures from one IP get a 429 until
// the window passes.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			authHeader := r.Header.Get("Authorization")

			var userID, method string

			switch {
			case strings.HasPrefix(authHeader, "Bearer "):
				token := strings.TrimPrefix(authHeader, "Bearer ")
				if !strings.HasPrefix(token, APIKeyPrefix) {
					break
				}

				if ak := store.ValidateAPIKey(token); ak != nil {
					userID, method = ak.UserID, MethodAPIKey
				}

			case strings.HasPrefix(authHeader, "Basic "):
				if limiter.limited(ip) {
					logger.Warn("middleware: too many failed logins",
						slog.String("ip", ip),
					)
					http.Error(w, "too many failed attempts", http.StatusTooManyRequests)

					return
				}

				user, pass, ok := r.BasicAuth()
				if ok && store.CheckPassword(user, pass) {
					userID, method = user, MethodBasic
					break
				}

				limiter.record(ip)
			}

			if userID == "" {
				logger.Debug("middleware: unauthenticated request",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("method", method),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxAuthMethod, method)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
