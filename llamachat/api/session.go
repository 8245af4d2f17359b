package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionHeader lets API clients pick their session without cookies.
const SessionHeader = "X-Session-ID"

const sessionCookieMaxAge = 30 * 24 * time.Hour

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext returns the session id attached by the session middleware.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// sessionMiddleware resolves the caller's session from the header, then the
// cookie, and mints a new one otherwise. Cookie sessions are refreshed on
// every request.
func sessionMiddleware(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(SessionHeader))
			if !validSessionID(id) {
				id = ""
				if c, err := r.Cookie(cookieName); err == nil && validSessionID(c.Value) {
					id = c.Value
				}
				if id == "" {
					id = uuid.NewString()
				}
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    id,
					Path:     "/",
					MaxAge:   int(sessionCookieMaxAge.Seconds()),
					Expires:  time.Now().Add(sessionCookieMaxAge),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey, id)))
		})
	}
}
