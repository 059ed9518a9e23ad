package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

type ctxKey int

const identityKey ctxKey = iota

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
	headerUserRole  = "X-User-Role"
)

// IdentityMiddleware reads the caller identity set by the edge proxy. A verified user id wins over
// the anonymous session token.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id domain.Identity
		if userID := strings.TrimSpace(r.Header.Get(headerUserID)); userID != "" {
			id = domain.UserIdentity(userID)
		} else if sessionID := strings.TrimSpace(r.Header.Get(headerSessionID)); sessionID != "" {
			id = domain.SessionIdentity(sessionID)
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(domain.Identity)
	if !ok || id.Validate() != nil {
		return domain.Identity{}, false
	}
	return id, true
}

// RequireAdmin guards operator endpoints.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserRole) != "admin" || r.Header.Get(headerUserID) == "" {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger writes one access log line per request to slog.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				log.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
