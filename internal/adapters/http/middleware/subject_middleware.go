// Package middleware provides the application's HTTP middlewares.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/usagegate/usagegate/internal/core/domain"
)

type contextKey string

const subjectKey contextKey = "subject"

// NewSubjectResolver resolves the caller identity for every request. The
// identity is trusted, not authenticated: the X-API-Key header is the opaque
// subject identifier the fronting auth layer established, X-Plan its
// resolved tier, and callers without a key are tracked by client IP.
func NewSubjectResolver() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := domain.Subject{
				ID:   strings.TrimSpace(r.Header.Get("X-API-Key")),
				Plan: strings.TrimSpace(r.Header.Get("X-Plan")),
			}
			if subject.ID == "" {
				subject.ID = extractIP(r)
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFrom returns the subject resolved for the request.
func SubjectFrom(ctx context.Context) (domain.Subject, bool) {
	subject, ok := ctx.Value(subjectKey).(domain.Subject)
	return subject, ok && subject.ID != ""
}

func extractIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if xRealIP != "" {
		return xRealIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}

	return host
}
