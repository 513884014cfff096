// Package tenant implements the Isolation Middleware: bearer-token
// validation and per-request tenant context injection (spec §4.1).
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/logging"
)

// Context is the immutable per-request tenant object attached by the
// middleware. Its presence in a request's context.Context is the only
// authorization signal downstream handlers trust.
type Context struct {
	UserID    string
	UserPrefix string
	// Predicate reports whether an owner id equals UserID. Store queries
	// do not call it; they scope rows by the UserID they are passed.
	Predicate func(userID string) bool
}

type ctxKey struct{}

// WithContext returns a new context.Context carrying tc.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant Context. The second return is false
// if absent — callers on the protected surface must treat that as a
// programming error and fail closed, per spec §4.1.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}

// MustFromContext panics if no tenant Context is present. Use only in
// code paths the middleware guarantees already ran.
func MustFromContext(ctx context.Context) *Context {
	tc, ok := FromContext(ctx)
	if !ok {
		panic("tenant: no Context in request context — isolation middleware did not run")
	}
	return tc
}

// Validator verifies a bearer token and extracts its subject.
type Validator struct {
	signingKey []byte
	logger     logging.Logger
}

// NewValidator builds a Validator using signingKey for HMAC verification.
func NewValidator(signingKey string, logger logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{signingKey: []byte(signingKey), logger: logger}
}

// Validate parses and checks token, returning the subject (user id) on
// success. It never logs the token itself.
func (v *Validator) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", apperror.New("tenant.Validate", apperror.CodeUnauthorized, "invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperror.New("tenant.Validate", apperror.CodeUnauthorized, "malformed claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperror.New("tenant.Validate", apperror.CodeUnauthorized, "missing subject")
	}
	return sub, nil
}

// Middleware enforces bearer-token auth on every request and injects
// a tenant Context, following the teacher's examples/admin_ui_auth
// pattern of a single wrapping http.Handler.
func Middleware(v *Validator, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			authHeader := r.Header.Get("Authorization")
			token, ok := extractBearer(authHeader)
			if !ok {
				logger.Warn("tenant auth denied", "reason", "missing_or_malformed_header",
					"endpoint", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeUnauthorized(w)
				return
			}

			userID, err := v.Validate(token)
			if err != nil {
				logger.Warn("tenant auth denied", "reason", "invalid_token",
					"endpoint", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeUnauthorized(w)
				return
			}

			tc := &Context{
				UserID:     userID,
				UserPrefix: userID,
				Predicate:  func(candidate string) bool { return candidate == userID },
			}
			logger.Info("tenant auth allowed", "user_id", userID, "endpoint", r.URL.Path,
				"remote_addr", r.RemoteAddr, "latency_ms", time.Since(start).Milliseconds())

			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
		})
	}
}

func extractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
