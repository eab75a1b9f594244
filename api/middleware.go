/*
middleware.go - Request authentication and access logging

AUTHENTICATION:
  Every /api route requires "Authorization: Bearer <jwt>". Tokens are HS256
  and carry:
    sub     account id (decimal string)
    role    one of the points roles (ADMIN, OWNER, ...)
    tenant  tenant id, carried into logs only
  Tokens are issued elsewhere; this service only verifies them.

ACCESS LOG:
  One slog line per request with method, path, status, bytes and duration.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/points-engine/points"
)

// Claims are the JWT claims the API understands.
type Claims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// WithActor stores the authenticated actor on ctx.
func WithActor(ctx context.Context, a points.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor set by Authenticate.
func ActorFrom(ctx context.Context) (points.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(points.Actor)
	return a, ok
}

// Authenticate verifies the bearer token and stores the actor on the request context.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := actorFromRequest(r, secret)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error:   "Unauthorized",
					Kind:    "unauthorized",
					Details: err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func actorFromRequest(r *http.Request, secret []byte) (points.Actor, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return points.Actor{}, errors.New("missing bearer token")
	}
	if len(secret) == 0 {
		return points.Actor{}, errors.New("jwt secret not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return points.Actor{}, fmt.Errorf("invalid token: %w", err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return points.Actor{}, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	role, ok := points.ParseRole(claims.Role)
	if !ok {
		return points.Actor{}, fmt.Errorf("invalid role %q", claims.Role)
	}
	return points.Actor{UserID: id, Role: role, TenantID: claims.Tenant}, nil
}

// RequestLogger writes one access log line per request.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.InfoContext(r.Context(), "request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
