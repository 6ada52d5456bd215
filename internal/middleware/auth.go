package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"battle-sync/internal/domain"
	"battle-sync/internal/service"
	"battle-sync/pkg/errors"
	"battle-sync/pkg/logger"
)

// ContextKey represents keys used in request context
type ContextKey string

const (
	// UserContextKey is the key for the signed-in user in context
	UserContextKey ContextKey = "user"
	// RequestIDContextKey is the key for request ID in context
	RequestIDContextKey ContextKey = "request_id"

	requestIDHeader = "X-Request-ID"
)

// Authenticator validates Supabase-issued access tokens. It never issues tokens.
type Authenticator struct {
	secret []byte
	logger *logger.Logger
}

// NewAuthenticator creates an authenticator for the project's JWT secret
func NewAuthenticator(secret string, log *logger.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		logger: log.Named("auth"),
	}
}

// ParseToken validates the signature and expiry of a Supabase JWT and returns its user
func (a *Authenticator) ParseToken(tokenString string) (*domain.AuthUser, error) {
	if len(a.secret) == 0 {
		return nil, errors.NewAuthenticationError("JWT validation not configured")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		a.logger.WithError(err).Debug("Rejected access token")
		return nil, errors.NewAuthenticationError("Invalid or expired token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.NewAuthenticationError("Invalid token: no user identifier")
	}

	user := &domain.AuthUser{ID: sub}
	user.Email, _ = claims["email"].(string)
	user.Role, _ = claims["role"].(string)
	return user, nil
}

// OptionalAuth resolves the user when a bearer token is present and continues anonymously otherwise.
// A malformed or invalid token is rejected. Actions enforce sign-in themselves.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeErrorResponse(w, r, errors.NewAuthenticationError("Invalid authorization header format"), a.logger)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			writeErrorResponse(w, r, errors.NewAuthenticationError("Token is required"), a.logger)
			return
		}

		user, err := a.ParseToken(token)
		if err != nil {
			appErr, _ := errors.As(err)
			writeErrorResponse(w, r, appErr, a.logger)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		// Supabase calls in this request run as the user so row level security applies
		ctx = service.WithAccessToken(ctx, token)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the signed-in user, or nil for anonymous requests
func UserFromContext(ctx context.Context) *domain.AuthUser {
	user, _ := ctx.Value(UserContextKey).(*domain.AuthUser)
	return user
}

// RequestID tags each request with an id, reusing a well-formed incoming X-Request-ID
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id, or "" outside RequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *errors.AppError, log *logger.Logger) {
	requestID := RequestIDFromContext(r.Context())
	log.WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"request_id": requestID,
	}).WithError(appErr).Info("Request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	if err := json.NewEncoder(w).Encode(errors.NewErrorResponse(appErr, requestID)); err != nil {
		log.WithError(err).Error("Failed to encode error response")
	}
}
