package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/velomart/storefront/backend/internal/auth"
	appctx "github.com/velomart/storefront/backend/internal/context"
	"github.com/velomart/storefront/backend/internal/repository"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware handles JWT authentication for protected routes
type AuthMiddleware struct {
	tokenService *auth.TokenService
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

// Authenticate is a middleware that validates JWT access tokens from the
// Authorization header and injects the account identity into the request
// context
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid authorization header format")
			return
		}

		tokenString := parts[1]
		if tokenString == "" {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Token is empty")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), appctx.AccountIDKey, claims.AccountID())
		ctx = context.WithValue(ctx, appctx.EmailKey, claims.Email)
		ctx = context.WithValue(ctx, appctx.ActorKey, string(claims.Actor))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireStaff restricts a route to staff access tokens. It must run
// after Authenticate.
func (m *AuthMiddleware) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := appctx.ExtractActor(r.Context())
		if !ok || actor != string(repository.ActorStaff) {
			m.writeError(w, http.StatusForbidden, "FORBIDDEN", "Staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error response
func (m *AuthMiddleware) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
