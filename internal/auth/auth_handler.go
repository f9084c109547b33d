package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	appctx "github.com/velomart/storefront/backend/internal/context"
	"github.com/velomart/storefront/backend/internal/repository"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// RefreshResponse is the body of a successful refresh call
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	Rotated     bool   `json:"rotated"`
	Message     string `json:"message"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	rotator     *Rotator
	cookies     CookiePolicy
	validate    *validator.Validate
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, rotator *Rotator, cookies CookiePolicy) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		rotator:     rotator,
		cookies:     cookies,
		validate:    validator.New(),
	}
}

// Login handles customer authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.handlePasswordLogin(w, r, h.authService.Login)
}

// StaffLogin handles staff back-office authentication
// POST /api/v1/auth/staff/login
func (h *AuthHandler) StaffLogin(w http.ResponseWriter, r *http.Request) {
	h.handlePasswordLogin(w, r, h.authService.StaffLogin)
}

func (h *AuthHandler) handlePasswordLogin(
	w http.ResponseWriter,
	r *http.Request,
	login func(ctx context.Context, req LoginRequest, reqCtx RequestContext) (*AuthResponse, error),
) {
	var req LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	response, err := login(r.Context(), req, requestContext(r))
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	h.setRefreshCookie(w, response)
	h.writeSuccess(w, http.StatusOK, response)
}

// GoogleLogin handles federated customer authentication
// POST /api/v1/auth/google
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req GoogleLoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	response, err := h.authService.GoogleLogin(r.Context(), req, requestContext(r))
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	h.setRefreshCookie(w, response)
	h.writeSuccess(w, http.StatusOK, response)
}

// CheckEmail issues a registration OTP. The response is identical for
// new and already-registered emails.
// POST /api/v1/auth/check-email
func (h *AuthHandler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	var req CheckEmailRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.RequestRegisterOTP(r.Context(), req.Email, requestContext(r))
	if err != nil {
		if errors.Is(err, ErrInvalidEmail) {
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid email format", nil)
			return
		}
		h.writeInternalError(w)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message":   "If the email can be registered, a verification code has been sent",
		"delivered": result.Delivered,
	})
}

// ForgotPassword issues a password-reset OTP. The response is identical
// for known and unknown emails.
// POST /api/v1/auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.RequestPasswordResetOTP(r.Context(), req.Email, requestContext(r))
	if err != nil {
		if errors.Is(err, ErrInvalidEmail) {
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid email format", nil)
			return
		}
		h.writeInternalError(w)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message":   "If an account exists for this email, a reset code has been sent",
		"delivered": result.Delivered,
	})
}

// VerifyOTP consumes a challenge and finalizes its flow: registration
// creates the account and signs it in; forgot_password replaces the
// password.
// POST /api/v1/auth/verify-otp
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	switch req.Purpose {
	case repository.PurposeRegister:
		response, passwordErrors, err := h.authService.FinalizeRegistration(r.Context(), req, requestContext(r))
		if err != nil {
			h.writeOTPError(w, err)
			return
		}
		if len(passwordErrors) > 0 {
			h.writePasswordErrors(w, passwordErrors)
			return
		}
		h.setRefreshCookie(w, response)
		h.writeSuccess(w, http.StatusCreated, response)

	case repository.PurposeForgotPassword:
		passwordErrors, err := h.authService.ResetPassword(r.Context(), req)
		if err != nil {
			h.writeOTPError(w, err)
			return
		}
		if len(passwordErrors) > 0 {
			h.writePasswordErrors(w, passwordErrors)
			return
		}
		h.writeSuccess(w, http.StatusOK, map[string]string{
			"message": "Password has been reset. Please sign in again.",
		})

	default:
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Unsupported purpose", nil)
	}
}

// ResetPassword verifies a forgot_password code and replaces the
// account's password. Equivalent to verify-otp with the forgot_password
// purpose; kept as its own endpoint for the reset form.
// POST /api/v1/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	passwordErrors, err := h.authService.ResetPassword(r.Context(), VerifyOTPRequest{
		Email:    req.Email,
		Code:     req.Code,
		Purpose:  repository.PurposeForgotPassword,
		Password: req.Password,
	})
	if err != nil {
		h.writeOTPError(w, err)
		return
	}
	if len(passwordErrors) > 0 {
		h.writePasswordErrors(w, passwordErrors)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password has been reset. Please sign in again.",
	})
}

// ResendOTP regenerates the pending code for an email
// POST /api/v1/auth/resend-otp
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendOTPRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.authService.ResendOTP(r.Context(), req.Email)
	if err != nil {
		h.writeOTPError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"message":   "A new code has been sent",
		"delivered": result.Delivered,
	})
}

// Refresh exchanges the refresh-token cookie for a new access token,
// rotating the refresh token when the presented access token has
// expired
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		h.writeError(w, http.StatusUnauthorized, CodeRefreshMissing, "Refresh token cookie is required", nil)
		return
	}

	result, err := h.rotator.Refresh(r.Context(), cookie.Value, bearerToken(r), requestContext(r))
	if err != nil {
		if errors.Is(err, ErrRefreshForbidden) {
			h.cookies.Clear(w)
			h.writeError(w, http.StatusForbidden, CodeRefreshForbidden, "Refresh token is invalid or revoked", nil)
			return
		}
		h.writeInternalError(w)
		return
	}

	message := "Access token is still valid"
	if result.Rotated {
		h.cookies.Set(w, result.RefreshToken, h.rotator.tokens.GetRefreshTokenExpiry())
		message = "Tokens rotated"
	} else if result.SessionID != uuid.Nil {
		message = "Access token reissued"
	}

	h.writeSuccess(w, http.StatusOK, RefreshResponse{
		AccessToken: result.AccessToken,
		Rotated:     result.Rotated,
		Message:     message,
	})
}

// Logout revokes the current session and clears the refresh cookie
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "No refresh token cookie present", nil)
		return
	}

	// Cookie is cleared regardless of what the revocation finds. It has
	// to go out before the status line: headers written after
	// WriteHeader are dropped.
	h.cookies.Clear(w)

	if err := h.authService.Logout(r.Context(), cookie.Value); err != nil && !errors.Is(err, ErrSessionNotFound) {
		h.writeInternalError(w)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]bool{"success": true})
}

// GetMe returns the authenticated account's profile
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := appctx.ExtractAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	profile, err := h.authService.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
			return
		}
		h.writeInternalError(w)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"account": profile})
}

// setRefreshCookie moves the refresh token out of the response body into
// the HttpOnly cookie
func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, response *AuthResponse) {
	h.cookies.Set(w, response.RefreshCookieToken(), h.rotator.tokens.GetRefreshTokenExpiry())
}

// decodeAndValidate parses the JSON body and runs struct validation,
// writing the error response itself on failure
func (h *AuthHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		details := make(map[string][]string)
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			for _, fe := range invalid {
				field := strings.ToLower(fe.Field())
				details[field] = append(details[field], validationMessage(fe))
			}
		}
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "This field is required"
	case "email":
		return "Must be a valid email address"
	case "len":
		return "Must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "Must contain only digits"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	default:
		return "Invalid value"
	}
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
	case errors.Is(err, ErrAccountLocked):
		h.writeError(w, http.StatusForbidden, CodeAccountLocked, "This account is locked", nil)
	case errors.Is(err, ErrTooManyAttempts):
		h.writeError(w, http.StatusTooManyRequests, CodeTooManyAttempts,
			"Too many failed login attempts. Please try again later.",
			map[string][]string{"retry_after": {"900"}})
	default:
		h.writeInternalError(w)
	}
}

func (h *AuthHandler) writeOTPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOTPNotFound):
		h.writeError(w, http.StatusBadRequest, CodeOTPRejected, "No pending code for this email", nil)
	case errors.Is(err, ErrOTPTypeMismatch):
		h.writeError(w, http.StatusBadRequest, CodeOTPRejected, "Code was issued for a different purpose", nil)
	case errors.Is(err, ErrOTPExpired):
		h.writeError(w, http.StatusBadRequest, CodeOTPRejected, "Code has expired. Please request a new one.", nil)
	case errors.Is(err, ErrOTPIncorrect):
		h.writeError(w, http.StatusBadRequest, CodeOTPRejected, "Incorrect code", nil)
	case errors.Is(err, ErrOTPTooManyAttempts):
		h.writeError(w, http.StatusTooManyRequests, CodeOTPRateLimited, "Too many incorrect attempts. Please request a new code.", nil)
	case errors.Is(err, ErrOTPTooManyResends):
		h.writeError(w, http.StatusTooManyRequests, CodeOTPRateLimited, "Resend limit reached. Please try again later.", nil)
	case errors.Is(err, ErrOTPCoolingDown):
		h.writeError(w, http.StatusTooManyRequests, CodeOTPRateLimited, "Please wait before requesting another code", nil)
	case errors.Is(err, ErrEmailExists):
		h.writeError(w, http.StatusConflict, "EMAIL_EXISTS", "An account with this email already exists", nil)
	case errors.Is(err, ErrAccountNotFound):
		h.writeError(w, http.StatusBadRequest, CodeOTPRejected, "Unable to complete this request", nil)
	default:
		h.writeInternalError(w)
	}
}

func (h *AuthHandler) writePasswordErrors(w http.ResponseWriter, passwordErrors []PasswordValidationError) {
	details := make(map[string][]string)
	for _, pe := range passwordErrors {
		details[pe.Field] = append(details[pe.Field], pe.Message)
	}
	h.writeError(w, http.StatusBadRequest, CodeValidationError, "Password does not meet requirements", details)
}

func (h *AuthHandler) writeInternalError(w http.ResponseWriter) {
	h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

// bearerToken extracts the access token from the Authorization header,
// returning "" when absent or malformed
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requestContext extracts the client IP and user agent for session and
// audit records
func requestContext(r *http.Request) RequestContext {
	return RequestContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP extracts the client IP address from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
