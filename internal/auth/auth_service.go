package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/velomart/storefront/backend/internal/metrics"
	"github.com/velomart/storefront/backend/internal/repository"
)

// Auth service errors
var (
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account is locked")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAccountNotFound    = errors.New("account not found")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeRefreshForbidden   = "REFRESH_FORBIDDEN"
	CodeRefreshMissing     = "REFRESH_TOKEN_MISSING"
	CodeOTPRejected        = "OTP_REJECTED"
	CodeOTPRateLimited     = "OTP_RATE_LIMITED"
	CodeAuthTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
)

// Brute force protection constants
const (
	MaxFailedAttempts   = 5
	FailedAttemptWindow = 15 * time.Minute
)

// auditTimeout bounds the fire-and-forget audit writes so a slow
// database never holds a login response hostage
const auditTimeout = 5 * time.Second

// LoginRequest represents the customer/staff login payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// GoogleLoginRequest carries the federated credential from the client
type GoogleLoginRequest struct {
	Credential string `json:"credential" validate:"required"`
}

// CheckEmailRequest starts a registration by issuing an OTP
type CheckEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// VerifyOTPRequest consumes a challenge and finalizes the owning flow
type VerifyOTPRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	Purpose     string `json:"purpose" validate:"required,oneof=register forgot_password"`
	DisplayName string `json:"display_name" validate:"required_if=Purpose register,omitempty,max=100"`
	Password    string `json:"password" validate:"required"`
}

// ResendOTPRequest regenerates the pending code for an email
type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest applies a verified forgot_password code
type ResetPasswordRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"required"`
}

// ForgotPasswordRequest starts a password reset by issuing an OTP
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// TokenResponse represents the token response. RefreshToken is only
// populated for flows that still return it in the body; staff responses
// and refresh responses rely on the cookie alone.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// AccountResponse represents the account data in responses
type AccountResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email"`
	Actor       string     `json:"actor"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	Account AccountResponse `json:"account"`
	Tokens  TokenResponse   `json:"tokens"`

	// refreshToken rides outside the JSON body; the handler moves it
	// into the cookie.
	refreshToken string
	sessionID    uuid.UUID
}

// RefreshCookieToken returns the refresh token destined for the cookie
func (r *AuthResponse) RefreshCookieToken() string { return r.refreshToken }

// SessionID returns the session created for this login
func (r *AuthResponse) SessionID() uuid.UUID { return r.sessionID }

// IdentityProvider resolves a federated credential into a verified
// profile. Implemented for Google in google.go; tests substitute fakes.
type IdentityProvider interface {
	Resolve(ctx context.Context, credential string) (*IdentityProfile, error)
}

// IdentityProfile is what the OAuth provider asserts about the user
type IdentityProfile struct {
	SubjectID   string
	Email       string
	DisplayName string
}

// AuthService handles authentication business logic: primary login for
// both actors, OTP-gated registration and password reset, session
// issuance and logout.
type AuthService struct {
	accountRepo       repository.AccountRepository
	sessionRepo       repository.SessionRepository
	loginLogs         repository.LoginLogRepository
	otpService        *OTPService
	tokenService      *TokenService
	passwordValidator *PasswordValidator
	identity          IdentityProvider
	namePolicy        *bluemonday.Policy
	logger            *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	accountRepo repository.AccountRepository,
	sessionRepo repository.SessionRepository,
	loginLogs repository.LoginLogRepository,
	otpService *OTPService,
	tokenService *TokenService,
	passwordValidator *PasswordValidator,
	identity IdentityProvider,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		accountRepo:       accountRepo,
		sessionRepo:       sessionRepo,
		loginLogs:         loginLogs,
		otpService:        otpService,
		tokenService:      tokenService,
		passwordValidator: passwordValidator,
		identity:          identity,
		namePolicy:        bluemonday.StrictPolicy(),
		logger:            logger,
	}
}

// Login authenticates a customer with email and password.
// Unknown email and wrong password produce the same error so responses
// never reveal whether an account exists.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, reqCtx RequestContext) (*AuthResponse, error) {
	return s.passwordLogin(ctx, repository.ActorCustomer, req, reqCtx)
}

// StaffLogin authenticates a staff account for the back office
func (s *AuthService) StaffLogin(ctx context.Context, req LoginRequest, reqCtx RequestContext) (*AuthResponse, error) {
	return s.passwordLogin(ctx, repository.ActorStaff, req, reqCtx)
}

func (s *AuthService) passwordLogin(ctx context.Context, actor repository.Actor, req LoginRequest, reqCtx RequestContext) (*AuthResponse, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))

	since := time.Now().UTC().Add(-FailedAttemptWindow)
	failedAttempts, err := s.sessionRepo.CountFailedAttempts(ctx, email, since)
	if err != nil {
		return nil, err
	}
	if failedAttempts >= MaxFailedAttempts {
		metrics.RecordLogin(string(actor), "rate_limited")
		return nil, ErrTooManyAttempts
	}

	account, err := s.accountRepo.GetByEmail(ctx, actor, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.recordLoginFailure(email, reqCtx, "unknown account")
			metrics.RecordLogin(string(actor), "failed")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if account.Status == repository.AccountLocked {
		metrics.RecordLogin(string(actor), "locked")
		return nil, ErrAccountLocked
	}

	// Google-only accounts have no password hash; a password login
	// against them fails like any wrong password.
	if account.PasswordHash == nil ||
		s.passwordValidator.VerifyPassword(req.Password, *account.PasswordHash) != nil {
		s.recordLoginFailure(email, reqCtx, "wrong password")
		metrics.RecordLogin(string(actor), "failed")
		return nil, ErrInvalidCredentials
	}

	return s.issueSession(ctx, account, reqCtx)
}

// GoogleLogin authenticates a customer via the federated identity
// provider, creating or linking the account as needed
func (s *AuthService) GoogleLogin(ctx context.Context, req GoogleLoginRequest, reqCtx RequestContext) (*AuthResponse, error) {
	profile, err := s.identity.Resolve(ctx, req.Credential)
	if err != nil {
		metrics.RecordLogin(string(repository.ActorCustomer), "failed")
		return nil, ErrInvalidCredentials
	}

	account, err := s.accountRepo.GetByGoogleID(ctx, profile.SubjectID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		account, err = s.findOrCreateGoogleAccount(ctx, profile)
	}
	if err != nil {
		return nil, err
	}

	if account.Status == repository.AccountLocked {
		metrics.RecordLogin(string(repository.ActorCustomer), "locked")
		return nil, ErrAccountLocked
	}

	return s.issueSession(ctx, account, reqCtx)
}

func (s *AuthService) findOrCreateGoogleAccount(ctx context.Context, profile *IdentityProfile) (*repository.Account, error) {
	email := strings.TrimSpace(strings.ToLower(profile.Email))
	if !isValidEmail(email) {
		return nil, ErrInvalidCredentials
	}

	existing, err := s.accountRepo.GetByEmail(ctx, repository.ActorCustomer, email)
	if err == nil {
		if err := s.accountRepo.LinkGoogleID(ctx, existing.ID, profile.SubjectID); err != nil {
			return nil, err
		}
		existing.GoogleID = &profile.SubjectID
		return existing, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	account := &repository.Account{
		Actor:       repository.ActorCustomer,
		DisplayName: s.sanitizeDisplayName(profile.DisplayName, email),
		Email:       email,
		GoogleID:    &profile.SubjectID,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// RequestRegisterOTP issues a registration challenge for a new email.
// An already-registered email gets the same generic outcome so the
// endpoint cannot be used to enumerate accounts; no challenge is stored.
func (s *AuthService) RequestRegisterOTP(ctx context.Context, email string, reqCtx RequestContext) (*OTPRequestResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	exists, err := s.accountRepo.EmailExists(ctx, repository.ActorCustomer, email)
	if err != nil {
		return nil, err
	}
	if exists {
		s.logger.Info("registration otp requested for existing email")
		return &OTPRequestResult{}, nil
	}

	return s.otpService.Request(ctx, email, repository.PurposeRegister, reqCtx)
}

// RequestPasswordResetOTP issues a reset challenge when the account
// exists; the caller gets a generic outcome either way
func (s *AuthService) RequestPasswordResetOTP(ctx context.Context, email string, reqCtx RequestContext) (*OTPRequestResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	_, err := s.accountRepo.GetByEmail(ctx, repository.ActorCustomer, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Info("password reset otp requested for unknown email")
			return &OTPRequestResult{}, nil
		}
		return nil, err
	}

	return s.otpService.Request(ctx, email, repository.PurposeForgotPassword, reqCtx)
}

// FinalizeRegistration consumes a verified register challenge, creates
// the account and signs it in
func (s *AuthService) FinalizeRegistration(ctx context.Context, req VerifyOTPRequest, reqCtx RequestContext) (*AuthResponse, []PasswordValidationError, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))

	if _, err := s.otpService.Verify(ctx, email, req.Code, repository.PurposeRegister); err != nil {
		metrics.RecordOTPVerify("failed")
		return nil, nil, err
	}
	metrics.RecordOTPVerify("ok")

	if passwordErrors := s.passwordValidator.ValidatePassword(req.Password); len(passwordErrors) > 0 {
		return nil, passwordErrors, nil
	}

	passwordHash, err := s.passwordValidator.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	account := &repository.Account{
		Actor:        repository.ActorCustomer,
		DisplayName:  s.sanitizeDisplayName(req.DisplayName, email),
		Email:        email,
		PasswordHash: &passwordHash,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, nil, ErrEmailExists
		}
		return nil, nil, err
	}

	if err := s.otpService.Consume(ctx, email); err != nil {
		s.logger.Warn("failed to consume otp challenge", "error", err)
	}

	resp, err := s.issueSession(ctx, account, reqCtx)
	return resp, nil, err
}

// ResetPassword consumes a verified forgot_password challenge and
// replaces the account's password
func (s *AuthService) ResetPassword(ctx context.Context, req VerifyOTPRequest) ([]PasswordValidationError, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))

	if _, err := s.otpService.Verify(ctx, email, req.Code, repository.PurposeForgotPassword); err != nil {
		metrics.RecordOTPVerify("failed")
		return nil, err
	}
	metrics.RecordOTPVerify("ok")

	if passwordErrors := s.passwordValidator.ValidatePassword(req.Password); len(passwordErrors) > 0 {
		return passwordErrors, nil
	}

	account, err := s.accountRepo.GetByEmail(ctx, repository.ActorCustomer, email)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	passwordHash, err := s.passwordValidator.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	if err := s.accountRepo.UpdatePasswordHash(ctx, account.ID, passwordHash); err != nil {
		return nil, err
	}

	if err := s.otpService.Consume(ctx, email); err != nil {
		s.logger.Warn("failed to consume otp challenge", "error", err)
	}
	return nil, nil
}

// ResendOTP regenerates the pending code for an email
func (s *AuthService) ResendOTP(ctx context.Context, email string) (*OTPRequestResult, error) {
	return s.otpService.Resend(ctx, email)
}

// Logout revokes the session behind the refresh token and closes its
// audit row. A token whose session row is gone still gets a blind
// revoke-by-hash as a safety net. The handler clears the cookie no
// matter what this returns.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	tokenHash := s.tokenService.HashRefreshToken(refreshToken)

	session, err := s.sessionRepo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			_ = s.sessionRepo.RevokeByTokenHash(ctx, tokenHash)
			return ErrSessionNotFound
		}
		return err
	}

	if err := s.sessionRepo.Revoke(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	metrics.RecordRevocation("logout")

	s.auditAsync(func(ctx context.Context) error {
		return s.loginLogs.CloseOut(ctx, session.ID, time.Now().UTC())
	})
	return nil
}

// GetProfile returns the account profile for an authenticated request
func (s *AuthService) GetProfile(ctx context.Context, accountID string) (*AccountResponse, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, ErrAccountNotFound
	}

	account, err := s.accountRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	resp := accountResponse(account)
	return &resp, nil
}

// issueSession mints the token pair, persists the session row and writes
// the audit entry. Audit failures are logged and swallowed: the login
// response never depends on the audit trail.
func (s *AuthService) issueSession(ctx context.Context, account *repository.Account, reqCtx RequestContext) (*AuthResponse, error) {
	tokenPair, err := s.tokenService.GenerateTokenPair(account)
	if err != nil {
		return nil, err
	}

	session := &repository.Session{
		AccountID: account.ID,
		TokenHash: s.tokenService.HashRefreshToken(tokenPair.RefreshToken),
		UserAgent: optional(reqCtx.UserAgent),
		IPAddress: optional(reqCtx.IPAddress),
		ExpiresAt: time.Now().UTC().Add(s.tokenService.GetRefreshTokenExpiry()),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := s.accountRepo.UpdateLastLogin(ctx, account.ID); err != nil {
		s.logger.Warn("failed to update last login", "error", err)
	}

	sessionID := session.ID
	entry := &repository.LoginLog{
		SessionID: &sessionID,
		AccountID: &account.ID,
		Email:     account.Email,
		IPAddress: optional(reqCtx.IPAddress),
		UserAgent: optional(reqCtx.UserAgent),
		Status:    repository.LoginStatusSuccess,
		LoginTime: time.Now().UTC(),
	}
	s.auditAsync(func(ctx context.Context) error {
		return s.loginLogs.Insert(ctx, entry)
	})

	metrics.RecordLogin(string(account.Actor), "success")

	return &AuthResponse{
		Account: accountResponse(account),
		Tokens: TokenResponse{
			AccessToken: tokenPair.AccessToken,
			ExpiresIn:   tokenPair.ExpiresIn,
			TokenType:   "Bearer",
		},
		refreshToken: tokenPair.RefreshToken,
		sessionID:    session.ID,
	}, nil
}

// recordLoginFailure tracks the attempt for brute-force protection and
// appends a failed audit row, both off the response path
func (s *AuthService) recordLoginFailure(email string, reqCtx RequestContext, reason string) {
	s.auditAsync(func(ctx context.Context) error {
		if err := s.sessionRepo.RecordFailedAttempt(ctx, email, reqCtx.IPAddress); err != nil {
			return err
		}
		return s.loginLogs.Insert(ctx, &repository.LoginLog{
			Email:        email,
			IPAddress:    optional(reqCtx.IPAddress),
			UserAgent:    optional(reqCtx.UserAgent),
			Status:       repository.LoginStatusFailed,
			ErrorMessage: &reason,
			LoginTime:    time.Now().UTC(),
		})
	})
}

// auditAsync is the named fire-and-forget pattern for non-authoritative
// writes: run in the background with a bounded deadline, log failures,
// never surface them to the caller.
func (s *AuthService) auditAsync(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("audit write failed", "error", err)
		}
	}()
}

// sanitizeDisplayName strips any markup from externally supplied names
// and falls back to the email local part
func (s *AuthService) sanitizeDisplayName(name, email string) string {
	name = strings.TrimSpace(s.namePolicy.Sanitize(name))
	if name == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
		return email
	}
	return name
}

func accountResponse(account *repository.Account) AccountResponse {
	return AccountResponse{
		ID:          account.ID.String(),
		DisplayName: account.DisplayName,
		Email:       account.Email,
		Actor:       string(account.Actor),
		CreatedAt:   account.CreatedAt,
		LastLogin:   account.LastLoginAt,
	}
}

// isValidEmail checks if the email format is valid
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}
