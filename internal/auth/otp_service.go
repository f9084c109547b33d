package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/velomart/storefront/backend/internal/mailer"
	"github.com/velomart/storefront/backend/internal/metrics"
	"github.com/velomart/storefront/backend/internal/repository"
)

// OTP service errors
var (
	ErrOTPNotFound        = errors.New("no pending code for this email")
	ErrOTPTypeMismatch    = errors.New("code was issued for a different purpose")
	ErrOTPTooManyAttempts = errors.New("too many incorrect attempts")
	ErrOTPExpired         = errors.New("code has expired")
	ErrOTPIncorrect       = errors.New("incorrect code")
	ErrOTPTooManyResends  = errors.New("resend limit reached")
	ErrOTPCoolingDown     = errors.New("please wait before requesting another code")
)

// OTP lifecycle constants
const (
	otpCodeLength        = 6
	otpTTL               = 10 * time.Minute
	otpMaxAttempts       = 5
	otpMaxResends        = 5
	otpResendCooldown    = 60 * time.Second
	otpSuppressionWindow = 30 * time.Second
	otpSendTimeout       = 10 * time.Second
)

// RequestContext carries per-request metadata recorded on challenges and
// audit rows
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// OTPRequestResult reports what happened to a code request. Delivered is
// false when the mail transport failed or the request was suppressed; in
// neither case is that an error, the challenge row exists either way.
type OTPRequestResult struct {
	Delivered  bool
	Suppressed bool
}

// OTPService owns the one-time code lifecycle: generation, hashed
// storage, rate limiting and verification. Codes are never stored or
// logged in plaintext.
type OTPService struct {
	otpRepo repository.OTPRepository
	mail    mailer.Mailer
	logger  *slog.Logger
	now     func() time.Time
}

// NewOTPService creates a new OTPService instance
func NewOTPService(otpRepo repository.OTPRepository, mail mailer.Mailer, logger *slog.Logger) *OTPService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OTPService{
		otpRepo: otpRepo,
		mail:    mail,
		logger:  logger,
		now:     time.Now,
	}
}

// Request issues a challenge for (email, purpose) and dispatches the
// code. A still-fresh pending challenge for the same email and purpose
// suppresses the send, so double-submitted forms do not trigger
// duplicate emails. Mail transport failure is reported in the result,
// never as an error.
func (s *OTPService) Request(ctx context.Context, email, purpose string, reqCtx RequestContext) (*OTPRequestResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	now := s.now().UTC()

	existing, err := s.otpRepo.GetByEmail(ctx, email)
	if err == nil && existing.Purpose == purpose &&
		now.Before(existing.ExpiresAt) && now.Sub(existing.LastSentAt) < otpSuppressionWindow {
		return &OTPRequestResult{Delivered: true, Suppressed: true}, nil
	}
	if err != nil && !errors.Is(err, repository.ErrChallengeNotFound) {
		return nil, err
	}

	code, err := generateOTPCode()
	if err != nil {
		return nil, err
	}

	challenge := &repository.OTPChallenge{
		Email:       email,
		Purpose:     purpose,
		CodeHash:    hashOTPCode(code),
		ExpiresAt:   now.Add(otpTTL),
		MaxAttempts: otpMaxAttempts,
		LastSentAt:  now,
		IPAddress:   optional(reqCtx.IPAddress),
		UserAgent:   optional(reqCtx.UserAgent),
	}
	if err := s.otpRepo.Upsert(ctx, challenge); err != nil {
		return nil, err
	}

	delivered := s.dispatch(ctx, email, purpose, code)
	metrics.RecordOTPIssued(purpose, delivered)
	return &OTPRequestResult{Delivered: delivered}, nil
}

// Resend regenerates the code for an existing challenge. Ceilings bound
// outbound spam: at most otpMaxResends regenerations, no more than one
// per cooldown window.
func (s *OTPService) Resend(ctx context.Context, email string) (*OTPRequestResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	now := s.now().UTC()

	challenge, err := s.otpRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			return nil, ErrOTPNotFound
		}
		return nil, err
	}

	if challenge.ResendCount >= otpMaxResends {
		return nil, ErrOTPTooManyResends
	}
	if now.Sub(challenge.LastSentAt) < otpResendCooldown {
		return nil, ErrOTPCoolingDown
	}

	code, err := generateOTPCode()
	if err != nil {
		return nil, err
	}
	if err := s.otpRepo.UpdateForResend(ctx, challenge.ID, hashOTPCode(code), now.Add(otpTTL), now); err != nil {
		return nil, err
	}

	delivered := s.dispatch(ctx, email, challenge.Purpose, code)
	metrics.RecordOTPIssued(challenge.Purpose, delivered)
	return &OTPRequestResult{Delivered: delivered}, nil
}

// Verify checks a submitted code. An incorrect code burns one attempt;
// expiry and the attempt ceiling are checked first so a correct code
// cannot rescue an exhausted or stale challenge. On success the
// challenge is considered consumed and the caller finalizes the flow
// (and deletes the row via Consume).
func (s *OTPService) Verify(ctx context.Context, email, code, purpose string) (*repository.OTPChallenge, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	now := s.now().UTC()

	challenge, err := s.otpRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			return nil, ErrOTPNotFound
		}
		return nil, err
	}

	if challenge.Purpose != purpose {
		return nil, ErrOTPTypeMismatch
	}
	if challenge.AttemptCount >= challenge.MaxAttempts {
		return nil, ErrOTPTooManyAttempts
	}
	if !now.Before(challenge.ExpiresAt) {
		return nil, ErrOTPExpired
	}

	if subtle.ConstantTimeCompare([]byte(hashOTPCode(code)), []byte(challenge.CodeHash)) != 1 {
		if _, err := s.otpRepo.IncrementAttempts(ctx, challenge.ID); err != nil {
			s.logger.Warn("failed to record otp attempt", "error", err)
		}
		return nil, ErrOTPIncorrect
	}

	return challenge, nil
}

// Consume deletes the challenge once the owning flow has finalized
// (registration completed, password reset applied)
func (s *OTPService) Consume(ctx context.Context, email string) error {
	err := s.otpRepo.DeleteByEmail(ctx, strings.ToLower(email))
	if errors.Is(err, repository.ErrChallengeNotFound) {
		return nil
	}
	return err
}

// dispatch sends the code by mail and reports delivery. Failures are
// logged and swallowed; the stored challenge stays valid so the user can
// retry via resend.
func (s *OTPService) dispatch(ctx context.Context, email, purpose, code string) bool {
	sendCtx, cancel := context.WithTimeout(ctx, otpSendTimeout)
	defer cancel()

	subject, body := otpMessage(purpose, code)
	if err := s.mail.Send(sendCtx, email, subject, body); err != nil {
		s.logger.Warn("otp mail dispatch failed", "purpose", purpose, "error", err)
		return false
	}
	return true
}

// otpMessage renders the subject and HTML body for a code email
func otpMessage(purpose, code string) (string, string) {
	var subject, intro string
	switch purpose {
	case repository.PurposeForgotPassword:
		subject = "Your password reset code"
		intro = "Use this code to reset your password."
	case repository.PurposeChangeEmail:
		subject = "Confirm your new email address"
		intro = "Use this code to confirm your new email address."
	default:
		subject = "Your verification code"
		intro = "Use this code to finish creating your account."
	}

	body := fmt.Sprintf(
		`<p>%s</p><p style="font-size:24px;letter-spacing:4px;"><strong>%s</strong></p><p>The code expires in %d minutes. If you did not request it, you can ignore this email.</p>`,
		intro, code, int(otpTTL.Minutes()),
	)
	return subject, body
}

// generateOTPCode produces a uniformly random 6-digit numeric code
func generateOTPCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpCodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return fmt.Sprintf("%0*d", otpCodeLength, n), nil
}

// hashOTPCode creates a SHA-256 hash of the code for storage
func hashOTPCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return hex.EncodeToString(hash[:])
}

// optional converts an empty string to a nil pointer for nullable columns
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
