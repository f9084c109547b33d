package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velomart/storefront/backend/internal/repository"
	"pgregory.net/rapid"
)

// otpFixture wires an OTPService to in-memory collaborators with a
// controllable clock
type otpFixture struct {
	service *OTPService
	repo    *mockOTPRepository
	mail    *mockMailer
	clock   time.Time
}

func newOTPFixture() *otpFixture {
	f := &otpFixture{
		repo:  newMockOTPRepository(),
		mail:  &mockMailer{},
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.service = NewOTPService(f.repo, f.mail, nil)
	f.service.now = func() time.Time { return f.clock }
	return f
}

func (f *otpFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestOTPRequestVerifyConsume(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.service.Request(ctx, "Shopper@Example.com", repository.PurposeRegister, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Delivered || result.Suppressed {
		t.Errorf("expected delivered, got %+v", result)
	}

	code := f.mail.lastCode()
	if len(code) != 6 {
		t.Fatalf("expected a 6-digit code in the mail, got %q", code)
	}

	// Address matching is case-insensitive
	challenge, err := f.service.Verify(ctx, "shopper@example.com", code, repository.PurposeRegister)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if challenge.Purpose != repository.PurposeRegister {
		t.Errorf("expected register purpose, got %s", challenge.Purpose)
	}

	if err := f.service.Consume(ctx, "shopper@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.service.Verify(ctx, "shopper@example.com", code, repository.PurposeRegister); !errors.Is(err, ErrOTPNotFound) {
		t.Errorf("consumed challenge still verifiable: %v", err)
	}
}

func TestOTPPurposeMismatch(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	if _, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code := f.mail.lastCode()

	if _, err := f.service.Verify(ctx, "shopper@example.com", code, repository.PurposeForgotPassword); !errors.Is(err, ErrOTPTypeMismatch) {
		t.Errorf("expected ErrOTPTypeMismatch, got %v", err)
	}
}

func TestOTPExpiry(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	if _, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code := f.mail.lastCode()

	f.advance(otpTTL + time.Second)

	if _, err := f.service.Verify(ctx, "shopper@example.com", code, repository.PurposeRegister); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("expected ErrOTPExpired, got %v", err)
	}
}

// Wrong guesses burn attempts; once the ceiling is reached even the
// correct code is rejected.
func TestOTPAttemptCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newOTPFixture()
		ctx := context.Background()

		if _, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		code := f.mail.lastCode()

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}

		wrongGuesses := rapid.IntRange(0, otpMaxAttempts+2).Draw(t, "wrongGuesses")
		for i := 0; i < wrongGuesses; i++ {
			_, err := f.service.Verify(ctx, "shopper@example.com", wrong, repository.PurposeRegister)
			switch {
			case i < otpMaxAttempts && !errors.Is(err, ErrOTPIncorrect):
				t.Fatalf("guess %d: expected ErrOTPIncorrect, got %v", i, err)
			case i >= otpMaxAttempts && !errors.Is(err, ErrOTPTooManyAttempts):
				t.Fatalf("guess %d: expected ErrOTPTooManyAttempts, got %v", i, err)
			}
		}

		_, err := f.service.Verify(ctx, "shopper@example.com", code, repository.PurposeRegister)
		if wrongGuesses >= otpMaxAttempts {
			if !errors.Is(err, ErrOTPTooManyAttempts) {
				t.Fatalf("exhausted challenge accepted correct code: %v", err)
			}
		} else if err != nil {
			t.Fatalf("correct code rejected after %d wrong guesses: %v", wrongGuesses, err)
		}
	})
}

func TestOTPSuppressionWindow(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	if _, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A double-submitted form inside the window does not resend
	f.advance(10 * time.Second)
	result, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Suppressed {
		t.Error("expected second request inside the window to be suppressed")
	}
	if f.mail.sentCount() != 1 {
		t.Errorf("expected 1 mail, got %d", f.mail.sentCount())
	}

	// A different purpose is a new challenge, not a duplicate
	result, err = f.service.Request(ctx, "shopper@example.com", repository.PurposeForgotPassword, RequestContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Suppressed {
		t.Error("purpose change should not be suppressed")
	}
	if f.mail.sentCount() != 2 {
		t.Errorf("expected 2 mails, got %d", f.mail.sentCount())
	}
}

func TestOTPResendCooldownAndCeiling(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	if _, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.service.Resend(ctx, "shopper@example.com"); !errors.Is(err, ErrOTPCoolingDown) {
		t.Errorf("expected ErrOTPCoolingDown, got %v", err)
	}

	firstCode := f.mail.lastCode()

	for i := 0; i < otpMaxResends; i++ {
		f.advance(otpResendCooldown + time.Second)
		if _, err := f.service.Resend(ctx, "shopper@example.com"); err != nil {
			t.Fatalf("resend %d: unexpected error: %v", i, err)
		}
	}

	f.advance(otpResendCooldown + time.Second)
	if _, err := f.service.Resend(ctx, "shopper@example.com"); !errors.Is(err, ErrOTPTooManyResends) {
		t.Errorf("expected ErrOTPTooManyResends, got %v", err)
	}

	// The old code died with the first resend
	if _, err := f.service.Verify(ctx, "shopper@example.com", firstCode, repository.PurposeRegister); err == nil {
		t.Error("superseded code still accepted")
	}
	if _, err := f.service.Verify(ctx, "shopper@example.com", f.mail.lastCode(), repository.PurposeRegister); err != nil {
		t.Errorf("latest code rejected: %v", err)
	}

	if _, err := f.service.Resend(ctx, "nobody@example.com"); !errors.Is(err, ErrOTPNotFound) {
		t.Errorf("expected ErrOTPNotFound, got %v", err)
	}
}

func TestOTPMailFailureIsNotFatal(t *testing.T) {
	f := newOTPFixture()
	f.mail.fail = true
	ctx := context.Background()

	result, err := f.service.Request(ctx, "shopper@example.com", repository.PurposeRegister, RequestContext{})
	if err != nil {
		t.Fatalf("mail failure surfaced as error: %v", err)
	}
	if result.Delivered {
		t.Error("expected Delivered=false when transport fails")
	}

	// The challenge exists despite the failed send
	if _, err := f.service.Verify(ctx, "shopper@example.com", f.mail.lastCode(), repository.PurposeRegister); err != nil {
		t.Errorf("challenge unusable after failed send: %v", err)
	}
}
