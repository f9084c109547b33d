package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterAuthRoutes registers authentication and session routes.
// otpLimiter guards the endpoints that send email; authMiddleware guards
// the ones that need a signed-in account.
func RegisterAuthRoutes(
	r chi.Router,
	handler *AuthHandler,
	authMiddleware func(next http.Handler) http.Handler,
	otpLimiter func(next http.Handler) http.Handler,
) {
	r.Route("/auth", func(r chi.Router) {
		// POST /api/v1/auth/login - Customer password login
		r.Post("/login", handler.Login)

		// POST /api/v1/auth/staff/login - Staff password login
		r.Post("/staff/login", handler.StaffLogin)

		// POST /api/v1/auth/google - Federated customer login
		r.Post("/google", handler.GoogleLogin)

		// OTP issuance endpoints send email; keep them behind the limiter
		r.Group(func(r chi.Router) {
			r.Use(otpLimiter)

			// POST /api/v1/auth/check-email - Start registration
			r.Post("/check-email", handler.CheckEmail)

			// POST /api/v1/auth/forgot-password - Start password reset
			r.Post("/forgot-password", handler.ForgotPassword)

			// POST /api/v1/auth/resend-otp - Regenerate pending code
			r.Post("/resend-otp", handler.ResendOTP)
		})

		// POST /api/v1/auth/verify-otp - Finalize registration or reset
		r.Post("/verify-otp", handler.VerifyOTP)

		// POST /api/v1/auth/reset-password - Apply a verified reset code
		r.Post("/reset-password", handler.ResetPassword)

		// POST /api/v1/auth/refresh - Session continuation
		r.Post("/refresh", handler.Refresh)

		// POST /api/v1/auth/logout - Revoke current session
		r.Post("/logout", handler.Logout)

		// GET /api/v1/auth/me - Authenticated account profile
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Get("/me", handler.GetMe)
		})
	})
}
