package auth

import (
	"net/http"
	"time"
)

// RefreshCookieName is the cookie carrying the refresh token. The token
// never appears in a JSON response body; the cookie is the only place
// the client holds it.
const RefreshCookieName = "refresh_token"

// CookiePolicy derives the refresh-cookie attributes from the
// deployment shape. Cross-site deployments (storefront on a different
// origin than the API) require Secure with SameSite=None; same-site
// deployments use Lax and tie Secure to the production flag.
type CookiePolicy struct {
	CrossSite  bool
	Production bool
	Path       string
}

// NewCookiePolicy creates a policy for the given deployment shape
func NewCookiePolicy(crossSite, production bool) CookiePolicy {
	return CookiePolicy{
		CrossSite:  crossSite,
		Production: production,
		Path:       "/api/v1/auth",
	}
}

// Set writes the refresh token cookie with the policy's attributes
func (p CookiePolicy) Set(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, p.build(token, ttl))
}

// Clear expires the refresh token cookie on the client
func (p CookiePolicy) Clear(w http.ResponseWriter) {
	cookie := p.build("", -time.Hour)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

func (p CookiePolicy) build(token string, ttl time.Duration) *http.Cookie {
	cookie := &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     p.Path,
		HttpOnly: true,
		Expires:  time.Now().Add(ttl),
	}
	if p.CrossSite {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	} else {
		cookie.Secure = p.Production
		cookie.SameSite = http.SameSiteLaxMode
	}
	return cookie
}
