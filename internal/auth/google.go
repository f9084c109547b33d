package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Google identity errors
var (
	ErrIdentityRejected = errors.New("federated credential rejected")
)

const googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// GoogleProvider verifies Google ID tokens against the tokeninfo
// endpoint and maps them to identity profiles
type GoogleProvider struct {
	clientID string
	client   *http.Client
}

// NewGoogleProvider creates a new GoogleProvider instance
func NewGoogleProvider(clientID string) *GoogleProvider {
	return &GoogleProvider{
		clientID: clientID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// googleTokenInfo is the subset of the tokeninfo response we use
type googleTokenInfo struct {
	Subject       string `json:"sub"`
	Audience      string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
}

// Resolve verifies the ID token and returns the asserted profile. Any
// verification failure maps to ErrIdentityRejected; the caller reports
// it as invalid credentials.
func (p *GoogleProvider) Resolve(ctx context.Context, credential string) (*IdentityProfile, error) {
	endpoint := googleTokenInfoURL + "?id_token=" + url.QueryEscape(credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google tokeninfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrIdentityRejected
	}

	var info googleTokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, ErrIdentityRejected
	}

	if info.Audience != p.clientID || info.EmailVerified != "true" || info.Email == "" {
		return nil, ErrIdentityRejected
	}

	return &IdentityProfile{
		SubjectID:   info.Subject,
		Email:       info.Email,
		DisplayName: info.Name,
	}, nil
}
