package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// App JWTs may live at most ten minutes; issue them slightly backdated to
// tolerate clock drift between us and GitHub.
const (
	appJWTBackdate = 60 * time.Second
	appJWTLifetime = 9 * time.Minute
)

// AppTokenSource exchanges a GitHub App identity for an installation token.
// Tokens expire within an hour; callers fetch a fresh one per invocation and
// hand it to NewClient rather than caching it.
type AppTokenSource struct {
	AppID          string
	InstallationID int64
	PrivateKey     *rsa.PrivateKey
	BaseURL        string       // default: DefaultAPIEndpoint
	HTTPClient     *http.Client // default: client with DefaultTimeout
	Now            func() time.Time
}

// ParsePrivateKey parses a PEM encoded RSA private key as downloaded from the
// GitHub App settings page.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return key, nil
}

func (s *AppTokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AppJWT returns an RS256 JWT identifying the app itself.
func (s *AppTokenSource) AppJWT() (string, error) {
	if s.AppID == "" {
		return "", fmt.Errorf("app id is empty")
	}
	if s.PrivateKey == nil {
		return "", fmt.Errorf("app private key is not set")
	}
	now := s.now()
	claims := jwtlib.RegisteredClaims{
		Issuer:    s.AppID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(appJWTLifetime)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// Token creates an installation access token.
func (s *AppTokenSource) Token(ctx context.Context) (*InstallationToken, error) {
	if s.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id is not set")
	}
	appJWT, err := s.AppJWT()
	if err != nil {
		return nil, err
	}

	client := NewClient(appJWT, "", "")
	if s.BaseURL != "" {
		client = client.WithBaseURL(s.BaseURL)
	}
	if s.HTTPClient != nil {
		client = client.WithHTTPClient(s.HTTPClient)
	}

	urlStr := client.buildURL("/app/installations/"+strconv.FormatInt(s.InstallationID, 10)+"/access_tokens", nil)
	respBody, _, err := client.doRequest(ctx, http.MethodPost, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation token: %w", err)
	}

	var tok InstallationToken
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse installation token response: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("installation token response carried no token")
	}
	return &tok, nil
}
