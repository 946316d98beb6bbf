package scm

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/attractor-run/control-plane/internal/platform/config"
)

// TokenSource builds the oauth2.TokenSource a Client authenticates with,
// preferring an installation (app) credential over a personal token when
// both are configured, per spec §6.
func TokenSource(ctx context.Context, cfg config.SCMConfig, httpClient *http.Client) (oauth2.TokenSource, error) {
	if cfg.AppID != "" && cfg.InstallationID != "" && cfg.PrivateKeyPEM != "" {
		return newInstallationTokenSource(ctx, cfg, httpClient)
	}
	if cfg.PersonalToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.PersonalToken}), nil
	}
	return nil, fmt.Errorf("scm: no credential configured (need app_id+installation_id+private_key_pem or personal_token)")
}

// installationTokenSource mints a short-lived app JWT, exchanges it for
// an installation access token, and refreshes on expiry via
// oauth2.ReuseTokenSource's wrapping contract (the caller wraps us in
// that, we just report expiry honestly each call).
type installationTokenSource struct {
	cfg        config.SCMConfig
	httpClient *http.Client
	key        *rsa.PrivateKey
}

func newInstallationTokenSource(ctx context.Context, cfg config.SCMConfig, httpClient *http.Client) (oauth2.TokenSource, error) {
	key, err := parseRSAPrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("scm: parse app private key: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := &installationTokenSource{cfg: cfg, httpClient: httpClient, key: key}
	return oauth2.ReuseTokenSourceWithExpiry(nil, base, time.Minute), nil
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	appJWT, err := s.mintAppJWT()
	if err != nil {
		return nil, err
	}

	baseURL := s.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", baseURL, s.cfg.InstallationID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scm: request installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("scm: installation token request returned %s", resp.Status)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("scm: decode installation token response: %w", err)
	}
	return &oauth2.Token{AccessToken: out.Token, Expiry: out.ExpiresAt}, nil
}

func (s *installationTokenSource) mintAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    s.cfg.AppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("scm: sign app jwt: %w", err)
	}
	return signed, nil
}

func parseRSAPrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
