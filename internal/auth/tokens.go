package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// StaticTokenSource serves a longer-lived static credential. When one is
// configured, per-call installation-token minting is skipped entirely, which
// avoids needless token churn on evaluation and replay paths.
type StaticTokenSource struct {
	token string
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

// AppTokenSource mints installation-scoped tokens for a GitHub App: a short
// RS256 app JWT is exchanged for an installation token, cached until near
// expiry so at most one refresh happens per orchestration call.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	http           *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewAppTokenSource(appID, installationID int64, privateKeyPath string) (*AppTokenSource, error) {
	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        "https://api.github.com",
		http:           http.DefaultClient,
	}, nil
}

func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expires) > 2*time.Minute {
		return s.token, nil
	}

	appJWT, err := s.mintAppJWT()
	if err != nil {
		return "", err
	}

	token, expires, err := s.exchange(ctx, appJWT)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expires = expires

	log.Debug().
		Int64("installation_id", s.installationID).
		Time("expires", expires).
		Msg("Refreshed installation token")

	return s.token, nil
}

func (s *AppTokenSource) mintAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer: fmt.Sprintf("%d", s.appID),
		// Backdated a minute to tolerate clock skew against GitHub.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

func (s *AppTokenSource) exchange(ctx context.Context, appJWT string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("installation token exchange failed: %s", resp.Status)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode installation token: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}
