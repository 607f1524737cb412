package mpesa

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/apperrors"
)

const (
	tokenErrorMessage  = "Failed to generate M-Pesa token"
	tokenRefreshBuffer = 5 * time.Minute
)

// TokenSource hands out bearer tokens for gateway calls
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// TokenService manages Safaricom OAuth tokens with thread-safe access
type TokenService struct {
	consumerKey    string
	consumerSecret string
	authURL        string
	client         *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// TokenResponse represents Safaricom OAuth response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // Duration in seconds as string
}

// NewTokenService creates a new token service with SSL verification enforced
func NewTokenService(consumerKey, consumerSecret, authURL string, timeout time.Duration) *TokenService {
	return &TokenService{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		authURL:        authURL,
		client:         newHTTPClient(timeout),
		now:            time.Now,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// GetToken returns a valid access token, refreshing if necessary
func (ts *TokenService) GetToken(ctx context.Context) (string, error) {
	if ts.consumerKey == "" || ts.consumerSecret == "" {
		return "", apperrors.Auth(tokenErrorMessage, apperrors.WithDetails("M-Pesa credentials are not configured"))
	}

	// Fast path: check if current token is valid (read lock)
	ts.mu.RLock()
	if ts.token != "" && ts.now().Before(ts.expiresAt) {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	return ts.refreshTokenSafe(ctx)
}

// refreshTokenSafe ensures only one goroutine refreshes the token at a time
func (ts *TokenService) refreshTokenSafe(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock
	if ts.token != "" && ts.now().Before(ts.expiresAt) {
		return ts.token, nil
	}

	if err := ts.refreshToken(ctx); err != nil {
		log.Error().Err(err).Msg("M-Pesa token error")
		return "", err
	}

	return ts.token, nil
}

// refreshToken fetches a new token from Safaricom (caller must hold write lock)
func (ts *TokenService) refreshToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.authURL, nil)
	if err != nil {
		return apperrors.Auth(tokenErrorMessage, apperrors.WithCause(fmt.Errorf("create auth request: %w", err)))
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(ts.consumerKey + ":" + ts.consumerSecret),
	)
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := ts.client.Do(req)
	if err != nil {
		return apperrors.Auth(tokenErrorMessage, apperrors.WithCause(fmt.Errorf("request token: %w", err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Auth(tokenErrorMessage,
			apperrors.WithDetails(fmt.Sprintf("token request failed with status %d: %s", resp.StatusCode, string(body))))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return apperrors.Auth(tokenErrorMessage, apperrors.WithCause(fmt.Errorf("decode token response: %w", err)))
	}

	if tokenResp.AccessToken == "" {
		return apperrors.Auth(tokenErrorMessage, apperrors.WithDetails("received empty access token"))
	}

	// Safaricom returns seconds as string, typically "3599"
	expiresIn := 3599 * time.Second
	if seconds, err := strconv.Atoi(tokenResp.ExpiresIn); err == nil && seconds > 0 {
		expiresIn = time.Duration(seconds) * time.Second
	}

	// Refresh ahead of actual expiry, never by more than half the lifetime
	buffer := tokenRefreshBuffer
	if half := expiresIn / 2; half < buffer {
		buffer = half
	}
	ts.token = tokenResp.AccessToken
	ts.expiresAt = ts.now().Add(expiresIn - buffer)

	return nil
}
