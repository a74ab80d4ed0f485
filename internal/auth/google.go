package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"convsync/internal/constants"
	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/metrics"
	"convsync/pkg/retry"
)

const oauthComponent = "google_oauth"

// Credentials identify one OAuth client and the refresh token it was granted.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// CacheKey is stable per client and refresh token without exposing either.
func (c Credentials) CacheKey() string {
	sum := sha256.Sum256([]byte(c.ClientID + "|" + c.RefreshToken))
	return hex.EncodeToString(sum[:])
}

type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// GoogleTokenSource exchanges refresh tokens for access tokens and caches them until
// shortly before they expire.
type GoogleTokenSource struct {
	endpoint string
	client   *http.Client
	cache    TokenCache
	policy   retry.Policy
	logger   logger.Logger
	now      func() time.Time
}

func NewGoogleTokenSource(endpoint string, client *http.Client, cache TokenCache, policy retry.Policy, log logger.Logger) *GoogleTokenSource {
	if endpoint == "" {
		endpoint = constants.DefaultGoogleOAuthURL
	}
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	return &GoogleTokenSource{
		endpoint: endpoint,
		client:   client,
		cache:    cache,
		policy:   policy,
		logger:   log,
		now:      time.Now,
	}
}

// AccessToken returns a cached token when one is still valid and refreshes otherwise.
// Cache failures only cost an extra refresh.
func (s *GoogleTokenSource) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	key := creds.CacheKey()

	token, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to read cached access token", "error", err)
	}
	if ok {
		return token.AccessToken, nil
	}

	token, err = s.Refresh(ctx, creds)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, key, token); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to cache access token", "error", err)
	}
	return token.AccessToken, nil
}

// Refresh always asks the OAuth endpoint for a new access token.
func (s *GoogleTokenSource) Refresh(ctx context.Context, creds Credentials) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("refresh_token", creds.RefreshToken)

	var token Token
	err := retry.RetryWithCallback(ctx, s.policy, func() error {
		var err error
		token, err = s.exchange(ctx, form)
		return err
	}, func(attempt int, err error, next time.Duration) {
		metrics.RecordRetryAttempt(oauthComponent)
		s.logger.WarnwCtx(ctx, "Retrying access token refresh",
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	if err != nil {
		return Token{}, err
	}

	s.logger.DebugwCtx(ctx, "Refreshed Google Ads access token", "expires_at", token.ExpiresAt)
	return token, nil
}

func (s *GoogleTokenSource) exchange(ctx context.Context, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, apperrors.Transport(oauthComponent, 0, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, apperrors.Transport(oauthComponent, 0, "failed to read response: %v", err)
	}

	var result struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int    `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	decodeErr := json.Unmarshal(body, &result)

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return Token{}, apperrors.Transport(oauthComponent, resp.StatusCode, "token refresh failed with status %d: %s %s",
			resp.StatusCode, result.Error, result.ErrorDescription)
	}
	if decodeErr != nil {
		return Token{}, apperrors.Transport(oauthComponent, resp.StatusCode, "failed to decode token response: %v", decodeErr)
	}
	if result.AccessToken == "" {
		return Token{}, apperrors.Transport(oauthComponent, resp.StatusCode, "token response has no access_token")
	}

	expiresIn := result.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = constants.DefaultTokenLifetimeSecs
	}

	return Token{
		AccessToken: result.AccessToken,
		ExpiresAt:   s.now().Add(time.Duration(expiresIn)*time.Second - constants.TokenExpiryLeeway),
	}, nil
}
