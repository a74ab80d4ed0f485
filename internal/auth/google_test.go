package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/retry"
)

var testPolicy = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
	MaxElapsedTime:  time.Second,
}

var testCreds = Credentials{ClientID: "client", ClientSecret: "secret", RefreshToken: "refresh"}

func newTestSource(t *testing.T, handler http.HandlerFunc, cache TokenCache) *GoogleTokenSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGoogleTokenSource(server.URL, server.Client(), cache, testPolicy, logger.NopLogger())
}

func TestGoogleTokenSource_RefreshesOnceAndCaches(t *testing.T) {
	var calls int32
	source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "refresh", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.token","expires_in":3599,"token_type":"Bearer"}`))
	}, nil)

	for i := 0; i < 3; i++ {
		token, err := source.AccessToken(context.Background(), testCreds)
		require.NoError(t, err)
		assert.Equal(t, "ya29.token", token)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGoogleTokenSource_ExpiryLeeway(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{name: "expires_in", body: `{"access_token":"a","expires_in":120}`, want: now.Add(60 * time.Second)},
		{name: "default lifetime", body: `{"access_token":"a"}`, want: now.Add(3540 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}, nil)
			source.now = func() time.Time { return now }

			token, err := source.Refresh(context.Background(), testCreds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, token.ExpiresAt)
		})
	}
}

func TestGoogleTokenSource_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
		transient bool
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`, wantCalls: 1},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":3600}`, wantCalls: 1},
		{name: "server error", status: http.StatusServiceUnavailable, body: `{}`, wantCalls: 3, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			source := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			_, err := source.AccessToken(context.Background(), testCreds)
			require.Error(t, err)
			assert.True(t, apperrors.IsTransport(err))
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestToken_Valid(t *testing.T) {
	now := time.Now()
	assert.True(t, Token{AccessToken: "a", ExpiresAt: now.Add(time.Minute)}.Valid(now))
	assert.False(t, Token{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}.Valid(now))
	assert.False(t, Token{ExpiresAt: now.Add(time.Minute)}.Valid(now))
}

func TestMemoryTokenCache_DropsExpired(t *testing.T) {
	now := time.Now()
	cache := NewMemoryTokenCache()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "k", Token{AccessToken: "a", ExpiresAt: now.Add(time.Minute)}))
	_, ok, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok, err = cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentials_CacheKey(t *testing.T) {
	other := testCreds
	other.RefreshToken = "other"

	assert.Len(t, testCreds.CacheKey(), 64)
	assert.Equal(t, testCreds.CacheKey(), testCreds.CacheKey())
	assert.NotEqual(t, testCreds.CacheKey(), other.CacheKey())
	assert.NotContains(t, testCreds.CacheKey(), "refresh")
}
