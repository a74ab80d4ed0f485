package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"convsync/internal/logger"
)

func ptr(s string) *string { return &s }

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		want   map[string]bool
		ok     bool
	}{
		{name: "json object", cookie: `{"conversion-api":true,"analytics":false}`, want: map[string]bool{"conversion-api": true, "analytics": false}, ok: true},
		{name: "html escaped json", cookie: `{&quot;meta&quot;:true}`, want: map[string]bool{"meta": true}, ok: true},
		{name: "json numbers and strings", cookie: `{"a":1,"b":0,"c":"true","d":"yes"}`, want: map[string]bool{"a": true, "b": false, "c": true, "d": false}, ok: true},
		{name: "json array", cookie: `["meta"]`, ok: false},
		{name: "broken json", cookie: `{"meta":`, ok: false},
		{name: "csv with default", cookie: "true,analytics:false,marketing:true", want: map[string]bool{"default": true, "analytics": false, "marketing": true}, ok: true},
		{name: "single pair", cookie: "meta:true", want: map[string]bool{"meta": true}, ok: true},
		{name: "csv without pairs", cookie: "a,b", ok: false},
		{name: "bare true", cookie: "true", want: map[string]bool{"default": true}, ok: true},
		{name: "bare false", cookie: "FALSE", want: map[string]bool{"default": false}, ok: true},
		{name: "garbage", cookie: "accepted", ok: false},
		{name: "empty", cookie: "  ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.cookie)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cookie  *string
		service string
		userID  string
		want    bool
	}{
		{name: "logged in user overrides missing cookie", cookie: nil, service: "conversion-api", userID: "user-7", want: true},
		{name: "unknown user id is not logged in", cookie: nil, service: "conversion-api", userID: "Unknown", want: false},
		{name: "json grant", cookie: ptr(`{"conversion-api":true}`), service: "conversion-api", want: true},
		{name: "json denial", cookie: ptr(`{"conversion-api":false}`), service: "conversion-api", want: false},
		{name: "service missing falls back to default", cookie: ptr("true,analytics:false"), service: "meta", want: true},
		{name: "service beats default", cookie: ptr("true,meta:false"), service: "meta", want: false},
		{name: "no entry denies", cookie: ptr(`{"analytics":true}`), service: "meta", want: false},
		{name: "unparseable denies", cookie: ptr("yes please"), service: "meta", want: false},
		{name: "empty cookie denies", cookie: ptr(""), service: "meta", want: false},
	}

	r := NewResolver(logger.NopLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(context.Background(), tt.cookie, tt.service, tt.userID))
		})
	}
}

func TestResolve_LogsUnrecognizedCookie(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewResolver(logger.NewObserved(core))

	r.Resolve(context.Background(), ptr("nonsense"), "meta", "")

	assert.Equal(t, 1, logs.FilterMessageSnippet("Unrecognized consent cookie").Len())
}

func TestPseudonymousID(t *testing.T) {
	r := NewResolverWithSalt(logger.NopLogger(), func() int { return 123456 })

	sum := sha256.Sum256([]byte("4711-123456"))
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, r.PseudonymousID("4711"))
	assert.Equal(t, r.PseudonymousID("4711"), r.PseudonymousID("4711"))
	assert.NotEqual(t, r.PseudonymousID("4711"), r.PseudonymousID("4712"))
	assert.Len(t, want, 64)
}

func TestRandomSalt(t *testing.T) {
	for i := 0; i < 100; i++ {
		salt := RandomSalt()
		assert.GreaterOrEqual(t, salt, 100000)
		assert.LessOrEqual(t, salt, 999999)
	}
}

func TestHasLoggedInUser(t *testing.T) {
	assert.True(t, HasLoggedInUser("42"))
	assert.False(t, HasLoggedInUser(""))
	assert.False(t, HasLoggedInUser(" "))
	assert.False(t, HasLoggedInUser("UNKNOWN"))
}
