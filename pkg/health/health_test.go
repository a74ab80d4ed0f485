package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name string
	err  error
}

func (s stubChecker) Name() string                { return s.name }
func (s stubChecker) Check(context.Context) error { return s.err }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestCheckerRegistry_Check(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name     string
		required []Checker
		optional []Checker
		want     Status
	}{
		{name: "no checks", want: StatusHealthy},
		{
			name:     "all healthy",
			required: []Checker{stubChecker{name: "postgresql"}},
			optional: []Checker{stubChecker{name: "redis"}},
			want:     StatusHealthy,
		},
		{
			name:     "optional dependency down",
			required: []Checker{stubChecker{name: "postgresql"}},
			optional: []Checker{stubChecker{name: "redis", err: down}},
			want:     StatusDegraded,
		},
		{
			name:     "required dependency down",
			required: []Checker{stubChecker{name: "postgresql", err: down}},
			optional: []Checker{stubChecker{name: "redis", err: down}},
			want:     StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			for _, c := range tt.required {
				r.Register(c)
			}
			for _, c := range tt.optional {
				r.RegisterOptional(c)
			}

			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.required)+len(tt.optional))
		})
	}
}

func TestCheckerRegistry_ReportsMessages(t *testing.T) {
	r := NewCheckerRegistry()
	r.Register(NewAnalyticsChecker(stubPinger{err: errors.New("token_auth invalid")}))

	h := r.Check(context.Background())
	require.Contains(t, h.Checks, "analytics")
	assert.Equal(t, StatusUnhealthy, h.Checks["analytics"].Status)
	assert.Contains(t, h.Checks["analytics"].Message, "token_auth invalid")
}

func TestAnalyticsChecker(t *testing.T) {
	c := NewAnalyticsChecker(stubPinger{})
	assert.Equal(t, "analytics", c.Name())
	assert.NoError(t, c.Check(context.Background()))
}
