package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convsync/internal/config"
	"convsync/internal/constants"
	"convsync/internal/logger"
	"convsync/internal/pipeline"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		wantStart time.Time
		wantEnd   time.Time
		wantErr   string
	}{
		{name: "both empty selects default window"},
		{
			name:      "offsets are converted to UTC",
			start:     "2024-06-01T12:00:00+02:00",
			end:       "2024-06-01T13:00:00+02:00",
			wantStart: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
		},
		{name: "start only", start: "2024-06-01T10:00:00Z", wantErr: "together"},
		{name: "end only", end: "2024-06-01T10:00:00Z", wantErr: "together"},
		{name: "bad start", start: "yesterday", end: "2024-06-01T10:00:00Z", wantErr: "invalid --start"},
		{name: "bad end", start: "2024-06-01T10:00:00Z", end: "today", wantErr: "invalid --end"},
		{name: "empty window", start: "2024-06-01T10:00:00Z", end: "2024-06-01T10:00:00Z", wantErr: "after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := parseWindow(tt.start, tt.end)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(from))
			assert.True(t, tt.wantEnd.Equal(to))
		})
	}
}

const analyticsVisits = `[
	{"idVisit": "1", "visitorId": "a", "firstActionTimestamp": 1717236300, "countryCode": "nl",
	 "actionDetails": [{"type": "event", "timestamp": 1717236300, "eventCategory": "lead", "eventName": "e-1"}]},
	{"idVisit": "2", "visitorId": "b", "firstActionTimestamp": 1717250000, "countryCode": "de",
	 "actionDetails": [{"type": "event", "timestamp": 1717250000, "eventCategory": "lead", "eventName": "e-2"}]}
]`

func analyticsServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("method") {
		case "API.getMatomoVersion":
			_, _ = w.Write([]byte(`{"value":"5.0.0"}`))
		case "SitesManager.getSiteFromId":
			_, _ = w.Write([]byte(`{"idsite":"` + r.Form.Get("idSite") + `","timezone":"Europe/Berlin"}`))
		case "Live.getLastVisitsDetails":
			if r.Form.Get("filter_offset") != "0" {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(analyticsVisits))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(analyticsURL, metaURL string) *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "debug", Format: "json"},
		Settings: config.SettingsConfig{
			Backend: constants.SettingsBackendFile,
			Sites: map[string]map[string]string{
				"7": {
					"meta_sync_visits":  "1",
					"meta_pixel_id":     "123456",
					"meta_access_token": "token",
				},
				"8": {},
			},
		},
		Analytics: config.AnalyticsConfig{
			BaseURL:   analyticsURL,
			TokenAuth: "secret",
			Retry:     config.RetryConfig{MaxAttempts: 1},
		},
		Pipeline: config.PipelineConfig{
			MaxExecutionTime: time.Minute,
			HashAlgorithm:    "sha256",
		},
		Dispatch: config.DispatchConfig{
			Timeout:   5 * time.Second,
			RateLimit: config.RateLimitConfig{RPS: 100, Burst: 100},
			Retry:     config.RetryConfig{MaxAttempts: 1},
			Endpoints: config.EndpointsConfig{MetaBaseURL: metaURL},
		},
	}
}

func TestApp_RunOnceWithFileSettings(t *testing.T) {
	var metaRequests atomic.Int32
	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metaRequests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events_received":1}`))
	}))
	t.Cleanup(meta.Close)

	app := NewApp(testConfig(analyticsServer(t).URL, meta.URL), logger.NopLogger())
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, app.Initialize(ctx, "run"))

	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	result, err := app.RunOnce(ctx, pipeline.RunOptions{Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)

	assert.False(t, result.Retry)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Aborted)
	require.Len(t, result.Sites, 1, "site 8 has no platform enabled")

	succeeded, failed, _ := result.Sites[0].Counts()
	assert.Equal(t, 7, result.Sites[0].SiteID)
	assert.Equal(t, 1, result.Sites[0].Visits)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Positive(t, metaRequests.Load())

	health := app.health.Check(ctx)
	assert.Equal(t, "healthy", string(health.Status))
}

func TestApp_RunOnceRetryOnPlatformOutage(t *testing.T) {
	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(meta.Close)

	app := NewApp(testConfig(analyticsServer(t).URL, meta.URL), logger.NopLogger())
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, app.Initialize(ctx, "run"))

	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	result, err := app.RunOnce(ctx, pipeline.RunOptions{SiteIDs: []int{7}, Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, result.Retry)
}

func TestApp_MigrateWithFileSettings(t *testing.T) {
	app := NewApp(testConfig("http://127.0.0.1:1", "http://127.0.0.1:1"), logger.NopLogger())
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, app.Initialize(ctx, "migrate"))
	assert.NoError(t, app.Migrate(ctx))
}
