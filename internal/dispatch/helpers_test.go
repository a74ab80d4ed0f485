package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convsync/internal/auth"
	"convsync/internal/config"
	"convsync/internal/consent"
	"convsync/internal/hashing"
	"convsync/internal/ledger"
	"convsync/internal/logger"
	"convsync/internal/normalize"
	"convsync/internal/settings"
	"convsync/internal/visit"
)

// actionTime is 2024-06-01 10:00:00 UTC.
const actionTime int64 = 1717236000

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func baseSettings() map[string]string {
	return map[string]string{
		"timezone":                           "Europe/Amsterdam",
		"event_category_lead":                "Contact form",
		"meta_sync_visits":                   "1",
		"meta_pixel_id":                      "123456",
		"meta_access_token":                  "meta-token",
		"google_sync_visits":                 "1",
		"google_ads_developer_token":         "dev-token",
		"google_ads_client_id":               "client",
		"google_ads_client_secret":           "secret",
		"google_ads_refresh_token":           "refresh",
		"google_ads_login_customer_id":       "123-456-7890",
		"google_ads_customer_id":             "9876543210",
		"google_conversion_action_lead":      "111",
		"google_conversion_action_page_view": "222",
		"linkedin_sync_visits":               "1",
		"linkedin_access_token":              "li-token",
		"linkedin_ad_account_id":             "5555",
		"linkedin_conversion_lead":           "777",
		"linkedin_conversion_purchase":       "778",
	}
}

func testSite(t *testing.T, overrides map[string]string) *settings.SiteConfig {
	t.Helper()
	raw := baseSettings()
	for k, v := range overrides {
		raw[k] = v
	}
	cfg, err := settings.Build(1, settings.NewValues(raw))
	require.NoError(t, err)
	return cfg
}

func testDeps(log logger.Logger) Deps {
	client := NewClient(config.DispatchConfig{
		Timeout:   5 * time.Second,
		RateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000},
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}, config.CircuitBreakerConfig{}, log)

	return Deps{
		Client:  client,
		Consent: consent.NewResolverWithSalt(log, func() int { return 123456 }),
		Ledger:  ledger.NewMemoryLedger(),
		Logger:  log,
	}
}

type staticTokens struct{ calls int }

func (s *staticTokens) AccessToken(context.Context, auth.Credentials) (string, error) {
	s.calls++
	return "access-token", nil
}

// recorder is a platform stand-in that stores every request body and answers with the
// responses in order, repeating the last one.
type recorder struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    []map[string]interface{}
	responses []response
}

type response struct {
	status int
	body   string
}

func newRecorder(t *testing.T, responses ...response) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{responses: responses}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()

		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(data, &body)
		rec.requests = append(rec.requests, r)
		rec.bodies = append(rec.bodies, body)

		resp := rec.responses[len(rec.responses)-1]
		if len(rec.requests) <= len(rec.responses) {
			resp = rec.responses[len(rec.requests)-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(server.Close)
	return rec, server
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type visitOption func(*visit.Enriched)

func withVisitID(id string) visitOption {
	return func(v *visit.Enriched) { v.Visit.IDVisit = id }
}

func withCookie(cookie string) visitOption {
	return func(v *visit.Enriched) { v.ConsentCookie = visit.Ptr(cookie) }
}

func withUserID(id string) visitOption {
	return func(v *visit.Enriched) { v.Visit.UserID = id }
}

func withActions(actions ...visit.Action) visitOption {
	return func(v *visit.Enriched) { v.Visit.Actions = actions }
}

func withoutEmail() visitOption {
	return func(v *visit.Enriched) { v.Fields.Email = nil }
}

func withGCLID(gclid string) visitOption {
	return func(v *visit.Enriched) { v.Fields.GCLID = visit.Ptr(gclid) }
}

func pageView(id string) visit.Action {
	return visit.Action{Type: visit.ActionPageView, Timestamp: actionTime, PageViewID: id, URL: "https://example.com/", ID: visit.Ptr(id)}
}

func event(category, id string) visit.Action {
	a := visit.Action{Type: visit.ActionCustomEvent, Timestamp: actionTime, EventCategory: category, URL: "https://example.com/contact"}
	if id != "" {
		a.ID = visit.Ptr(id)
	}
	return a
}

func order(id string, revenue float64, products ...string) visit.Action {
	return visit.Action{Type: visit.ActionEcommerceOrder, Timestamp: actionTime, OrderID: id, Revenue: revenue, ProductIDs: products, ID: visit.Ptr(id)}
}

// enriched builds a fully normalized and hashed visit for Jane.
func enriched(t *testing.T, opts ...visitOption) []visit.Enriched {
	t.Helper()
	v := visit.Enriched{
		Visit: visit.Visit{
			IDVisit:     "42",
			VisitorID:   "visitor-abc",
			VisitIP:     "192.0.2.10",
			City:        "Utrecht",
			Region:      "UT",
			CountryCode: "nl",
			Actions:     []visit.Action{pageView("pv-1"), event("Contact form", "lead-1")},
		},
		Fields: visit.SemanticFields{
			UserAgent: visit.Ptr("Mozilla/5.0"),
			Email:     visit.Ptr("Jane@Example.com"),
			Name:      visit.Ptr("Jane Doe"),
			Phone:     visit.Ptr("06-12345678"),
			Zip:       visit.Ptr("3511 AB"),
			City:      visit.Ptr("Utrecht"),
			Region:    visit.Ptr("UT"),
			Country:   visit.Ptr("nl"),
			FBP:       visit.Ptr("fb.1.1717236000.123"),
		},
	}
	for _, opt := range opts {
		opt(&v)
	}

	h, err := hashing.New(hashing.SHA256)
	require.NoError(t, err)
	normalized := normalize.NewNormalizer(logger.NopLogger()).Normalize(context.Background(), []visit.Enriched{v}, settings.DimensionConfig{PhoneCountryCode: "31"})
	return h.Hash(normalized)
}
