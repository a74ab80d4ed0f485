package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convsync/internal/logger"
	"convsync/internal/platform"
	apperrors "convsync/pkg/errors"
)

func metaUserDataOf(t *testing.T, body map[string]interface{}, index int) map[string]interface{} {
	t.Helper()
	data, ok := body["data"].([]interface{})
	require.True(t, ok, "request has no data array")
	require.Greater(t, len(data), index)
	event := data[index].(map[string]interface{})
	return event["user_data"].(map[string]interface{})
}

func TestMetaDispatcher_WithConsent(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":2,"fbtrace_id":"abc"}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withCookie(`{"conversion-api":true}`))
	result, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)

	assert.Equal(t, platform.Meta, result.Platform)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	require.Equal(t, 1, rec.count())

	assert.Equal(t, "/v22.0/123456/events", rec.requests[0].URL.Path)
	body := rec.bodies[0]
	assert.Equal(t, "meta-token", body["access_token"])

	data := body["data"].([]interface{})
	require.Len(t, data, 2)
	pv := data[0].(map[string]interface{})
	assert.Equal(t, "ViewContent", pv["event_name"])
	assert.Equal(t, "pv-1", pv["event_id"])
	assert.Equal(t, "website", pv["action_source"])
	assert.Equal(t, float64(actionTime), pv["event_time"])
	assert.Equal(t, false, pv["opt_out"])

	lead := data[1].(map[string]interface{})
	assert.Equal(t, "Lead", lead["event_name"])
	assert.Equal(t, "lead-1", lead["event_id"])
	assert.Equal(t, "https://example.com/contact", lead["event_source_url"])

	ud := metaUserDataOf(t, body, 1)
	assert.Equal(t, sha("jane@example.com"), ud["em"])
	assert.Equal(t, sha("31612345678"), ud["ph"])
	assert.Equal(t, sha("jane"), ud["fn"])
	assert.Equal(t, sha("doe"), ud["ln"])
	assert.Equal(t, sha("3511ab"), ud["zp"])
	assert.Equal(t, sha("utrecht"), ud["ct"])
	assert.Equal(t, sha("nl"), ud["country"])
	assert.Equal(t, "visitor-abc", ud["external_id"])
	assert.Equal(t, "192.0.2.10", ud["client_ip_address"])
	assert.Equal(t, "Mozilla/5.0", ud["client_user_agent"])
	assert.Equal(t, "fb.1.1717236000.123", ud["fbp"])
}

func TestMetaDispatcher_WithoutConsent(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
	}{
		{name: "service declined", cookie: `{"conversion-api":false}`},
		{name: "no cookie", cookie: ""},
		{name: "unreadable cookie", cookie: "gibberish"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, server := newRecorder(t, response{status: 200, body: `{"events_received":2}`})
			d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

			visits := enriched(t, withCookie(tt.cookie))
			_, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
			require.NoError(t, err)
			require.Equal(t, 1, rec.count())

			ud := metaUserDataOf(t, rec.bodies[0], 0)
			for _, key := range []string{"em", "ph", "fn", "ln", "zp", "client_ip_address", "fbp"} {
				assert.NotContains(t, ud, key)
			}
			assert.Equal(t, sha("42-123456"), ud["external_id"])
			assert.Equal(t, sha("utrecht"), ud["ct"])
			assert.Equal(t, "Mozilla/5.0", ud["client_user_agent"])
		})
	}
}

func TestMetaDispatcher_LoggedInUserImpliesConsent(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":2}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withUserID("jane"))
	_, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)

	ud := metaUserDataOf(t, rec.bodies[0], 0)
	assert.Equal(t, sha("jane@example.com"), ud["em"])
	assert.Equal(t, "visitor-abc", ud["external_id"])
}

func TestMetaDispatcher_ConsentServiceOverride(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":2}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	site := testSite(t, map[string]string{"consent_service_meta": "facebook"})
	visits := enriched(t, withCookie(`{"conversion-api":false,"facebook":true}`))
	_, err := d.Dispatch(context.Background(), visits, site)
	require.NoError(t, err)

	ud := metaUserDataOf(t, rec.bodies[0], 0)
	assert.Equal(t, sha("jane@example.com"), ud["em"])
}

func TestMetaDispatcher_Purchase(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":1}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withActions(order("order-9", 49.95, "sku-1", "sku-2")))
	result, err := d.Dispatch(context.Background(), visits, testSite(t, map[string]string{"currency": "usd"}))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	event := rec.bodies[0]["data"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Purchase", event["event_name"])
	assert.Equal(t, "order-9", event["event_id"])
	custom := event["custom_data"].(map[string]interface{})
	assert.Equal(t, "USD", custom["currency"])
	assert.Equal(t, 49.95, custom["value"])
	assert.Equal(t, []interface{}{"sku-1", "sku-2"}, custom["content_ids"])
	assert.Equal(t, "product", custom["content_type"])
}

func TestMetaDispatcher_SkipsUnmappedAndUnidentified(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":1}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withActions(
		event("Newsletter", "n-1"),
		event("Contact form", ""),
		event("Contact form", "lead-2"),
	))
	result, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Skipped)
	data := rec.bodies[0]["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "lead-2", data[0].(map[string]interface{})["event_id"])
}

func TestMetaDispatcher_NothingToSend(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withActions(event("Newsletter", "n-1")))
	result, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, rec.count())
}

func TestMetaDispatcher_MissingConfiguration(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	site := testSite(t, map[string]string{"meta_access_token": ""})
	result, err := d.Dispatch(context.Background(), enriched(t), site)
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingConfiguration(err))
	assert.Equal(t, []string{"Access Token"}, apperrors.MissingFields(err))
	assert.Equal(t, 0, result.Succeeded+result.Failed)
	assert.Equal(t, 0, rec.count())
}

func TestMetaDispatcher_PartialAcceptance(t *testing.T) {
	_, server := newRecorder(t, response{status: 200, body: `{"events_received":1,"messages":["event 1 rejected"]}`})
	deps := testDeps(logger.NopLogger())
	d := NewMetaDispatcher(deps, server.URL)

	site := testSite(t, nil)
	result, err := d.Dispatch(context.Background(), enriched(t), site)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.PartialFailures, 1)
	assert.Equal(t, "event 1 rejected", result.PartialFailures[0].Message)

	// A partially rejected batch is not recorded, so both events go out again.
	sent, err := deps.Ledger.Sent(context.Background(), platform.Meta, site.SiteID, []string{"42:pv-1", "42:lead-1"})
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestMetaDispatcher_RejectedRequest(t *testing.T) {
	rec, server := newRecorder(t, response{status: 400, body: `{"error":{"message":"Invalid OAuth access token","code":190}}`})
	d := NewMetaDispatcher(testDeps(logger.NopLogger()), server.URL)

	result, err := d.Dispatch(context.Background(), enriched(t), testSite(t, nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.False(t, apperrors.IsTransient(err))
	assert.Contains(t, err.Error(), "Invalid OAuth access token")
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, rec.count())
}

func TestMetaDispatcher_LedgerSkipsAcceptedEvents(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: `{"events_received":2}`})
	deps := testDeps(logger.NopLogger())
	d := NewMetaDispatcher(deps, server.URL)
	site := testSite(t, nil)

	first, err := d.Dispatch(context.Background(), enriched(t), site)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded)

	second, err := d.Dispatch(context.Background(), enriched(t), site)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Succeeded)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 1, rec.count())
}
