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

func linkedInElementsOf(t *testing.T, body map[string]interface{}) []map[string]interface{} {
	t.Helper()
	raw, ok := body["elements"].([]interface{})
	require.True(t, ok, "request has no elements")
	out := make([]map[string]interface{}, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]interface{})
	}
	return out
}

func TestLinkedInDispatcher_WithConsent(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: ""})
	d := NewLinkedInDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withCookie(`{"default":true}`))
	result, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)

	assert.Equal(t, platform.LinkedIn, result.Platform)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped, "page views have no LinkedIn conversion")
	require.Equal(t, 1, rec.count())

	req := rec.requests[0]
	assert.Equal(t, "/rest/conversionEvents", req.URL.Path)
	assert.Equal(t, "Bearer li-token", req.Header.Get("Authorization"))
	assert.Equal(t, "202404", req.Header.Get("LinkedIn-Version"))
	assert.Equal(t, "2.0.0", req.Header.Get("X-Restli-Protocol-Version"))
	assert.Equal(t, "BATCH_CREATE", req.Header.Get("X-RestLi-Method"))

	elements := linkedInElementsOf(t, rec.bodies[0])
	require.Len(t, elements, 1)
	lead := elements[0]
	assert.Equal(t, "urn:lla:llaPartnerConversion:777", lead["conversion"])
	assert.Equal(t, float64(actionTime*1000), lead["conversionHappenedAt"])
	assert.Equal(t, "lead-1", lead["eventId"])
	assert.NotContains(t, lead, "conversionValue")
	assert.Equal(t, map[string]interface{}{
		"userIds": []interface{}{
			map[string]interface{}{"idType": "SHA256_EMAIL", "idValue": sha("jane@example.com")},
		},
		"userInfo": map[string]interface{}{"firstName": "jane", "lastName": "doe", "countryCode": "NL"},
	}, lead["user"])
}

func TestLinkedInDispatcher_SkipsWithoutConsentOrEmail(t *testing.T) {
	cases := map[string][]visitOption{
		"declined":  {withCookie(`{"conversion-api":false}`)},
		"no cookie": nil,
		"no email":  {withCookie(`{"conversion-api":true}`), withoutEmail()},
	}

	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			rec, server := newRecorder(t, response{status: 200, body: ""})
			d := NewLinkedInDispatcher(testDeps(logger.NopLogger()), server.URL)

			result, err := d.Dispatch(context.Background(), enriched(t, opts...), testSite(t, nil))
			require.NoError(t, err)
			assert.Equal(t, 0, result.Succeeded)
			assert.Equal(t, 2, result.Skipped)
			assert.Equal(t, 0, rec.count())
		})
	}
}

func TestLinkedInDispatcher_ElementStatuses(t *testing.T) {
	_, server := newRecorder(t, response{status: 200, body: `{"elements":[
		{"status": 201},
		{"status": 400, "error": {"message": "conversion rule is not active"}}
	]}`})
	deps := testDeps(logger.NopLogger())
	d := NewLinkedInDispatcher(deps, server.URL)
	site := testSite(t, nil)

	visits := enriched(t,
		withCookie(`{"conversion-api":true}`),
		withActions(event("Contact form", "lead-1"), order("order-9", 49.95)),
	)
	result, err := d.Dispatch(context.Background(), visits, site)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []PartialFailure{{Index: 1, EventID: "order-9", Message: "conversion rule is not active"}}, result.PartialFailures)

	sent, err := deps.Ledger.Sent(context.Background(), platform.LinkedIn, site.SiteID, []string{"42:lead-1", "42:order-9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"42:lead-1": true}, sent)
}

func TestLinkedInDispatcher_PurchaseValue(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: ""})
	d := NewLinkedInDispatcher(testDeps(logger.NopLogger()), server.URL)

	visits := enriched(t, withCookie(`{"conversion-api":true}`), withActions(order("order-9", 49.95)))
	_, err := d.Dispatch(context.Background(), visits, testSite(t, nil))
	require.NoError(t, err)

	purchase := linkedInElementsOf(t, rec.bodies[0])[0]
	assert.Equal(t, "urn:lla:llaPartnerConversion:778", purchase["conversion"])
	assert.Equal(t, map[string]interface{}{"currencyCode": "EUR", "amount": "49.95"}, purchase["conversionValue"])
}

func TestLinkedInDispatcher_MissingConfiguration(t *testing.T) {
	rec, server := newRecorder(t, response{status: 200, body: ""})
	d := NewLinkedInDispatcher(testDeps(logger.NopLogger()), server.URL)

	site := testSite(t, map[string]string{"linkedin_access_token": "", "linkedin_ad_account_id": ""})
	_, err := d.Dispatch(context.Background(), enriched(t, withCookie(`{"conversion-api":true}`)), site)
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingConfiguration(err))
	assert.ElementsMatch(t, []string{"Access Token", "Ad Account ID"}, apperrors.MissingFields(err))
	assert.Equal(t, 0, rec.count())
}

func TestLinkedInDispatcher_RateLimited(t *testing.T) {
	rec, server := newRecorder(t,
		response{status: 429, body: `{"message":"Too many requests"}`},
		response{status: 200, body: ""},
	)
	d := NewLinkedInDispatcher(testDeps(logger.NopLogger()), server.URL)

	result, err := d.Dispatch(context.Background(), enriched(t, withCookie(`{"conversion-api":true}`)), testSite(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, rec.count())
}
