package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"convsync/internal/auth"
	"convsync/internal/constants"
	"convsync/internal/normalize"
	"convsync/internal/platform"
	"convsync/internal/settings"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

// googleDateTime is the "yyyy-mm-dd hh:mm:ss+|-hh:mm" layout Google Ads expects.
const googleDateTime = "2006-01-02 15:04:05-07:00"

// TokenSource hands out OAuth access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, creds auth.Credentials) (string, error)
}

type googleAddressInfo struct {
	HashedFirstName     string `json:"hashedFirstName,omitempty"`
	HashedLastName      string `json:"hashedLastName,omitempty"`
	City                string `json:"city,omitempty"`
	Region              string `json:"region,omitempty"`
	CountryCode         string `json:"countryCode,omitempty"`
	PostalCode          string `json:"postalCode,omitempty"`
	HashedStreetAddress string `json:"hashedStreetAddress,omitempty"`
}

type googleUserIdentifier struct {
	UserIdentifierSource string             `json:"userIdentifierSource"`
	HashedEmail          string             `json:"hashedEmail,omitempty"`
	HashedPhoneNumber    string             `json:"hashedPhoneNumber,omitempty"`
	ThirdPartyUserID     string             `json:"thirdPartyUserId,omitempty"`
	AddressInfo          *googleAddressInfo `json:"addressInfo,omitempty"`
}

type googleGclidDateTimePair struct {
	Gclid              string `json:"gclid"`
	ConversionDateTime string `json:"conversionDateTime"`
}

type googleAdjustment struct {
	ConversionAction   string                   `json:"conversionAction"`
	AdjustmentType     string                   `json:"adjustmentType"`
	AdjustmentDateTime string                   `json:"adjustmentDateTime"`
	OrderID            string                   `json:"orderId"`
	GclidDateTimePair  *googleGclidDateTimePair `json:"gclidDateTimePair,omitempty"`
	UserIdentifiers    []googleUserIdentifier   `json:"userIdentifiers"`
	UserAgent          string                   `json:"userAgent,omitempty"`
}

type googleRequest struct {
	ConversionAdjustments []googleAdjustment `json:"conversionAdjustments"`
	PartialFailure        bool               `json:"partialFailure"`
	ValidateOnly          bool               `json:"validateOnly"`
}

type googleResponse struct {
	Results             []map[string]interface{} `json:"results"`
	PartialFailureError *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Errors []struct {
				Message  string `json:"message"`
				Location struct {
					FieldPathElements []struct {
						FieldName string `json:"fieldName"`
						Index     *int   `json:"index"`
					} `json:"fieldPathElements"`
				} `json:"location"`
			} `json:"errors"`
		} `json:"details"`
	} `json:"partialFailureError"`
	JobID string `json:"jobId"`
}

// GoogleDispatcher uploads enhanced conversion adjustments to Google Ads.
type GoogleDispatcher struct {
	base
	baseURL string
	tokens  TokenSource
}

func NewGoogleDispatcher(deps Deps, baseURL string, tokens TokenSource) *GoogleDispatcher {
	if baseURL == "" {
		baseURL = constants.DefaultGoogleAdsBaseURL
	}
	return &GoogleDispatcher{
		base:    newBase(platform.Google, deps),
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
	}
}

func (d *GoogleDispatcher) Dispatch(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) (Result, error) {
	result := Result{Platform: platform.Google}
	gc := cfg.Google
	if err := gc.Validate(); err != nil {
		return result, err
	}

	convs, skipped := d.conversions(ctx, visits, cfg)
	result.Skipped += skipped

	mapper := cfg.EventMapper()
	withAction := make([]conversion, 0, len(convs))
	for _, c := range convs {
		if _, ok := mapper.ActionID(c.eventType, platform.Google); !ok {
			d.logger.InfowCtx(ctx, "No Google Ads conversion action configured for event type, not dispatching",
				"event_type", string(c.eventType),
				"visit_id", c.visit.Visit.IDVisit,
			)
			result.Skipped++
			continue
		}
		withAction = append(withAction, c)
	}

	convs, skipped = d.unsent(ctx, cfg.SiteID, withAction)
	result.Skipped += skipped
	if len(convs) == 0 {
		d.logger.InfowCtx(ctx, "No Google Ads conversion adjustments to upload")
		return result, nil
	}

	token, err := d.tokens.AccessToken(ctx, auth.Credentials{
		ClientID:     gc.ClientID,
		ClientSecret: gc.ClientSecret,
		RefreshToken: gc.RefreshToken,
	})
	if err != nil {
		result.Failed += len(convs)
		return result, err
	}

	identifiers := make(map[*visit.Enriched][]googleUserIdentifier)
	adjustments := make([]googleAdjustment, 0, len(convs))
	for _, c := range convs {
		ids, ok := identifiers[c.visit]
		if !ok {
			ids = userIdentifiers(c.visit, c.consent)
			identifiers[c.visit] = ids
		}
		actionID, _ := mapper.ActionID(c.eventType, platform.Google)
		adjustments = append(adjustments, d.adjustment(c, ids, actionID, cfg))
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("developer-token", gc.DeveloperToken)
	if gc.LoginCustomerID != "" {
		header.Set("login-customer-id", gc.LoginCustomerID)
	}

	url := fmt.Sprintf("%s/%s/customers/%s:uploadConversionAdjustments", d.baseURL, gc.APIVersion, gc.CustomerID)
	for _, r := range batches(len(adjustments), constants.GoogleMaxBatchSize) {
		batch := adjustments[r[0]:r[1]]

		res, accepted, err := d.send(ctx, url, header, batch)
		if err != nil {
			result.Failed += len(batch) + len(adjustments) - r[1]
			return result, err
		}
		result.merge(res)
		d.markSent(ctx, cfg.SiteID, convs[r[0]:r[1]], accepted)
	}

	return result, nil
}

// send uploads one batch and returns the batch indexes Google accepted.
func (d *GoogleDispatcher) send(ctx context.Context, url string, header http.Header, batch []googleAdjustment) (Result, []int, error) {
	resp, err := d.client.Do(ctx, Request{
		Platform: platform.Google,
		Method:   http.MethodPost,
		URL:      url,
		Header:   header,
		Body: googleRequest{
			ConversionAdjustments: batch,
			PartialFailure:        true,
			ValidateOnly:          false,
		},
	})
	if err != nil {
		return Result{}, nil, err
	}

	var body googleResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Result{}, nil, apperrors.Transport(platform.Google.String(), resp.StatusCode, "failed to decode response: %v", err)
	}

	if body.PartialFailureError == nil {
		accepted := make([]int, len(batch))
		for i := range batch {
			accepted[i] = i
		}
		return Result{Succeeded: len(batch)}, accepted, nil
	}

	res := Result{}
	for _, detail := range body.PartialFailureError.Details {
		for _, e := range detail.Errors {
			failure := PartialFailure{Index: -1, Message: e.Message}
			for _, el := range e.Location.FieldPathElements {
				if el.FieldName == "conversion_adjustments" && el.Index != nil {
					failure.Index = *el.Index
					if failure.Index >= 0 && failure.Index < len(batch) {
						failure.EventID = batch[failure.Index].OrderID
					}
				}
			}
			res.PartialFailures = append(res.PartialFailures, failure)
		}
	}

	// Rejected adjustments come back as empty result objects.
	var accepted []int
	for i := range batch {
		if i < len(body.Results) && len(body.Results[i]) > 0 {
			res.Succeeded++
			accepted = append(accepted, i)
		} else {
			res.Failed++
		}
	}

	d.logger.WarnwCtx(ctx, "Partial failure uploading Google Ads conversion adjustments",
		"sent", len(batch),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"message", body.PartialFailureError.Message,
		"failures", res.PartialFailures,
	)
	return res, accepted, nil
}

func (d *GoogleDispatcher) adjustment(c conversion, ids []googleUserIdentifier, actionID string, cfg *settings.SiteConfig) googleAdjustment {
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	at := time.Unix(c.action.Timestamp, 0).In(loc).Format(googleDateTime)
	fields := normalize.Effective(*c.visit)

	a := googleAdjustment{
		ConversionAction:   fmt.Sprintf("customers/%s/conversionActions/%s", cfg.Google.CustomerID, actionID),
		AdjustmentType:     "ENHANCEMENT",
		AdjustmentDateTime: at,
		OrderID:            c.id,
		UserIdentifiers:    ids,
	}
	if usable(fields.UserAgent) {
		a.UserAgent = *fields.UserAgent
	}
	if usable(fields.GCLID) {
		a.GclidDateTimePair = &googleGclidDateTimePair{
			Gclid:              *fields.GCLID,
			ConversionDateTime: at,
		}
	}
	return a
}

// userIdentifiers builds the FIRST_PARTY identifiers of one visit. Without consent only
// the coarse location is sent.
func userIdentifiers(v *visit.Enriched, consent bool) []googleUserIdentifier {
	h := v.Hashed
	n := v.Normalized
	ids := []googleUserIdentifier{}

	if !consent {
		addr := googleAddressInfo{}
		setIf(&addr.City, n.City)
		setIf(&addr.Region, n.Region)
		setIf(&addr.CountryCode, n.CountryCode)
		if addr != (googleAddressInfo{}) {
			ids = append(ids, googleUserIdentifier{UserIdentifierSource: "FIRST_PARTY", AddressInfo: &addr})
		}
		return ids
	}

	if usable(h.Email) {
		ids = append(ids, googleUserIdentifier{UserIdentifierSource: "FIRST_PARTY", HashedEmail: *h.Email})
	}
	if usable(h.Phone) {
		ids = append(ids, googleUserIdentifier{UserIdentifierSource: "FIRST_PARTY", HashedPhoneNumber: *h.Phone})
	}
	if usableString(v.Visit.VisitorID) {
		ids = append(ids, googleUserIdentifier{UserIdentifierSource: "FIRST_PARTY", ThirdPartyUserID: v.Visit.VisitorID})
	}

	addr := googleAddressInfo{}
	setIf(&addr.HashedFirstName, h.FirstName)
	setIf(&addr.HashedLastName, h.LastName)
	setIf(&addr.City, n.City)
	setIf(&addr.Region, n.Region)
	setIf(&addr.CountryCode, n.CountryCode)
	setIf(&addr.PostalCode, n.Zip)
	setIf(&addr.HashedStreetAddress, h.Address)
	if addr != (googleAddressInfo{}) {
		ids = append(ids, googleUserIdentifier{UserIdentifierSource: "FIRST_PARTY", AddressInfo: &addr})
	}
	return ids
}

func setIf(dst *string, value *string) {
	if usable(value) {
		*dst = *value
	}
}
