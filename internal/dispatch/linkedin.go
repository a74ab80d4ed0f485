package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"convsync/internal/constants"
	"convsync/internal/events"
	"convsync/internal/platform"
	"convsync/internal/settings"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

const linkedInConversionURNPrefix = "urn:lla:llaPartnerConversion:"

type linkedInUserID struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type linkedInUserInfo struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	CountryCode string `json:"countryCode,omitempty"`
}

type linkedInUser struct {
	UserIDs  []linkedInUserID  `json:"userIds"`
	UserInfo *linkedInUserInfo `json:"userInfo,omitempty"`
}

type linkedInValue struct {
	CurrencyCode string `json:"currencyCode"`
	Amount       string `json:"amount"`
}

type linkedInEvent struct {
	Conversion           string         `json:"conversion"`
	ConversionHappenedAt int64          `json:"conversionHappenedAt"`
	ConversionValue      *linkedInValue `json:"conversionValue,omitempty"`
	EventID              string         `json:"eventId"`
	User                 linkedInUser   `json:"user"`
}

type linkedInRequest struct {
	Elements []linkedInEvent `json:"elements"`
}

type linkedInResponse struct {
	Elements []struct {
		Status int `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"elements"`
}

// LinkedInDispatcher streams conversion events to the LinkedIn Conversions API. Only
// consented visits with an email address are sent since the API matches on it.
type LinkedInDispatcher struct {
	base
	baseURL string
}

func NewLinkedInDispatcher(deps Deps, baseURL string) *LinkedInDispatcher {
	if baseURL == "" {
		baseURL = constants.DefaultLinkedInBaseURL
	}
	return &LinkedInDispatcher{
		base:    newBase(platform.LinkedIn, deps),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (d *LinkedInDispatcher) Dispatch(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) (Result, error) {
	result := Result{Platform: platform.LinkedIn}
	lc := cfg.LinkedIn
	if err := lc.Validate(); err != nil {
		return result, err
	}

	convs, skipped := d.conversions(ctx, visits, cfg)
	result.Skipped += skipped

	mapper := cfg.EventMapper()
	sendable := make([]conversion, 0, len(convs))
	for _, c := range convs {
		if _, ok := mapper.ActionID(c.eventType, platform.LinkedIn); !ok {
			d.logger.InfowCtx(ctx, "No LinkedIn conversion configured for event type, not dispatching",
				"event_type", string(c.eventType),
				"visit_id", c.visit.Visit.IDVisit,
			)
			result.Skipped++
			continue
		}
		if !c.consent || !usable(c.visit.Hashed.Email) {
			d.logger.DebugwCtx(ctx, "No consent or email for LinkedIn matching, not dispatching",
				"visit_id", c.visit.Visit.IDVisit,
				"consent", c.consent,
			)
			result.Skipped++
			continue
		}
		sendable = append(sendable, c)
	}

	convs, skipped = d.unsent(ctx, cfg.SiteID, sendable)
	result.Skipped += skipped
	if len(convs) == 0 {
		d.logger.InfowCtx(ctx, "No LinkedIn conversion events to send")
		return result, nil
	}

	linkedInEvents := make([]linkedInEvent, 0, len(convs))
	for _, c := range convs {
		conversionID, _ := mapper.ActionID(c.eventType, platform.LinkedIn)
		linkedInEvents = append(linkedInEvents, linkedInEventFor(c, conversionID, cfg.Currency))
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+lc.AccessToken)
	header.Set("LinkedIn-Version", lc.APIVersion)
	header.Set("X-Restli-Protocol-Version", "2.0.0")
	header.Set("X-RestLi-Method", "BATCH_CREATE")

	url := d.baseURL + "/rest/conversionEvents"
	for _, r := range batches(len(linkedInEvents), constants.LinkedInMaxBatchSize) {
		batch := linkedInEvents[r[0]:r[1]]

		res, accepted, err := d.send(ctx, url, header, batch)
		if err != nil {
			result.Failed += len(batch) + len(linkedInEvents) - r[1]
			return result, err
		}
		result.merge(res)
		d.markSent(ctx, cfg.SiteID, convs[r[0]:r[1]], accepted)
	}

	return result, nil
}

func (d *LinkedInDispatcher) send(ctx context.Context, url string, header http.Header, batch []linkedInEvent) (Result, []int, error) {
	resp, err := d.client.Do(ctx, Request{
		Platform: platform.LinkedIn,
		Method:   http.MethodPost,
		URL:      url,
		Header:   header,
		Body:     linkedInRequest{Elements: batch},
	})
	if err != nil {
		return Result{}, nil, err
	}

	accepted := make([]int, 0, len(batch))
	var body linkedInResponse
	if len(resp.Body) == 0 {
		for i := range batch {
			accepted = append(accepted, i)
		}
		return Result{Succeeded: len(batch)}, accepted, nil
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Result{}, nil, apperrors.Transport(platform.LinkedIn.String(), resp.StatusCode, "failed to decode response: %v", err)
	}

	res := Result{}
	for i, e := range batch {
		if i >= len(body.Elements) {
			// Elements without a status were accepted with the batch.
			res.Succeeded++
			accepted = append(accepted, i)
			continue
		}
		el := body.Elements[i]
		if el.Status >= constants.HTTPStatusOKMin && el.Status < constants.HTTPStatusOKMax {
			res.Succeeded++
			accepted = append(accepted, i)
			continue
		}
		res.Failed++
		failure := PartialFailure{Index: i, EventID: e.EventID, Message: "status " + strconv.Itoa(el.Status)}
		if el.Error != nil && el.Error.Message != "" {
			failure.Message = el.Error.Message
		}
		res.PartialFailures = append(res.PartialFailures, failure)
	}

	if res.Failed > 0 {
		d.logger.WarnwCtx(ctx, "LinkedIn rejected some conversion events",
			"sent", len(batch),
			"failed", res.Failed,
			"failures", res.PartialFailures,
		)
	}
	return res, accepted, nil
}

func linkedInEventFor(c conversion, conversionID, currency string) linkedInEvent {
	n := c.visit.Normalized
	e := linkedInEvent{
		Conversion:           linkedInConversionURNPrefix + conversionID,
		ConversionHappenedAt: c.action.Timestamp * 1000,
		EventID:              c.id,
		User: linkedInUser{
			UserIDs: []linkedInUserID{{IDType: "SHA256_EMAIL", IDValue: *c.visit.Hashed.Email}},
		},
	}

	if usable(n.FirstName) && usable(n.LastName) {
		info := &linkedInUserInfo{FirstName: *n.FirstName, LastName: *n.LastName}
		if usable(n.CountryCode) && len(*n.CountryCode) == 2 {
			info.CountryCode = strings.ToUpper(*n.CountryCode)
		}
		e.User.UserInfo = info
	}

	if c.eventType == events.Purchase {
		e.ConversionValue = &linkedInValue{
			CurrencyCode: currency,
			Amount:       strconv.FormatFloat(c.action.Revenue, 'f', 2, 64),
		}
	}
	return e
}
