package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"convsync/internal/constants"
	"convsync/internal/events"
	"convsync/internal/normalize"
	"convsync/internal/platform"
	"convsync/internal/settings"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

type metaUserData struct {
	ClientUserAgent string `json:"client_user_agent,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
	City            string `json:"ct,omitempty"`
	Region          string `json:"st,omitempty"`
	Country         string `json:"country,omitempty"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	Email           string `json:"em,omitempty"`
	Phone           string `json:"ph,omitempty"`
	FirstName       string `json:"fn,omitempty"`
	LastName        string `json:"ln,omitempty"`
	Zip             string `json:"zp,omitempty"`
	Gender          string `json:"ge,omitempty"`
	DateOfBirth     string `json:"db,omitempty"`
	FBC             string `json:"fbc,omitempty"`
	FBP             string `json:"fbp,omitempty"`
}

type metaCustomData struct {
	Currency    string   `json:"currency"`
	Value       float64  `json:"value"`
	ContentIDs  []string `json:"content_ids,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

type metaEvent struct {
	EventName      string          `json:"event_name"`
	EventTime      int64           `json:"event_time"`
	EventID        string          `json:"event_id"`
	EventSourceURL string          `json:"event_source_url,omitempty"`
	ActionSource   string          `json:"action_source"`
	UserData       metaUserData    `json:"user_data"`
	CustomData     *metaCustomData `json:"custom_data,omitempty"`
	OptOut         bool            `json:"opt_out"`
}

type metaRequest struct {
	Data          []metaEvent `json:"data"`
	AccessToken   string      `json:"access_token"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

type metaResponse struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages"`
	FBTraceID      string   `json:"fbtrace_id"`
}

// MetaDispatcher sends events to the Conversions API of a Meta pixel.
type MetaDispatcher struct {
	base
	baseURL string
}

func NewMetaDispatcher(deps Deps, baseURL string) *MetaDispatcher {
	if baseURL == "" {
		baseURL = constants.DefaultMetaBaseURL
	}
	return &MetaDispatcher{
		base:    newBase(platform.Meta, deps),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (d *MetaDispatcher) Dispatch(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) (Result, error) {
	result := Result{Platform: platform.Meta}
	if err := cfg.Meta.Validate(); err != nil {
		return result, err
	}

	convs, skipped := d.conversions(ctx, visits, cfg)
	result.Skipped += skipped
	convs, skipped = d.unsent(ctx, cfg.SiteID, convs)
	result.Skipped += skipped

	if len(convs) == 0 {
		d.logger.InfowCtx(ctx, "No Meta events to send")
		return result, nil
	}

	userData := make(map[*visit.Enriched]metaUserData)
	metaEvents := make([]metaEvent, 0, len(convs))
	for _, c := range convs {
		ud, ok := userData[c.visit]
		if !ok {
			ud = d.userData(c.visit, c.consent)
			userData[c.visit] = ud
		}
		metaEvents = append(metaEvents, d.event(c, ud, cfg))
	}

	url := fmt.Sprintf("%s/%s/%s/events", d.baseURL, cfg.Meta.APIVersion, cfg.Meta.PixelID)
	for _, r := range batches(len(metaEvents), constants.MetaMaxBatchSize) {
		batch := metaEvents[r[0]:r[1]]

		res, err := d.send(ctx, url, batch, cfg)
		if err != nil {
			result.Failed += len(batch) + len(metaEvents) - r[1]
			return result, err
		}
		result.merge(res)

		if res.Failed == 0 {
			accepted := make([]int, len(batch))
			for i := range batch {
				accepted[i] = i
			}
			d.markSent(ctx, cfg.SiteID, convs[r[0]:r[1]], accepted)
		}
	}

	return result, nil
}

func (d *MetaDispatcher) send(ctx context.Context, url string, batch []metaEvent, cfg *settings.SiteConfig) (Result, error) {
	resp, err := d.client.Do(ctx, Request{
		Platform: platform.Meta,
		Method:   http.MethodPost,
		URL:      url,
		Body: metaRequest{
			Data:          batch,
			AccessToken:   cfg.Meta.AccessToken,
			TestEventCode: cfg.Meta.TestEventCode,
		},
	})
	if err != nil {
		return Result{}, err
	}

	var body metaResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Result{}, apperrors.Transport(platform.Meta.String(), resp.StatusCode, "failed to decode response: %v", err)
	}

	res := Result{Succeeded: body.EventsReceived}
	if body.EventsReceived >= len(batch) {
		res.Succeeded = len(batch)
		return res, nil
	}

	res.Failed = len(batch) - body.EventsReceived
	for _, msg := range body.Messages {
		res.PartialFailures = append(res.PartialFailures, PartialFailure{Index: -1, Message: msg})
	}
	d.logger.WarnwCtx(ctx, "Meta accepted fewer events than sent",
		"sent", len(batch),
		"events_received", body.EventsReceived,
		"messages", body.Messages,
		"fbtrace_id", body.FBTraceID,
	)
	return res, nil
}

func (d *MetaDispatcher) event(c conversion, ud metaUserData, cfg *settings.SiteConfig) metaEvent {
	name, _ := events.StandardName(c.eventType, platform.Meta)
	e := metaEvent{
		EventName:      name,
		EventTime:      c.action.Timestamp,
		EventID:        c.id,
		EventSourceURL: c.action.URL,
		ActionSource:   "website",
		UserData:       ud,
		OptOut:         false,
	}

	if c.eventType == events.Purchase {
		e.CustomData = &metaCustomData{
			Currency:    cfg.Currency,
			Value:       c.action.Revenue,
			ContentIDs:  c.action.ProductIDs,
			ContentType: "product",
		}
	}
	return e
}

// userData builds the identifier bundle for one visit. Location hashes, the user agent and
// the external id are always sent; personal data only with consent.
func (d *MetaDispatcher) userData(v *visit.Enriched, consent bool) metaUserData {
	fields := normalize.Effective(*v)
	h := v.Hashed

	ud := metaUserData{}
	setIf(&ud.ClientUserAgent, fields.UserAgent)
	setIf(&ud.City, h.City)
	setIf(&ud.Region, h.Region)
	setIf(&ud.Country, h.CountryCode)

	if consent {
		if usableString(v.Visit.VisitorID) {
			ud.ExternalID = v.Visit.VisitorID
		}
		if usableString(v.Visit.VisitIP) {
			ud.ClientIPAddress = v.Visit.VisitIP
		}
		setIf(&ud.Email, h.Email)
		setIf(&ud.Phone, h.Phone)
		setIf(&ud.FirstName, h.FirstName)
		setIf(&ud.LastName, h.LastName)
		setIf(&ud.Zip, h.Zip)
		setIf(&ud.Gender, h.Gender)
		setIf(&ud.DateOfBirth, h.BirthDate)
		setIf(&ud.FBC, fields.FBC)
		setIf(&ud.FBP, fields.FBP)
	} else {
		ud.ExternalID = d.consent.PseudonymousID(v.Visit.IDVisit)
	}

	return ud
}
