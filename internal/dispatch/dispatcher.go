package dispatch

import (
	"context"
	"strings"

	"convsync/internal/config"
	"convsync/internal/consent"
	"convsync/internal/events"
	"convsync/internal/ledger"
	"convsync/internal/logger"
	"convsync/internal/platform"
	"convsync/internal/settings"
	"convsync/internal/visit"
)

// PartialFailure is one event the platform rejected inside an otherwise accepted batch.
type PartialFailure struct {
	Index   int
	EventID string
	Message string
}

// Result counts the conversion events of one platform dispatch for one site.
type Result struct {
	Platform        platform.Platform
	Succeeded       int
	Failed          int
	Skipped         int
	PartialFailures []PartialFailure
}

func (r *Result) merge(other Result) {
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.PartialFailures = append(r.PartialFailures, other.PartialFailures...)
}

// ConversionDispatcher submits a site's enriched visits to one platform. A
// MISSING_CONFIGURATION or VALIDATION_ERROR means nothing was sent; a TRANSPORT_ERROR
// comes with the counts reached before the failing batch.
type ConversionDispatcher interface {
	Platform() platform.Platform
	Dispatch(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) (Result, error)
}

// Dispatchers selects the implementation for each platform.
type Dispatchers map[platform.Platform]ConversionDispatcher

// New wires one dispatcher per supported platform.
func New(deps Deps, endpoints config.EndpointsConfig, tokens TokenSource) Dispatchers {
	return Dispatchers{
		platform.Meta:     NewMetaDispatcher(deps, endpoints.MetaBaseURL),
		platform.Google:   NewGoogleDispatcher(deps, endpoints.GoogleAdsBaseURL, tokens),
		platform.LinkedIn: NewLinkedInDispatcher(deps, endpoints.LinkedInBaseURL),
	}
}

// Deps are the collaborators every dispatcher shares.
type Deps struct {
	Client  *Client
	Consent *consent.Resolver
	Ledger  ledger.Ledger
	Logger  logger.Logger
}

// conversion is one dispatchable action with its canonical type resolved.
type conversion struct {
	visit     *visit.Enriched
	action    visit.Action
	eventType events.Type
	id        string
	consent   bool
}

// ledgerID scopes the conversion id to its visit. Event names are not unique across
// visits, so the id alone would suppress later conversions that reuse it.
func (c conversion) ledgerID() string {
	return c.visit.Visit.IDVisit + ":" + c.id
}

type base struct {
	platform platform.Platform
	client   *Client
	consent  *consent.Resolver
	ledger   ledger.Ledger
	logger   logger.Logger
}

func newBase(p platform.Platform, deps Deps) base {
	l := deps.Ledger
	if l == nil {
		l = ledger.Nop{}
	}
	return base{
		platform: p,
		client:   deps.Client,
		consent:  deps.Consent,
		ledger:   l,
		logger:   deps.Logger,
	}
}

func (b *base) Platform() platform.Platform {
	return b.platform
}

// conversions walks every action of every visit and keeps the ones that map to a
// canonical type and carry an identifier. Consent is resolved once per visit.
func (b *base) conversions(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) ([]conversion, int) {
	mapper := cfg.EventMapper()
	service := cfg.Consent.Service(b.platform)

	var out []conversion
	skipped := 0
	for i := range visits {
		v := &visits[i]
		granted := b.consent.Resolve(ctx, v.ConsentCookie, service, v.Visit.UserID)

		for _, a := range v.Visit.Actions {
			t, ok := b.eventType(ctx, mapper, a, v.Visit.IDVisit)
			if !ok {
				if a.Type == visit.ActionCustomEvent {
					skipped++
				}
				continue
			}

			if a.ID == nil || *a.ID == "" {
				b.logger.WarnwCtx(ctx, "Action has no conversion identifier, not dispatching",
					"visit_id", v.Visit.IDVisit,
					"action_type", string(a.Type),
					"event_category", a.EventCategory,
				)
				skipped++
				continue
			}

			out = append(out, conversion{
				visit:     v,
				action:    a,
				eventType: t,
				id:        *a.ID,
				consent:   granted,
			})
		}
	}
	return out, skipped
}

func (b *base) eventType(ctx context.Context, mapper *events.Mapper, a visit.Action, visitID string) (events.Type, bool) {
	switch a.Type {
	case visit.ActionPageView:
		return events.PageView, true
	case visit.ActionEcommerceOrder:
		return events.Purchase, true
	case visit.ActionCustomEvent:
		t, ok := mapper.EventType(a.EventCategory)
		if !ok {
			b.logger.InfowCtx(ctx, "No event mapping for category, not dispatching",
				"visit_id", visitID,
				"event_category", a.EventCategory,
				"platform", b.platform.String(),
			)
		}
		return t, ok
	default:
		return "", false
	}
}

// unsent drops conversions the ledger already recorded. A failing ledger never blocks
// dispatch.
func (b *base) unsent(ctx context.Context, siteID int, convs []conversion) ([]conversion, int) {
	if len(convs) == 0 {
		return convs, 0
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ledgerID()
	}

	sent, err := b.ledger.Sent(ctx, b.platform, siteID, ids)
	if err != nil {
		b.logger.WarnwCtx(ctx, "Failed to read sent-event ledger, dispatching all events", "error", err)
		return convs, 0
	}
	if len(sent) == 0 {
		return convs, 0
	}

	out := make([]conversion, 0, len(convs))
	for _, c := range convs {
		if !sent[c.ledgerID()] {
			out = append(out, c)
		}
	}
	skipped := len(convs) - len(out)
	b.logger.InfowCtx(ctx, "Skipping events already accepted by platform", "count", skipped)
	return out, skipped
}

// markSent records the conversions of batch at the accepted indexes.
func (b *base) markSent(ctx context.Context, siteID int, batch []conversion, accepted []int) {
	ids := make([]string, 0, len(accepted))
	for _, i := range accepted {
		if i >= 0 && i < len(batch) {
			ids = append(ids, batch[i].ledgerID())
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := b.ledger.Mark(ctx, b.platform, siteID, ids); err != nil {
		b.logger.WarnwCtx(ctx, "Failed to record sent events", "count", len(ids), "error", err)
	}
}

// batches splits n items into consecutive [start, end) ranges of at most size.
func batches(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// usable reports whether a captured value can be sent. "unknown" is what the tracker
// writes for absent data.
func usable(value *string) bool {
	return value != nil && *value != "" && !strings.EqualFold(*value, "unknown")
}

func usableString(value string) bool {
	return usable(&value)
}
