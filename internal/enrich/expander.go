package enrich

import (
	"context"

	"convsync/internal/logger"
	"convsync/internal/settings"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

// Expander copies configured custom dimensions into semantic fields and resolves the
// conversion identifier of every action.
type Expander struct {
	logger logger.Logger
}

func NewExpander(log logger.Logger) *Expander {
	return &Expander{logger: log}
}

// Expand never fails. If expansion panics, every visit is returned unexpanded so the
// caller can still make progress.
func (e *Expander) Expand(ctx context.Context, visits []visit.Visit, cfg *settings.SiteConfig) (out []visit.Enriched) {
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.RecoverPanic(r)
			e.logger.ErrorwCtx(ctx, "Error expanding visit dimensions, continuing with unexpanded visits",
				"error", err,
			)
			out = unexpanded(visits)
		}
	}()

	out = make([]visit.Enriched, 0, len(visits))
	for _, v := range visits {
		out = append(out, e.expandVisit(ctx, v, cfg))
	}
	return out
}

func unexpanded(visits []visit.Visit) []visit.Enriched {
	out := make([]visit.Enriched, len(visits))
	for i, v := range visits {
		out[i] = visit.Enriched{Visit: v.Clone()}
	}
	return out
}

func (e *Expander) expandVisit(ctx context.Context, v visit.Visit, cfg *settings.SiteConfig) visit.Enriched {
	enriched := visit.Enriched{Visit: v.Clone()}

	for name, index := range cfg.Dimensions.Visit {
		enriched.Fields.Set(name, v.Dimension(index))
	}

	// Unmapped or empty location fields fall back to the visit's own geolocation.
	if enriched.Fields.City == nil {
		enriched.Fields.City = visit.Ptr(v.City)
	}
	if enriched.Fields.Region == nil {
		enriched.Fields.Region = visit.Ptr(v.Region)
	}
	if enriched.Fields.Country == nil {
		enriched.Fields.Country = visit.Ptr(v.CountryCode)
	}

	if cfg.Consent.CookieDimension > 0 {
		enriched.ConsentCookie = v.Dimension(cfg.Consent.CookieDimension)
	}

	actions := enriched.Visit.Actions
	for i := range actions {
		actions[i].Fields = actionFields(actions[i], cfg.Dimensions.Action)
		actions[i].ID = e.resolveID(ctx, v.IDVisit, actions[i], cfg.EventID)
	}

	return enriched
}

func actionFields(a visit.Action, mapping map[string]int) map[string]*string {
	fields := make(map[string]*string, len(visit.SemanticFieldNames))
	for _, name := range visit.SemanticFieldNames {
		fields[name] = nil
		if index, ok := mapping[name]; ok {
			fields[name] = a.Dimension(index)
		}
	}
	return fields
}

func (e *Expander) resolveID(ctx context.Context, visitID string, a visit.Action, cfg settings.EventIDConfig) *string {
	switch a.Type {
	case visit.ActionPageView:
		return visit.Ptr(a.PageViewID)
	case visit.ActionEcommerceOrder:
		return visit.Ptr(a.OrderID)
	case visit.ActionCustomEvent:
		return e.eventID(ctx, visitID, a, cfg)
	default:
		return nil
	}
}

func (e *Expander) eventID(ctx context.Context, visitID string, a visit.Action, cfg settings.EventIDConfig) *string {
	if cfg.Source != settings.EventIDFromCustomDimension {
		return visit.Ptr(a.EventName)
	}

	if cfg.Dimension < 1 {
		e.logger.WarnwCtx(ctx, "Event id source is a custom dimension but none is configured",
			"visit_id", visitID,
			"event_category", a.EventCategory,
		)
		return nil
	}

	id := a.Dimension(cfg.Dimension)
	if id == nil {
		e.logger.WarnwCtx(ctx, "Event id dimension is missing on action",
			"visit_id", visitID,
			"dimension", cfg.Dimension,
			"event_category", a.EventCategory,
		)
	}
	return id
}
