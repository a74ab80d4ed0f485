package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"convsync/internal/constants"
	"convsync/internal/dispatch"
	"convsync/internal/enrich"
	"convsync/internal/hashing"
	"convsync/internal/logger"
	"convsync/internal/normalize"
	"convsync/internal/platform"
	"convsync/internal/settings"
	"convsync/internal/visit"
	"convsync/pkg/cel"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/logging"
	"convsync/pkg/metrics"
	"convsync/pkg/tracing"
)

// VisitFetcher returns the visits of a site inside [start, end). Visits may come back
// together with an error when pagination stopped early.
type VisitFetcher interface {
	FetchVisits(ctx context.Context, siteID int, start, end time.Time) ([]visit.Visit, error)
}

// PlatformOutcome is what happened to one platform for one site.
type PlatformOutcome struct {
	Platform platform.Platform
	Status   string
	Result   dispatch.Result
	Err      error
}

// SiteResult summarises one site run. Retry is set when any failure looked transient.
type SiteResult struct {
	SiteID   int
	Visits   int
	Outcomes []PlatformOutcome
	Retry    bool
}

// Counts adds up the dispatch results over every platform.
func (r SiteResult) Counts() (succeeded, failed, skipped int) {
	for _, o := range r.Outcomes {
		succeeded += o.Result.Succeeded
		failed += o.Result.Failed
		skipped += o.Result.Skipped
	}
	return succeeded, failed, skipped
}

type Orchestrator struct {
	fetcher     VisitFetcher
	expander    *enrich.Expander
	filter      *cel.Evaluator
	normalizer  *normalize.Normalizer
	hasher      *hashing.Hasher
	dispatchers dispatch.Dispatchers
	logger      logger.Logger
}

func NewOrchestrator(
	fetcher VisitFetcher,
	filter *cel.Evaluator,
	hasher *hashing.Hasher,
	dispatchers dispatch.Dispatchers,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		fetcher:     fetcher,
		expander:    enrich.NewExpander(log),
		filter:      filter,
		normalizer:  normalize.NewNormalizer(log),
		hasher:      hasher,
		dispatchers: dispatchers,
		logger:      log,
	}
}

// Run moves the visits of one site through every stage and dispatches them to each enabled
// platform in turn. A platform failure never stops the next platform.
func (o *Orchestrator) Run(ctx context.Context, cfg *settings.SiteConfig, start, end time.Time) SiteResult {
	ctx, span := tracing.StartSiteSpan(ctx, cfg.SiteID, start, end)
	defer span.End()

	result := SiteResult{SiteID: cfg.SiteID}

	visits, err := o.fetcher.FetchVisits(ctx, cfg.SiteID, start, end)
	if err != nil {
		o.logger.WarnwCtx(ctx, "Visit retrieval stopped early, continuing with the visits received",
			"visits", len(visits),
			"error", err,
		)
		if apperrors.IsTransient(err) {
			result.Retry = true
		}
	}
	result.Visits = len(visits)
	span.SetAttributes(attribute.Int("visits", len(visits)))

	if len(visits) == 0 {
		o.logger.InfowCtx(ctx, "No visits in window",
			"start", start.UTC().Format(time.RFC3339),
			"end", end.UTC().Format(time.RFC3339),
		)
		return result
	}

	enriched := o.expander.Expand(ctx, visits, cfg)
	enriched = o.applyFilter(ctx, enriched, cfg)
	if len(enriched) == 0 {
		o.logger.InfowCtx(ctx, "Visit filter dropped every visit", "visits", len(visits))
		return result
	}

	prepared := o.hasher.Hash(o.normalizer.Normalize(ctx, enriched, cfg.Dimensions))

	for _, p := range platform.All {
		if !cfg.Enabled(p) {
			continue
		}
		outcome := o.dispatch(ctx, p, prepared, cfg)
		if outcome.Err != nil && apperrors.IsTransient(outcome.Err) {
			result.Retry = true
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	succeeded, failed, skipped := result.Counts()
	o.logger.InfowCtx(ctx, "Site processed",
		"visits", result.Visits,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"retry", result.Retry,
	)
	return result
}

func (o *Orchestrator) dispatch(ctx context.Context, p platform.Platform, visits []visit.Enriched, cfg *settings.SiteConfig) (outcome PlatformOutcome) {
	ctx = logging.WithPlatform(ctx, p.String())
	ctx, span := tracing.StartDispatchSpan(ctx, p.String())
	defer span.End()

	outcome = PlatformOutcome{Platform: p, Status: constants.StatusOK}
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome.Err = apperrors.RecoverPanic(r)
			outcome.Status = constants.StatusFailed
			o.logger.ErrorwCtx(ctx, "Platform dispatch panicked", "error", outcome.Err)
		}

		metrics.RecordDispatchDuration(p.String(), outcome.Status, time.Since(started))
		metrics.RecordConversionEvents(p.String(), outcome.Result.Succeeded, outcome.Result.Failed, outcome.Result.Skipped)
		tracing.RecordDispatch(span, outcome.Status, outcome.Result.Succeeded, outcome.Result.Failed,
			outcome.Err, outcome.Status == constants.StatusFailed)
	}()

	d, ok := o.dispatchers[p]
	if !ok {
		outcome.Status = constants.StatusSkipped
		o.logger.ErrorwCtx(ctx, "No dispatcher registered for platform")
		return outcome
	}

	res, err := d.Dispatch(ctx, visits, cfg)
	outcome.Result = res
	outcome.Err = err

	switch {
	case err == nil:
		o.logger.InfowCtx(ctx, "Conversion events dispatched",
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	case apperrors.IsMissingConfiguration(err):
		outcome.Status = constants.StatusSkipped
		o.logger.WarnwCtx(ctx, "Platform enabled but not configured, skipping",
			"missing_fields", apperrors.MissingFields(err),
		)
	case apperrors.IsValidation(err):
		outcome.Status = constants.StatusSkipped
		o.logger.WarnwCtx(ctx, "Platform configuration invalid, skipping", "error", err)
	default:
		outcome.Status = constants.StatusFailed
		o.logger.ErrorwCtx(ctx, "Failed to dispatch conversion events",
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"transient", apperrors.IsTransient(err),
			"error", err,
		)
	}
	return outcome
}

// applyFilter drops visits rejected by the site's visit_filter expression. Evaluation
// errors keep the visit.
func (o *Orchestrator) applyFilter(ctx context.Context, visits []visit.Enriched, cfg *settings.SiteConfig) []visit.Enriched {
	if cfg.VisitFilter == "" || o.filter == nil {
		return visits
	}

	if err := o.filter.ValidateFilterExpression(cfg.VisitFilter); err != nil {
		o.logger.WarnwCtx(ctx, "Ignoring invalid visit filter", "expression", cfg.VisitFilter, "error", err)
		return visits
	}

	kept := make([]visit.Enriched, 0, len(visits))
	for _, v := range visits {
		pass, err := o.filter.EvaluateFilter(ctx, cfg.VisitFilter, cel.VisitInput{
			SiteID: cfg.SiteID,
			Visit:  v.Visit.Raw,
			Fields: v.Fields.Map(),
		})
		if err != nil {
			o.logger.WarnwCtx(ctx, "Visit filter evaluation failed, keeping visit",
				"visit_id", v.Visit.IDVisit,
				"error", err,
			)
			kept = append(kept, v)
			continue
		}
		if !pass {
			o.logger.DebugwCtx(ctx, "Visit filtered out", "visit_id", v.Visit.IDVisit)
			continue
		}
		kept = append(kept, v)
	}
	return kept
}
