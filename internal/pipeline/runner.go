package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"convsync/internal/constants"
	"convsync/internal/logger"
	"convsync/internal/settings"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/logging"
	"convsync/pkg/metrics"
)

// SiteRunner processes one site. *Orchestrator is the production implementation.
type SiteRunner interface {
	Run(ctx context.Context, cfg *settings.SiteConfig, start, end time.Time) SiteResult
}

// TimezoneSource looks up a site's timezone when its settings do not name one.
type TimezoneSource interface {
	SiteTimezone(ctx context.Context, siteID int) (string, error)
}

type RunnerConfig struct {
	MaxExecutionTime time.Duration
	// Sites restricts runs to these site ids when no explicit list is requested.
	Sites     []int
	Timezones TimezoneSource
}

// RunOptions selects the sites and window of one run. Zero values mean every site with a
// settings entry and the previous full hour.
type RunOptions struct {
	SiteIDs []int
	Start   time.Time
	End     time.Time
}

type RunResult struct {
	RunID   string
	Start   time.Time
	End     time.Time
	Sites   []SiteResult
	Failed  []int
	Aborted []int
	// Retry tells the caller the whole run is worth repeating.
	Retry bool
}

// Runner walks the sites of one scheduled run sequentially within a wall-clock budget.
type Runner struct {
	store        settings.Store
	orchestrator SiteRunner
	cfg          RunnerConfig
	logger       logger.Logger
	now          func() time.Time
}

func NewRunner(store settings.Store, orchestrator SiteRunner, cfg RunnerConfig, log logger.Logger) *Runner {
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = constants.DefaultMaxExecutionTime
	}
	return &Runner{
		store:        store,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       log,
		now:          time.Now,
	}
}

// PreviousHour returns the last full clock hour before now.
func PreviousHour(now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(time.Hour)
	return end.Add(-time.Hour), end
}

func (r *Runner) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	result := RunResult{RunID: uuid.New().String()}
	ctx = logging.WithRunID(ctx, result.RunID)
	started := r.now()

	result.Start, result.End = opts.Start, opts.End
	if result.Start.IsZero() || result.End.IsZero() {
		result.Start, result.End = PreviousHour(started)
	}
	if !result.End.After(result.Start) {
		return result, apperrors.ErrValidation.WithMessage("run window end %s is not after start %s",
			result.End.Format(time.RFC3339), result.Start.Format(time.RFC3339))
	}

	siteIDs, err := r.siteIDs(ctx, opts)
	if err != nil {
		return result, err
	}

	r.logger.InfowCtx(ctx, "Starting conversion sync run",
		"sites", len(siteIDs),
		"start", result.Start.Format(time.RFC3339),
		"end", result.End.Format(time.RFC3339),
	)

	for i, siteID := range siteIDs {
		if elapsed := r.now().Sub(started); elapsed > r.cfg.MaxExecutionTime {
			result.Aborted = append(result.Aborted, siteIDs[i:]...)
			r.logger.WarnwCtx(ctx, "Run time budget exhausted, remaining sites are not processed",
				"elapsed", elapsed,
				"max_execution_time", r.cfg.MaxExecutionTime,
				"remaining_sites", len(siteIDs)-i,
			)
			for range siteIDs[i:] {
				metrics.RecordSiteRun(constants.StatusSkipped)
			}
			break
		}

		site, err := r.runSite(logging.WithSiteID(ctx, siteID), siteID, result.Start, result.End)
		if err != nil {
			result.Failed = append(result.Failed, siteID)
			if apperrors.IsTransient(err) {
				result.Retry = true
			}
			metrics.RecordSiteRun(constants.StatusFailed)
			continue
		}
		if site == nil {
			metrics.RecordSiteRun(constants.StatusSkipped)
			continue
		}

		result.Sites = append(result.Sites, *site)
		if site.Retry {
			result.Retry = true
		}
		metrics.RecordSiteRun(siteStatus(*site))
	}

	duration := r.now().Sub(started)
	metrics.RecordRunDuration(duration)
	r.logger.InfowCtx(ctx, "Conversion sync run finished",
		"processed_sites", len(result.Sites),
		"failed_sites", len(result.Failed),
		"aborted_sites", len(result.Aborted),
		"retry", result.Retry,
		"duration", duration,
	)

	return result, nil
}

// runSite loads settings and processes one site. A nil result without error means the site
// has no platform enabled.
func (r *Runner) runSite(ctx context.Context, siteID int, start, end time.Time) (site *SiteResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.RecoverPanic(rec)
			site = nil
			r.logger.ErrorwCtx(ctx, "Site processing panicked", "error", err)
		}
	}()

	values, err := r.store.Load(ctx, siteID)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to load site settings", "error", err)
		return nil, err
	}

	cfg, err := settings.Build(siteID, values)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Invalid site settings", "error", err)
		return nil, err
	}

	if !cfg.IsEnabled() {
		r.logger.DebugwCtx(ctx, "No platform enabled for site, skipping")
		return nil, nil
	}

	if !cfg.TimezoneSet {
		r.resolveTimezone(ctx, cfg)
	}

	res := r.orchestrator.Run(ctx, cfg, start, end)
	return &res, nil
}

// resolveTimezone replaces the UTC default with the site's analytics timezone. Failures keep
// UTC: timestamps stay correct, only the offset they are rendered with differs.
func (r *Runner) resolveTimezone(ctx context.Context, cfg *settings.SiteConfig) {
	if r.cfg.Timezones == nil {
		return
	}
	name, err := r.cfg.Timezones.SiteTimezone(ctx, cfg.SiteID)
	if err == nil {
		var loc *time.Location
		if loc, err = time.LoadLocation(name); err == nil {
			cfg.Timezone = loc
			return
		}
	}
	r.logger.WarnwCtx(ctx, "Failed to resolve site timezone, using UTC", "error", err)
}

func (r *Runner) siteIDs(ctx context.Context, opts RunOptions) ([]int, error) {
	if len(opts.SiteIDs) > 0 {
		return opts.SiteIDs, nil
	}
	if len(r.cfg.Sites) > 0 {
		return r.cfg.Sites, nil
	}

	ids, err := r.store.SiteIDs(ctx)
	if err != nil {
		r.logger.ErrorwCtx(ctx, "Failed to list sites", "error", err)
		return nil, err
	}
	return ids, nil
}

func siteStatus(site SiteResult) string {
	for _, o := range site.Outcomes {
		if o.Status == constants.StatusFailed {
			return constants.StatusFailed
		}
	}
	return constants.StatusOK
}
