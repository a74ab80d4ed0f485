package visit

import (
	"context"
	"time"

	"convsync/internal/constants"
	"convsync/internal/logger"
	"convsync/pkg/metrics"
)

// Query addresses one page of visits for a site.
type Query struct {
	SiteID int
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// Source returns one page of visits. Implementations may filter more coarsely than the
// requested window.
type Source interface {
	GetVisits(ctx context.Context, q Query) ([]Visit, error)
}

type FetcherConfig struct {
	PageSize   int
	MaxRecords int
}

// Fetcher pages through a Source and keeps only visits inside the requested window.
type Fetcher struct {
	source     Source
	pageSize   int
	maxRecords int
	logger     logger.Logger
}

func NewFetcher(source Source, cfg FetcherConfig, log logger.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultPageSize
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = constants.DefaultMaxRecords
	}
	return &Fetcher{
		source:     source,
		pageSize:   cfg.PageSize,
		maxRecords: cfg.MaxRecords,
		logger:     log,
	}
}

// FetchVisits returns the visits of siteID whose timestamp lies in [start, end). A failing
// page ends pagination: the visits gathered so far are returned together with that error,
// which callers treat as informational.
func (f *Fetcher) FetchVisits(ctx context.Context, siteID int, start, end time.Time) ([]Visit, error) {
	var (
		visits  []Visit
		fetched int
	)

	for {
		limit := f.pageSize
		if remaining := f.maxRecords - fetched; remaining < limit {
			limit = remaining
		}

		batch, err := f.source.GetVisits(ctx, Query{
			SiteID: siteID,
			Start:  start,
			End:    end,
			Limit:  limit,
			Offset: fetched,
		})
		if err != nil {
			f.logger.ErrorwCtx(ctx, "Failed to fetch visit batch",
				"offset", fetched,
				"limit", limit,
				"error", err,
			)
			metrics.RecordVisitsFetched(siteID, len(visits))
			return visits, err
		}

		if len(batch) == 0 {
			break
		}
		if len(batch) > limit {
			batch = batch[:limit]
		}
		fetched += len(batch)

		visits = append(visits, InWindow(batch, start, end)...)

		if fetched >= f.maxRecords {
			f.logger.WarnwCtx(ctx, "Visit fetch cap reached, remaining visits are skipped",
				"max_records", f.maxRecords,
				"kept", len(visits),
			)
			break
		}
		if len(batch) < limit {
			break
		}
	}

	f.logger.DebugwCtx(ctx, "Fetched visits",
		"fetched", fetched,
		"in_window", len(visits),
	)
	metrics.RecordVisitsFetched(siteID, len(visits))

	return visits, nil
}

// InWindow keeps the visits whose timestamp is in [start, end).
func InWindow(visits []Visit, start, end time.Time) []Visit {
	from, to := start.Unix(), end.Unix()
	kept := make([]Visit, 0, len(visits))
	for _, v := range visits {
		ts := v.Timestamp()
		if ts >= from && ts < to {
			kept = append(kept, v)
		}
	}
	return kept
}
