// Package api exposes the operational HTTP surface of serve mode: health, metrics and
// manual run triggering.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convsync/internal/logger"
	"convsync/internal/pipeline"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/health"
)

// RunScheduler is the part of *pipeline.Scheduler the handler drives.
type RunScheduler interface {
	Trigger(ctx context.Context, opts pipeline.RunOptions) error
	Last() (pipeline.RunStatus, bool)
	Running() bool
}

type Handler struct {
	scheduler RunScheduler
	health    *health.CheckerRegistry
	logger    logger.Logger
}

func NewHandler(scheduler RunScheduler, registry *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		health:    registry,
		logger:    log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", h.TriggerRun)
			runs.GET("/last", h.LastRun)
		}
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, result)
}

// TriggerRunRequest selects sites and an explicit window. Omitted fields fall back to every
// site and the previous full hour.
type TriggerRunRequest struct {
	SiteIDs []int      `json:"site_ids"`
	Start   *time.Time `json:"start"`
	End     *time.Time `json:"end"`
}

func (r TriggerRunRequest) options() (pipeline.RunOptions, error) {
	opts := pipeline.RunOptions{SiteIDs: r.SiteIDs}

	for _, id := range r.SiteIDs {
		if id < 1 {
			return opts, apperrors.ErrValidation.WithMessage("site ids must be positive, got %d", id)
		}
	}

	if (r.Start == nil) != (r.End == nil) {
		return opts, apperrors.ErrValidation.WithMessage("start and end must be given together")
	}
	if r.Start != nil {
		if !r.End.After(*r.Start) {
			return opts, apperrors.ErrValidation.WithMessage("end must be after start")
		}
		opts.Start, opts.End = r.Start.UTC(), r.End.UTC()
	}

	return opts, nil
}

func (h *Handler) TriggerRun(c *gin.Context) {
	var req TriggerRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apperrors.ToErrorResponse(apperrors.ErrValidation.WithCause(err)))
			return
		}
	}

	opts, err := req.options()
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.scheduler.Trigger(c.Request.Context(), opts); err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.InfowCtx(c.Request.Context(), "Manual run triggered", "sites", opts.SiteIDs)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type RunSummary struct {
	RunID      string    `json:"run_id"`
	Running    bool      `json:"running"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Sites      int       `json:"sites"`
	Failed     []int     `json:"failed_sites"`
	Aborted    []int     `json:"aborted_sites"`
	Succeeded  int       `json:"events_succeeded"`
	Rejected   int       `json:"events_failed"`
	Skipped    int       `json:"events_skipped"`
	Retry      bool      `json:"retry"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (h *Handler) LastRun(c *gin.Context) {
	last, ok := h.scheduler.Last()
	if !ok {
		h.HandleError(c, apperrors.ErrNotFound.WithMessage("no run has finished yet"))
		return
	}

	summary := RunSummary{
		RunID:      last.Result.RunID,
		Running:    h.scheduler.Running(),
		Start:      last.Result.Start,
		End:        last.Result.End,
		Sites:      len(last.Result.Sites),
		Failed:     last.Result.Failed,
		Aborted:    last.Result.Aborted,
		Retry:      last.Result.Retry,
		FinishedAt: last.FinishedAt,
	}
	for _, site := range last.Result.Sites {
		succeeded, failed, skipped := site.Counts()
		summary.Succeeded += succeeded
		summary.Rejected += failed
		summary.Skipped += skipped
	}
	if last.Err != nil {
		summary.Error = last.Err.Error()
	}

	c.JSON(http.StatusOK, summary)
}
