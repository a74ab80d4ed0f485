package visit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"convsync/internal/config"
	"convsync/internal/constants"
	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/metrics"
	"convsync/pkg/retry"
)

const analyticsComponent = "analytics"

// MatomoClient reads visits through the Live.getLastVisitsDetails reporting API.
type MatomoClient struct {
	baseURL   string
	tokenAuth string
	client    *http.Client
	policy    retry.Policy
	logger    logger.Logger
}

func NewMatomoClient(cfg config.AnalyticsConfig, log logger.Logger) *MatomoClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultAnalyticsTimeout
	}
	return &MatomoClient{
		baseURL:   cfg.BaseURL,
		tokenAuth: cfg.TokenAuth,
		client: &http.Client{
			Timeout: timeout,
		},
		policy: retry.FromConfig(cfg.Retry),
		logger: log,
	}
}

func (c *MatomoClient) GetVisits(ctx context.Context, q Query) ([]Visit, error) {
	// The range filter is day granular in the site's own timezone, so it is widened by a
	// day on both sides and the exact window is applied by the Fetcher.
	from := q.Start.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	to := q.End.UTC().AddDate(0, 0, 1).Format("2006-01-02")

	form := url.Values{}
	form.Set("module", "API")
	form.Set("method", "Live.getLastVisitsDetails")
	form.Set("idSite", strconv.Itoa(q.SiteID))
	form.Set("period", "range")
	form.Set("date", from+","+to)
	form.Set("format", "JSON")
	form.Set("filter_limit", strconv.Itoa(q.Limit))
	form.Set("filter_offset", strconv.Itoa(q.Offset))
	form.Set("filter_sort_order", "asc")
	form.Set("doNotFetchActions", "0")

	var visits []Visit
	err := retry.RetryWithCallback(ctx, c.policy, func() error {
		body, err := c.call(ctx, form)
		if err != nil {
			return err
		}
		visits, err = decodeVisits(body)
		return err
	}, func(attempt int, err error, next time.Duration) {
		metrics.RecordRetryAttempt(analyticsComponent)
		c.logger.WarnwCtx(ctx, "Retrying analytics request",
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	if err != nil {
		return nil, err
	}

	return visits, nil
}

// Ping checks that the reporting API answers with the configured token.
func (c *MatomoClient) Ping(ctx context.Context) error {
	form := url.Values{}
	form.Set("module", "API")
	form.Set("method", "API.getMatomoVersion")
	form.Set("format", "JSON")

	body, err := c.call(ctx, form)
	if err != nil {
		return err
	}
	return apiError(body)
}

// SiteTimezone returns the timezone the site is configured with in the analytics platform.
func (c *MatomoClient) SiteTimezone(ctx context.Context, siteID int) (string, error) {
	form := url.Values{}
	form.Set("module", "API")
	form.Set("method", "SitesManager.getSiteFromId")
	form.Set("idSite", strconv.Itoa(siteID))
	form.Set("format", "JSON")

	body, err := c.call(ctx, form)
	if err != nil {
		return "", err
	}
	if err := apiError(body); err != nil {
		return "", err
	}

	var site struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(body, &site); err != nil {
		return "", apperrors.Transport(analyticsComponent, http.StatusOK, "failed to decode site: %v", err)
	}
	if site.Timezone == "" {
		return "", apperrors.Transport(analyticsComponent, http.StatusOK, "site %d has no timezone", siteID)
	}
	return site.Timezone, nil
}

func (c *MatomoClient) call(ctx context.Context, form url.Values) ([]byte, error) {
	form.Set("token_auth", c.tokenAuth)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Transport(analyticsComponent, 0, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transport(analyticsComponent, 0, "failed to read response: %v", err)
	}

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return nil, apperrors.Transport(analyticsComponent, resp.StatusCode, "api returned status: %d", resp.StatusCode)
	}

	return body, nil
}

func decodeVisits(body []byte) ([]Visit, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := apiError(trimmed); err != nil {
			return nil, err
		}
		return nil, apperrors.Transport(analyticsComponent, http.StatusOK, "expected a list of visits")
	}

	var visits []Visit
	if err := json.Unmarshal(trimmed, &visits); err != nil {
		return nil, apperrors.Transport(analyticsComponent, http.StatusOK, "failed to decode visits: %v", err)
	}
	return visits, nil
}

func apiError(body []byte) error {
	var result struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil
	}
	if result.Result == "error" {
		return apperrors.Transport(analyticsComponent, http.StatusOK, "api error: %s", result.Message)
	}
	return nil
}
