package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"convsync/internal/config"
	"convsync/internal/constants"
	"convsync/internal/logger"
	"convsync/internal/platform"
	"convsync/pkg/circuitbreaker"
	apperrors "convsync/pkg/errors"
	"convsync/pkg/metrics"
	"convsync/pkg/ratelimit"
	"convsync/pkg/retry"
)

const maxErrorBody = 512

// Request is one JSON call to a platform API.
type Request struct {
	Platform platform.Platform
	Method   string
	URL      string
	Header   http.Header
	Body     interface{}
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Client sends platform requests through a per-platform rate limiter, circuit breaker and
// retry policy. Non-2xx answers come back as TRANSPORT_ERROR.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breakers   map[platform.Platform]*circuitbreaker.Wrapper
	policy     retry.Policy
	userAgent  string
	logger     logger.Logger
}

func NewClient(cfg config.DispatchConfig, cbCfg config.CircuitBreakerConfig, log logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = constants.DefaultUserAgent
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}),
		breakers:   make(map[platform.Platform]*circuitbreaker.Wrapper),
		policy:     retry.FromConfig(cfg.Retry),
		userAgent:  userAgent,
		logger:     log,
	}

	if cbCfg.Enabled {
		for _, p := range platform.All {
			breakerCfg := circuitbreaker.FromConfig("dispatch-"+p.String(), cbCfg)
			// Rejected payloads say nothing about the platform's health.
			breakerCfg.IsSuccessful = func(err error) bool {
				return err == nil || !apperrors.IsTransient(err)
			}
			c.breakers[p] = circuitbreaker.NewWrapper(breakerCfg)
		}
	}

	return c
}

// Do encodes req.Body as JSON and returns the response of the first attempt that is not
// retryable.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var resp *Response
	attempt := func() error {
		return retry.RetryWithCallback(ctx, c.policy, func() error {
			if err := c.limiter.Wait(ctx, req.Platform.String()); err != nil {
				return err
			}
			var sendErr error
			resp, sendErr = c.send(ctx, req, payload)
			return sendErr
		}, func(attempt int, err error, next time.Duration) {
			metrics.RecordRetryAttempt(req.Platform.String())
			c.logger.WarnwCtx(ctx, "Retrying platform request",
				"platform", req.Platform.String(),
				"attempt", attempt,
				"next_delay", next,
				"error", err,
			)
		})
	}

	breaker, ok := c.breakers[req.Platform]
	if !ok {
		// attempt assigns resp, so it must run before resp is read.
		err = attempt()
		return resp, err
	}

	err = breaker.Execute(ctx, attempt)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Transport(req.Platform.String(), 0, "%v", err)
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, req Request, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Transport(req.Platform.String(), 0, "%v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transport(req.Platform.String(), 0, "failed to read response: %v", err)
	}

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return nil, apperrors.Transport(req.Platform.String(), resp.StatusCode, "api returned status %d: %s",
			resp.StatusCode, apiErrorMessage(body))
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// apiErrorMessage pulls the human readable message out of the error envelopes the
// platforms use, falling back to the truncated body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
