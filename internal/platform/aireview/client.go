// Package aireview calls the external AI review service for treatment plans.
// Results are advisory: callers store them next to the plan and never apply
// them to plan content or status.
package aireview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned when no review endpoint is configured.
var ErrDisabled = errors.New("ai review is not configured")

// Request is the plan snapshot sent for review.
type Request struct {
	PlanID  string `json:"plan_id"`
	Version int    `json:"version"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Result is the advisory payload returned by the review service.
type Result struct {
	Score       float64   `json:"score"`
	Summary     string    `json:"summary,omitempty"`
	Suggestions []string  `json:"suggestions"`
	Model       string    `json:"model,omitempty"`
	ReviewedAt  time.Time `json:"reviewed_at"`
}

// Reviewer produces an advisory review of a plan.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Result, error)
}

// StatusError is a non-2xx answer from the review service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai review: non-2xx response: %d", e.Code)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMaxTries bounds the number of attempts per review.
func WithMaxTries(n uint) Option {
	return func(cl *Client) { cl.maxTries = n }
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) Option {
	return func(cl *Client) { cl.initialInterval = d }
}

// Client posts plans to <baseURL>/v1/reviews and retries transient failures.
type Client struct {
	endpoint        string
	httpClient      *http.Client
	logger          zerolog.Logger
	maxTries        uint
	initialInterval time.Duration
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		endpoint:        strings.TrimRight(baseURL, "/") + "/v1/reviews",
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger.With().Str("component", "aireview").Logger(),
		maxTries:        3,
		initialInterval: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Review(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode review request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval

	res, err := backoff.Retry(ctx, func() (Result, error) {
		return c.post(ctx, payload)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Str("plan_id", req.PlanID).Dur("retry_in", next).Msg("ai review attempt failed")
		}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("ai review plan %s: %w", req.PlanID, err)
	}
	if res.ReviewedAt.IsZero() {
		res.ReviewedAt = time.Now().UTC()
	}
	if res.Suggestions == nil {
		res.Suggestions = []string{}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Code: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, se
		}
		return Result{}, backoff.Permanent(se)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("decode review response: %w", err))
	}
	return res, nil
}

// Disabled is the Reviewer used when no endpoint is configured.
type Disabled struct{}

func (Disabled) Review(context.Context, Request) (Result, error) { return Result{}, ErrDisabled }

// New returns a Client for baseURL, or Disabled when baseURL is empty.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) Reviewer {
	if strings.TrimSpace(baseURL) == "" {
		return Disabled{}
	}
	return NewClient(baseURL, timeout, logger)
}
