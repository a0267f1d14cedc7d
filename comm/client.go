package comm

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"capital-gate/config"
)

// Request describes one JSON call. Retry must stay false for anything that
// places or closes orders.
type Request struct {
	Method  string
	Path    string
	Body    interface{}
	Headers map[string]string
	Retry   bool
}

// Client is a JSON-over-HTTP client with bounded retries and a circuit
// breaker that only counts transport failures.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	retrier Retrier
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient returns a client for baseURL. Each attempt is bounded by
// cfg.Timeout.
func NewClient(name, baseURL string, cfg config.TransportConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("remote", name))

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		retrier: Retrier{Attempts: cfg.Attempts, Backoff: cfg.Backoff, Logger: logger},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Do performs req and decodes a successful response into out (when non-nil).
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	op := c.name + " " + req.Method + " " + req.Path

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	var body []byte
	attempt := func(ctx context.Context) error {
		b, err := c.roundTrip(ctx, op, req, payload)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		if req.Retry {
			return nil, c.retrier.Do(ctx, op, attempt)
		}
		return nil, attempt(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op string, req Request, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reqBody)
	if err != nil {
		return nil, &StatusError{Op: op, Body: []byte(err.Error())}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: respBody}
	}

	if status := appStatus(respBody); isErrorStatus(status) {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, AppStatus: status, Body: respBody}
	}

	return respBody, nil
}

// appStatus extracts the "status" field of a JSON object body, if any.
func appStatus(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return ""
	}
	return probe.Status
}

func isErrorStatus(status string) bool {
	switch strings.ToLower(status) {
	case "err", "error", "fail", "failed", "rejected":
		return true
	}
	return false
}
