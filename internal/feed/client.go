package feed

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

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"crx-points/internal/metrics"
	"crx-points/internal/retry"
)

// Options parameterise the feed client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Config
}

// Client talks to indexed swap / LP-position feeds.
type Client struct {
	opts     Options
	client   *http.Client
	logger   zerolog.Logger
	variants *xsync.Map[string, int]
}

// NewClient constructs a feed client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Client{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logger.With().Str("component", "feed_client").Logger(),
		variants: xsync.NewMap[string, int](),
	}
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query posts one query with retry and decodes its data object into out.
func (c *Client) Query(ctx context.Context, endpoint, apiKey, query string, vars map[string]any, out any) error {
	return retry.Do(ctx, c.opts.Retry, c.logger, "feed query", func(ctx context.Context) error {
		err := c.queryOnce(ctx, endpoint, apiKey, query, vars, out)
		metrics.FeedRequests.WithLabelValues(outcome(err)).Inc()
		return err
	})
}

func (c *Client) queryOnce(ctx context.Context, endpoint, apiKey, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(request{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal feed query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Endpoint: endpoint, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Endpoint: endpoint, Err: err, Retry: !errors.Is(ctx.Err(), context.Canceled)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Endpoint: endpoint, Err: err, Retry: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(endpoint, resp.StatusCode, payload)
	}

	var decoded response
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &Error{Endpoint: endpoint, Message: "decode response", Err: err}
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return queryError(endpoint, messages)
	}
	if out == nil || len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return &Error{Endpoint: endpoint, Message: "decode data", Err: err}
	}
	return nil
}

// QueryVariants runs the first variant of set that the endpoint's schema
// accepts, starting from the variant that last worked there, and decodes the
// data object into a fresh T.
func QueryVariants[T any](ctx context.Context, c *Client, endpoint, apiKey string, set VariantSet, vars map[string]any) (T, Variant, error) {
	var zero T
	if len(set.Variants) == 0 {
		return zero, Variant{}, fmt.Errorf("variant set %q is empty", set.Name)
	}

	key := set.Name + "|" + endpoint
	start, _ := c.variants.Load(key)
	if start < 0 || start >= len(set.Variants) {
		start = 0
	}

	var lastErr error
	for i := start; i < len(set.Variants); i++ {
		variant := set.Variants[i]
		var out T
		err := c.Query(ctx, endpoint, apiKey, variant.Query, vars, &out)
		if err == nil {
			if i != start {
				c.logger.Info().Str("set", set.Name).Str("endpoint", endpoint).Str("variant", variant.Name).Msg("feed schema variant selected")
			}
			c.variants.Store(key, i)
			return out, variant, nil
		}
		lastErr = err
		if !IsSchemaMismatch(err) {
			return zero, variant, err
		}
		metrics.FeedVariantFallbacks.WithLabelValues(set.Name).Inc()
		c.logger.Debug().Err(err).Str("set", set.Name).Str("variant", variant.Name).Msg("feed schema mismatch, trying narrower variant")
	}
	return zero, Variant{}, lastErr
}

// SelectedVariant returns the memoized variant index for set at endpoint.
func (c *Client) SelectedVariant(set VariantSet, endpoint string) (int, bool) {
	return c.variants.Load(set.Name + "|" + endpoint)
}

// IsSchemaMismatch reports whether err came from a query the schema rejected.
func IsSchemaMismatch(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.SchemaMismatch
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var fe *Error
	if errors.As(err, &fe) {
		switch {
		case fe.SchemaMismatch:
			return "schema_mismatch"
		case fe.HTTPStatus == http.StatusTooManyRequests:
			return "rate_limited"
		case fe.HTTPStatus >= 500:
			return "server_error"
		case fe.HTTPStatus != 0:
			return "client_error"
		case fe.Retry:
			return "transport_error"
		}
	}
	return "error"
}
