package selfheal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crx-points/internal/metrics"
	"crx-points/internal/storage"
)

// SecretHeader carries the shared secret on internal trigger calls.
const SecretHeader = "X-Internal-Secret"

const lockName = "selfheal"

// Options configure the trigger.
type Options struct {
	TriggerURL string
	Secret     string
	StaleAfter time.Duration
	Cooldown   time.Duration
	Timeout    time.Duration
}

// Request describes one staleness observation.
type Request struct {
	SeasonID string
	// UpdatedAtMs is the leaderboard stamp; nil counts as stale.
	UpdatedAtMs *int64
	// StaleAfter overrides Options.StaleAfter when positive.
	StaleAfter time.Duration
	Reason     string
}

// Outcome reports what happened. Skipped is set whenever a stale
// observation did not result in a trigger.
type Outcome struct {
	Triggered bool
	Skipped   bool
	Reason    string
}

// Trigger re-invokes ingestion when read paths see a stale leaderboard.
type Trigger struct {
	opts   Options
	store  storage.Leaderboard
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a trigger.
func New(opts Options, store storage.Leaderboard, logger zerolog.Logger) *Trigger {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 8 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 3 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2500 * time.Millisecond
	}
	return &Trigger{
		opts:   opts,
		store:  store,
		client: &http.Client{Timeout: opts.Timeout},
		now:    time.Now,
		logger: logger.With().Str("component", "selfheal").Logger(),
	}
}

// Stale reports whether updatedAtMs is absent or at least staleAfter old.
func Stale(updatedAtMs *int64, staleAfter time.Duration, now time.Time) bool {
	if updatedAtMs == nil || *updatedAtMs <= 0 {
		return true
	}
	return now.UnixMilli()-*updatedAtMs >= staleAfter.Milliseconds()
}

// MaybeTrigger fires a re-ingestion if the leaderboard is stale and this
// caller wins the cooldown lock. It never fails.
func (t *Trigger) MaybeTrigger(ctx context.Context, req Request) Outcome {
	staleAfter := t.opts.StaleAfter
	if req.StaleAfter > 0 {
		staleAfter = req.StaleAfter
	}
	if !Stale(req.UpdatedAtMs, staleAfter, t.now()) {
		return Outcome{Reason: "fresh"}
	}
	if strings.TrimSpace(t.opts.TriggerURL) == "" {
		return t.skip("not_configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	won, err := t.store.AcquireCooldown(ctx, req.SeasonID, lockName, t.opts.Cooldown)
	if err != nil {
		return t.skip("lock_error", err)
	}
	if !won {
		return t.skip("cooldown", nil)
	}

	if err := t.post(ctx, req); err != nil {
		return t.skip("request_failed", err)
	}
	metrics.SelfHeal.WithLabelValues("triggered").Inc()
	t.logger.Info().Str("season", req.SeasonID).Str("reason", req.Reason).Msg("self-heal ingestion triggered")
	return Outcome{Triggered: true, Reason: "triggered"}
}

func (t *Trigger) skip(reason string, err error) Outcome {
	metrics.SelfHeal.WithLabelValues(reason).Inc()
	ev := t.logger.Debug()
	if err != nil {
		ev = t.logger.Warn().Err(err)
	}
	ev.Str("outcome", reason).Msg("self-heal skipped")
	return Outcome{Skipped: true, Reason: reason}
}

func (t *Trigger) post(ctx context.Context, req Request) error {
	body, err := json.Marshal(map[string]any{
		"seasonId": req.SeasonID,
		"reason":   req.Reason,
		"full":     false,
	})
	if err != nil {
		return fmt.Errorf("marshal self-heal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.TriggerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create self-heal request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SecretHeader, t.opts.Secret)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send self-heal request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("self-heal endpoint returned %d", resp.StatusCode)
	}
	return nil
}
