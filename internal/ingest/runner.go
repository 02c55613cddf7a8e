package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crx-points/internal/leaderboard"
	"crx-points/internal/lp"
	"crx-points/internal/metrics"
	"crx-points/internal/pricing"
	"crx-points/internal/scoring"
	"crx-points/internal/season"
	"crx-points/internal/storage"
	"crx-points/internal/tokens"
)

const snapshotInterval = 24 * time.Hour

// Feed is a source with its endpoints and key.
type Feed struct {
	Source    Source
	Endpoints []string
	APIKey    string
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Feeds          []Feed
	PriceEndpoints []string
	PriceAPIKey    string
	LpEndpoints    []string
	LpAPIKey       string

	Scoring       scoring.Policy
	Summary       leaderboard.SummaryPolicy
	Concurrency   int
	WalletTimeout time.Duration
}

// PassOptions select the pass flavour.
type PassOptions struct {
	// Full recomputes every wallet on the leaderboard, not only those with
	// new volume.
	Full bool
}

// PassSummary reports one pass.
type PassSummary struct {
	Season         string
	StartedAt      time.Time
	FinishedAt     time.Time
	Full           bool
	RowsIngested   int64
	WalletsUpdated int
	LpFailures     int
	Cursors        map[string]int64
	Degraded       bool
	Errors         []string
}

// Runner executes ingestion passes.
type Runner struct {
	cfg      RunnerConfig
	ingestor *Ingestor
	oracle   pricing.TokenPriceFetcher
	valuator lp.Computer
	tokens   *tokens.Registry
	store    storage.Leaderboard
	runs     storage.RunStore
	now      func() time.Time
	logger   zerolog.Logger

	// passes for the same store must not overlap: two passes reading the
	// same cursor would both apply the same deltas.
	mu sync.Mutex
}

// NewRunner constructs a pass runner. runs may be nil when no archive is
// configured.
func NewRunner(cfg RunnerConfig, ingestor *Ingestor, oracle pricing.TokenPriceFetcher, valuator lp.Computer, registry *tokens.Registry, store storage.Leaderboard, runs storage.RunStore, logger zerolog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.WalletTimeout <= 0 {
		cfg.WalletTimeout = 20 * time.Second
	}
	return &Runner{
		cfg:      cfg,
		ingestor: ingestor,
		oracle:   oracle,
		valuator: valuator,
		tokens:   registry,
		store:    store,
		runs:     runs,
		now:      time.Now,
		logger:   logger.With().Str("component", "ingest_runner").Logger(),
	}
}

type valuation struct {
	result lp.Result
	ok     bool
}

// RunPass ingests new swaps, revalues the affected wallets and rewrites their
// records. Wallet records are recomputed from cumulative volume, never
// incremented in place.
func (r *Runner) RunPass(ctx context.Context, s season.Config, opts PassOptions) (PassSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.now()
	summary := PassSummary{Season: s.ID, StartedAt: started, Full: opts.Full, Cursors: map[string]int64{}}

	if err := r.validate(s); err != nil {
		return r.finish(ctx, summary, err)
	}
	logger := r.logger.With().Str("season", s.ID).Bool("full", opts.Full).Logger()

	deltas := make(map[string]float64)
	for _, f := range r.cfg.Feeds {
		stored, _, err := r.store.Cursor(ctx, s.ID, f.Source.ID)
		if err != nil {
			return r.finish(ctx, summary, fmt.Errorf("load %s cursor: %w", f.Source.ID, err))
		}
		start := stored
		if start < s.StartSec() {
			start = s.StartSec()
		}

		res, err := r.ingestor.IngestSource(ctx, f.Source, f.Endpoints, f.APIKey, start, s.EndSec(started))
		for wallet, v := range res.Deltas {
			deltas[wallet] += v
		}
		summary.RowsIngested += res.Rows
		summary.Cursors[f.Source.ID] = res.NextCursor
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(ctx, summary, err)
			}
			summary.Degraded = true
			summary.Errors = append(summary.Errors, err.Error())
			logger.Warn().Err(err).Str("source", f.Source.ID).Int64("rows", res.Rows).Msg("source ingestion degraded, keeping partial progress")
		}
	}

	wallets, err := r.affectedWallets(ctx, s.ID, deltas, opts.Full)
	if err != nil {
		return r.finish(ctx, summary, err)
	}

	prices, err := r.oracle.FetchTokenPrices(ctx, r.cfg.PriceEndpoints, r.cfg.PriceAPIKey, r.tokens.Addresses())
	if err != nil {
		logger.Warn().Err(err).Msg("token prices unavailable, valuations will fetch their own")
		prices = map[string]float64{}
	}

	valuations, failures, err := r.valueAll(ctx, wallets, prices, s.StartBlock)
	if err != nil {
		return r.finish(ctx, summary, err)
	}
	summary.LpFailures = failures

	existing, err := r.store.Wallets(ctx, s.ID, wallets)
	if err != nil {
		return r.finish(ctx, summary, fmt.Errorf("load wallet records: %w", err))
	}

	now := r.now()
	boost := s.Started(now)
	records := make([]storage.WalletRecord, 0, len(wallets))
	for i, wallet := range wallets {
		h, found := existing[wallet]
		prev := storage.RecordFromHash(wallet, h)
		records = append(records, r.buildRecord(prev, found, deltas[wallet], valuations[i], boost, now))
	}

	if err := r.store.CommitPass(ctx, s.ID, records, summary.Cursors, now.UnixMilli()); err != nil {
		return r.finish(ctx, summary, fmt.Errorf("commit pass: %w", err))
	}
	summary.WalletsUpdated = len(records)
	metrics.WalletsUpdated.Add(float64(len(records)))

	if err := r.store.RefreshRanks(ctx, s.ID); err != nil {
		return r.finish(ctx, summary, fmt.Errorf("refresh ranks: %w", err))
	}
	if _, err := leaderboard.RefreshSummary(ctx, r.store, s.ID, r.cfg.Summary, now); err != nil {
		summary.Degraded = true
		summary.Errors = append(summary.Errors, err.Error())
		logger.Warn().Err(err).Msg("summary refresh failed")
	}

	return r.finish(ctx, summary, nil)
}

func (r *Runner) validate(s season.Config) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if len(r.cfg.Feeds) == 0 {
		return fmt.Errorf("%w: no swap sources configured", ErrConfig)
	}
	for _, f := range r.cfg.Feeds {
		if len(f.Endpoints) == 0 {
			return fmt.Errorf("%w: source %s: %w", ErrConfig, f.Source.ID, ErrNoEndpoints)
		}
	}
	if r.tokens == nil || r.tokens.Address(tokens.Trade) == "" {
		return fmt.Errorf("%w: trade token address is required", ErrConfig)
	}
	return nil
}

func (r *Runner) affectedWallets(ctx context.Context, seasonID string, deltas map[string]float64, full bool) ([]string, error) {
	set := make(map[string]struct{}, len(deltas))
	for w := range deltas {
		set[w] = struct{}{}
	}
	if full {
		entries, err := r.store.Ranked(ctx, seasonID, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("load leaderboard for recalc: %w", err)
		}
		for _, e := range entries {
			set[e.Wallet] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out, nil
}

// valueAll runs LP valuation on a fixed set of workers that pull wallet
// indexes from a shared counter. Results keep wallet order.
func (r *Runner) valueAll(ctx context.Context, wallets []string, prices map[string]float64, startBlock uint64) ([]valuation, int, error) {
	results := make([]valuation, len(wallets))
	var (
		next     atomic.Int64
		failures atomic.Int64
	)

	workers := r.cfg.Concurrency
	if workers > len(wallets) {
		workers = len(wallets)
	}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= len(wallets) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				wctx, cancel := context.WithTimeout(gctx, r.cfg.WalletTimeout)
				res, err := r.valuator.Compute(wctx, lp.Request{
					Endpoints:  r.cfg.LpEndpoints,
					APIKey:     r.cfg.LpAPIKey,
					Wallet:     wallets[i],
					Prices:     prices,
					StartBlock: startBlock,
				})
				cancel()
				if err != nil {
					failures.Add(1)
					r.logger.Warn().Err(err).Str("wallet", wallets[i]).Msg("lp valuation failed, keeping previous lp fields")
					continue
				}
				results[i] = valuation{result: res, ok: true}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("lp valuation: %w", err)
	}
	return results, int(failures.Load()), nil
}

func (r *Runner) buildRecord(prev storage.WalletRecord, found bool, delta float64, v valuation, boost bool, now time.Time) storage.WalletRecord {
	rec := prev
	rec.Attributes = nil
	rec.VolumeUSD = prev.VolumeUSD + delta

	if v.ok {
		rec.LpUSD = v.result.LpUSD
		rec.LpUSDStablePair = v.result.LpUSDStablePair
		rec.LpUSDNativePair = v.result.LpUSDNativePair
		rec.HasBoostLp = v.result.HasBoostLp
		rec.LpAgeSeconds = v.result.LpAgeSeconds
		rec.LpSource = string(v.result.Source)
		rec.LpMissingPrice = v.result.MissingPrice
		rec.Multiplier = v.result.BaseMultiplier
	}
	if rec.Multiplier <= 0 {
		rec.Multiplier = 1
	}

	b := scoring.Compute(r.cfg.Scoring, scoring.Input{
		VolumeUSD:       rec.VolumeUSD,
		LpUSDStablePair: rec.LpUSDStablePair,
		LpUSDNativePair: rec.LpUSDNativePair,
		BoostEnabled:    boost,
	})
	rec.RawVolumeUSD = b.RawVolumeUSD
	rec.EffectiveVolumeUSD = b.EffectiveVolumeUSD
	rec.ScoringMode = string(b.ScoringMode)
	rec.BasePoints = b.BasePoints
	rec.BonusPoints = b.BonusPoints
	rec.Points = b.Points

	nowMs := now.UnixMilli()
	switch {
	case !found:
		rec.Snapshot24hPoints = rec.Points
		rec.Snapshot24hRank = 0
		rec.Snapshot24hAt = nowMs
	case prev.Snapshot24hAt == 0 || nowMs-prev.Snapshot24hAt >= snapshotInterval.Milliseconds():
		rec.Snapshot24hPoints = prev.Points
		rec.Snapshot24hRank = prev.Rank
		rec.Snapshot24hAt = nowMs
	}
	rec.UpdatedAt = nowMs
	return rec
}

func (r *Runner) finish(ctx context.Context, summary PassSummary, err error) (PassSummary, error) {
	summary.FinishedAt = r.now()
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
	case summary.Degraded:
		outcome = "degraded"
	}
	metrics.PassDuration.WithLabelValues(outcome).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if r.runs != nil {
		run := storage.IngestionRun{
			SeasonID:       summary.Season,
			StartedAt:      summary.StartedAt,
			FinishedAt:     summary.FinishedAt,
			Full:           summary.Full,
			Status:         outcome,
			RowsIngested:   summary.RowsIngested,
			WalletsUpdated: summary.WalletsUpdated,
			LpFailures:     summary.LpFailures,
			Cursors:        summary.Cursors,
		}
		if err != nil {
			msg := err.Error()
			run.Error = &msg
		}
		if _, archiveErr := r.runs.InsertIngestionRun(context.WithoutCancel(ctx), run); archiveErr != nil {
			r.logger.Warn().Err(archiveErr).Str("season", summary.Season).Msg("archive ingestion run failed")
		}
	}

	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Error().Err(err)
	}
	ev.Str("season", summary.Season).
		Str("outcome", outcome).
		Int64("rows", summary.RowsIngested).
		Int("wallets", summary.WalletsUpdated).
		Int("lp_failures", summary.LpFailures).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("ingestion pass finished")
	return summary, err
}

// IsConfigError reports whether err aborted a pass for configuration reasons.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
