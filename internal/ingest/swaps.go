package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"crx-points/internal/feed"
	"crx-points/internal/metrics"
	"crx-points/internal/tokens"
)

const (
	maxPageSize     = 1000
	defaultMaxPages = 50
)

// Source is one indexed swap feed, such as a v2 pair feed or a v3 pool feed.
type Source struct {
	ID       string
	Variants feed.VariantSet
	// Counterparty picks the source-specific fallback wallet field.
	Counterparty func(swapRow) string
}

type swapRow struct {
	Timestamp feed.Number `json:"timestamp"`
	Origin    string      `json:"origin"`
	Sender    string      `json:"sender"`
	To        string      `json:"to"`
	Recipient string      `json:"recipient"`
	AmountUSD feed.Number `json:"amountUSD"`
}

type swapPage struct {
	Swaps []swapRow `json:"swaps"`
}

// V2 reads pair swaps. The counterparty is the "to" address.
var V2 = Source{
	ID: "v2",
	Variants: feed.VariantSet{
		Name: "swaps-v2",
		Variants: []feed.Variant{
			{Name: "with-origin", Query: `query Swaps($first: Int!, $start: BigInt!, $end: BigInt!) {
  swaps(first: $first, orderBy: timestamp, orderDirection: asc, where: {timestamp_gte: $start, timestamp_lte: $end}) {
    timestamp origin sender to amountUSD
  }
}`},
			{Name: "sender-to", Query: `query Swaps($first: Int!, $start: BigInt!, $end: BigInt!) {
  swaps(first: $first, orderBy: timestamp, orderDirection: asc, where: {timestamp_gte: $start, timestamp_lte: $end}) {
    timestamp sender to amountUSD
  }
}`},
		},
	},
	Counterparty: func(r swapRow) string { return r.To },
}

// V3 reads pool swaps. The counterparty is the recipient.
var V3 = Source{
	ID: "v3",
	Variants: feed.VariantSet{
		Name: "swaps-v3",
		Variants: []feed.Variant{
			{Name: "with-origin", Query: `query Swaps($first: Int!, $start: BigInt!, $end: BigInt!) {
  swaps(first: $first, orderBy: timestamp, orderDirection: asc, where: {timestamp_gte: $start, timestamp_lte: $end}) {
    timestamp origin sender recipient amountUSD
  }
}`},
			{Name: "sender-recipient", Query: `query Swaps($first: Int!, $start: BigInt!, $end: BigInt!) {
  swaps(first: $first, orderBy: timestamp, orderDirection: asc, where: {timestamp_gte: $start, timestamp_lte: $end}) {
    timestamp sender recipient amountUSD
  }
}`},
		},
	},
	Counterparty: func(r swapRow) string { return r.Recipient },
}

// Sources returns the built-in swap sources in ingestion order.
func Sources() []Source {
	return []Source{V2, V3}
}

// SourceByID looks up a built-in source.
func SourceByID(id string) (Source, bool) {
	for _, s := range Sources() {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// SourceResult is what one source contributed to a pass.
type SourceResult struct {
	Source     string
	Deltas     map[string]float64
	NextCursor int64
	Rows       int64
	Pages      int
	Endpoint   string
}

// Options tune paging.
type Options struct {
	PageSize int
	MaxPages int
}

// Ingestor pages swap feeds into per-wallet volume deltas.
type Ingestor struct {
	client   *feed.Client
	pageSize int
	maxPages int
	logger   zerolog.Logger
}

// NewIngestor constructs an ingestor.
func NewIngestor(client *feed.Client, opts Options, logger zerolog.Logger) *Ingestor {
	if opts.PageSize <= 0 || opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Ingestor{
		client:   client,
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		logger:   logger.With().Str("component", "swap_ingestor").Logger(),
	}
}

// IngestSource aggregates USD volume per wallet from startSec to endSec.
// Endpoints are tried in order until one serves the first page. When a later
// page fails, the deltas and cursor reached so far are returned with the
// error.
func (i *Ingestor) IngestSource(ctx context.Context, src Source, endpoints []string, apiKey string, startSec, endSec int64) (SourceResult, error) {
	if len(endpoints) == 0 {
		return SourceResult{Source: src.ID, NextCursor: startSec}, fmt.Errorf("source %s: %w", src.ID, ErrNoEndpoints)
	}

	var errs []error
	for _, endpoint := range endpoints {
		res, err := i.ingestFrom(ctx, src, endpoint, apiKey, startSec, endSec)
		if err == nil || res.Pages > 0 {
			return res, err
		}
		if ctx.Err() != nil {
			return res, err
		}
		i.logger.Warn().Err(err).Str("source", src.ID).Str("endpoint", endpoint).Msg("swap endpoint failed, trying next")
		errs = append(errs, err)
	}
	return SourceResult{Source: src.ID, Deltas: map[string]float64{}, NextCursor: startSec},
		fmt.Errorf("source %s: all endpoints failed: %w", src.ID, errors.Join(errs...))
}

func (i *Ingestor) ingestFrom(ctx context.Context, src Source, endpoint, apiKey string, startSec, endSec int64) (SourceResult, error) {
	res := SourceResult{
		Source:     src.ID,
		Deltas:     make(map[string]float64),
		NextCursor: startSec,
		Endpoint:   endpoint,
	}
	if endSec < startSec {
		return res, nil
	}

	for res.Pages < i.maxPages {
		vars := map[string]any{
			"first": i.pageSize,
			"start": fmt.Sprint(res.NextCursor),
			"end":   fmt.Sprint(endSec),
		}
		page, _, err := feed.QueryVariants[swapPage](ctx, i.client, endpoint, apiKey, src.Variants, vars)
		if err != nil {
			return res, fmt.Errorf("source %s page %d: %w", src.ID, res.Pages+1, err)
		}
		res.Pages++
		metrics.IngestPages.WithLabelValues(src.ID).Inc()

		var lastTs int64
		for _, row := range page.Swaps {
			if ts := row.Timestamp.Int64(); ts > lastTs {
				lastTs = ts
			}
			wallet := resolveWallet(src, row)
			amount := math.Abs(row.AmountUSD.Value)
			if wallet == "" || !row.AmountUSD.Valid || math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
				continue
			}
			res.Deltas[wallet] += amount
			res.Rows++
		}
		metrics.IngestRows.WithLabelValues(src.ID).Add(float64(len(page.Swaps)))

		advanced := len(page.Swaps) > 0 && lastTs+1 > res.NextCursor
		if advanced {
			res.NextCursor = lastTs + 1
		}
		if len(page.Swaps) < i.pageSize {
			break
		}
		if !advanced {
			i.logger.Warn().Str("source", src.ID).Int64("cursor", res.NextCursor).Msg("full page did not advance the cursor, stopping")
			break
		}
	}
	if res.Pages >= i.maxPages {
		i.logger.Warn().Str("source", src.ID).Int("pages", res.Pages).Msg("page cap reached")
	}

	i.logger.Debug().Str("source", src.ID).Int("pages", res.Pages).Int64("rows", res.Rows).
		Int("wallets", len(res.Deltas)).Int64("cursor", res.NextCursor).Msg("source ingested")
	return res, nil
}

func resolveWallet(src Source, row swapRow) string {
	candidates := []string{row.Origin, row.Sender}
	if src.Counterparty != nil {
		candidates = append(candidates, src.Counterparty(row))
	}
	for _, c := range candidates {
		if w := tokens.Normalize(c); w != "" {
			return w
		}
	}
	return ""
}
