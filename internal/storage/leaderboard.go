package storage

import (
	"context"
	"time"
)

// Leaderboard is the season key-value store: a ranked set of wallet points,
// a hash per wallet, per-source cursors, the season updatedAt stamp, claim
// ledgers and the summary cache.
type Leaderboard interface {
	// CommitPass writes records, cursors and updatedAt atomically. Cursors
	// never move backwards.
	CommitPass(ctx context.Context, season string, records []WalletRecord, cursors map[string]int64, updatedAtMs int64) error
	SetCursor(ctx context.Context, season, source string, cursor int64) (int64, error)
	Cursor(ctx context.Context, season, source string) (int64, bool, error)

	Wallet(ctx context.Context, season, wallet string) (WalletRecord, bool, error)
	// Wallets returns the raw attribute hash of every wallet that has one.
	Wallets(ctx context.Context, season string, wallets []string) (map[string]map[string]string, error)
	SetAttribute(ctx context.Context, season, wallet, field, value string) error

	// Ranked returns entries in descending points order; limit <= 0 means all.
	Ranked(ctx context.Context, season string, offset, limit int) ([]Entry, error)
	// Rank is 1 + the number of wallets with strictly more points.
	Rank(ctx context.Context, season, wallet string) (int, bool, error)
	Count(ctx context.Context, season string) (int64, error)
	RefreshRanks(ctx context.Context, season string) error

	UpdatedAt(ctx context.Context, season string) (int64, bool, error)
	Summary(ctx context.Context, season string) (Summary, bool, error)
	SaveSummary(ctx context.Context, season string, summary Summary) error

	ClaimLedger(ctx context.Context, season, wallet string) (ClaimLedger, bool, error)
	// UpdateClaimLedger applies fn under optimistic locking and persists the
	// ledger it returns.
	UpdateClaimLedger(ctx context.Context, season, wallet string, fn func(current ClaimLedger, exists bool) (ClaimLedger, error)) (ClaimLedger, error)

	// AcquireCooldown sets the named season lock if absent, expiring after ttl.
	AcquireCooldown(ctx context.Context, season, name string, ttl time.Duration) (bool, error)
}
