package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crx-points/internal/storage"
)

const (
	keyPrefix       = "crx"
	maxWatchRetries = 8
)

// advanceCursor sets KEYS[1] to ARGV[1] only when that moves it forward and
// returns the resulting cursor.
var advanceCursor = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return nxt
end
return cur
`)

// Options configure the Redis connection.
type Options struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements storage.Leaderboard on Redis.
type Store struct {
	client redis.UniversalClient
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	var redisOpts *redis.Options
	if strings.TrimSpace(opts.URL) != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOpts = parsed
	} else {
		addr := opts.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		redisOpts = &redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB}
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		redisOpts.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		redisOpts.WriteTimeout = opts.WriteTimeout
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", redisOpts.Addr, err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func rankKey(season string) string { return keyPrefix + ":" + season + ":lb" }
func walletKey(season, wallet string) string { return keyPrefix + ":" + season + ":w:" + wallet }
func cursorKey(season, source string) string { return keyPrefix + ":" + season + ":cursor:" + source }
func updatedAtKey(season string) string { return keyPrefix + ":" + season + ":updatedAt" }
func claimKey(season, wallet string) string { return keyPrefix + ":" + season + ":claim:" + wallet }
func summaryKey(season string) string { return keyPrefix + ":" + season + ":summary" }
func lockKey(season, name string) string { return keyPrefix + ":" + season + ":" + name + ":lock" }

func canonical(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// CommitPass implements storage.Leaderboard.
func (s *Store) CommitPass(ctx context.Context, season string, records []storage.WalletRecord, cursors map[string]int64, updatedAtMs int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			wallet := canonical(rec.Wallet)
			if wallet == "" {
				continue
			}
			pipe.ZAdd(ctx, rankKey(season), redis.Z{Score: rec.Points, Member: wallet})
			pipe.HSet(ctx, walletKey(season, wallet), rec.ToHash())
		}
		for source, cursor := range cursors {
			advanceCursor.Eval(ctx, pipe, []string{cursorKey(season, source)}, cursor)
		}
		if updatedAtMs > 0 {
			pipe.Set(ctx, updatedAtKey(season), updatedAtMs, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit pass: %w", err)
	}
	return nil
}

// SetCursor implements storage.Leaderboard.
func (s *Store) SetCursor(ctx context.Context, season, source string, cursor int64) (int64, error) {
	v, err := advanceCursor.Run(ctx, s.client, []string{cursorKey(season, source)}, cursor).Int64()
	if err != nil {
		return 0, fmt.Errorf("set cursor: %w", err)
	}
	return v, nil
}

// Cursor implements storage.Leaderboard.
func (s *Store) Cursor(ctx context.Context, season, source string) (int64, bool, error) {
	v, err := s.client.Get(ctx, cursorKey(season, source)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return v, true, nil
}

// Wallet implements storage.Leaderboard.
func (s *Store) Wallet(ctx context.Context, season, wallet string) (storage.WalletRecord, bool, error) {
	wallet = canonical(wallet)
	h, err := s.client.HGetAll(ctx, walletKey(season, wallet)).Result()
	if err != nil {
		return storage.WalletRecord{}, false, fmt.Errorf("get wallet: %w", err)
	}
	if len(h) == 0 {
		return storage.WalletRecord{}, false, nil
	}
	return storage.RecordFromHash(wallet, h), true, nil
}

// Wallets implements storage.Leaderboard.
func (s *Store) Wallets(ctx context.Context, season string, wallets []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(wallets))
	if len(wallets) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(wallets))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range wallets {
			cmds[i] = pipe.HGetAll(ctx, walletKey(season, canonical(w)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get wallets: %w", err)
	}
	for i, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil || len(h) == 0 {
			continue
		}
		out[canonical(wallets[i])] = h
	}
	return out, nil
}

// SetAttribute implements storage.Leaderboard.
func (s *Store) SetAttribute(ctx context.Context, season, wallet, field, value string) error {
	if err := s.client.HSet(ctx, walletKey(season, canonical(wallet)), field, value).Err(); err != nil {
		return fmt.Errorf("set attribute: %w", err)
	}
	return nil
}

// Ranked implements storage.Leaderboard. Rank follows the strictly-greater
// rule, so tied wallets share a rank.
func (s *Store) Ranked(ctx context.Context, season string, offset, limit int) ([]storage.Entry, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, rankKey(season), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("ranked entries: %w", err)
	}

	entries := make([]storage.Entry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, storage.Entry{Wallet: member, Points: z.Score})
		switch {
		case i > 0 && z.Score == zs[i-1].Score:
			entries[i].Rank = entries[i-1].Rank
		case i == 0 && offset > 0:
			rank, err := s.rankForScore(ctx, season, z.Score)
			if err != nil {
				return nil, err
			}
			entries[i].Rank = rank
		default:
			entries[i].Rank = offset + i + 1
		}
	}
	return entries, nil
}

// Rank implements storage.Leaderboard.
func (s *Store) Rank(ctx context.Context, season, wallet string) (int, bool, error) {
	score, err := s.client.ZScore(ctx, rankKey(season), canonical(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("wallet score: %w", err)
	}
	rank, err := s.rankForScore(ctx, season, score)
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (s *Store) rankForScore(ctx context.Context, season string, score float64) (int, error) {
	above, err := s.client.ZCount(ctx, rankKey(season), "("+strconv.FormatFloat(score, 'f', -1, 64), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count higher scores: %w", err)
	}
	return int(above) + 1, nil
}

// Count implements storage.Leaderboard.
func (s *Store) Count(ctx context.Context, season string) (int64, error) {
	n, err := s.client.ZCard(ctx, rankKey(season)).Result()
	if err != nil {
		return 0, fmt.Errorf("count wallets: %w", err)
	}
	return n, nil
}

// RefreshRanks implements storage.Leaderboard.
func (s *Store) RefreshRanks(ctx context.Context, season string) error {
	entries, err := s.Ranked(ctx, season, 0, 0)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, walletKey(season, e.Wallet), storage.FieldRank, e.Rank)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh ranks: %w", err)
	}
	return nil
}

// UpdatedAt implements storage.Leaderboard.
func (s *Store) UpdatedAt(ctx context.Context, season string) (int64, bool, error) {
	v, err := s.client.Get(ctx, updatedAtKey(season)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get updatedAt: %w", err)
	}
	return v, true, nil
}

// Summary implements storage.Leaderboard.
func (s *Store) Summary(ctx context.Context, season string) (storage.Summary, bool, error) {
	h, err := s.client.HGetAll(ctx, summaryKey(season)).Result()
	if err != nil {
		return storage.Summary{}, false, fmt.Errorf("get summary: %w", err)
	}
	if len(h) == 0 {
		return storage.Summary{}, false, nil
	}
	return storage.SummaryFromHash(h), true, nil
}

// SaveSummary implements storage.Leaderboard.
func (s *Store) SaveSummary(ctx context.Context, season string, summary storage.Summary) error {
	if err := s.client.HSet(ctx, summaryKey(season), summary.ToHash()).Err(); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// ClaimLedger implements storage.Leaderboard.
func (s *Store) ClaimLedger(ctx context.Context, season, wallet string) (storage.ClaimLedger, bool, error) {
	h, err := s.client.HGetAll(ctx, claimKey(season, canonical(wallet))).Result()
	if err != nil {
		return storage.ClaimLedger{}, false, fmt.Errorf("get claim ledger: %w", err)
	}
	if len(h) == 0 {
		return storage.ClaimLedger{}, false, nil
	}
	return storage.LedgerFromHash(h), true, nil
}

// UpdateClaimLedger implements storage.Leaderboard with WATCH/MULTI.
func (s *Store) UpdateClaimLedger(ctx context.Context, season, wallet string, fn func(storage.ClaimLedger, bool) (storage.ClaimLedger, error)) (storage.ClaimLedger, error) {
	key := claimKey(season, canonical(wallet))
	var result storage.ClaimLedger

	txf := func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current := storage.LedgerFromHash(h)
		next, err := fn(current, len(h) > 0)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, next.ToHash())
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return storage.ClaimLedger{}, fmt.Errorf("update claim ledger: %w", err)
	}
	return storage.ClaimLedger{}, fmt.Errorf("update claim ledger: too much contention on %s", key)
}

// AcquireCooldown implements storage.Leaderboard.
func (s *Store) AcquireCooldown(ctx context.Context, season, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(season, name), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s cooldown: %w", name, err)
	}
	return ok, nil
}

var _ storage.Leaderboard = (*Store)(nil)
