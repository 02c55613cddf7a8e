package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crx-points/internal/metrics"
	"crx-points/internal/tickmath"
	"crx-points/internal/tokens"
)

const defaultDecimals = 18

// Options parameterise the on-chain position reader.
type Options struct {
	RPCURL            string
	PositionManager   string
	Factory           string
	Locker            string
	LockerDeployBlock uint64
	CallTimeout       time.Duration
	MaxPositions      int
	LogChunkBlocks    uint64
	MaxLogChunks      int
	AgeLookbackBlocks uint64
	ReadConcurrency   int
	RequestsPerSecond float64
	Burst             int
}

// ChainPosition is a position read straight from the position manager.
type ChainPosition struct {
	TokenID      *big.Int
	Token0       string
	Token1       string
	Fee          uint32
	TickLower    int
	TickUpper    int
	Liquidity    *big.Int
	Pool         string
	PoolTick     float64
	SqrtPriceX96 *big.Int
	Decimals0    int
	Decimals1    int
	Estimated    bool
	ViaLocker    bool
}

// Result is the outcome of an on-chain position lookup.
type Result struct {
	Positions    []ChainPosition
	LpAgeSeconds *int64
	UsedLocker   bool
}

// PositionFetcher is implemented by Reader.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, wallet string, known map[string]tokens.Info, startBlock uint64) (Result, error)
}

// Reader reconstructs a wallet's concentrated-liquidity positions over RPC.
type Reader struct {
	opts      Options
	registry  *Registry
	backend   Backend
	limiter   *rate.Limiter
	isBoosted func(token0, token1 string) bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReader builds a reader that resolves its client through registry.
func NewReader(opts Options, registry *Registry, isBoosted func(token0, token1 string) bool, logger zerolog.Logger) *Reader {
	return newReader(opts, registry, nil, isBoosted, logger)
}

// NewReaderWithBackend builds a reader over an explicit backend.
func NewReaderWithBackend(opts Options, backend Backend, isBoosted func(token0, token1 string) bool, logger zerolog.Logger) *Reader {
	return newReader(opts, nil, backend, isBoosted, logger)
}

func newReader(opts Options, registry *Registry, backend Backend, isBoosted func(token0, token1 string) bool, logger zerolog.Logger) *Reader {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 4 * time.Second
	}
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = 40
	}
	if opts.LogChunkBlocks == 0 {
		opts.LogChunkBlocks = 50_000
	}
	if opts.MaxLogChunks <= 0 {
		opts.MaxLogChunks = 200
	}
	if opts.AgeLookbackBlocks == 0 {
		opts.AgeLookbackBlocks = 2_000_000
	}
	if opts.ReadConcurrency <= 0 {
		opts.ReadConcurrency = 4
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if isBoosted == nil {
		isBoosted = func(string, string) bool { return false }
	}
	return &Reader{
		opts:      opts,
		registry:  registry,
		backend:   backend,
		limiter:   rate.NewLimiter(limit, burst),
		isBoosted: isBoosted,
		logger:    logger.With().Str("component", "chain_reader").Logger(),
		now:       time.Now,
	}
}

// FetchPositions enumerates the wallet's position NFTs, falling back to the
// locker contract's transfer log when the direct path finds nothing useful.
func (r *Reader) FetchPositions(ctx context.Context, wallet string, known map[string]tokens.Info, startBlock uint64) (Result, error) {
	if !common.IsHexAddress(wallet) {
		return Result{}, fmt.Errorf("invalid wallet address %q", wallet)
	}
	if !common.IsHexAddress(r.opts.PositionManager) {
		return Result{}, errors.New("position manager address not configured")
	}

	backend, err := r.backendFor(ctx)
	if err != nil {
		return Result{}, err
	}

	owner := common.HexToAddress(wallet)
	ids := r.ownedTokenIDs(ctx, backend, owner)
	positions := r.readPositions(ctx, backend, ids, known, false)

	var (
		result       Result
		lockerOldest uint64
	)
	if (len(positions) == 0 || !r.anyBoosted(positions)) && common.IsHexAddress(r.opts.Locker) {
		lockerIDs, oldest := r.lockerOwnedIDs(ctx, backend, owner)
		lockerOldest = oldest
		extra := make([]*big.Int, 0, len(lockerIDs))
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			seen[id.String()] = struct{}{}
		}
		for _, id := range lockerIDs {
			if _, ok := seen[id.String()]; ok {
				continue
			}
			if len(ids)+len(extra) >= r.opts.MaxPositions {
				break
			}
			extra = append(extra, id)
		}
		if len(extra) > 0 {
			result.UsedLocker = true
			positions = append(positions, r.readPositions(ctx, backend, extra, known, true)...)
			ids = append(ids, extra...)
		}
	}

	result.Positions = positions
	result.LpAgeSeconds = r.lpAge(ctx, backend, owner, ids, startBlock, lockerOldest)
	return result, nil
}

func (r *Reader) backendFor(ctx context.Context) (Backend, error) {
	if r.backend != nil {
		return r.backend, nil
	}
	if r.registry == nil {
		return nil, errors.New("chain reader has no backend")
	}
	return r.registry.Get(ctx, r.opts.RPCURL)
}

func (r *Reader) ownedTokenIDs(ctx context.Context, backend Backend, owner common.Address) []*big.Int {
	pm := common.HexToAddress(r.opts.PositionManager)
	out, err := r.call(ctx, backend, positionManagerABI, pm, "balanceOf", owner)
	if err != nil {
		r.logger.Debug().Err(err).Str("wallet", owner.Hex()).Msg("balanceOf failed")
		return nil
	}
	balance, ok := out[0].(*big.Int)
	if !ok || balance.Sign() <= 0 {
		return nil
	}

	n := int(balance.Int64())
	if !balance.IsInt64() || n > r.opts.MaxPositions {
		n = r.opts.MaxPositions
	}

	ids := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		out, err := r.call(ctx, backend, positionManagerABI, pm, "tokenOfOwnerByIndex", owner, big.NewInt(int64(i)))
		if err != nil {
			r.logger.Debug().Err(err).Int("index", i).Msg("tokenOfOwnerByIndex failed")
			continue
		}
		if id, ok := out[0].(*big.Int); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Reader) readPositions(ctx context.Context, backend Backend, ids []*big.Int, known map[string]tokens.Info, viaLocker bool) []ChainPosition {
	if len(ids) == 0 {
		return nil
	}

	results := make([]*ChainPosition, len(ids))
	pool := pond.NewPool(r.opts.ReadConcurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for i, id := range ids {
		group.Submit(func() {
			pos, err := r.readPosition(ctx, backend, id, known)
			if err != nil {
				r.logger.Debug().Err(err).Str("token_id", id.String()).Msg("skip position")
				return
			}
			if pos != nil {
				pos.ViaLocker = viaLocker
				results[i] = pos
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Debug().Err(err).Msg("position reads ended early")
	}

	positions := make([]ChainPosition, 0, len(ids))
	for _, p := range results {
		if p != nil {
			positions = append(positions, *p)
		}
	}
	return positions
}

func (r *Reader) readPosition(ctx context.Context, backend Backend, id *big.Int, known map[string]tokens.Info) (*ChainPosition, error) {
	pm := common.HexToAddress(r.opts.PositionManager)
	out, err := r.call(ctx, backend, positionManagerABI, pm, "positions", id)
	if err != nil {
		return nil, err
	}
	if len(out) < 8 {
		return nil, errors.New("unexpected positions response")
	}

	token0, ok0 := out[2].(common.Address)
	token1, ok1 := out[3].(common.Address)
	fee, okFee := out[4].(*big.Int)
	lower, okLower := out[5].(*big.Int)
	upper, okUpper := out[6].(*big.Int)
	liquidity, okLiq := out[7].(*big.Int)
	if !ok0 || !ok1 || !okFee || !okLower || !okUpper || !okLiq {
		return nil, errors.New("failed to decode positions output")
	}
	if liquidity.Sign() == 0 {
		return nil, nil
	}

	pos := &ChainPosition{
		TokenID:   id,
		Token0:    strings.ToLower(token0.Hex()),
		Token1:    strings.ToLower(token1.Hex()),
		Fee:       uint32(fee.Uint64()),
		TickLower: int(lower.Int64()),
		TickUpper: int(upper.Int64()),
		Liquidity: liquidity,
		Decimals0: r.decimals(ctx, backend, token0, known),
		Decimals1: r.decimals(ctx, backend, token1, known),
	}

	if err := r.readPoolState(ctx, backend, pos, token0, token1, fee); err != nil {
		mid := float64(pos.TickLower+pos.TickUpper) / 2
		pos.PoolTick = mid
		pos.SqrtPriceX96 = tickmath.TickToSqrtPriceX96(mid)
		pos.Estimated = true
		r.logger.Debug().Err(err).Str("token_id", id.String()).Float64("tick", mid).Msg("pool state unavailable, using range midpoint")
	}
	return pos, nil
}

func (r *Reader) readPoolState(ctx context.Context, backend Backend, pos *ChainPosition, token0, token1 common.Address, fee *big.Int) error {
	if !common.IsHexAddress(r.opts.Factory) {
		return errors.New("factory address not configured")
	}
	out, err := r.call(ctx, backend, factoryABI, common.HexToAddress(r.opts.Factory), "getPool", token0, token1, fee)
	if err != nil {
		return fmt.Errorf("getPool: %w", err)
	}
	poolAddr, ok := out[0].(common.Address)
	if !ok || poolAddr == (common.Address{}) {
		return errors.New("pool not found")
	}
	pos.Pool = strings.ToLower(poolAddr.Hex())

	slot, err := r.call(ctx, backend, poolABI, poolAddr, "slot0")
	if err != nil {
		return fmt.Errorf("slot0: %w", err)
	}
	sqrtPrice, ok := slot[0].(*big.Int)
	if !ok || sqrtPrice.Sign() <= 0 {
		return errors.New("slot0 returned no price")
	}
	tick, ok := slot[1].(*big.Int)
	if !ok {
		return errors.New("slot0 returned no tick")
	}
	pos.SqrtPriceX96 = sqrtPrice
	pos.PoolTick = float64(tick.Int64())
	return nil
}

func (r *Reader) decimals(ctx context.Context, backend Backend, token common.Address, known map[string]tokens.Info) int {
	if info, ok := known[strings.ToLower(token.Hex())]; ok && info.Decimals > 0 {
		return info.Decimals
	}
	out, err := r.call(ctx, backend, erc20ABI, token, "decimals")
	if err != nil {
		return defaultDecimals
	}
	if d, ok := out[0].(uint8); ok {
		return int(d)
	}
	return defaultDecimals
}

// lockerOwnedIDs replays the locker's Transfer log for the wallet and returns
// the ids it still owns plus the oldest block in which it received one.
func (r *Reader) lockerOwnedIDs(ctx context.Context, backend Backend, owner common.Address) ([]*big.Int, uint64) {
	locker := common.HexToAddress(r.opts.Locker)
	walletTopic := AddressTopic(owner)

	head, err := r.blockNumber(ctx, backend)
	if err != nil {
		r.logger.Debug().Err(err).Msg("block number unavailable, skipping locker scan")
		return nil, 0
	}

	incoming, complete := r.scanLogs(ctx, backend, locker, [][]common.Hash{{TransferTopic}, nil, {walletTopic}}, r.opts.LockerDeployBlock, head)
	if !complete {
		r.warnPartialLockerScan(owner, head)
		return nil, 0
	}
	if len(incoming) == 0 {
		return nil, 0
	}
	outgoing, complete := r.scanLogs(ctx, backend, locker, [][]common.Hash{{TransferTopic}, {walletTopic}}, r.opts.LockerDeployBlock, head)
	if !complete {
		r.warnPartialLockerScan(owner, head)
		return nil, 0
	}

	logs := append(incoming, outgoing...)
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	owners := ReplayOwners(logs)
	var oldest uint64
	for _, lg := range incoming {
		if oldest == 0 || lg.BlockNumber < oldest {
			oldest = lg.BlockNumber
		}
	}

	ids := make([]*big.Int, 0, len(owners))
	for _, lg := range logs {
		if len(lg.Topics) < 4 {
			continue
		}
		id := lg.Topics[3].Big()
		key := id.String()
		if final, ok := owners[key]; ok && final == owner {
			ids = append(ids, id)
			delete(owners, key)
		}
	}
	return ids, oldest
}

// An ownership replay over a truncated history can credit ids the wallet
// already sent away, so a partial scan yields no locker ids at all.
func (r *Reader) warnPartialLockerScan(owner common.Address, head uint64) {
	r.logger.Warn().
		Str("wallet", owner.Hex()).
		Uint64("from", r.opts.LockerDeployBlock).
		Uint64("head", head).
		Uint64("chunk_blocks", r.opts.LogChunkBlocks).
		Int("max_chunks", r.opts.MaxLogChunks).
		Msg("locker transfer scan incomplete, ignoring locked positions")
}

// ReplayOwners applies Transfer logs in the given order and returns the final
// owner per token id.
func ReplayOwners(logs []types.Log) map[string]common.Address {
	owners := make(map[string]common.Address)
	for _, lg := range logs {
		if len(lg.Topics) < 4 || lg.Topics[0] != TransferTopic || lg.Removed {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		owners[lg.Topics[3].Big().String()] = to
	}
	return owners
}

// lpAge finds the earliest mint-to-wallet block for the ids, merges it with
// the earliest locker receipt, and returns the age of that block.
func (r *Reader) lpAge(ctx context.Context, backend Backend, owner common.Address, ids []*big.Int, startBlock, lockerOldest uint64) *int64 {
	oldest := lockerOldest

	if len(ids) > 0 {
		head, err := r.blockNumber(ctx, backend)
		if err == nil {
			from := startBlock
			if from == 0 && head > r.opts.AgeLookbackBlocks {
				from = head - r.opts.AgeLookbackBlocks
			}
			idTopics := make([]common.Hash, 0, len(ids))
			for _, id := range ids {
				idTopics = append(idTopics, common.BigToHash(id))
			}
			pm := common.HexToAddress(r.opts.PositionManager)
			mints, _ := r.scanLogs(ctx, backend, pm, [][]common.Hash{{TransferTopic}, {common.Hash{}}, {AddressTopic(owner)}, idTopics}, from, head)
			for _, lg := range mints {
				if oldest == 0 || lg.BlockNumber < oldest {
					oldest = lg.BlockNumber
				}
			}
		}
	}

	if oldest == 0 {
		return nil
	}

	header, err := r.header(ctx, backend, oldest)
	if err != nil || header == nil {
		return nil
	}
	age := r.now().Unix() - int64(header.Time)
	if age < 0 {
		age = 0
	}
	return &age
}

// scanLogs walks [from, to] in chunks. complete is false when the chunk cap,
// a failed chunk or cancellation left part of the range unread.
func (r *Reader) scanLogs(ctx context.Context, backend Backend, addr common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, bool) {
	if from > to {
		return nil, true
	}
	var out []types.Log
	complete := true
	chunks := 0
	for start := from; start <= to; start += r.opts.LogChunkBlocks {
		if chunks >= r.opts.MaxLogChunks || ctx.Err() != nil {
			complete = false
			break
		}
		chunks++
		end := start + r.opts.LogChunkBlocks - 1
		if end > to {
			end = to
		}
		logs, err := r.filterLogs(ctx, backend, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{addr},
			Topics:    topics,
		})
		if err != nil {
			r.logger.Debug().Err(err).Uint64("from", start).Uint64("to", end).Msg("log chunk unavailable")
			complete = false
			continue
		}
		out = append(out, logs...)
		if end == to {
			break
		}
	}
	return out, complete
}

func (r *Reader) anyBoosted(positions []ChainPosition) bool {
	for _, p := range positions {
		if r.isBoosted(p.Token0, p.Token1) {
			return true
		}
	}
	return false
}

func (r *Reader) call(ctx context.Context, backend Backend, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	res, err := backend.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	metrics.RPCCalls.WithLabelValues(method, rpcOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

func (r *Reader) filterLogs(ctx context.Context, backend Backend, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	logs, err := backend.FilterLogs(callCtx, q)
	metrics.RPCCalls.WithLabelValues("eth_getLogs", rpcOutcome(err)).Inc()
	return logs, err
}

func (r *Reader) blockNumber(ctx context.Context, backend Backend) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	n, err := backend.BlockNumber(callCtx)
	metrics.RPCCalls.WithLabelValues("eth_blockNumber", rpcOutcome(err)).Inc()
	return n, err
}

func (r *Reader) header(ctx context.Context, backend Backend, number uint64) (*types.Header, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	h, err := backend.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	metrics.RPCCalls.WithLabelValues("eth_getBlockByNumber", rpcOutcome(err)).Inc()
	return h, err
}

func rpcOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

var _ PositionFetcher = (*Reader)(nil)
