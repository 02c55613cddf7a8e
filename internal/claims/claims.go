package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crx-points/internal/rewards"
	"crx-points/internal/storage"
)

// State is a wallet's claim state.
type State string

const (
	NotClaimable     State = "not_claimable"
	Claimable        State = "claimable"
	PartiallyClaimed State = "partially_claimed"
	FullyClaimed     State = "fully_claimed"
)

// Policy controls when and how much can be claimed.
type Policy struct {
	ClaimOpensAt time.Time
	// ImmediatePct is the share of the entitlement claimable at once. The
	// rest would stream; streaming is not active.
	ImmediatePct decimal.Decimal
}

// DefaultPolicy makes the whole entitlement claimable immediately.
func DefaultPolicy(opensAt time.Time) Policy {
	return Policy{ClaimOpensAt: opensAt, ImmediatePct: decimal.NewFromInt(1)}
}

// Open reports whether claiming is open at now. A zero open time never opens.
func (p Policy) Open(now time.Time) bool {
	return !p.ClaimOpensAt.IsZero() && !now.Before(p.ClaimOpensAt)
}

// Status is the evaluated claim view of one wallet.
type Status struct {
	State        State
	ClaimOpen    bool
	TotalReward  decimal.Decimal
	Claimed      decimal.Decimal
	ClaimableNow decimal.Decimal
	// Frozen is set once the first claim pinned the total.
	Frozen bool
	Ledger storage.ClaimLedger
}

// Evaluate derives the claim status from the stored ledger and the live
// reward. After the first claim the snapshot total is used and later changes
// to the live reward are ignored.
func Evaluate(ledger storage.ClaimLedger, exists bool, liveReward decimal.Decimal, p Policy, now time.Time) Status {
	st := Status{
		ClaimOpen: p.Open(now),
		Claimed:   ledger.TotalClaimed(),
		Ledger:    ledger,
	}
	if exists && ledger.ClaimCount > 0 {
		st.TotalReward = ledger.TotalRewardSnapshot
		st.Frozen = true
	} else {
		st.TotalReward = liveReward.Round(rewards.Precision)
	}
	if st.TotalReward.IsNegative() {
		st.TotalReward = decimal.Zero
	}

	pct := p.ImmediatePct
	if pct.IsZero() {
		pct = decimal.NewFromInt(1)
	}
	st.ClaimableNow = decimal.Zero
	if st.ClaimOpen {
		unlocked := st.TotalReward.Mul(pct).Round(rewards.Precision)
		if left := unlocked.Sub(st.Claimed); left.IsPositive() {
			st.ClaimableNow = left
		}
	}

	switch {
	case st.TotalReward.IsPositive() && !st.Claimed.LessThan(st.TotalReward):
		st.State = FullyClaimed
	case !st.ClaimOpen || !st.TotalReward.IsPositive():
		st.State = NotClaimable
	case st.Claimed.IsPositive():
		st.State = PartiallyClaimed
	default:
		st.State = Claimable
	}
	return st
}

// Receipt is the result of a claim request.
type Receipt struct {
	Status Status
	// Amount is what this request claimed; zero for a no-op.
	Amount decimal.Decimal
}

var errNothingToClaim = errors.New("nothing to claim")

// Machine applies claims against the store's claim ledger.
type Machine struct {
	store  storage.Leaderboard
	policy Policy
	now    func() time.Time
	logger zerolog.Logger
}

// NewMachine constructs a claim machine.
func NewMachine(store storage.Leaderboard, policy Policy, logger zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger.With().Str("component", "claims").Logger(),
	}
}

// State returns the wallet's current claim status.
func (m *Machine) State(ctx context.Context, season, wallet string, liveReward decimal.Decimal) (Status, error) {
	ledger, ok, err := m.store.ClaimLedger(ctx, season, wallet)
	if err != nil {
		return Status{}, fmt.Errorf("claim state for %s: %w", wallet, err)
	}
	return Evaluate(ledger, ok, liveReward, m.policy, m.now()), nil
}

// Claim claims everything currently claimable. The first claim freezes the
// wallet's total. Claiming with nothing claimable is a no-op.
func (m *Machine) Claim(ctx context.Context, season, wallet string, liveReward decimal.Decimal) (Receipt, error) {
	now := m.now()
	var receipt Receipt

	ledger, err := m.store.UpdateClaimLedger(ctx, season, wallet, func(cur storage.ClaimLedger, exists bool) (storage.ClaimLedger, error) {
		st := Evaluate(cur, exists, liveReward, m.policy, now)
		receipt = Receipt{Status: st, Amount: decimal.Zero}
		if !st.ClaimableNow.IsPositive() {
			return cur, errNothingToClaim
		}

		next := cur
		if next.ClaimCount == 0 {
			next.TotalRewardSnapshot = st.TotalReward
			next.FirstClaimAt = now.UnixMilli()
		}
		next.ImmediateClaimed = next.ImmediateClaimed.Add(st.ClaimableNow)
		next.ClaimCount++
		next.LastClaimAt = now.UnixMilli()
		receipt.Amount = st.ClaimableNow
		return next, nil
	})
	if errors.Is(err, errNothingToClaim) {
		m.logger.Debug().Str("wallet", wallet).Str("state", string(receipt.Status.State)).Msg("claim no-op")
		return receipt, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("claim for %s: %w", wallet, err)
	}

	receipt.Status = Evaluate(ledger, true, liveReward, m.policy, now)
	m.logger.Info().
		Str("wallet", wallet).
		Str("amount", receipt.Amount.String()).
		Int("claim_count", ledger.ClaimCount).
		Msg("claim recorded")
	return receipt, nil
}
