// Package payout computes what leaves a round's vault: rewards and draw
// refunds after settlement, voluntary withdrawals while betting is open, and
// refunds of a cancelled round.
package payout

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/round"
)

// Reward returns what a settled bet is owed: its weighted share of the
// reward pool when Won, its stake when Draw.
func Reward(r *model.Round, b *model.Bet) (uint64, error) {
	switch b.Status {
	case model.BetPending:
		return 0, model.ErrClaimPendingBet
	case model.BetLost:
		return 0, model.ErrClaimLosingBet
	case model.BetDraw:
		return b.Amount, nil
	case model.BetWon:
	default:
		return 0, fmt.Errorf("%w: unknown bet status %q", model.ErrRewardCalculation, b.Status)
	}

	if r.WinnersWeight == 0 {
		return 0, fmt.Errorf("%w: round %d has no winning weight", model.ErrRewardCalculation, r.ID)
	}
	v, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(b.Weight), uint256.NewInt(r.TotalRewardPool))
	if overflow {
		return 0, model.ErrOverflow
	}
	v.Div(v, uint256.NewInt(r.WinnersWeight))
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: share exceeds u64", model.ErrRewardCalculation)
	}
	return v.Uint64(), nil
}

// Claim marks b claimed and returns the amount to pay signer.
func Claim(r *model.Round, b *model.Bet, signer string) (uint64, error) {
	if r.Status != model.RoundEnded {
		return 0, fmt.Errorf("%w: round %d is %s", model.ErrRoundNotEnded, r.ID, r.Status)
	}
	if b.RoundID != r.ID {
		return 0, model.ErrInvalidBetAccount
	}
	if b.Bettor != signer {
		return 0, model.ErrNotBetOwner
	}
	if b.Claimed {
		return 0, model.ErrAlreadyClaimed
	}
	amount, err := Reward(r, b)
	if err != nil {
		return 0, err
	}
	b.Claimed = true
	return amount, nil
}

// Withdraw removes a pending bet while betting is open and returns the
// stake to refund. The caller deletes the bet record.
func Withdraw(r *model.Round, b *model.Bet, signer string, now time.Time) (uint64, error) {
	if err := round.CheckBettingOpen(r, now); err != nil {
		return 0, err
	}
	if b.RoundID != r.ID {
		return 0, model.ErrInvalidBetAccount
	}
	if b.Bettor != signer {
		return 0, model.ErrNotBetOwner
	}
	if b.Status != model.BetPending {
		return 0, model.ErrBetNotPending
	}
	if r.TotalPool < b.Amount || r.TotalBets == 0 {
		return 0, model.ErrUnderflow
	}
	r.TotalPool -= b.Amount
	r.TotalBets--
	return b.Amount, nil
}

// Refund is one stake returned by a cancellation batch.
type Refund struct {
	BetID  uint64
	Bettor string
	Amount uint64
}

// CancelResult describes one cancellation step.
type CancelResult struct {
	Refunds []Refund
	// Closed is set when the round is fully refunded: the caller closes the
	// vault to the treasury and deletes the round.
	Closed bool
}

// Total sums the refunds of the batch.
func (c *CancelResult) Total() uint64 {
	var sum uint64
	for _, rf := range c.Refunds {
		sum += rf.Amount
	}
	return sum
}

// CancelBatch advances the cancellation of r by one batch. A round without
// bets closes at once and takes no batch. Otherwise the round moves to
// Cancelling, each bet in the batch is refunded and removed from the pool,
// and the round closes once cancelled_bets reaches total_bets.
func CancelBatch(r *model.Round, refs []round.BetRef) (*CancelResult, error) {
	switch r.Status {
	case model.RoundScheduled, model.RoundActive, model.RoundCancelling:
	case model.RoundPendingSettlement:
		return nil, fmt.Errorf("%w: round %d", model.ErrCancelWhileSettling, r.ID)
	default:
		return nil, fmt.Errorf("%w: round %d is %s", model.ErrInvalidRoundStatus, r.ID, r.Status)
	}

	res := &CancelResult{}
	if r.TotalBets == 0 {
		res.Closed = true
		return res, nil
	}
	if err := round.CheckBetBatch(r, refs, r.CancelledBets); err != nil {
		return nil, err
	}

	r.Status = model.RoundCancelling
	for _, ref := range refs {
		b := ref.Bet
		if r.TotalPool < b.Amount {
			return nil, model.ErrUnderflow
		}
		r.TotalPool -= b.Amount
		res.Refunds = append(res.Refunds, Refund{BetID: b.ID, Bettor: b.Bettor, Amount: b.Amount})
	}
	r.CancelledBets += uint64(len(refs))
	res.Closed = r.CancelledBets >= r.TotalBets
	return res, nil
}
