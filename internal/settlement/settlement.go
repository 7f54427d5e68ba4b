// Package settlement resolves the bets of an ended round in bounded,
// resumable batches.
//
// The first batch of a round locks the fee and reward pool; every batch
// then marks its bets Won, Lost or Draw and folds winning weight into the
// round. The round stays PendingSettlement until settled_bets reaches
// total_bets, at which point it is Ended. Functions mutate the records they
// are given; on error the caller must discard them.
package settlement

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/parimutuel-engine/internal/group"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/round"
)

// Result describes one settlement batch.
type Result struct {
	// Fee is the amount to move from the vault to the treasury. It is
	// non-zero only on the batch that locks the fee.
	Fee     uint64
	Settled []*model.Bet
	Ended   bool
}

// Counts tallies the outcomes of the batch.
func (r *Result) Counts() (won, lost, draw int) {
	for _, b := range r.Settled {
		switch b.Status {
		case model.BetWon:
			won++
		case model.BetLost:
			lost++
		case model.BetDraw:
			draw++
		}
	}
	return won, lost, draw
}

// SettleSingle settles a batch of a SingleAsset round. finalPrice is pinned
// on the round by the first call and ignored afterwards, so every batch
// resolves against the same price.
func SettleSingle(cfg *model.Config, r *model.Round, finalPrice uint64, refs []round.BetRef, now time.Time) (*Result, error) {
	if r.Kind != model.SingleAsset {
		return nil, fmt.Errorf("%w: round %d is %s", model.ErrInvalidMarketKind, r.ID, r.Kind)
	}
	if err := checkSettleable(r, now); err != nil {
		return nil, err
	}
	if r.StartPrice == nil {
		return nil, fmt.Errorf("%w: round %d has no start price", model.ErrPriceNotCaptured, r.ID)
	}
	if r.FinalPrice == nil {
		if finalPrice == 0 {
			return nil, fmt.Errorf("%w: zero final price", model.ErrInvalidAssetPrice)
		}
		r.FinalPrice = model.U64(finalPrice)
	}
	move := PriceMove(*r.StartPrice, *r.FinalPrice)
	return settle(cfg, r, refs, now, move == 0, func(b *model.Bet) model.BetStatus {
		return SingleOutcome(b.Direction, move)
	})
}

// SettleGroup settles a batch of a GroupBattle round whose winner set has
// been selected.
func SettleGroup(cfg *model.Config, r *model.Round, refs []round.BetRef, now time.Time) (*Result, error) {
	if r.Kind != model.GroupBattle {
		return nil, fmt.Errorf("%w: round %d is %s", model.ErrInvalidMarketKind, r.ID, r.Kind)
	}
	if err := checkSettleable(r, now); err != nil {
		return nil, err
	}
	if len(r.WinnerGroupIDs) == 0 {
		return nil, model.ErrWinnersNotSet
	}
	draw := group.IsFullDraw(r)
	return settle(cfg, r, refs, now, draw, func(b *model.Bet) model.BetStatus {
		return GroupOutcome(r, b, draw)
	})
}

func checkSettleable(r *model.Round, now time.Time) error {
	if r.Status != model.RoundActive && r.Status != model.RoundPendingSettlement {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidRoundStatus, r.ID, r.Status)
	}
	if now.Before(r.EndTime) {
		return model.ErrRoundNotReady
	}
	return nil
}

func settle(cfg *model.Config, r *model.Round, refs []round.BetRef, now time.Time, fullDraw bool, outcome func(*model.Bet) model.BetStatus) (*Result, error) {
	res := &Result{}
	if r.TotalBets == 0 {
		end(r, now)
		res.Ended = true
		return res, nil
	}
	if err := round.CheckBetBatch(r, refs, r.SettledBets); err != nil {
		return nil, err
	}

	if !r.FeeLocked {
		var bps uint16
		if !fullDraw {
			bps = cfg.FeeBps(r.Kind)
		}
		fee, err := Fee(r.TotalPool, bps)
		if err != nil {
			return nil, err
		}
		r.TotalFeeCollected = fee
		r.TotalRewardPool = r.TotalPool - fee
		r.FeeLocked = true
		res.Fee = fee
	}

	winners := r.WinnersWeight
	for _, ref := range refs {
		b := ref.Bet
		b.Status = outcome(b)
		if b.Status == model.BetWon {
			w := winners + b.Weight
			if w < winners {
				return nil, model.ErrOverflow
			}
			winners = w
		}
		res.Settled = append(res.Settled, b)
	}
	r.WinnersWeight = winners
	r.SettledBets += uint64(len(refs))

	if r.SettledBets >= r.TotalBets {
		end(r, now)
		res.Ended = true
	} else {
		r.Status = model.RoundPendingSettlement
	}
	return res, nil
}

func end(r *model.Round, now time.Time) {
	r.Status = model.RoundEnded
	at := now
	r.SettledAt = &at
}

// Fee returns floor(pool × bps / 10000).
func Fee(pool uint64, bps uint16) (uint64, error) {
	if bps >= model.HundredPercentBps {
		return 0, fmt.Errorf("%w: fee %d bps", model.ErrInvalidConfig, bps)
	}
	f, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(pool), uint256.NewInt(uint64(bps)))
	if overflow {
		return 0, model.ErrOverflow
	}
	f.Div(f, uint256.NewInt(model.HundredPercentBps))
	return f.Uint64(), nil
}

// PriceMove returns the sign of final - start: -1, 0 or 1.
func PriceMove(start, final uint64) int {
	switch {
	case final > start:
		return 1
	case final < start:
		return -1
	}
	return 0
}

// SingleOutcome resolves a SingleAsset bet against the sign of the price
// move. No move is a draw for every bet. A percentage call wins when its
// sign matches the move; a zero percentage never wins a moving market.
func SingleOutcome(d model.Direction, move int) model.BetStatus {
	if move == 0 {
		return model.BetDraw
	}
	var won bool
	switch d.Kind {
	case model.DirectionUp:
		won = move > 0
	case model.DirectionDown:
		won = move < 0
	case model.DirectionPercentageChange:
		won = (d.Bps > 0 && move > 0) || (d.Bps < 0 && move < 0)
	}
	if won {
		return model.BetWon
	}
	return model.BetLost
}

// GroupOutcome resolves a GroupBattle bet. Every bet is a draw when every
// group won; otherwise a bet wins iff its group is in the winner set.
func GroupOutcome(r *model.Round, b *model.Bet, fullDraw bool) model.BetStatus {
	if fullDraw {
		return model.BetDraw
	}
	if b.GroupID != nil && r.IsWinnerGroup(*b.GroupID) {
		return model.BetWon
	}
	return model.BetLost
}
