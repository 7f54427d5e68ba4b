// Package round implements the round state machine: creation, the
// Scheduled→Active transition, and the betting window that gates stakes and
// withdrawals.
package round

import (
	"fmt"
	"time"

	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/program"
	"github.com/atmx/parimutuel-engine/internal/symbol"
	"github.com/atmx/parimutuel-engine/internal/weight"
)

// CreateParams describes a new round.
type CreateParams struct {
	Kind      model.MarketKind `json:"kind"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	// FeedID is required for SingleAsset rounds and must be empty otherwise.
	FeedID string `json:"feed_id,omitempty"`
}

// Create allocates the next round id from cfg and returns a Scheduled
// round. The bet cutoff is end - BetCutoffWindow, clamped to start.
func Create(cfg *model.Config, p CreateParams, now time.Time) (*model.Round, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidMarketKind, p.Kind)
	}
	if !p.StartTime.Before(p.EndTime) {
		return nil, fmt.Errorf("%w: start must precede end", model.ErrInvalidRoundTime)
	}
	if p.EndTime.Sub(p.StartTime) < time.Second {
		return nil, fmt.Errorf("%w: window must last at least one second", model.ErrInvalidRoundTime)
	}
	if !p.StartTime.After(now) {
		return nil, fmt.Errorf("%w: start must be in the future", model.ErrInvalidRoundTime)
	}
	switch p.Kind {
	case model.SingleAsset:
		if err := symbol.ValidateFeed(p.FeedID); err != nil {
			return nil, err
		}
	case model.GroupBattle:
		if p.FeedID != "" {
			return nil, fmt.Errorf("%w: group battle rounds take feeds per asset", model.ErrInvalidMarketKind)
		}
	}

	id, err := program.NextRoundID(cfg)
	if err != nil {
		return nil, err
	}

	cutoff := p.EndTime.Add(-cfg.BetCutoffWindow)
	if cutoff.Before(p.StartTime) {
		cutoff = p.StartTime
	}

	return &model.Round{
		ID:            id,
		Kind:          p.Kind,
		Status:        model.RoundScheduled,
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		BetCutoffTime: cutoff,
		FeedID:        p.FeedID,
		CreatedAt:     now,
	}, nil
}

// Start moves a Scheduled round to Active once its start time is reached.
// A SingleAsset round records startPrice; a GroupBattle round requires
// every group's start prices to be finalized and ignores startPrice.
func Start(r *model.Round, startPrice uint64, now time.Time) error {
	if r.Status != model.RoundScheduled {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidRoundStatus, r.ID, r.Status)
	}
	if now.Before(r.StartTime) {
		return model.ErrRoundNotStarted
	}

	switch r.Kind {
	case model.SingleAsset:
		if startPrice == 0 {
			return fmt.Errorf("%w: zero start price", model.ErrInvalidAssetPrice)
		}
		r.StartPrice = model.U64(startPrice)
	case model.GroupBattle:
		if r.TotalGroups == 0 {
			return model.ErrNoGroups
		}
		if r.StartFinalizedGroups < r.TotalGroups {
			return fmt.Errorf("%w: %d of %d", model.ErrGroupsNotFinalized, r.StartFinalizedGroups, r.TotalGroups)
		}
	}

	r.Status = model.RoundActive
	return nil
}

// CheckBettingOpen reports whether stakes may be placed or withdrawn.
func CheckBettingOpen(r *model.Round, now time.Time) error {
	if r.Status != model.RoundActive {
		return fmt.Errorf("%w: round %d is %s", model.ErrRoundNotActive, r.ID, r.Status)
	}
	if !now.Before(r.BetCutoffTime) {
		return model.ErrBettingClosed
	}
	return nil
}

// BetParams describes a stake.
type BetParams struct {
	Bettor    string          `json:"bettor"`
	Amount    uint64          `json:"amount"`
	Direction model.Direction `json:"direction"`
	GroupID   *uint64         `json:"group_id,omitempty"`
}

// PlaceBet weighs a stake and records it against r. group must be the
// loaded record for p.GroupID, or nil when the bet names no group.
func PlaceBet(cfg *model.Config, r *model.Round, group *model.GroupAsset, p BetParams, now time.Time) (*model.Bet, error) {
	if err := CheckBettingOpen(r, now); err != nil {
		return nil, err
	}
	if p.Amount < cfg.MinBetAmount {
		return nil, fmt.Errorf("%w: %d < %d", model.ErrBetBelowMinimum, p.Amount, cfg.MinBetAmount)
	}
	if !p.Direction.Valid() {
		return nil, model.ErrInvalidDirection
	}
	if err := checkGroup(r, group, p.GroupID); err != nil {
		return nil, err
	}

	elapsed := int64(now.Sub(r.StartTime) / time.Second)
	w, err := weight.Compute(weight.ParamsFor(cfg, r.Kind), p.Amount, p.Direction, elapsed, r.Duration())
	if err != nil {
		return nil, err
	}

	pool, err := addU64(r.TotalPool, p.Amount)
	if err != nil {
		return nil, err
	}
	total, err := addU64(r.TotalBets, 1)
	if err != nil {
		return nil, err
	}
	id, err := addU64(r.NextBetID, 1)
	if err != nil {
		return nil, err
	}
	r.TotalPool, r.TotalBets, r.NextBetID = pool, total, id

	var gid *uint64
	if p.GroupID != nil {
		gid = model.U64(*p.GroupID)
	}
	return &model.Bet{
		RoundID:   r.ID,
		ID:        id,
		Bettor:    p.Bettor,
		GroupID:   gid,
		Amount:    p.Amount,
		Direction: p.Direction,
		Weight:    w,
		Status:    model.BetPending,
		CreatedAt: now,
	}, nil
}

func checkGroup(r *model.Round, group *model.GroupAsset, groupID *uint64) error {
	if groupID == nil {
		return nil
	}
	if r.Kind != model.GroupBattle {
		return fmt.Errorf("%w: single asset bets take no group", model.ErrInvalidGroup)
	}
	if group == nil || group.RoundID != r.ID || group.ID != *groupID {
		return fmt.Errorf("%w: group %d not in round %d", model.ErrInvalidGroup, *groupID, r.ID)
	}
	return nil
}

func addU64(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, model.ErrOverflow
	}
	return s, nil
}
