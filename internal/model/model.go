// Package model defines the core domain types shared across the settlement
// engine. Amounts are integer base units (u64); prices are normalized to
// PriceDecimals fixed-point decimals; rates and factors are basis points.
package model

import (
	"time"
)

const (
	// HundredPercentBps is 100% expressed in basis points.
	HundredPercentBps = 10_000

	// BpsScalingFactor divides the squared term of the single-asset
	// direction curve.
	BpsScalingFactor = 100

	// PriceDecimals is the fixed-point precision of every stored price.
	PriceDecimals = 6

	MaxKeepers        = 5
	MaxBatchSize      = 20
	MaxAssetsInGroup  = 10
	MaxWinnerGroupIDs = 10
	MaxGroupsPerRound = 20
)

// ProgramStatus is the process-wide switch held by Config.
type ProgramStatus string

const (
	ProgramActive          ProgramStatus = "active"
	ProgramPaused          ProgramStatus = "paused"
	ProgramEmergencyPaused ProgramStatus = "emergency_paused"
)

// MarketKind selects the round variant and its weighting curves.
type MarketKind string

const (
	SingleAsset MarketKind = "single_asset"
	GroupBattle MarketKind = "group_battle"
)

// Valid reports whether k names a known market kind.
func (k MarketKind) Valid() bool {
	return k == SingleAsset || k == GroupBattle
}

// RoundStatus is the state of the round state machine.
type RoundStatus string

const (
	RoundScheduled         RoundStatus = "scheduled"
	RoundActive            RoundStatus = "active"
	RoundCancelling        RoundStatus = "cancelling"
	RoundPendingSettlement RoundStatus = "pending_settlement"
	RoundEnded             RoundStatus = "ended"
)

// BetStatus moves exactly once from Pending to a terminal value.
type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetWon     BetStatus = "won"
	BetLost    BetStatus = "lost"
	BetDraw    BetStatus = "draw"
)

// DirectionKind is the declared side of a bet.
type DirectionKind string

const (
	DirectionUp               DirectionKind = "up"
	DirectionDown             DirectionKind = "down"
	DirectionPercentageChange DirectionKind = "percentage_change_bps"
)

// Direction is the bettor's declared conviction. Bps is only meaningful
// for DirectionPercentageChange and is signed (e.g. -25 for -0.25%).
type Direction struct {
	Kind DirectionKind `json:"kind"`
	Bps  int16         `json:"bps,omitempty"`
}

// Up, Down and PercentageChange build directions.
func Up() Direction   { return Direction{Kind: DirectionUp} }
func Down() Direction { return Direction{Kind: DirectionDown} }

func PercentageChange(bps int16) Direction {
	return Direction{Kind: DirectionPercentageChange, Bps: bps}
}

// Valid reports whether d is a well-formed direction.
func (d Direction) Valid() bool {
	switch d.Kind {
	case DirectionUp, DirectionDown:
		return d.Bps == 0
	case DirectionPercentageChange:
		return true
	default:
		return false
	}
}

// Config is the process-wide singleton. It is created once by Initialize
// and mutated only by admin-authorized operations.
type Config struct {
	Admin    string   `json:"admin"`
	Treasury string   `json:"treasury"`
	Keepers  []string `json:"keepers"`

	SingleAssetFeeBps uint16 `json:"single_asset_fee_bps"`
	GroupBattleFeeBps uint16 `json:"group_battle_fee_bps"`
	MinBetAmount      uint64 `json:"min_bet_amount"`

	BetCutoffWindow           time.Duration `json:"bet_cutoff_window"`
	MinTimeFactorBps          uint16        `json:"min_time_factor_bps"`
	MaxTimeFactorBps          uint16        `json:"max_time_factor_bps"`
	DefaultDirectionFactorBps uint16        `json:"default_direction_factor_bps"`
	MaxPriceAge               time.Duration `json:"max_price_age"`

	Status       ProgramStatus `json:"status"`
	RoundCounter uint64        `json:"round_counter"`
	Version      uint32        `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`

	Revision int64 `json:"revision"`
}

// FeeBps returns the fee rate applied to rounds of kind k.
func (c *Config) FeeBps(k MarketKind) uint16 {
	if k == GroupBattle {
		return c.GroupBattleFeeBps
	}
	return c.SingleAssetFeeBps
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Keepers = append([]string(nil), c.Keepers...)
	return &cp
}

// Round is one betting epoch with a scheduled window and a single payout
// event. Running aggregates are only ever moved by monotonic steps.
type Round struct {
	ID     uint64      `json:"id"`
	Kind   MarketKind  `json:"kind"`
	Status RoundStatus `json:"status"`

	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	BetCutoffTime time.Time `json:"bet_cutoff_time"`

	// FeedID is the oracle feed of a SingleAsset round.
	FeedID     string  `json:"feed_id,omitempty"`
	StartPrice *uint64 `json:"start_price,omitempty"`
	FinalPrice *uint64 `json:"final_price,omitempty"`

	TotalPool         uint64 `json:"total_pool"`
	TotalBets         uint64 `json:"total_bets"`
	NextBetID         uint64 `json:"next_bet_id"`
	TotalFeeCollected uint64 `json:"total_fee_collected"`
	TotalRewardPool   uint64 `json:"total_reward_pool"`
	WinnersWeight     uint64 `json:"winners_weight"`
	SettledBets       uint64 `json:"settled_bets"`
	CancelledBets     uint64 `json:"cancelled_bets"`
	FeeLocked         bool   `json:"fee_locked"`

	TotalGroups          uint64   `json:"total_groups"`
	StartFinalizedGroups uint64   `json:"start_finalized_groups"`
	WinnerGroupIDs       []uint64 `json:"winner_group_ids,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`

	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of r.
func (r *Round) Clone() *Round {
	cp := *r
	cp.StartPrice = cloneU64(r.StartPrice)
	cp.FinalPrice = cloneU64(r.FinalPrice)
	cp.WinnerGroupIDs = append([]uint64(nil), r.WinnerGroupIDs...)
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// Duration is the scheduled betting window in whole seconds.
func (r *Round) Duration() int64 {
	return int64(r.EndTime.Sub(r.StartTime) / time.Second)
}

// IsWinnerGroup reports whether groupID is in the round's winner set.
func (r *Round) IsWinnerGroup(groupID uint64) bool {
	for _, id := range r.WinnerGroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// GroupAsset is one competing basket of a GroupBattle round.
type GroupAsset struct {
	RoundID uint64 `json:"round_id"`
	ID      uint64 `json:"id"`
	Symbol  string `json:"symbol"`

	TotalAssets     uint64 `json:"total_assets"`
	CapturedStart   uint64 `json:"captured_start"`
	StartFinalized  bool   `json:"start_finalized"`
	CapturedEnd     uint64 `json:"captured_end"`
	FinalizedAssets uint64 `json:"finalized_assets"`

	TotalFinalPrice    uint64 `json:"total_final_price"`
	TotalGrowthRateBps int64  `json:"total_growth_rate_bps"`
	AvgGrowthRateBps   *int64 `json:"avg_growth_rate_bps,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Revision  int64     `json:"revision"`
}

// Clone returns a deep copy of g.
func (g *GroupAsset) Clone() *GroupAsset {
	cp := *g
	if g.AvgGrowthRateBps != nil {
		v := *g.AvgGrowthRateBps
		cp.AvgGrowthRateBps = &v
	}
	return &cp
}

// Asset is one member of a group. Every optional field is written at most
// once.
type Asset struct {
	RoundID uint64 `json:"round_id"`
	GroupID uint64 `json:"group_id"`
	ID      uint64 `json:"id"`
	FeedID  string `json:"feed_id"`
	Symbol  string `json:"symbol"`

	StartPrice    *uint64 `json:"start_price,omitempty"`
	FinalPrice    *uint64 `json:"final_price,omitempty"`
	GrowthRateBps *int64  `json:"growth_rate_bps,omitempty"`

	StartCapturedAt *time.Time `json:"start_captured_at,omitempty"`
	EndCapturedAt   *time.Time `json:"end_captured_at,omitempty"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`

	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of a.
func (a *Asset) Clone() *Asset {
	cp := *a
	cp.StartPrice = cloneU64(a.StartPrice)
	cp.FinalPrice = cloneU64(a.FinalPrice)
	if a.GrowthRateBps != nil {
		v := *a.GrowthRateBps
		cp.GrowthRateBps = &v
	}
	cp.StartCapturedAt = cloneTime(a.StartCapturedAt)
	cp.EndCapturedAt = cloneTime(a.EndCapturedAt)
	cp.FinalizedAt = cloneTime(a.FinalizedAt)
	return &cp
}

// Bet is one stake against a round.
type Bet struct {
	RoundID   uint64    `json:"round_id"`
	ID        uint64    `json:"id"`
	Bettor    string    `json:"bettor"`
	GroupID   *uint64   `json:"group_id,omitempty"`
	Amount    uint64    `json:"amount"`
	Direction Direction `json:"direction"`
	Weight    uint64    `json:"weight"`
	Status    BetStatus `json:"status"`
	Claimed   bool      `json:"claimed"`
	CreatedAt time.Time `json:"created_at"`

	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of b.
func (b *Bet) Clone() *Bet {
	cp := *b
	cp.GroupID = cloneU64(b.GroupID)
	return &cp
}

func cloneU64(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// U64 returns a pointer to v.
func U64(v uint64) *uint64 { return &v }
