// Package group aggregates per-asset prices of a GroupBattle round into
// group growth rates and selects the winning group set.
//
// Every step is a resumable, idempotent function over explicit progress
// counters stored in the records themselves: a price or growth rate that is
// already set is left alone, so a keeper may resubmit any batch safely.
// Functions mutate the records they are given; on error the caller must
// discard them.
package group

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/symbol"
)

// GroupRef is a caller-supplied group handle and the record loaded from it.
type GroupRef struct {
	Address address.Address
	Group   *model.GroupAsset
}

// AssetRef is a caller-supplied asset handle and the record loaded from it.
type AssetRef struct {
	Address address.Address
	Asset   *model.Asset
}

// AssetPrice pairs an asset handle with the normalized price read for it.
// Price is ignored for assets whose field is already set.
type AssetPrice struct {
	AssetRef
	Price uint64
}

var (
	bpsDec   = decimal.NewFromInt(model.HundredPercentBps)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

func requireSetup(r *model.Round) error {
	if r.Kind != model.GroupBattle {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidMarketKind, r.ID, r.Kind)
	}
	if r.Status != model.RoundScheduled {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidRoundStatus, r.ID, r.Status)
	}
	return nil
}

func requireEndPhase(r *model.Round, now time.Time) error {
	if r.Kind != model.GroupBattle {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidMarketKind, r.ID, r.Kind)
	}
	if r.Status != model.RoundActive {
		return fmt.Errorf("%w: round %d is %s", model.ErrInvalidRoundStatus, r.ID, r.Status)
	}
	if now.Before(r.EndTime) {
		return model.ErrRoundNotReady
	}
	if len(r.WinnerGroupIDs) > 0 {
		return model.ErrWinnersAlreadySet
	}
	return nil
}

// AddGroup appends a new group to a Scheduled round.
func AddGroup(r *model.Round, sym string, now time.Time) (*model.GroupAsset, error) {
	if err := requireSetup(r); err != nil {
		return nil, err
	}
	sym, err := symbol.Normalize(sym)
	if err != nil {
		return nil, err
	}
	if r.TotalGroups >= model.MaxGroupsPerRound {
		return nil, model.ErrTooManyGroups
	}
	r.TotalGroups++
	return &model.GroupAsset{
		RoundID:   r.ID,
		ID:        r.TotalGroups,
		Symbol:    sym,
		CreatedAt: now,
	}, nil
}

// AddAsset appends an asset to a group whose start prices are not yet
// finalized.
func AddAsset(r *model.Round, g *model.GroupAsset, feedID, sym string) (*model.Asset, error) {
	if err := requireSetup(r); err != nil {
		return nil, err
	}
	if g.RoundID != r.ID {
		return nil, model.ErrInvalidGroupAccount
	}
	if g.StartFinalized {
		return nil, fmt.Errorf("%w: group %d start prices already finalized", model.ErrInvalidRoundStatus, g.ID)
	}
	if g.TotalAssets >= model.MaxAssetsInGroup {
		return nil, model.ErrGroupFull
	}
	sym, err := symbol.Normalize(sym)
	if err != nil {
		return nil, err
	}
	if err := symbol.ValidateFeed(feedID); err != nil {
		return nil, err
	}
	g.TotalAssets++
	return &model.Asset{
		RoundID: r.ID,
		GroupID: g.ID,
		ID:      g.TotalAssets,
		FeedID:  feedID,
		Symbol:  sym,
	}, nil
}

// VerifyGroup checks that ref's record lives at the address derived from
// its own (round, id) and belongs to round roundID.
func VerifyGroup(roundID uint64, ref GroupRef) error {
	g := ref.Group
	if g == nil || g.RoundID != roundID || address.Group(g.RoundID, g.ID) != ref.Address {
		return fmt.Errorf("%w: %s", model.ErrInvalidGroupAccount, ref.Address)
	}
	return nil
}

// VerifyAsset checks that ref's record lives at its derived address and
// belongs to group g.
func VerifyAsset(g *model.GroupAsset, ref AssetRef) error {
	a := ref.Asset
	if a == nil || a.RoundID != g.RoundID || a.GroupID != g.ID ||
		address.Asset(a.RoundID, a.GroupID, a.ID) != ref.Address {
		return fmt.Errorf("%w: %s", model.ErrInvalidAssetAccount, ref.Address)
	}
	return nil
}

func checkAssetBatch(g *model.GroupAsset, refs []AssetRef) error {
	if len(refs) == 0 || len(refs) > model.MaxBatchSize {
		return fmt.Errorf("%w: %d", model.ErrInvalidBatchSize, len(refs))
	}
	seen := make(map[address.Address]bool, len(refs))
	for _, ref := range refs {
		if err := VerifyAsset(g, ref); err != nil {
			return err
		}
		if seen[ref.Address] {
			return fmt.Errorf("%w: %s", model.ErrDuplicateEntry, ref.Address)
		}
		seen[ref.Address] = true
	}
	return nil
}

func refsOf(prices []AssetPrice) []AssetRef {
	refs := make([]AssetRef, len(prices))
	for i, p := range prices {
		refs[i] = p.AssetRef
	}
	return refs
}

// CaptureStartPrices sets each unset start price in the batch and returns
// the assets it changed.
func CaptureStartPrices(r *model.Round, g *model.GroupAsset, batch []AssetPrice, now time.Time) ([]*model.Asset, error) {
	if err := requireSetup(r); err != nil {
		return nil, err
	}
	if g.RoundID != r.ID {
		return nil, model.ErrInvalidGroupAccount
	}
	if err := checkAssetBatch(g, refsOf(batch)); err != nil {
		return nil, err
	}

	var changed []*model.Asset
	for _, p := range batch {
		a := p.Asset
		if a.StartPrice != nil {
			continue
		}
		if p.Price == 0 {
			return nil, fmt.Errorf("%w: zero start price for asset %d", model.ErrInvalidAssetPrice, a.ID)
		}
		a.StartPrice = model.U64(p.Price)
		at := now
		a.StartCapturedAt = &at
		g.CapturedStart++
		changed = append(changed, a)
	}
	return changed, nil
}

// FinalizeStartGroups marks each group whose members all have a start
// price. Already-finalized groups are skipped.
func FinalizeStartGroups(r *model.Round, refs []GroupRef) ([]*model.GroupAsset, error) {
	if err := requireSetup(r); err != nil {
		return nil, err
	}
	if len(refs) == 0 || len(refs) > model.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidBatchSize, len(refs))
	}
	seen := make(map[address.Address]bool, len(refs))
	for _, ref := range refs {
		if err := VerifyGroup(r.ID, ref); err != nil {
			return nil, err
		}
		if seen[ref.Address] {
			return nil, fmt.Errorf("%w: %s", model.ErrDuplicateEntry, ref.Address)
		}
		seen[ref.Address] = true
	}

	var changed []*model.GroupAsset
	for _, ref := range refs {
		g := ref.Group
		if g.StartFinalized {
			continue
		}
		if g.TotalAssets == 0 {
			return nil, fmt.Errorf("%w: group %d", model.ErrGroupEmpty, g.ID)
		}
		if g.CapturedStart < g.TotalAssets {
			return nil, fmt.Errorf("%w: group %d has %d of %d", model.ErrStartNotCaptured, g.ID, g.CapturedStart, g.TotalAssets)
		}
		g.StartFinalized = true
		r.StartFinalizedGroups++
		changed = append(changed, g)
	}
	return changed, nil
}

// CaptureEndPrices sets each unset final price in the batch once the round
// has reached its end time.
func CaptureEndPrices(r *model.Round, g *model.GroupAsset, batch []AssetPrice, now time.Time) ([]*model.Asset, error) {
	if err := requireEndPhase(r, now); err != nil {
		return nil, err
	}
	if g.RoundID != r.ID {
		return nil, model.ErrInvalidGroupAccount
	}
	if err := checkAssetBatch(g, refsOf(batch)); err != nil {
		return nil, err
	}

	var changed []*model.Asset
	for _, p := range batch {
		a := p.Asset
		if a.FinalPrice != nil {
			continue
		}
		if a.StartPrice == nil {
			return nil, fmt.Errorf("%w: asset %d has no start price", model.ErrPriceNotCaptured, a.ID)
		}
		if p.Price == 0 {
			return nil, fmt.Errorf("%w: zero final price for asset %d", model.ErrInvalidAssetPrice, a.ID)
		}
		a.FinalPrice = model.U64(p.Price)
		at := now
		a.EndCapturedAt = &at
		g.CapturedEnd++
		changed = append(changed, a)
	}
	return changed, nil
}

// FinalizeEndGroupAssets computes the growth rate of each captured asset in
// the batch and folds it into the group totals. When the last member is
// folded in, the group's average growth rate is fixed.
func FinalizeEndGroupAssets(r *model.Round, g *model.GroupAsset, refs []AssetRef, now time.Time) ([]*model.Asset, error) {
	if err := requireEndPhase(r, now); err != nil {
		return nil, err
	}
	if g.RoundID != r.ID {
		return nil, model.ErrInvalidGroupAccount
	}
	if err := checkAssetBatch(g, refs); err != nil {
		return nil, err
	}

	var changed []*model.Asset
	for _, ref := range refs {
		a := ref.Asset
		if a.GrowthRateBps != nil {
			continue
		}
		if a.StartPrice == nil || a.FinalPrice == nil {
			return nil, fmt.Errorf("%w: asset %d", model.ErrPriceNotCaptured, a.ID)
		}
		rate, err := GrowthRateBps(*a.StartPrice, *a.FinalPrice)
		if err != nil {
			return nil, err
		}
		totalFinal := g.TotalFinalPrice + *a.FinalPrice
		if totalFinal < g.TotalFinalPrice {
			return nil, model.ErrOverflow
		}
		totalRate, err := addI64(g.TotalGrowthRateBps, rate)
		if err != nil {
			return nil, err
		}

		a.GrowthRateBps = &rate
		at := now
		a.FinalizedAt = &at
		g.TotalFinalPrice = totalFinal
		g.TotalGrowthRateBps = totalRate
		g.FinalizedAssets++
		changed = append(changed, a)
	}

	if g.FinalizedAssets == g.TotalAssets && g.TotalAssets > 0 && g.AvgGrowthRateBps == nil {
		// Integer division truncates toward zero for negative totals.
		avg := g.TotalGrowthRateBps / int64(g.FinalizedAssets)
		g.AvgGrowthRateBps = &avg
	}
	return changed, nil
}

// FinalizeEndGroups selects the winner set. It must see every group of the
// round exactly once, and runs only while the winner set is empty. Every
// group tied at the maximum average growth rate wins.
func FinalizeEndGroups(r *model.Round, refs []GroupRef, now time.Time) error {
	if err := requireEndPhase(r, now); err != nil {
		return err
	}
	if r.TotalGroups == 0 {
		return model.ErrNoGroups
	}
	if uint64(len(refs)) != r.TotalGroups {
		return fmt.Errorf("%w: got %d of %d", model.ErrIncompleteGroupSet, len(refs), r.TotalGroups)
	}

	seen := make(map[address.Address]bool, len(refs))
	var (
		best    int64
		winners []uint64
	)
	for i, ref := range refs {
		if err := VerifyGroup(r.ID, ref); err != nil {
			return err
		}
		if seen[ref.Address] {
			return fmt.Errorf("%w: %s", model.ErrDuplicateEntry, ref.Address)
		}
		seen[ref.Address] = true

		g := ref.Group
		if g.AvgGrowthRateBps == nil || g.FinalizedAssets < g.TotalAssets {
			return fmt.Errorf("%w: group %d", model.ErrGroupsNotFinalized, g.ID)
		}
		avg := *g.AvgGrowthRateBps
		switch {
		case i == 0 || avg > best:
			best = avg
			winners = append(winners[:0], g.ID)
		case avg == best:
			winners = append(winners, g.ID)
		}
	}

	if len(winners) > model.MaxWinnerGroupIDs {
		return fmt.Errorf("%w: %d tied", model.ErrTooManyWinners, len(winners))
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i] < winners[j] })
	r.WinnerGroupIDs = winners
	return nil
}

// IsFullDraw reports whether every group of r is in the winner set.
func IsFullDraw(r *model.Round) bool {
	return r.TotalGroups > 0 && uint64(len(r.WinnerGroupIDs)) >= r.TotalGroups
}

// GrowthRateBps returns (final - start) × 10000 / start, truncated toward
// zero. Results outside the int64 range fail with ErrOverflow.
func GrowthRateBps(start, final uint64) (int64, error) {
	if start == 0 {
		return 0, fmt.Errorf("%w: zero start price", model.ErrInvalidAssetPrice)
	}
	s := decU64(start)
	diff := decU64(final).Sub(s).Mul(bpsDec)
	q, _ := diff.QuoRem(s, 0)
	if q.GreaterThan(maxInt64) || q.LessThan(minInt64) {
		return 0, model.ErrOverflow
	}
	return q.IntPart(), nil
}

func decU64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func addI64(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, model.ErrOverflow
	}
	return s, nil
}
