package engine

import (
	"testing"
	"time"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/round"
	"github.com/atmx/parimutuel-engine/internal/vault"
)

type basket struct {
	symbol string
	assets [][2]string // symbol, feed
}

var baskets = []basket{
	{"METALS", [][2]string{{"XAU", "pyth:XAU/USD"}, {"XAG", "pyth:XAG/USD"}}},
	{"CRYPTO", [][2]string{{"BTC", "pyth:BTC/USD"}, {"ETH", "pyth:ETH/USD"}}},
}

// groupRound schedules a GroupBattle round with the two baskets above and
// returns it with the assets of each group.
func (env *testEnv) groupRound() (*model.Round, map[uint64][]*model.Asset) {
	env.t.Helper()
	r, err := env.eng.CreateRound(ctx, admin, round.CreateParams{
		Kind:      model.GroupBattle,
		StartTime: env.now.Add(time.Minute),
		EndTime:   env.now.Add(61 * time.Minute),
	})
	if err != nil {
		env.t.Fatalf("create round: %v", err)
	}
	assets := make(map[uint64][]*model.Asset)
	for _, b := range baskets {
		g, err := env.eng.AddGroup(ctx, admin, r.ID, b.symbol)
		if err != nil {
			env.t.Fatalf("add group: %v", err)
		}
		for _, as := range b.assets {
			a, err := env.eng.AddAsset(ctx, admin, r.ID, g.ID, as[1], as[0])
			if err != nil {
				env.t.Fatalf("add asset: %v", err)
			}
			assets[g.ID] = append(assets[g.ID], a)
		}
	}
	return env.round(r.ID), assets
}

func (env *testEnv) setPrices(prices map[string]int64) {
	for feed, v := range prices {
		env.setPrice(feed, v)
	}
}

func (env *testEnv) groupAddresses(roundID uint64) []address.Address {
	env.t.Helper()
	groups, err := env.eng.Store().Groups(ctx, roundID)
	if err != nil {
		env.t.Fatalf("groups: %v", err)
	}
	return GroupAddresses(groups)
}

func (env *testEnv) startGroupRound(r *model.Round, assets map[uint64][]*model.Asset) {
	env.t.Helper()
	env.now = r.StartTime
	env.setPrices(map[string]int64{
		"pyth:XAU/USD": 2000, "pyth:XAG/USD": 25,
		"pyth:BTC/USD": 60000, "pyth:ETH/USD": 3000,
	})
	for gid, as := range assets {
		if _, err := env.eng.CaptureStartPrices(ctx, keeper, r.ID, gid, AssetAddresses(as)); err != nil {
			env.t.Fatalf("capture start group %d: %v", gid, err)
		}
	}
	if _, err := env.eng.FinalizeStartGroups(ctx, keeper, r.ID, env.groupAddresses(r.ID)); err != nil {
		env.t.Fatalf("finalize start: %v", err)
	}
	if _, err := env.eng.StartRound(ctx, keeper, r.ID); err != nil {
		env.t.Fatalf("start: %v", err)
	}
}

func (env *testEnv) finishGroupRound(r *model.Round, assets map[uint64][]*model.Asset, end map[string]int64) *model.Round {
	env.t.Helper()
	env.now = r.EndTime
	env.setPrices(end)
	for gid, as := range assets {
		if _, err := env.eng.CaptureEndPrices(ctx, keeper, r.ID, gid, AssetAddresses(as)); err != nil {
			env.t.Fatalf("capture end group %d: %v", gid, err)
		}
		if _, err := env.eng.FinalizeEndGroupAssets(ctx, keeper, r.ID, gid, AssetAddresses(as)); err != nil {
			env.t.Fatalf("finalize assets group %d: %v", gid, err)
		}
	}
	out, err := env.eng.FinalizeEndGroups(ctx, keeper, r.ID, env.groupAddresses(r.ID))
	if err != nil {
		env.t.Fatalf("finalize groups: %v", err)
	}
	return out
}

func TestGroupBattle_FullLifecycle(t *testing.T) {
	env := newEnv(t)
	r, assets := env.groupRound()
	env.startGroupRound(r, assets)

	metals, crypto := uint64(1), uint64(2)
	alice := env.bet("alice", r.ID, 100, model.Up(), &metals)
	bob := env.bet("bob", r.ID, 300, model.Up(), &crypto)

	// METALS: +5% and flat, average +250 bps. CRYPTO: -5% and flat, -250.
	ended := env.finishGroupRound(r, assets, map[string]int64{
		"pyth:XAU/USD": 2100, "pyth:XAG/USD": 25,
		"pyth:BTC/USD": 57000, "pyth:ETH/USD": 3000,
	})
	if len(ended.WinnerGroupIDs) != 1 || ended.WinnerGroupIDs[0] != metals {
		t.Fatalf("expected METALS to win, got %v", ended.WinnerGroupIDs)
	}
	g, _ := env.eng.Store().Group(ctx, r.ID, metals)
	if g.AvgGrowthRateBps == nil || *g.AvgGrowthRateBps != 250 {
		t.Errorf("expected average +250 bps, got %v", g.AvgGrowthRateBps)
	}

	res, err := env.eng.SettleRound(ctx, keeper, r.ID, env.pending(r.ID))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Ended || res.Fee != 20 {
		t.Fatalf("expected ended with fee 20, got %+v", res)
	}

	got, err := env.eng.ClaimReward(ctx, "alice", r.ID, alice.ID)
	if err != nil || got != 380 {
		t.Fatalf("alice claim: got %d, %v; want 380", got, err)
	}
	_, err = env.eng.ClaimReward(ctx, "bob", r.ID, bob.ID)
	wantErr(t, err, model.ErrClaimLosingBet)
	if env.balance(vault.Account(r.ID)) != 0 || env.balance(treasury) != 20 {
		t.Errorf("expected drained vault and fee 20, got vault=%d treasury=%d",
			env.balance(vault.Account(r.ID)), env.balance(treasury))
	}
}

func TestGroupBattle_FullDrawRefundsStakes(t *testing.T) {
	env := newEnv(t)
	r, assets := env.groupRound()
	env.startGroupRound(r, assets)

	metals, crypto := uint64(1), uint64(2)
	alice := env.bet("alice", r.ID, 100, model.Up(), &metals)
	bob := env.bet("bob", r.ID, 300, model.Up(), &crypto)

	// Both baskets average +250 bps.
	env.finishGroupRound(r, assets, map[string]int64{
		"pyth:XAU/USD": 2100, "pyth:XAG/USD": 25,
		"pyth:BTC/USD": 63000, "pyth:ETH/USD": 3000,
	})
	res, err := env.eng.SettleRound(ctx, keeper, r.ID, env.pending(r.ID))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Fee != 0 {
		t.Errorf("expected no fee on a full draw, got %d", res.Fee)
	}
	for _, b := range []*model.Bet{alice, bob} {
		got, err := env.eng.ClaimReward(ctx, b.Bettor, r.ID, b.ID)
		if err != nil || got != b.Amount {
			t.Errorf("%s: expected %d back, got %d, %v", b.Bettor, b.Amount, got, err)
		}
	}
}

func TestGroupBattle_Gates(t *testing.T) {
	env := newEnv(t)
	r, assets := env.groupRound()

	// Starting needs finalized groups.
	env.now = r.StartTime
	_, err := env.eng.StartRound(ctx, keeper, r.ID)
	wantErr(t, err, model.ErrGroupsNotFinalized)

	_, err = env.eng.FinalizeStartGroups(ctx, keeper, r.ID, env.groupAddresses(r.ID))
	wantErr(t, err, model.ErrStartNotCaptured)

	// Capture is keeper-only and idempotent.
	env.setPrices(map[string]int64{"pyth:XAU/USD": 2000, "pyth:XAG/USD": 25})
	_, err = env.eng.CaptureStartPrices(ctx, admin, r.ID, 1, AssetAddresses(assets[1]))
	wantErr(t, err, model.ErrUnauthorizedKeeper)
	changed, err := env.eng.CaptureStartPrices(ctx, keeper, r.ID, 1, AssetAddresses(assets[1]))
	if err != nil || len(changed) != 2 {
		t.Fatalf("capture: %d changed, %v", len(changed), err)
	}
	changed, err = env.eng.CaptureStartPrices(ctx, keeper, r.ID, 1, AssetAddresses(assets[1]))
	if err != nil || len(changed) != 0 {
		t.Fatalf("repeat capture: %d changed, %v", len(changed), err)
	}

	// Assets of another group are foreign handles.
	_, err = env.eng.CaptureStartPrices(ctx, keeper, r.ID, 1, AssetAddresses(assets[2]))
	wantErr(t, err, model.ErrInvalidAssetAccount)

	// A missing feed surfaces as an external failure.
	_, err = env.eng.CaptureStartPrices(ctx, keeper, r.ID, 2, AssetAddresses(assets[2]))
	wantErr(t, err, model.ErrPriceUnavailable)

	// Groups cannot be added once the round is running.
	env.startGroupRound(r, assets)
	_, err = env.eng.AddGroup(ctx, admin, r.ID, "FX")
	wantErr(t, err, model.ErrInvalidRoundStatus)

	// Winners can only be selected after end time, from every group.
	_, err = env.eng.FinalizeEndGroups(ctx, keeper, r.ID, env.groupAddresses(r.ID))
	wantErr(t, err, model.ErrRoundNotReady)
	env.now = r.EndTime
	_, err = env.eng.FinalizeEndGroups(ctx, keeper, r.ID, env.groupAddresses(r.ID)[:1])
	wantErr(t, err, model.ErrIncompleteGroupSet)

	// Settlement waits for the winner set.
	_, err = env.eng.SettleRound(ctx, keeper, r.ID, nil)
	wantErr(t, err, model.ErrWinnersNotSet)
}

func TestCancelRound_DeletesGroupsAndAssets(t *testing.T) {
	env := newEnv(t)
	r, _ := env.groupRound()

	res, err := env.eng.CancelRound(ctx, admin, r.ID, nil)
	if err != nil || !res.Closed {
		t.Fatalf("cancel: %+v, %v", res, err)
	}
	groups, _ := env.eng.Store().Groups(ctx, r.ID)
	assets, _ := env.eng.Store().Assets(ctx, r.ID, 1)
	if len(groups) != 0 || len(assets) != 0 {
		t.Errorf("expected groups and assets removed, got %d and %d", len(groups), len(assets))
	}
}
