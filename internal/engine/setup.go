package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/events"
	"github.com/atmx/parimutuel-engine/internal/group"
	"github.com/atmx/parimutuel-engine/internal/metrics"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/oracle"
	"github.com/atmx/parimutuel-engine/internal/program"
	"github.com/atmx/parimutuel-engine/internal/round"
	"github.com/atmx/parimutuel-engine/internal/store"
)

// CreateRound schedules a new round and advances the round counter.
func (e *Engine) CreateRound(ctx context.Context, signer string, p round.CreateParams) (*model.Round, error) {
	var r *model.Round
	err := e.run(ctx, "create_round", store.ConfigLockKey, func() error {
		cfg, err := e.config(ctx)
		if err != nil {
			return err
		}
		if err := program.RequireAdmin(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireActive(cfg); err != nil {
			return err
		}
		next, err := round.Create(cfg, p, e.now())
		if err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutConfig(cfg)
		cs.PutRound(next)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		r = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RoundTransitions.WithLabelValues(string(r.Status)).Inc()
	slog.Info("round created",
		"round", r.ID,
		"kind", r.Kind,
		"start", r.StartTime,
		"end", r.EndTime,
		"cutoff", r.BetCutoffTime,
	)
	ev := e.event(events.RoundCreated, r.ID)
	ev.Status = string(r.Status)
	ev.Actor = signer
	e.publish(ctx, ev)
	return r, nil
}

// StartRound activates a Scheduled round once its start time is reached.
// A SingleAsset round reads its start price from the oracle.
func (e *Engine) StartRound(ctx context.Context, signer string, roundID uint64) (*model.Round, error) {
	var out *model.Round
	err := e.withRound(ctx, "start_round", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireActive(cfg); err != nil {
			return err
		}
		now := e.now()
		var price uint64
		if r.Kind == model.SingleAsset && r.Status == model.RoundScheduled && !now.Before(r.StartTime) {
			p, err := oracle.ReadNormalized(ctx, e.oracle, r.FeedID, cfg.MaxPriceAge)
			if err != nil {
				return err
			}
			price = p
		}
		if err := round.Start(r, price, now); err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutRound(r)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RoundTransitions.WithLabelValues(string(out.Status)).Inc()
	attrs := []any{"round", out.ID, "kind", out.Kind}
	if out.StartPrice != nil {
		attrs = append(attrs, "start_price", *out.StartPrice)
	}
	slog.Info("round started", attrs...)
	ev := e.event(events.RoundStarted, out.ID)
	ev.Status = string(out.Status)
	e.publish(ctx, ev)
	return out, nil
}

// AddGroup appends a group to a Scheduled GroupBattle round.
func (e *Engine) AddGroup(ctx context.Context, signer string, roundID uint64, sym string) (*model.GroupAsset, error) {
	var g *model.GroupAsset
	err := e.withRound(ctx, "add_group", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireAdmin(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		next, err := group.AddGroup(r, sym, e.now())
		if err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutRound(r)
		cs.PutGroup(next)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		g = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("group added", "round", roundID, "group", g.ID, "symbol", g.Symbol)
	ev := e.event(events.GroupAdded, roundID)
	ev.GroupID = g.ID
	e.publish(ctx, ev)
	return g, nil
}

// AddAsset appends an asset to a group of a Scheduled GroupBattle round.
func (e *Engine) AddAsset(ctx context.Context, signer string, roundID, groupID uint64, feedID, sym string) (*model.Asset, error) {
	var a *model.Asset
	err := e.withRound(ctx, "add_asset", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireAdmin(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		g, err := e.loadGroup(ctx, roundID, groupID)
		if err != nil {
			return err
		}
		next, err := group.AddAsset(r, g, feedID, sym)
		if err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutGroup(g)
		cs.PutAsset(next)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		a = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("asset added", "round", roundID, "group", groupID, "asset", a.ID, "symbol", a.Symbol, "feed", a.FeedID)
	ev := e.event(events.AssetAdded, roundID)
	ev.GroupID = groupID
	e.publish(ctx, ev)
	return a, nil
}

// priceStep is a group capture step: CaptureStartPrices or CaptureEndPrices.
type priceStep func(r *model.Round, g *model.GroupAsset, batch []group.AssetPrice, now time.Time) ([]*model.Asset, error)

// CaptureStartPrices reads the oracle for each listed asset of a group that
// has no start price yet. Assets already captured are skipped.
func (e *Engine) CaptureStartPrices(ctx context.Context, signer string, roundID, groupID uint64, assets []address.Address) ([]*model.Asset, error) {
	return e.capture(ctx, "capture_start_prices", events.StartPricesCaptured, signer, roundID, groupID, assets,
		func(a *model.Asset) bool { return a.StartPrice == nil },
		group.CaptureStartPrices)
}

// CaptureEndPrices reads the oracle for each listed asset of a group that
// has no final price yet. The round must have reached its end time.
func (e *Engine) CaptureEndPrices(ctx context.Context, signer string, roundID, groupID uint64, assets []address.Address) ([]*model.Asset, error) {
	return e.capture(ctx, "capture_end_prices", events.EndPricesCaptured, signer, roundID, groupID, assets,
		func(a *model.Asset) bool { return a.FinalPrice == nil },
		group.CaptureEndPrices)
}

func (e *Engine) capture(ctx context.Context, op string, t events.Type, signer string, roundID, groupID uint64, assets []address.Address, needs func(*model.Asset) bool, step priceStep) ([]*model.Asset, error) {
	var changed []*model.Asset
	err := e.withRound(ctx, op, roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		g, err := e.loadGroup(ctx, roundID, groupID)
		if err != nil {
			return err
		}
		refs, err := e.assetRefs(ctx, assets)
		if err != nil {
			return err
		}

		batch := make([]group.AssetPrice, len(refs))
		for i, ref := range refs {
			batch[i].AssetRef = ref
			// Oracle reads only for assets the step will write; the step
			// still verifies every handle.
			if ref.Asset.RoundID != roundID || ref.Asset.GroupID != groupID || !needs(ref.Asset) {
				continue
			}
			p, err := oracle.ReadNormalized(ctx, e.oracle, ref.Asset.FeedID, cfg.MaxPriceAge)
			if err != nil {
				return err
			}
			batch[i].Price = p
		}

		changed, err = step(r, g, batch, e.now())
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		var cs store.ChangeSet
		cs.PutGroup(g)
		for _, a := range changed {
			cs.PutAsset(a)
		}
		return e.commit(ctx, &cs)
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		slog.Info("asset prices captured", "op", op, "round", roundID, "group", groupID, "count", len(changed))
		ev := e.event(t, roundID)
		ev.GroupID = groupID
		ev.Count = len(changed)
		e.publish(ctx, ev)
	}
	return changed, nil
}

// FinalizeStartGroups marks groups whose every asset has a start price.
// Once every group is finalized the round can start.
func (e *Engine) FinalizeStartGroups(ctx context.Context, signer string, roundID uint64, groups []address.Address) ([]*model.GroupAsset, error) {
	var changed []*model.GroupAsset
	err := e.withRound(ctx, "finalize_start_groups", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		refs, err := e.groupRefs(ctx, groups, model.MaxBatchSize)
		if err != nil {
			return err
		}
		changed, err = group.FinalizeStartGroups(r, refs)
		if err != nil || len(changed) == 0 {
			return err
		}
		var cs store.ChangeSet
		cs.PutRound(r)
		for _, g := range changed {
			cs.PutGroup(g)
		}
		return e.commit(ctx, &cs)
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		slog.Info("groups start finalized", "round", roundID, "count", len(changed))
		ev := e.event(events.GroupsStartFinalized, roundID)
		ev.Count = len(changed)
		e.publish(ctx, ev)
	}
	return changed, nil
}

// FinalizeEndGroupAssets folds each captured asset's growth rate into its
// group. The group average is fixed when its last asset is folded in.
func (e *Engine) FinalizeEndGroupAssets(ctx context.Context, signer string, roundID, groupID uint64, assets []address.Address) ([]*model.Asset, error) {
	var (
		changed []*model.Asset
		g       *model.GroupAsset
	)
	err := e.withRound(ctx, "finalize_end_group_assets", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		var err error
		g, err = e.loadGroup(ctx, roundID, groupID)
		if err != nil {
			return err
		}
		refs, err := e.assetRefs(ctx, assets)
		if err != nil {
			return err
		}
		changed, err = group.FinalizeEndGroupAssets(r, g, refs, e.now())
		if err != nil || len(changed) == 0 {
			return err
		}
		var cs store.ChangeSet
		cs.PutGroup(g)
		for _, a := range changed {
			cs.PutAsset(a)
		}
		return e.commit(ctx, &cs)
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		attrs := []any{"round", roundID, "group", groupID, "count", len(changed)}
		if g.AvgGrowthRateBps != nil {
			attrs = append(attrs, "avg_growth_bps", *g.AvgGrowthRateBps)
		}
		slog.Info("group assets finalized", attrs...)
		ev := e.event(events.GroupAssetsFinalized, roundID)
		ev.GroupID = groupID
		ev.Count = len(changed)
		e.publish(ctx, ev)
	}
	return changed, nil
}

// FinalizeEndGroups selects the winner set from every group of the round.
func (e *Engine) FinalizeEndGroups(ctx context.Context, signer string, roundID uint64, groups []address.Address) (*model.Round, error) {
	var out *model.Round
	err := e.withRound(ctx, "finalize_end_groups", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		refs, err := e.groupRefs(ctx, groups, model.MaxGroupsPerRound)
		if err != nil {
			return err
		}
		if err := group.FinalizeEndGroups(r, refs, e.now()); err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutRound(r)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("winner groups selected", "round", roundID, "winners", out.WinnerGroupIDs, "full_draw", group.IsFullDraw(out))
	ev := e.event(events.WinnerGroupsSelected, roundID)
	ev.Count = len(out.WinnerGroupIDs)
	e.publish(ctx, ev)
	return out, nil
}
