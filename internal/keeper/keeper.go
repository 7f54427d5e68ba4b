// Package keeper drives rounds through their resumable phases.
//
// Every lifecycle step of a round (price capture, group finalization, start,
// settlement, refund batches) is a separate engine call over at most
// MaxBatchSize records. A Runner polls the store, works out the next step
// of each due round, and calls the engine until the round has nothing left
// to do. Failures are logged and retried on the next tick; the engine's
// progress counters make every retry safe.
package keeper

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/parimutuel-engine/internal/engine"
	"github.com/atmx/parimutuel-engine/internal/metrics"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// maxStepsPerRound bounds the engine calls spent on one round per tick.
const maxStepsPerRound = 256

// Config tunes a Runner.
type Config struct {
	// Signer is the keeper identity used for lifecycle and settlement calls.
	Signer string
	// AdminSigner, when set, lets the runner finish cancellations an admin
	// has started. Refund batches are admin-only.
	AdminSigner string
	Interval    time.Duration
	Concurrency int
	Now         func() time.Time
}

// Runner advances due rounds on every tick.
type Runner struct {
	eng *engine.Engine
	cfg Config
}

// New creates a runner over eng.
func New(eng *engine.Engine, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{eng: eng, cfg: cfg}
}

// Run ticks until ctx is done.
func (k *Runner) Run(ctx context.Context) error {
	slog.Info("keeper started", "signer", k.cfg.Signer, "interval", k.cfg.Interval, "concurrency", k.cfg.Concurrency)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := k.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Error("keeper tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick advances every due round once. Rounds are independent and run
// concurrently; the engine serializes calls on the same round.
func (k *Runner) Tick(ctx context.Context) error {
	rounds, err := k.eng.Store().Rounds(ctx)
	if err != nil {
		return err
	}
	now := k.cfg.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, r := range rounds {
		if !k.due(r, now) {
			continue
		}
		id := r.ID
		g.Go(func() error {
			k.advance(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (k *Runner) due(r *model.Round, now time.Time) bool {
	switch r.Status {
	case model.RoundScheduled:
		return !now.Before(r.StartTime)
	case model.RoundActive, model.RoundPendingSettlement:
		return !now.Before(r.EndTime)
	case model.RoundCancelling:
		return k.cfg.AdminSigner != ""
	default:
		return false
	}
}

// advance runs steps on one round until it is idle or a step fails.
func (k *Runner) advance(ctx context.Context, roundID uint64) {
	for i := 0; i < maxStepsPerRound; i++ {
		if ctx.Err() != nil {
			return
		}
		r, err := k.eng.Store().Round(ctx, roundID)
		if err != nil {
			// A closed cancellation deletes the round.
			return
		}
		step, err := k.step(ctx, r)
		if step == "" {
			return
		}
		outcome := "ok"
		if err != nil {
			outcome = string(model.ClassOf(err))
			if outcome == "" {
				outcome = "internal"
			}
		}
		metrics.KeeperSteps.WithLabelValues(step, outcome).Inc()
		if err != nil {
			slog.Warn("keeper step failed", "round", roundID, "step", step, "err", err)
			return
		}
	}
	slog.Warn("keeper step budget exhausted", "round", roundID)
}

// step performs the next engine call for r and names it. An empty name
// means the round has nothing to do right now.
func (k *Runner) step(ctx context.Context, r *model.Round) (string, error) {
	now := k.cfg.Now()
	switch r.Status {
	case model.RoundScheduled:
		if now.Before(r.StartTime) {
			return "", nil
		}
		if r.Kind == model.GroupBattle {
			if name, err := k.prepareStart(ctx, r); name != "" {
				return name, err
			}
		}
		_, err := k.eng.StartRound(ctx, k.cfg.Signer, r.ID)
		return "start_round", err

	case model.RoundActive, model.RoundPendingSettlement:
		if now.Before(r.EndTime) {
			return "", nil
		}
		if r.Kind == model.GroupBattle && len(r.WinnerGroupIDs) == 0 {
			if name, err := k.prepareEnd(ctx, r); name != "" {
				return name, err
			}
		}
		bets, err := k.eng.PendingBets(ctx, r.ID, model.MaxBatchSize)
		if err != nil {
			return "settle_round", err
		}
		_, err = k.eng.SettleRound(ctx, k.cfg.Signer, r.ID, engine.BetAddresses(bets))
		return "settle_round", err

	case model.RoundCancelling:
		if k.cfg.AdminSigner == "" {
			return "", nil
		}
		bets, err := k.eng.PendingBets(ctx, r.ID, model.MaxBatchSize)
		if err != nil {
			return "cancel_round", err
		}
		_, err = k.eng.CancelRound(ctx, k.cfg.AdminSigner, r.ID, engine.BetAddresses(bets))
		return "cancel_round", err
	}
	return "", nil
}

// prepareStart captures missing start prices, then finalizes groups. It
// returns "" once every group is finalized.
func (k *Runner) prepareStart(ctx context.Context, r *model.Round) (string, error) {
	groups, err := k.eng.Store().Groups(ctx, r.ID)
	if err != nil {
		return "load_groups", err
	}
	var open []*model.GroupAsset
	for _, g := range groups {
		if g.StartFinalized {
			continue
		}
		open = append(open, g)
		if g.CapturedStart < g.TotalAssets {
			assets, err := k.eng.Store().Assets(ctx, r.ID, g.ID)
			if err != nil {
				return "load_assets", err
			}
			var missing []*model.Asset
			for _, a := range assets {
				if a.StartPrice == nil {
					missing = append(missing, a)
				}
			}
			_, err = k.eng.CaptureStartPrices(ctx, k.cfg.Signer, r.ID, g.ID, engine.AssetAddresses(batch(missing)))
			return "capture_start_prices", err
		}
	}
	if len(open) == 0 {
		return "", nil
	}
	_, err = k.eng.FinalizeStartGroups(ctx, k.cfg.Signer, r.ID, engine.GroupAddresses(batch(open)))
	return "finalize_start_groups", err
}

// prepareEnd captures final prices, folds growth rates, and selects the
// winner set. It returns "" once winners are set.
func (k *Runner) prepareEnd(ctx context.Context, r *model.Round) (string, error) {
	groups, err := k.eng.Store().Groups(ctx, r.ID)
	if err != nil {
		return "load_groups", err
	}
	for _, g := range groups {
		if g.AvgGrowthRateBps != nil {
			continue
		}
		assets, err := k.eng.Store().Assets(ctx, r.ID, g.ID)
		if err != nil {
			return "load_assets", err
		}
		var uncaptured, unfolded []*model.Asset
		for _, a := range assets {
			switch {
			case a.FinalPrice == nil:
				uncaptured = append(uncaptured, a)
			case a.GrowthRateBps == nil:
				unfolded = append(unfolded, a)
			}
		}
		if len(uncaptured) > 0 {
			_, err = k.eng.CaptureEndPrices(ctx, k.cfg.Signer, r.ID, g.ID, engine.AssetAddresses(batch(uncaptured)))
			return "capture_end_prices", err
		}
		_, err = k.eng.FinalizeEndGroupAssets(ctx, k.cfg.Signer, r.ID, g.ID, engine.AssetAddresses(batch(unfolded)))
		return "finalize_end_group_assets", err
	}
	_, err = k.eng.FinalizeEndGroups(ctx, k.cfg.Signer, r.ID, engine.GroupAddresses(groups))
	return "finalize_end_groups", err
}

func batch[T any](xs []T) []T {
	if len(xs) > model.MaxBatchSize {
		return xs[:model.MaxBatchSize]
	}
	return xs
}
