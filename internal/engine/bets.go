package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/events"
	"github.com/atmx/parimutuel-engine/internal/metrics"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/oracle"
	"github.com/atmx/parimutuel-engine/internal/payout"
	"github.com/atmx/parimutuel-engine/internal/program"
	"github.com/atmx/parimutuel-engine/internal/round"
	"github.com/atmx/parimutuel-engine/internal/settlement"
	"github.com/atmx/parimutuel-engine/internal/store"
	"github.com/atmx/parimutuel-engine/internal/vault"
)

// BetRequest is a stake placed by the signer.
type BetRequest struct {
	Amount    uint64          `json:"amount"`
	Direction model.Direction `json:"direction"`
	GroupID   *uint64         `json:"group_id,omitempty"`
}

// PlaceBet weighs a stake, moves it from the signer into the round vault
// and records the bet.
func (e *Engine) PlaceBet(ctx context.Context, signer string, roundID uint64, req BetRequest) (*model.Bet, error) {
	var (
		b    *model.Bet
		kind model.MarketKind
	)
	err := e.withRound(ctx, "place_bet", roundID, func(cfg *model.Config, r *model.Round) error {
		if signer == "" {
			return model.ErrUnauthorized
		}
		if err := program.RequireActive(cfg); err != nil {
			return err
		}
		var g *model.GroupAsset
		if req.GroupID != nil {
			loaded, err := e.store.Group(ctx, roundID, *req.GroupID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				return fmt.Errorf("%w: group %d not in round %d", model.ErrInvalidGroup, *req.GroupID, roundID)
			case err != nil:
				return err
			}
			g = loaded
		}

		next, err := round.PlaceBet(cfg, r, g, round.BetParams{
			Bettor:    signer,
			Amount:    req.Amount,
			Direction: req.Direction,
			GroupID:   req.GroupID,
		}, e.now())
		if err != nil {
			return err
		}

		err = e.transact(ctx, func(j *vault.Journal) (*store.ChangeSet, error) {
			if err := j.Transfer(ctx, signer, vault.Account(roundID), next.Amount); err != nil {
				return nil, err
			}
			var cs store.ChangeSet
			cs.PutRound(r)
			cs.PutBet(next)
			return &cs, nil
		})
		if err != nil {
			return err
		}
		b, kind = next, r.Kind
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(string(kind)).Inc()
	metrics.StakedVolume.WithLabelValues(string(kind)).Add(float64(b.Amount))
	slog.Info("bet placed",
		"round", roundID,
		"bet", b.ID,
		"bettor", signer,
		"amount", b.Amount,
		"direction", b.Direction.Kind,
		"weight", b.Weight,
	)
	ev := e.event(events.BetPlaced, roundID)
	ev.BetID = b.ID
	ev.Actor = signer
	ev.Amount = b.Amount
	if b.GroupID != nil {
		ev.GroupID = *b.GroupID
	}
	e.publish(ctx, ev)
	return b, nil
}

// WithdrawBet returns a pending stake to its owner while betting is open.
// The bet record is removed; its id is never reused.
func (e *Engine) WithdrawBet(ctx context.Context, signer string, roundID, betID uint64) (uint64, error) {
	var amount uint64
	err := e.withRound(ctx, "withdraw_bet", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireActive(cfg); err != nil {
			return err
		}
		b, err := e.store.Bet(ctx, roundID, betID)
		if err != nil {
			return fmt.Errorf("bet %d: %w", betID, err)
		}
		amt, err := payout.Withdraw(r, b, signer, e.now())
		if err != nil {
			return err
		}

		err = e.transact(ctx, func(j *vault.Journal) (*store.ChangeSet, error) {
			if err := j.Transfer(ctx, vault.Account(roundID), signer, amt); err != nil {
				return nil, err
			}
			var cs store.ChangeSet
			cs.PutRound(r)
			cs.DeleteBet(b)
			return &cs, nil
		})
		if err != nil {
			return err
		}
		amount = amt
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.Payouts.WithLabelValues("withdraw").Add(float64(amount))
	slog.Info("bet withdrawn", "round", roundID, "bet", betID, "bettor", signer, "amount", amount)
	ev := e.event(events.BetWithdrawn, roundID)
	ev.BetID = betID
	ev.Actor = signer
	ev.Amount = amount
	e.publish(ctx, ev)
	return amount, nil
}

// SettleRound resolves one batch of pending bets. The first batch locks the
// fee and moves it to the treasury; the batch that settles the last bet
// ends the round. A round without bets ends on its first call with an empty
// batch.
func (e *Engine) SettleRound(ctx context.Context, signer string, roundID uint64, bets []address.Address) (*settlement.Result, error) {
	var (
		res *settlement.Result
		out *model.Round
	)
	err := e.withRound(ctx, "settle_round", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireKeeper(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireActive(cfg); err != nil {
			return err
		}

		// An empty batch is left to the step, which rejects it after its
		// status checks.
		var refs []round.BetRef
		if r.TotalBets > 0 && len(bets) > 0 {
			var err error
			if refs, err = e.betRefs(ctx, bets); err != nil {
				return err
			}
		}

		now := e.now()
		var err error
		switch r.Kind {
		case model.SingleAsset:
			var final uint64
			settleable := r.Status == model.RoundActive || r.Status == model.RoundPendingSettlement
			if r.FinalPrice == nil && settleable && !now.Before(r.EndTime) {
				if final, err = oracle.ReadNormalized(ctx, e.oracle, r.FeedID, cfg.MaxPriceAge); err != nil {
					return err
				}
			}
			res, err = settlement.SettleSingle(cfg, r, final, refs, now)
		default:
			res, err = settlement.SettleGroup(cfg, r, refs, now)
		}
		if err != nil {
			return err
		}

		err = e.transact(ctx, func(j *vault.Journal) (*store.ChangeSet, error) {
			if res.Fee > 0 {
				if err := j.Transfer(ctx, vault.Account(roundID), cfg.Treasury, res.Fee); err != nil {
					return nil, err
				}
			}
			var cs store.ChangeSet
			cs.PutRound(r)
			for _, b := range res.Settled {
				cs.PutBet(b)
			}
			return &cs, nil
		})
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	won, lost, draw := res.Counts()
	metrics.BetsSettled.WithLabelValues(string(model.BetWon)).Add(float64(won))
	metrics.BetsSettled.WithLabelValues(string(model.BetLost)).Add(float64(lost))
	metrics.BetsSettled.WithLabelValues(string(model.BetDraw)).Add(float64(draw))
	if res.Fee > 0 {
		metrics.Payouts.WithLabelValues("fee").Add(float64(res.Fee))
	}
	metrics.RoundTransitions.WithLabelValues(string(out.Status)).Inc()
	slog.Info("settlement batch applied",
		"round", roundID,
		"settled", out.SettledBets,
		"total", out.TotalBets,
		"won", won,
		"lost", lost,
		"draw", draw,
		"fee", res.Fee,
		"status", out.Status,
	)

	if len(res.Settled) > 0 {
		ev := e.event(events.BetsSettled, roundID)
		ev.Count = len(res.Settled)
		ev.Amount = res.Fee
		e.publish(ctx, ev)
	}
	if res.Ended {
		ev := e.event(events.RoundEnded, roundID)
		ev.Status = string(out.Status)
		ev.Amount = out.TotalRewardPool
		e.publish(ctx, ev)
	}
	return res, nil
}

// ClaimReward pays a settled bet its share of the reward pool, or its stake
// back on a draw. Each bet is paid at most once.
func (e *Engine) ClaimReward(ctx context.Context, signer string, roundID, betID uint64) (uint64, error) {
	var (
		amount uint64
		status model.BetStatus
	)
	err := e.withRound(ctx, "claim_reward", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		b, err := e.store.Bet(ctx, roundID, betID)
		if err != nil {
			return fmt.Errorf("bet %d: %w", betID, err)
		}
		amt, err := payout.Claim(r, b, signer)
		if err != nil {
			return err
		}

		err = e.transact(ctx, func(j *vault.Journal) (*store.ChangeSet, error) {
			if err := j.Transfer(ctx, vault.Account(roundID), signer, amt); err != nil {
				return nil, err
			}
			var cs store.ChangeSet
			cs.PutBet(b)
			return &cs, nil
		})
		if err != nil {
			return err
		}
		amount, status = amt, b.Status
		return nil
	})
	if err != nil {
		return 0, err
	}

	reason := "reward"
	if status == model.BetDraw {
		reason = "draw"
	}
	metrics.Payouts.WithLabelValues(reason).Add(float64(amount))
	slog.Info("reward claimed", "round", roundID, "bet", betID, "bettor", signer, "amount", amount, "status", status)
	ev := e.event(events.RewardClaimed, roundID)
	ev.BetID = betID
	ev.Actor = signer
	ev.Amount = amount
	ev.Status = string(status)
	e.publish(ctx, ev)
	return amount, nil
}

// CancelRound refunds one batch of pending bets and removes their records.
// The call that refunds the last bet, or the first call on a round without
// bets, closes the vault to the treasury and deletes the round together
// with its groups and assets.
func (e *Engine) CancelRound(ctx context.Context, signer string, roundID uint64, bets []address.Address) (*payout.CancelResult, error) {
	var (
		res       *payout.CancelResult
		swept     uint64
		wasStatus model.RoundStatus
	)
	err := e.withRound(ctx, "cancel_round", roundID, func(cfg *model.Config, r *model.Round) error {
		if err := program.RequireAdmin(cfg, signer); err != nil {
			return err
		}
		if err := program.RequireOperational(cfg); err != nil {
			return err
		}
		wasStatus = r.Status

		// An empty batch is left to the step, which rejects it after its
		// status checks.
		var refs []round.BetRef
		if r.TotalBets > 0 && len(bets) > 0 {
			var err error
			if refs, err = e.betRefs(ctx, bets); err != nil {
				return err
			}
		}
		var err error
		res, err = payout.CancelBatch(r, refs)
		if err != nil {
			return err
		}

		return e.transact(ctx, func(j *vault.Journal) (*store.ChangeSet, error) {
			for _, rf := range res.Refunds {
				if err := j.Transfer(ctx, vault.Account(roundID), rf.Bettor, rf.Amount); err != nil {
					return nil, err
				}
			}
			var cs store.ChangeSet
			for _, ref := range refs {
				cs.DeleteBet(ref.Bet)
			}
			if !res.Closed {
				cs.PutRound(r)
				return &cs, nil
			}
			if err := e.deleteRound(ctx, &cs, r); err != nil {
				return nil, err
			}
			var err error
			if swept, err = j.CloseVault(ctx, vault.Account(roundID), cfg.Treasury); err != nil {
				return nil, err
			}
			return &cs, nil
		})
	})
	if err != nil {
		return nil, err
	}

	refunded := res.Total()
	if refunded > 0 {
		metrics.Payouts.WithLabelValues("refund").Add(float64(refunded))
	}
	slog.Info("cancellation batch applied",
		"round", roundID,
		"refunds", len(res.Refunds),
		"refunded", refunded,
		"closed", res.Closed,
		"swept", swept,
	)

	if wasStatus != model.RoundCancelling && !res.Closed {
		metrics.RoundTransitions.WithLabelValues(string(model.RoundCancelling)).Inc()
		ev := e.event(events.RoundCancelling, roundID)
		ev.Status = string(model.RoundCancelling)
		ev.Actor = signer
		e.publish(ctx, ev)
	}
	if len(res.Refunds) > 0 {
		ev := e.event(events.BetsRefunded, roundID)
		ev.Count = len(res.Refunds)
		ev.Amount = refunded
		e.publish(ctx, ev)
	}
	if res.Closed {
		metrics.RoundTransitions.WithLabelValues("closed").Inc()
		ev := e.event(events.RoundClosed, roundID)
		ev.Actor = signer
		ev.Amount = swept
		e.publish(ctx, ev)
	}
	return res, nil
}

// deleteRound stages the removal of r and every group and asset under it.
func (e *Engine) deleteRound(ctx context.Context, cs *store.ChangeSet, r *model.Round) error {
	groups, err := e.store.Groups(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		assets, err := e.store.Assets(ctx, r.ID, g.ID)
		if err != nil {
			return err
		}
		for _, a := range assets {
			cs.DeleteAsset(a)
		}
		cs.DeleteGroup(g)
	}
	cs.DeleteRound(r)
	return nil
}
