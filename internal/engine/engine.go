// Package engine is the transaction boundary of the settlement engine.
//
// Every operation follows the same shape: take the lock of the record it
// mutates, load a fresh snapshot from the store, authorize the signer, run
// a pure step from the round/group/settlement/payout packages, move value
// through a vault journal, and commit every touched record in one
// all-or-nothing change set. If any step after the first transfer fails,
// the journal is rolled back.
// Nothing is published until the commit has succeeded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/events"
	"github.com/atmx/parimutuel-engine/internal/group"
	"github.com/atmx/parimutuel-engine/internal/metrics"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/oracle"
	"github.com/atmx/parimutuel-engine/internal/round"
	"github.com/atmx/parimutuel-engine/internal/store"
	"github.com/atmx/parimutuel-engine/internal/vault"
)

// DefaultLockTTL bounds how long one operation may hold a round lock.
const DefaultLockTTL = 30 * time.Second

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Now     func() time.Time
	LockTTL time.Duration
	Events  events.Publisher
}

// Engine runs operations against a Store.
type Engine struct {
	store   *store.Store
	locker  store.Locker
	ledger  vault.Ledger
	oracle  oracle.Oracle
	events  events.Publisher
	now     func() time.Time
	lockTTL time.Duration
}

// New creates an engine over its collaborators.
func New(st *store.Store, locker store.Locker, ledger vault.Ledger, o oracle.Oracle, opts Options) *Engine {
	e := &Engine{
		store:   st,
		locker:  locker,
		ledger:  ledger,
		oracle:  o,
		events:  opts.Events,
		now:     opts.Now,
		lockTTL: opts.LockTTL,
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultLockTTL
	}
	return e
}

// Store exposes the engine's store for read-only queries.
func (e *Engine) Store() *store.Store { return e.store }

// run executes fn under the lock named key and records the outcome.
func (e *Engine) run(ctx context.Context, op, key string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(model.ClassOf(err))
			if outcome == "" {
				outcome = "internal"
			}
			slog.Warn("operation failed", "op", op, "lock", key, "class", outcome, "err", err)
		}
		metrics.ObserveOperation(op, outcome, start)
	}()

	unlock, err := e.locker.Acquire(ctx, key, e.lockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// withRound runs fn under the round's lock with fresh config and round
// snapshots.
func (e *Engine) withRound(ctx context.Context, op string, roundID uint64, fn func(cfg *model.Config, r *model.Round) error) error {
	return e.run(ctx, op, store.RoundLockKey(roundID), func() error {
		cfg, err := e.config(ctx)
		if err != nil {
			return err
		}
		r, err := e.loadRound(ctx, roundID)
		if err != nil {
			return err
		}
		return fn(cfg, r)
	})
}

// commit persists a change set that moves no value.
func (e *Engine) commit(ctx context.Context, cs *store.ChangeSet) error {
	return e.store.Commit(ctx, cs)
}

// transact runs fn with a fresh journal and commits the change set it
// stages. Any failure, in fn or in the commit, reverses every transfer the
// journal recorded, so a failed call moves no value.
func (e *Engine) transact(ctx context.Context, fn func(j *vault.Journal) (*store.ChangeSet, error)) (err error) {
	j := vault.NewJournal(e.ledger)
	defer func() {
		if err == nil {
			return
		}
		if rbErr := j.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.Error("transfer rollback failed", "err", rbErr, "cause", err)
		}
	}()
	cs, err := fn(j)
	if err != nil {
		return err
	}
	return e.store.Commit(ctx, cs)
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	e.events.Publish(ctx, ev)
}

func (e *Engine) event(t events.Type, roundID uint64) events.Event {
	return events.New(t, roundID, e.now())
}

// config loads the singleton, failing with ErrNotInitialized before
// Initialize has run.
func (e *Engine) config(ctx context.Context) (*model.Config, error) {
	return e.store.Config(ctx)
}

func (e *Engine) loadRound(ctx context.Context, id uint64) (*model.Round, error) {
	r, err := e.store.Round(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", id, err)
	}
	return r, nil
}

func (e *Engine) loadGroup(ctx context.Context, roundID, groupID uint64) (*model.GroupAsset, error) {
	g, err := e.store.Group(ctx, roundID, groupID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: group %d of round %d", model.ErrInvalidGroupAccount, groupID, roundID)
	}
	return g, err
}

func checkHandles(n, limit int) error {
	if n == 0 || n > limit {
		return fmt.Errorf("%w: %d", model.ErrInvalidBatchSize, n)
	}
	return nil
}

// betRefs resolves caller-supplied bet addresses. An address with no record
// behind it is an account mismatch, not a missing resource.
func (e *Engine) betRefs(ctx context.Context, addrs []address.Address) ([]round.BetRef, error) {
	if err := checkHandles(len(addrs), model.MaxBatchSize); err != nil {
		return nil, err
	}
	refs := make([]round.BetRef, len(addrs))
	for i, a := range addrs {
		b, err := e.store.BetAt(ctx, a)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidBetAccount, a)
		}
		if err != nil {
			return nil, err
		}
		refs[i] = round.BetRef{Address: a, Bet: b}
	}
	return refs, nil
}

func (e *Engine) groupRefs(ctx context.Context, addrs []address.Address, limit int) ([]group.GroupRef, error) {
	if err := checkHandles(len(addrs), limit); err != nil {
		return nil, err
	}
	refs := make([]group.GroupRef, len(addrs))
	for i, a := range addrs {
		g, err := e.store.GroupAt(ctx, a)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidGroupAccount, a)
		}
		if err != nil {
			return nil, err
		}
		refs[i] = group.GroupRef{Address: a, Group: g}
	}
	return refs, nil
}

func (e *Engine) assetRefs(ctx context.Context, addrs []address.Address) ([]group.AssetRef, error) {
	if err := checkHandles(len(addrs), model.MaxBatchSize); err != nil {
		return nil, err
	}
	refs := make([]group.AssetRef, len(addrs))
	for i, a := range addrs {
		as, err := e.store.AssetAt(ctx, a)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidAssetAccount, a)
		}
		if err != nil {
			return nil, err
		}
		refs[i] = group.AssetRef{Address: a, Asset: as}
	}
	return refs, nil
}

// PendingBets returns up to limit unsettled bets of a round in id order.
// Keepers use it to build settlement and refund batches.
func (e *Engine) PendingBets(ctx context.Context, roundID uint64, limit int) ([]*model.Bet, error) {
	bets, err := e.store.Bets(ctx, roundID)
	if err != nil {
		return nil, err
	}
	var out []*model.Bet
	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// BetAddresses maps bets to their record addresses.
func BetAddresses(bets []*model.Bet) []address.Address {
	out := make([]address.Address, len(bets))
	for i, b := range bets {
		out[i] = address.Bet(b.RoundID, b.ID)
	}
	return out
}

// GroupAddresses maps groups to their record addresses.
func GroupAddresses(groups []*model.GroupAsset) []address.Address {
	out := make([]address.Address, len(groups))
	for i, g := range groups {
		out[i] = address.Group(g.RoundID, g.ID)
	}
	return out
}

// AssetAddresses maps assets to their record addresses.
func AssetAddresses(assets []*model.Asset) []address.Address {
	out := make([]address.Address, len(assets))
	for i, a := range assets {
		out[i] = address.Asset(a.RoundID, a.GroupID, a.ID)
	}
	return out
}
