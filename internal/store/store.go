// Package store persists engine records. Every entity is an independently
// addressed record keyed by its derived address. Implementations include
// PostgreSQL (source of truth), a Redis read-through cache, and in-memory
// (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// Record is one stored entity. Parent and LocalID are the inputs of the
// address derivation and index child listings.
type Record struct {
	Address  address.Address
	Kind     address.Kind
	Parent   address.Address
	LocalID  uint64
	Revision int64
	Data     []byte
}

// Write is one change inside a commit. Revision is the revision the caller
// loaded; 0 means the record must not exist yet.
type Write struct {
	Record
	Delete bool
}

// Backend is the raw record layer.
type Backend interface {
	// Load returns the record at addr or model.ErrNotFound.
	Load(ctx context.Context, addr address.Address) (*Record, error)

	// List returns the children of parent of one kind, ordered by LocalID.
	List(ctx context.Context, kind address.Kind, parent address.Address) ([]Record, error)

	// Apply commits writes all-or-nothing. A write whose Revision does not
	// match the stored record fails the whole commit with model.ErrConflict.
	// Each surviving record's revision becomes Revision+1.
	Apply(ctx context.Context, writes []Write) error
}

// Store is typed record access over a Backend.
type Store struct {
	b Backend
}

// New wraps b.
func New(b Backend) *Store {
	return &Store{b: b}
}

func decode[T any](rec *Record, rev func(*T) *int64) (*T, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s %s: %w", rec.Kind, rec.Address, err)
	}
	*rev(&v) = rec.Revision
	return &v, nil
}

func get[T any](ctx context.Context, b Backend, addr address.Address, rev func(*T) *int64) (*T, error) {
	rec, err := b.Load(ctx, addr)
	if err != nil {
		return nil, err
	}
	return decode(rec, rev)
}

func list[T any](ctx context.Context, b Backend, kind address.Kind, parent address.Address, rev func(*T) *int64) ([]*T, error) {
	recs, err := b.List(ctx, kind, parent)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for i := range recs {
		v, err := decode(&recs[i], rev)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func configRev(c *model.Config) *int64    { return &c.Revision }
func roundRev(r *model.Round) *int64      { return &r.Revision }
func betRev(b *model.Bet) *int64          { return &b.Revision }
func groupRev(g *model.GroupAsset) *int64 { return &g.Revision }
func assetRev(a *model.Asset) *int64      { return &a.Revision }

// Config returns the singleton config or model.ErrNotInitialized.
func (s *Store) Config(ctx context.Context) (*model.Config, error) {
	cfg, err := get(ctx, s.b, address.Config(), configRev)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrNotInitialized
	}
	return cfg, err
}

func (s *Store) Round(ctx context.Context, id uint64) (*model.Round, error) {
	return get(ctx, s.b, address.Round(id), roundRev)
}

// Rounds lists every live round in id order.
func (s *Store) Rounds(ctx context.Context) ([]*model.Round, error) {
	return list(ctx, s.b, address.KindRound, address.Address{}, roundRev)
}

func (s *Store) Bet(ctx context.Context, roundID, betID uint64) (*model.Bet, error) {
	return get(ctx, s.b, address.Bet(roundID, betID), betRev)
}

// BetAt loads the bet stored at a caller-supplied address. The record is
// not verified against the address; callers do that.
func (s *Store) BetAt(ctx context.Context, addr address.Address) (*model.Bet, error) {
	return get(ctx, s.b, addr, betRev)
}

func (s *Store) Bets(ctx context.Context, roundID uint64) ([]*model.Bet, error) {
	return list(ctx, s.b, address.KindBet, address.Round(roundID), betRev)
}

func (s *Store) Group(ctx context.Context, roundID, groupID uint64) (*model.GroupAsset, error) {
	return get(ctx, s.b, address.Group(roundID, groupID), groupRev)
}

func (s *Store) GroupAt(ctx context.Context, addr address.Address) (*model.GroupAsset, error) {
	return get(ctx, s.b, addr, groupRev)
}

func (s *Store) Groups(ctx context.Context, roundID uint64) ([]*model.GroupAsset, error) {
	return list(ctx, s.b, address.KindGroup, address.Round(roundID), groupRev)
}

func (s *Store) AssetAt(ctx context.Context, addr address.Address) (*model.Asset, error) {
	return get(ctx, s.b, addr, assetRev)
}

func (s *Store) Assets(ctx context.Context, roundID, groupID uint64) ([]*model.Asset, error) {
	return list(ctx, s.b, address.KindAsset, address.Group(roundID, groupID), assetRev)
}

// Commit applies cs atomically. On success every record in cs carries its
// new revision.
func (s *Store) Commit(ctx context.Context, cs *ChangeSet) error {
	if cs.err != nil {
		return cs.err
	}
	if len(cs.writes) == 0 {
		return nil
	}
	if err := s.b.Apply(ctx, cs.writes); err != nil {
		return err
	}
	for _, fn := range cs.after {
		fn()
	}
	return nil
}

// ChangeSet collects the writes of one engine operation.
type ChangeSet struct {
	writes []Write
	after  []func()
	err    error
}

func (cs *ChangeSet) add(kind address.Kind, parent address.Address, localID uint64, v any, rev *int64, del bool) {
	w := Write{
		Record: Record{
			Address:  address.Derive(kind, parent, localID),
			Kind:     kind,
			Parent:   parent,
			LocalID:  localID,
			Revision: *rev,
		},
		Delete: del,
	}
	if !del {
		data, err := json.Marshal(v)
		if err != nil && cs.err == nil {
			cs.err = fmt.Errorf("store: encode %s: %w", kind, err)
		}
		w.Data = data
		cs.after = append(cs.after, func() { *rev = w.Revision + 1 })
	}
	cs.writes = append(cs.writes, w)
}

func (cs *ChangeSet) PutConfig(c *model.Config) {
	cs.add(address.KindConfig, address.Address{}, 0, c, &c.Revision, false)
}

func (cs *ChangeSet) PutRound(r *model.Round) {
	cs.add(address.KindRound, address.Address{}, r.ID, r, &r.Revision, false)
}

func (cs *ChangeSet) DeleteRound(r *model.Round) {
	cs.add(address.KindRound, address.Address{}, r.ID, r, &r.Revision, true)
}

func (cs *ChangeSet) PutBet(b *model.Bet) {
	cs.add(address.KindBet, address.Round(b.RoundID), b.ID, b, &b.Revision, false)
}

func (cs *ChangeSet) DeleteBet(b *model.Bet) {
	cs.add(address.KindBet, address.Round(b.RoundID), b.ID, b, &b.Revision, true)
}

func (cs *ChangeSet) PutGroup(g *model.GroupAsset) {
	cs.add(address.KindGroup, address.Round(g.RoundID), g.ID, g, &g.Revision, false)
}

func (cs *ChangeSet) DeleteGroup(g *model.GroupAsset) {
	cs.add(address.KindGroup, address.Round(g.RoundID), g.ID, g, &g.Revision, true)
}

func (cs *ChangeSet) PutAsset(a *model.Asset) {
	cs.add(address.KindAsset, address.Group(a.RoundID, a.GroupID), a.ID, a, &a.Revision, false)
}

func (cs *ChangeSet) DeleteAsset(a *model.Asset) {
	cs.add(address.KindAsset, address.Group(a.RoundID, a.GroupID), a.ID, a, &a.Revision, true)
}

// Len is the number of writes collected.
func (cs *ChangeSet) Len() int {
	return len(cs.writes)
}
