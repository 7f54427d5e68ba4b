package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

func commit(t *testing.T, s *Store, fill func(cs *ChangeSet)) {
	t.Helper()
	var cs ChangeSet
	fill(&cs)
	if err := s.Commit(context.Background(), &cs); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := &model.Round{ID: 3, Kind: model.SingleAsset, Status: model.RoundActive, TotalPool: 42}
	b := &model.Bet{RoundID: 3, ID: 1, Bettor: "alice", Amount: 42, Direction: model.PercentageChange(-25)}
	commit(t, s, func(cs *ChangeSet) {
		cs.PutRound(r)
		cs.PutBet(b)
	})
	if r.Revision != 1 || b.Revision != 1 {
		t.Fatalf("expected revision 1 after insert, got %d/%d", r.Revision, b.Revision)
	}

	got, err := s.Round(ctx, 3)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.TotalPool != 42 || got.Revision != 1 {
		t.Errorf("unexpected round: %+v", got)
	}

	gotBet, err := s.BetAt(ctx, address.Bet(3, 1))
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if gotBet.Direction != model.PercentageChange(-25) || gotBet.Bettor != "alice" {
		t.Errorf("unexpected bet: %+v", gotBet)
	}
}

func TestMemoryStore_RevisionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &model.Round{ID: 1}
	commit(t, s, func(cs *ChangeSet) { cs.PutRound(r) })

	a, _ := s.Round(ctx, 1)
	b, _ := s.Round(ctx, 1)

	a.TotalBets = 1
	commit(t, s, func(cs *ChangeSet) { cs.PutRound(a) })

	b.TotalBets = 5
	var cs ChangeSet
	cs.PutRound(b)
	cs.PutBet(&model.Bet{RoundID: 1, ID: 1})
	err := s.Commit(ctx, &cs)
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The stale write lost, and nothing else in its change set landed.
	got, _ := s.Round(ctx, 1)
	if got.TotalBets != 1 || got.Revision != 2 {
		t.Errorf("expected the first writer's round at revision 2, got %+v", got)
	}
	if _, err := s.Bet(ctx, 1, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected bet to be absent, got %v", err)
	}
}

func TestMemoryStore_InsertExistingConflicts(t *testing.T) {
	s := NewMemoryStore()
	commit(t, s, func(cs *ChangeSet) { cs.PutRound(&model.Round{ID: 1}) })

	var cs ChangeSet
	cs.PutRound(&model.Round{ID: 1})
	if err := s.Commit(context.Background(), &cs); !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var bets []*model.Bet
	commit(t, s, func(cs *ChangeSet) {
		for _, id := range []uint64{3, 1, 2} {
			b := &model.Bet{RoundID: 8, ID: id}
			bets = append(bets, b)
			cs.PutBet(b)
		}
		cs.PutBet(&model.Bet{RoundID: 9, ID: 1})
	})

	list, err := s.Bets(ctx, 8)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != 1 || list[1].ID != 2 || list[2].ID != 3 {
		t.Fatalf("expected bets 1,2,3 of round 8, got %d entries", len(list))
	}

	commit(t, s, func(cs *ChangeSet) { cs.DeleteBet(bets[0]) })
	list, _ = s.Bets(ctx, 8)
	if len(list) != 2 {
		t.Errorf("expected 2 bets after delete, got %d", len(list))
	}
}

func TestMemoryStore_ConfigNotInitialized(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Config(context.Background()); !errors.Is(err, model.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMemoryStore_AssetsScopedToGroup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	commit(t, s, func(cs *ChangeSet) {
		cs.PutAsset(&model.Asset{RoundID: 1, GroupID: 1, ID: 1, Symbol: "XAU"})
		cs.PutAsset(&model.Asset{RoundID: 1, GroupID: 2, ID: 1, Symbol: "BTC"})
	})
	assets, err := s.Assets(ctx, 1, 2)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Symbol != "BTC" {
		t.Errorf("unexpected assets: %+v", assets)
	}
}

func TestCachedRecord_RoundTrip(t *testing.T) {
	rec := &Record{
		Address:  address.Bet(1, 2),
		Kind:     address.KindBet,
		Parent:   address.Round(1),
		LocalID:  2,
		Revision: 7,
		Data:     []byte(`{"id":2}`),
	}
	data, err := encodeCached(rec, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, ok := decodeCached(rec.Address, data)
	if !ok {
		t.Fatal("decode failed")
	}
	if got.Parent != rec.Parent || got.Revision != 7 || string(got.Data) != `{"id":2}` {
		t.Errorf("unexpected record: %+v", got)
	}
	if _, ok := decodeCached(rec.Address, []byte("garbage")); ok {
		t.Error("garbage must be a cache miss")
	}
	tomb, err := encodeCached(rec, true)
	if err != nil {
		t.Fatalf("encode tombstone: %v", err)
	}
	if got, ok := decodeCached(rec.Address, tomb); !ok || got != nil {
		t.Errorf("expected tombstone hit, got %+v %v", got, ok)
	}
	if !strings.HasPrefix(recordKey(rec.Address), "record:") {
		t.Errorf("unexpected key %q", recordKey(rec.Address))
	}
}

func TestWriteStatement(t *testing.T) {
	tests := []struct {
		name string
		w    Write
		verb string
	}{
		{"insert", Write{Record: Record{Revision: 0}}, "INSERT"},
		{"update", Write{Record: Record{Revision: 4}}, "UPDATE"},
		{"delete", Write{Record: Record{Revision: 4}, Delete: true}, "DELETE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := writeStatement(tt.w)
			if !strings.HasPrefix(sql, tt.verb) {
				t.Errorf("expected %s, got %q", tt.verb, sql)
			}
			if tt.verb != "INSERT" && args[1] != tt.w.Revision {
				t.Errorf("expected revision guard %d, got %v", tt.w.Revision, args[1])
			}
		})
	}
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Acquire(context.Background(), RoundLockKey(1), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another key is independent.
	other, err := l.Acquire(context.Background(), RoundLockKey(2), time.Second)
	if err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, RoundLockKey(1), time.Second); !errors.Is(err, model.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	unlock()
	unlock()
	again, err := l.Acquire(context.Background(), RoundLockKey(1), time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

// brokenPipeline answers DEL locally and fails every pipeline, standing in
// for a Redis connection that drops mid write-through.
type brokenPipeline struct {
	deleted []string
}

func (h *brokenPipeline) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *brokenPipeline) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() != "del" {
			return errors.New("unexpected command " + cmd.Name())
		}
		for _, arg := range cmd.Args()[1:] {
			h.deleted = append(h.deleted, arg.(string))
		}
		return nil
	}
}

func (h *brokenPipeline) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return errors.New("connection reset")
	}
}

func TestCachedBackend_FailedWriteThroughInvalidates(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	hook := &brokenPipeline{}
	rdb.AddHook(hook)

	s := New(NewCachedBackend(NewMemoryBackend(), rdb, time.Minute))
	r := &model.Round{ID: 3, Kind: model.SingleAsset, Status: model.RoundActive}
	b := &model.Bet{RoundID: 3, ID: 1, Bettor: "alice", Amount: 42, Direction: model.Up()}
	commit(t, s, func(cs *ChangeSet) {
		cs.PutRound(r)
		cs.PutBet(b)
	})

	want := map[string]bool{
		recordKey(address.Round(3)):  true,
		recordKey(address.Bet(3, 1)): true,
	}
	if len(hook.deleted) != len(want) {
		t.Fatalf("expected %d invalidated keys, got %q", len(want), hook.deleted)
	}
	for _, k := range hook.deleted {
		if !want[k] {
			t.Errorf("unexpected invalidated key %q", k)
		}
	}
}

// recordingPipeline captures pipelined commands without a server.
type recordingPipeline struct {
	cmds []redis.Cmder
}

func (h *recordingPipeline) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *recordingPipeline) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return errors.New("unexpected command " + cmd.Name())
	}
}

func (h *recordingPipeline) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.cmds = append(h.cmds, cmds...)
		return nil
	}
}

func TestCachedBackend_WritesThroughCommittedRevision(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	hook := &recordingPipeline{}
	rdb.AddHook(hook)

	s := New(NewCachedBackend(NewMemoryBackend(), rdb, time.Minute))
	r := &model.Round{ID: 5, Kind: model.SingleAsset, Status: model.RoundScheduled}
	commit(t, s, func(cs *ChangeSet) { cs.PutRound(r) })
	commit(t, s, func(cs *ChangeSet) { cs.DeleteRound(r) })

	if len(hook.cmds) != 2 {
		t.Fatalf("expected two cached writes, got %d", len(hook.cmds))
	}
	key := recordKey(address.Round(5))
	for i, wantDeleted := range []bool{false, true} {
		args := hook.cmds[i].Args()
		if hook.cmds[i].Name() != "set" || args[1] != key {
			t.Fatalf("write %d: expected SET %s, got %v", i, key, args)
		}
		var c cachedRecord
		if err := json.Unmarshal(args[2].([]byte), &c); err != nil {
			t.Fatalf("write %d: decode: %v", i, err)
		}
		if c.Revision != int64(i+1) || c.Deleted != wantDeleted {
			t.Errorf("write %d: expected revision %d deleted=%v, got %+v", i, i+1, wantDeleted, c)
		}
	}
}
