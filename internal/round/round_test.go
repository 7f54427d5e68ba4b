package round

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/program"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *model.Config {
	t.Helper()
	cfg, err := program.Initialize(program.Params{
		Admin:                     "admin",
		Treasury:                  "treasury",
		Keepers:                   []string{"keeper"},
		SingleAssetFeeBps:         500,
		GroupBattleFeeBps:         500,
		MinBetAmount:              10,
		BetCutoffWindow:           5 * time.Minute,
		MinTimeFactorBps:          2_000,
		MaxTimeFactorBps:          10_000,
		DefaultDirectionFactorBps: 10_000,
		MaxPriceAge:               time.Minute,
	}, t0)
	if err != nil {
		t.Fatalf("init config: %v", err)
	}
	return cfg
}

func newActiveRound(t *testing.T, cfg *model.Config, kind model.MarketKind) *model.Round {
	t.Helper()
	p := CreateParams{Kind: kind, StartTime: t0.Add(time.Minute), EndTime: t0.Add(61 * time.Minute)}
	if kind == model.SingleAsset {
		p.FeedID = "pyth:XAU/USD"
	}
	r, err := Create(cfg, p, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if kind == model.GroupBattle {
		r.TotalGroups, r.StartFinalizedGroups = 2, 2
	}
	if err := Start(r, 2_000_000_000, r.StartTime); err != nil {
		t.Fatalf("start: %v", err)
	}
	return r
}

// --- Create ---

func TestCreate_AssignsIDsAndCutoff(t *testing.T) {
	cfg := testConfig(t)
	r1 := newActiveRound(t, cfg, model.SingleAsset)
	r2 := newActiveRound(t, cfg, model.GroupBattle)
	if r1.ID != 1 || r2.ID != 2 || cfg.RoundCounter != 2 {
		t.Errorf("expected ids 1,2 and counter 2; got %d,%d,%d", r1.ID, r2.ID, cfg.RoundCounter)
	}
	if want := r1.EndTime.Add(-5 * time.Minute); !r1.BetCutoffTime.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, r1.BetCutoffTime)
	}
}

func TestCreate_CutoffClampedToStart(t *testing.T) {
	cfg := testConfig(t)
	r, err := Create(cfg, CreateParams{
		Kind:      model.GroupBattle,
		StartTime: t0.Add(time.Minute),
		EndTime:   t0.Add(3 * time.Minute),
	}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.BetCutoffTime.Equal(r.StartTime) {
		t.Errorf("expected cutoff clamped to start %v, got %v", r.StartTime, r.BetCutoffTime)
	}
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		p    CreateParams
		want error
	}{
		{"start after end", CreateParams{Kind: model.GroupBattle, StartTime: t0.Add(2 * time.Hour), EndTime: t0.Add(time.Hour)}, model.ErrInvalidRoundTime},
		{"start equals end", CreateParams{Kind: model.GroupBattle, StartTime: t0.Add(time.Hour), EndTime: t0.Add(time.Hour)}, model.ErrInvalidRoundTime},
		{"sub-second window", CreateParams{Kind: model.GroupBattle, StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Minute + 999*time.Millisecond)}, model.ErrInvalidRoundTime},
		{"start in past", CreateParams{Kind: model.GroupBattle, StartTime: t0, EndTime: t0.Add(time.Hour)}, model.ErrInvalidRoundTime},
		{"unknown kind", CreateParams{Kind: "lottery", StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, model.ErrInvalidMarketKind},
		{"single without feed", CreateParams{Kind: model.SingleAsset, StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, model.ErrInvalidSymbol},
		{"group with feed", CreateParams{Kind: model.GroupBattle, FeedID: "pyth:XAU/USD", StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, model.ErrInvalidMarketKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			_, err := Create(cfg, tt.p, t0)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if cfg.RoundCounter != 0 {
				t.Errorf("counter advanced on failed create: %d", cfg.RoundCounter)
			}
		})
	}
}

func TestCreate_OneSecondWindowTakesBets(t *testing.T) {
	cfg := testConfig(t)
	r, err := Create(cfg, CreateParams{
		Kind:      model.GroupBattle,
		StartTime: t0.Add(time.Minute),
		EndTime:   t0.Add(time.Minute + time.Second),
	}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Duration() != 1 {
		t.Errorf("expected a one-second duration, got %d", r.Duration())
	}
}

// --- Start ---

func TestStart_SingleAssetCapturesPrice(t *testing.T) {
	cfg := testConfig(t)
	r, _ := Create(cfg, CreateParams{Kind: model.SingleAsset, FeedID: "pyth:XAU/USD", StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, t0)

	if err := Start(r, 100, t0); !errors.Is(err, model.ErrRoundNotStarted) {
		t.Fatalf("expected ErrRoundNotStarted, got %v", err)
	}
	if err := Start(r, 0, r.StartTime); !errors.Is(err, model.ErrInvalidAssetPrice) {
		t.Fatalf("expected ErrInvalidAssetPrice, got %v", err)
	}
	if err := Start(r, 100, r.StartTime); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != model.RoundActive || r.StartPrice == nil || *r.StartPrice != 100 {
		t.Errorf("unexpected round after start: %+v", r)
	}
	if err := Start(r, 100, r.StartTime); !errors.Is(err, model.ErrInvalidRoundStatus) {
		t.Errorf("second start: expected ErrInvalidRoundStatus, got %v", err)
	}
}

func TestStart_GroupBattleRequiresFinalizedGroups(t *testing.T) {
	cfg := testConfig(t)
	r, _ := Create(cfg, CreateParams{Kind: model.GroupBattle, StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, t0)

	if err := Start(r, 0, r.StartTime); !errors.Is(err, model.ErrNoGroups) {
		t.Fatalf("expected ErrNoGroups, got %v", err)
	}
	r.TotalGroups, r.StartFinalizedGroups = 3, 2
	if err := Start(r, 0, r.StartTime); !errors.Is(err, model.ErrGroupsNotFinalized) {
		t.Fatalf("expected ErrGroupsNotFinalized, got %v", err)
	}
	r.StartFinalizedGroups = 3
	if err := Start(r, 0, r.StartTime); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.StartPrice != nil {
		t.Error("group battle round should not carry a start price")
	}
}

// --- PlaceBet ---

func TestPlaceBet_UpdatesTotals(t *testing.T) {
	cfg := testConfig(t)
	r := newActiveRound(t, cfg, model.SingleAsset)

	b1, err := PlaceBet(cfg, r, nil, BetParams{Bettor: "alice", Amount: 100, Direction: model.Up()}, r.StartTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := PlaceBet(cfg, r, nil, BetParams{Bettor: "bob", Amount: 250, Direction: model.PercentageChange(-40)}, r.StartTime.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if b1.ID != 1 || b2.ID != 2 {
		t.Errorf("expected bet ids 1,2; got %d,%d", b1.ID, b2.ID)
	}
	if r.TotalPool != 350 || r.TotalBets != 2 {
		t.Errorf("expected pool 350 / bets 2, got %d / %d", r.TotalPool, r.TotalBets)
	}
	if b1.Weight != 100 {
		t.Errorf("bet at start should weigh its amount, got %d", b1.Weight)
	}
	// Halfway through a quadratic decay: tf = 2500, df = 10000 + 16.
	if want := uint64(250 * 10_016 * 2_500 / 100_000_000); b2.Weight != want {
		t.Errorf("expected weight %d, got %d", want, b2.Weight)
	}
	if b1.Status != model.BetPending || b1.Claimed {
		t.Errorf("unexpected new bet state: %+v", b1)
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	cfg := testConfig(t)
	r := newActiveRound(t, cfg, model.SingleAsset)

	tests := []struct {
		name string
		p    BetParams
		now  time.Time
		want error
	}{
		{"below minimum", BetParams{Bettor: "a", Amount: 9, Direction: model.Up()}, r.StartTime, model.ErrBetBelowMinimum},
		{"at cutoff", BetParams{Bettor: "a", Amount: 10, Direction: model.Up()}, r.BetCutoffTime, model.ErrBettingClosed},
		{"bad direction", BetParams{Bettor: "a", Amount: 10, Direction: model.Direction{Kind: "up", Bps: 4}}, r.StartTime, model.ErrInvalidDirection},
		{"group on single asset", BetParams{Bettor: "a", Amount: 10, Direction: model.Up(), GroupID: model.U64(1)}, r.StartTime, model.ErrInvalidGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlaceBet(cfg, r, nil, tt.p, tt.now)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if r.TotalBets != 0 || r.TotalPool != 0 || r.NextBetID != 0 {
		t.Errorf("rejected bets must not move totals: %+v", r)
	}
}

func TestPlaceBet_RoundNotActive(t *testing.T) {
	cfg := testConfig(t)
	r, _ := Create(cfg, CreateParams{Kind: model.GroupBattle, StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour)}, t0)
	_, err := PlaceBet(cfg, r, nil, BetParams{Bettor: "a", Amount: 10, Direction: model.Up()}, r.StartTime)
	if !errors.Is(err, model.ErrRoundNotActive) {
		t.Errorf("expected ErrRoundNotActive, got %v", err)
	}
}

func TestPlaceBet_GroupMembership(t *testing.T) {
	cfg := testConfig(t)
	r := newActiveRound(t, cfg, model.GroupBattle)
	g := &model.GroupAsset{RoundID: r.ID, ID: 2}

	b, err := PlaceBet(cfg, r, g, BetParams{Bettor: "a", Amount: 10, Direction: model.PercentageChange(120), GroupID: model.U64(2)}, r.StartTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.GroupID == nil || *b.GroupID != 2 {
		t.Errorf("expected group 2, got %v", b.GroupID)
	}

	other := &model.GroupAsset{RoundID: r.ID + 1, ID: 2}
	_, err = PlaceBet(cfg, r, other, BetParams{Bettor: "a", Amount: 10, Direction: model.Up(), GroupID: model.U64(2)}, r.StartTime)
	if !errors.Is(err, model.ErrInvalidGroup) {
		t.Errorf("foreign group: expected ErrInvalidGroup, got %v", err)
	}
}

func TestCheckBettingOpen(t *testing.T) {
	cfg := testConfig(t)
	r := newActiveRound(t, cfg, model.SingleAsset)
	if err := CheckBettingOpen(r, r.BetCutoffTime.Add(-time.Second)); err != nil {
		t.Errorf("expected open, got %v", err)
	}
	if err := CheckBettingOpen(r, r.BetCutoffTime); !errors.Is(err, model.ErrBettingClosed) {
		t.Errorf("expected ErrBettingClosed, got %v", err)
	}
}

// --- Bet batches ---

func pendingBets(t *testing.T, cfg *model.Config, r *model.Round, n int) []*model.Bet {
	t.Helper()
	var bets []*model.Bet
	for i := 0; i < n; i++ {
		b, err := PlaceBet(cfg, r, nil, BetParams{Bettor: "alice", Amount: 10, Direction: model.Up()}, r.StartTime)
		if err != nil {
			t.Fatalf("place bet: %v", err)
		}
		bets = append(bets, b)
	}
	return bets
}

func TestCheckBetBatch(t *testing.T) {
	cfg := testConfig(t)
	r := newActiveRound(t, cfg, model.SingleAsset)
	bets := pendingBets(t, cfg, r, 3)
	refs := Refs(bets)

	if err := CheckBetBatch(r, refs, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	forged := Refs(bets[:1])
	forged[0].Address = address.Bet(r.ID, 99)

	settled := bets[2].Clone()
	settled.Status = model.BetWon

	tests := []struct {
		name string
		refs []BetRef
		done uint64
		want error
	}{
		{"empty", nil, 0, model.ErrInvalidBatchSize},
		{"overrun", refs, 1, model.ErrBatchOverrun},
		{"duplicate", []BetRef{refs[0], refs[0]}, 0, model.ErrDuplicateEntry},
		{"forged address", forged, 0, model.ErrInvalidBetAccount},
		{"already settled", Refs([]*model.Bet{settled}), 0, model.ErrBetNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckBetBatch(r, tt.refs, tt.done); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyBet_ForeignRound(t *testing.T) {
	b := &model.Bet{RoundID: 2, ID: 1}
	ref := BetRef{Address: address.Bet(2, 1), Bet: b}
	if err := VerifyBet(3, ref); !errors.Is(err, model.ErrInvalidBetAccount) {
		t.Errorf("expected ErrInvalidBetAccount, got %v", err)
	}
	if err := VerifyBet(2, ref); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
