package weight

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/parimutuel-engine/internal/model"
)

const (
	defaultBps = 10_000
	minBps     = 2_000
	maxBps     = 10_000
)

// --- Direction factor ---

func TestDirectionFactor_UpDownReturnDefault(t *testing.T) {
	for _, kind := range []model.MarketKind{model.SingleAsset, model.GroupBattle} {
		for _, dir := range []model.Direction{model.Up(), model.Down(), model.PercentageChange(0)} {
			got, err := DirectionFactor(kind, dir, defaultBps)
			if err != nil {
				t.Fatalf("%s/%v: unexpected error: %v", kind, dir, err)
			}
			if got != defaultBps {
				t.Errorf("%s/%v: expected %d, got %d", kind, dir, defaultBps, got)
			}
		}
	}
}

func TestDirectionFactor_Curves(t *testing.T) {
	tests := []struct {
		name string
		kind model.MarketKind
		bps  int16
		want uint64
	}{
		{"single positive", model.SingleAsset, 50, defaultBps + 50*50/100},
		{"single negative", model.SingleAsset, -50, defaultBps + 25},
		{"single truncates", model.SingleAsset, 9, defaultBps + 0},
		{"single extreme", model.SingleAsset, math.MinInt16, defaultBps + 32768*32768/100},
		{"group positive", model.GroupBattle, 150, defaultBps + 150},
		{"group negative", model.GroupBattle, -150, defaultBps + 150},
		{"group extreme", model.GroupBattle, math.MinInt16, defaultBps + 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DirectionFactor(tt.kind, model.PercentageChange(tt.bps), defaultBps)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestDirectionFactor_Overflow(t *testing.T) {
	_, err := DirectionFactor(model.GroupBattle, model.PercentageChange(1), math.MaxUint64)
	if !errors.Is(err, model.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestDirectionFactor_InvalidDirection(t *testing.T) {
	_, err := DirectionFactor(model.SingleAsset, model.Direction{Kind: "sideways"}, defaultBps)
	if !errors.Is(err, model.ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
}

// --- Time factor ---

func TestTimeFactor_InvalidDuration(t *testing.T) {
	for _, d := range []int64{0, -1} {
		_, err := TimeFactor(model.SingleAsset, 0, minBps, maxBps, d)
		if !errors.Is(err, model.ErrInvalidDuration) {
			t.Errorf("duration %d: expected ErrInvalidDuration, got %v", d, err)
		}
	}
}

func TestTimeFactor_Endpoints(t *testing.T) {
	for _, kind := range []model.MarketKind{model.SingleAsset, model.GroupBattle} {
		for _, duration := range []int64{1, 7, 3600, 86_400} {
			start, err := TimeFactor(kind, 0, minBps, maxBps, duration)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if start != maxBps {
				t.Errorf("%s d=%d: expected max %d at elapsed 0, got %d", kind, duration, maxBps, start)
			}
			for _, elapsed := range []int64{duration, duration + 1, duration * 10} {
				end, _ := TimeFactor(kind, elapsed, minBps, maxBps, duration)
				if end != minBps {
					t.Errorf("%s d=%d elapsed=%d: expected min %d, got %d", kind, duration, elapsed, minBps, end)
				}
			}
		}
	}
}

func TestTimeFactor_NegativeElapsedClamps(t *testing.T) {
	got, err := TimeFactor(model.GroupBattle, -500, minBps, maxBps, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != maxBps {
		t.Errorf("expected %d, got %d", maxBps, got)
	}
}

func TestTimeFactor_Shapes(t *testing.T) {
	// Halfway: quadratic gives 1/4 of max, linear gives 1/2.
	single, _ := TimeFactor(model.SingleAsset, 50, 0, maxBps, 100)
	if single != 2_500 {
		t.Errorf("single asset halfway: expected 2500, got %d", single)
	}
	group, _ := TimeFactor(model.GroupBattle, 50, 0, maxBps, 100)
	if group != 5_000 {
		t.Errorf("group battle halfway: expected 5000, got %d", group)
	}
	// Floor applies before elapsed reaches duration.
	floored, _ := TimeFactor(model.SingleAsset, 90, minBps, maxBps, 100)
	if floored != minBps {
		t.Errorf("expected floor %d, got %d", minBps, floored)
	}
}

func TestTimeFactor_MonotonicNonIncreasing(t *testing.T) {
	const duration = 997
	for _, kind := range []model.MarketKind{model.SingleAsset, model.GroupBattle} {
		prev := uint64(math.MaxUint64)
		for elapsed := int64(0); elapsed <= duration+3; elapsed++ {
			tf, err := TimeFactor(kind, elapsed, minBps, maxBps, duration)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tf > prev {
				t.Fatalf("%s: factor increased at elapsed=%d: %d > %d", kind, elapsed, tf, prev)
			}
			prev = tf
		}
	}
}

// --- Weight ---

func TestWeight_Basic(t *testing.T) {
	got, err := Weight(1_000, 10_000, 10_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1_000 {
		t.Errorf("expected 1000, got %d", got)
	}

	got, _ = Weight(999, 15_000, 5_000)
	// 999 × 1.5 × 0.5 = 749.25 → 749
	if got != 749 {
		t.Errorf("expected 749, got %d", got)
	}
}

func TestWeight_WideIntermediate(t *testing.T) {
	// amount × factors overflows u64 before division but not after.
	amount := uint64(math.MaxUint64 / 2)
	got, err := Weight(amount, 10_000, 10_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != amount {
		t.Errorf("expected %d, got %d", amount, got)
	}
}

func TestWeight_Overflow(t *testing.T) {
	_, err := Weight(math.MaxUint64, 20_000, 10_000)
	if !errors.Is(err, model.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestCompute_NeverExceedsBound(t *testing.T) {
	p := Params{DefaultDirectionFactorBps: defaultBps, MinTimeFactorBps: minBps, MaxTimeFactorBps: maxBps}
	const duration = 600
	dirs := []model.Direction{model.Up(), model.Down(), model.PercentageChange(250), model.PercentageChange(-1200)}

	for _, kind := range []model.MarketKind{model.SingleAsset, model.GroupBattle} {
		p.Kind = kind
		for _, dir := range dirs {
			maxDF, _ := DirectionFactor(kind, dir, defaultBps)
			for _, amount := range []uint64{1, 1_000, 123_456_789} {
				bound, _ := Weight(amount, maxDF, maxBps)
				for elapsed := int64(0); elapsed <= duration; elapsed += 37 {
					w, err := Compute(p, amount, dir, elapsed, duration)
					if err != nil {
						t.Fatalf("unexpected error: %v", err)
					}
					if w > bound {
						t.Fatalf("%s %v amount=%d elapsed=%d: weight %d exceeds bound %d",
							kind, dir, amount, elapsed, w, bound)
					}
				}
			}
		}
	}
}

func TestParamsFor(t *testing.T) {
	cfg := &model.Config{DefaultDirectionFactorBps: 10_000, MinTimeFactorBps: 1_000, MaxTimeFactorBps: 9_000}
	p := ParamsFor(cfg, model.GroupBattle)
	if p.Kind != model.GroupBattle || p.MinTimeFactorBps != 1_000 || p.MaxTimeFactorBps != 9_000 || p.DefaultDirectionFactorBps != 10_000 {
		t.Errorf("unexpected params: %+v", p)
	}
}
