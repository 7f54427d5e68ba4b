package oracle

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atmx/parimutuel-engine/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		price int64
		expo  int32
		want  uint64
	}{
		{"already six decimals", 1_234_567, -6, 1_234_567},
		{"scale up", 2_350, -2, 23_500_000},
		{"scale down truncates", 123_456_789, -8, 1_234_567},
		{"positive exponent", 5, 2, 500_000_000},
		{"zero", 0, -8, 0},
		{"sub-unit truncates to zero", 9, -7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.price, tt.expo)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNormalize_Negative(t *testing.T) {
	_, err := Normalize(-1, -6)
	if !errors.Is(err, model.ErrInvalidAssetPrice) {
		t.Errorf("expected ErrInvalidAssetPrice, got %v", err)
	}
}

func TestNormalize_Overflow(t *testing.T) {
	_, err := Normalize(math.MaxInt64, 0)
	if !errors.Is(err, model.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestNormalize_ExponentOutOfRange(t *testing.T) {
	for _, exp := range []int32{math.MaxInt32, math.MinInt32, 2_000_000_000, -2_000_000_000, 14, -26} {
		if _, err := Normalize(1, exp); !errors.Is(err, model.ErrOverflow) {
			t.Errorf("exponent %d: expected ErrOverflow, got %v", exp, err)
		}
	}
	// The widest scales that still fit are accepted.
	if v, err := Normalize(1, 13); err != nil || v != 10_000_000_000_000_000_000 {
		t.Errorf("expected 10^19, got %d, %v", v, err)
	}
	if v, err := Normalize(math.MaxInt64, -25); err != nil || v != 0 {
		t.Errorf("expected truncation to 0, got %d, %v", v, err)
	}
	if v, err := Normalize(0, math.MaxInt32); err != nil || v != 0 {
		t.Errorf("expected zero price to normalize to 0, got %d, %v", v, err)
	}
}

func TestMemoryOracle_Staleness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o := NewMemoryOracle(func() time.Time { return now })
	o.SetPrice("XAU", Price{Value: 2_000_000_000, Exponent: -6, PublishedAt: now.Add(-30 * time.Second)})

	if _, err := o.GetPrice(context.Background(), "XAU", time.Minute); err != nil {
		t.Fatalf("fresh price: unexpected error: %v", err)
	}
	_, err := o.GetPrice(context.Background(), "XAU", 10*time.Second)
	if !errors.Is(err, model.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
	if model.ClassOf(err) != model.ClassExternal {
		t.Errorf("expected external class, got %q", model.ClassOf(err))
	}
}

func TestMemoryOracle_Missing(t *testing.T) {
	o := NewMemoryOracle(nil)
	_, err := o.GetPrice(context.Background(), "NOPE", time.Minute)
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestReadNormalized_RejectsZero(t *testing.T) {
	now := time.Now()
	o := NewMemoryOracle(func() time.Time { return now })
	o.SetPrice("ZERO", Price{Value: 0, Exponent: -6, PublishedAt: now})
	_, err := ReadNormalized(context.Background(), o, "ZERO", time.Minute)
	if !errors.Is(err, model.ErrInvalidAssetPrice) {
		t.Errorf("expected ErrInvalidAssetPrice, got %v", err)
	}

	o.SetPrice("ONE", Price{Value: 100, Exponent: -2, PublishedAt: now})
	v, err := ReadNormalized(context.Background(), o, "ONE", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1_000_000 {
		t.Errorf("expected 1000000, got %d", v)
	}
}

func TestParsePrice(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := parsePrice("XAU", map[string]string{
		"value": "123456",
		"expo":  "-3",
		"ts":    "1772323200000000000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Value != 123456 || p.Exponent != -3 || !p.PublishedAt.Equal(ts) {
		t.Errorf("unexpected price: %+v", p)
	}

	if _, err := parsePrice("XAU", map[string]string{}); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("empty hash: expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := parsePrice("XAU", map[string]string{"value": "x", "expo": "0", "ts": "0"}); !errors.Is(err, model.ErrInvalidAssetPrice) {
		t.Errorf("bad value: expected ErrInvalidAssetPrice, got %v", err)
	}
}
