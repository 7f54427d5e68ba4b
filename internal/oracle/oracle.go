// Package oracle reads externally validated asset prices and normalizes
// them to the engine's fixed-point representation.
package oracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// Price is a raw oracle observation: Value × 10^Exponent.
type Price struct {
	Value       int64     `json:"value"`
	Exponent    int32     `json:"exponent"`
	PublishedAt time.Time `json:"published_at"`
}

// Oracle returns the latest price for a feed, failing with ErrStalePrice
// when it was published more than maxAge ago.
type Oracle interface {
	GetPrice(ctx context.Context, feedID string, maxAge time.Duration) (Price, error)
}

const maxScale = 19

var maxU64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// Normalize rescales price × 10^exponent to PriceDecimals fixed-point
// decimals. Extra precision is truncated. Negative values fail with
// ErrInvalidAssetPrice; values beyond u64 and exponents that cannot be
// rescaled fail with ErrOverflow.
func Normalize(price int64, exponent int32) (uint64, error) {
	if price < 0 {
		return 0, fmt.Errorf("%w: negative price %d", model.ErrInvalidAssetPrice, price)
	}
	if price == 0 {
		return 0, nil
	}
	// u64 holds at most 20 digits, so any nonzero price overflows above
	// 10^19 and truncates to nothing below 10^-19.
	scale := int64(exponent) + model.PriceDecimals
	if scale > maxScale || scale < -maxScale {
		return 0, fmt.Errorf("%w: exponent %d", model.ErrOverflow, exponent)
	}
	v := decimal.New(price, int32(scale)).Truncate(0)
	if v.GreaterThan(maxU64) {
		return 0, model.ErrOverflow
	}
	return v.BigInt().Uint64(), nil
}

// ReadNormalized fetches feedID and returns its normalized, strictly
// positive price.
func ReadNormalized(ctx context.Context, o Oracle, feedID string, maxAge time.Duration) (uint64, error) {
	p, err := o.GetPrice(ctx, feedID, maxAge)
	if err != nil {
		return 0, err
	}
	v, err := Normalize(p.Value, p.Exponent)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: zero price for feed %s", model.ErrInvalidAssetPrice, feedID)
	}
	return v, nil
}

// checkFresh applies the staleness rule shared by every implementation.
func checkFresh(feedID string, p Price, now time.Time, maxAge time.Duration) error {
	if now.Sub(p.PublishedAt) > maxAge {
		return fmt.Errorf("%w: feed %s published at %s", model.ErrStalePrice, feedID, p.PublishedAt.Format(time.RFC3339))
	}
	return nil
}

// MemoryOracle is an in-process price table. Used for testing and
// development.
type MemoryOracle struct {
	mu     sync.RWMutex
	prices map[string]Price
	now    func() time.Time
}

// NewMemoryOracle creates an empty oracle reading time from now.
func NewMemoryOracle(now func() time.Time) *MemoryOracle {
	if now == nil {
		now = time.Now
	}
	return &MemoryOracle{prices: make(map[string]Price), now: now}
}

// SetPrice records the latest observation for feedID.
func (o *MemoryOracle) SetPrice(feedID string, p Price) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[feedID] = p
}

func (o *MemoryOracle) GetPrice(_ context.Context, feedID string, maxAge time.Duration) (Price, error) {
	o.mu.RLock()
	p, ok := o.prices[feedID]
	o.mu.RUnlock()
	if !ok {
		return Price{}, fmt.Errorf("%w: feed %s", model.ErrPriceUnavailable, feedID)
	}
	if err := checkFresh(feedID, p, o.now(), maxAge); err != nil {
		return Price{}, err
	}
	return p, nil
}
