// Package weight converts a stake into its share of the reward pool.
//
// A bet's weight is amount × direction factor × time factor, with both
// factors in basis points:
//   - The direction factor rewards conviction. Up and Down earn the default
//     factor; a signed percentage call earns a bonus on top of it.
//   - The time factor decays from max to min across the betting window, so
//     early bets weigh more than late ones.
//
// All products are computed in 256-bit unsigned intermediates and checked
// against the u64 range before being returned. Division truncates.
package weight

import (
	"github.com/holiman/uint256"

	"github.com/atmx/parimutuel-engine/internal/model"
)

var bpsSquared = uint256.NewInt(model.HundredPercentBps * model.HundredPercentBps)

// DirectionFactor returns the direction multiplier in bps. Up, Down and a
// zero percentage return defaultBps. A non-zero percentage p earns
// defaultBps + p²/BpsScalingFactor on SingleAsset rounds and
// defaultBps + |p| on GroupBattle rounds.
func DirectionFactor(kind model.MarketKind, dir model.Direction, defaultBps uint64) (uint64, error) {
	switch dir.Kind {
	case model.DirectionUp, model.DirectionDown:
		return defaultBps, nil
	case model.DirectionPercentageChange:
	default:
		return 0, model.ErrInvalidDirection
	}
	if dir.Bps == 0 {
		return defaultBps, nil
	}

	abs := int64(dir.Bps)
	if abs < 0 {
		abs = -abs
	}
	mag := uint256.NewInt(uint64(abs))
	base := uint256.NewInt(defaultBps)

	var bonus *uint256.Int
	switch kind {
	case model.SingleAsset:
		sq, overflow := new(uint256.Int).MulOverflow(mag, mag)
		if overflow {
			return 0, model.ErrOverflow
		}
		bonus = sq.Div(sq, uint256.NewInt(model.BpsScalingFactor))
	case model.GroupBattle:
		bonus = mag
	default:
		return 0, model.ErrInvalidMarketKind
	}

	factor, overflow := new(uint256.Int).AddOverflow(base, bonus)
	if overflow || !factor.IsUint64() {
		return 0, model.ErrOverflow
	}
	return factor.Uint64(), nil
}

// TimeFactor returns the time-decay multiplier in bps for a bet placed
// elapsed seconds into a window of duration seconds. It is exactly maxBps at
// elapsed == 0 and exactly minBps once elapsed >= duration; elapsed outside
// [0, duration] is clamped. SingleAsset decays quadratically and GroupBattle
// linearly; both are floored at minBps.
func TimeFactor(kind model.MarketKind, elapsed int64, minBps, maxBps uint64, duration int64) (uint64, error) {
	if duration <= 0 {
		return 0, model.ErrInvalidDuration
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= duration {
		return minBps, nil
	}

	d := uint256.NewInt(uint64(duration))
	hi := uint256.NewInt(maxBps)

	var tf *uint256.Int
	switch kind {
	case model.SingleAsset:
		// (duration-elapsed)² × max / duration²
		rem := uint256.NewInt(uint64(duration - elapsed))
		num := new(uint256.Int).Mul(rem, rem)
		num.Mul(num, hi)
		den := new(uint256.Int).Mul(d, d)
		tf = num.Div(num, den)
	case model.GroupBattle:
		// max - elapsed × max / duration
		dec := new(uint256.Int).Mul(uint256.NewInt(uint64(elapsed)), hi)
		dec.Div(dec, d)
		tf = new(uint256.Int).Sub(hi, dec)
	default:
		return 0, model.ErrInvalidMarketKind
	}

	if !tf.IsUint64() {
		return 0, model.ErrOverflow
	}
	v := tf.Uint64()
	if v < minBps {
		v = minBps
	}
	return v, nil
}

// Weight returns amount × directionFactor × timeFactor / 10⁸, truncated.
func Weight(amount, directionFactor, timeFactor uint64) (uint64, error) {
	w, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(directionFactor))
	if overflow {
		return 0, model.ErrOverflow
	}
	if _, overflow = w.MulOverflow(w, uint256.NewInt(timeFactor)); overflow {
		return 0, model.ErrOverflow
	}
	w.Div(w, bpsSquared)
	if !w.IsUint64() {
		return 0, model.ErrOverflow
	}
	return w.Uint64(), nil
}

// Params carries the config values that shape a bet's weight.
type Params struct {
	Kind                      model.MarketKind
	DefaultDirectionFactorBps uint64
	MinTimeFactorBps          uint64
	MaxTimeFactorBps          uint64
}

// ParamsFor extracts weighting parameters for a round of the given kind.
func ParamsFor(cfg *model.Config, kind model.MarketKind) Params {
	return Params{
		Kind:                      kind,
		DefaultDirectionFactorBps: uint64(cfg.DefaultDirectionFactorBps),
		MinTimeFactorBps:          uint64(cfg.MinTimeFactorBps),
		MaxTimeFactorBps:          uint64(cfg.MaxTimeFactorBps),
	}
}

// Compute runs the full pipeline for one bet.
func Compute(p Params, amount uint64, dir model.Direction, elapsed, duration int64) (uint64, error) {
	df, err := DirectionFactor(p.Kind, dir, p.DefaultDirectionFactorBps)
	if err != nil {
		return 0, err
	}
	tf, err := TimeFactor(p.Kind, elapsed, p.MinTimeFactorBps, p.MaxTimeFactorBps, duration)
	if err != nil {
		return 0, err
	}
	return Weight(amount, df, tf)
}
