// Package program manages the process-wide Config record: initialization,
// admin updates, the pause switches, and the capability predicates every
// other operation is gated on. All functions are pure over an explicit
// *model.Config.
package program

import (
	"fmt"
	"strings"
	"time"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// Params are the initial settings of a new program.
type Params struct {
	Admin                     string
	Treasury                  string
	Keepers                   []string
	SingleAssetFeeBps         uint16
	GroupBattleFeeBps         uint16
	MinBetAmount              uint64
	BetCutoffWindow           time.Duration
	MinTimeFactorBps          uint16
	MaxTimeFactorBps          uint16
	DefaultDirectionFactorBps uint16
	MaxPriceAge               time.Duration
}

// Update carries optional changes; nil fields are left untouched.
type Update struct {
	Admin                     *string        `json:"admin,omitempty"`
	Treasury                  *string        `json:"treasury,omitempty"`
	Keepers                   []string       `json:"keepers,omitempty"`
	SingleAssetFeeBps         *uint16        `json:"single_asset_fee_bps,omitempty"`
	GroupBattleFeeBps         *uint16        `json:"group_battle_fee_bps,omitempty"`
	MinBetAmount              *uint64        `json:"min_bet_amount,omitempty"`
	BetCutoffWindow           *time.Duration `json:"bet_cutoff_window,omitempty"`
	MinTimeFactorBps          *uint16        `json:"min_time_factor_bps,omitempty"`
	MaxTimeFactorBps          *uint16        `json:"max_time_factor_bps,omitempty"`
	DefaultDirectionFactorBps *uint16        `json:"default_direction_factor_bps,omitempty"`
	MaxPriceAge               *time.Duration `json:"max_price_age,omitempty"`
}

// Initialize builds the singleton Config in the Active state.
func Initialize(p Params, now time.Time) (*model.Config, error) {
	cfg := &model.Config{
		Admin:                     p.Admin,
		Treasury:                  p.Treasury,
		Keepers:                   append([]string(nil), p.Keepers...),
		SingleAssetFeeBps:         p.SingleAssetFeeBps,
		GroupBattleFeeBps:         p.GroupBattleFeeBps,
		MinBetAmount:              p.MinBetAmount,
		BetCutoffWindow:           p.BetCutoffWindow,
		MinTimeFactorBps:          p.MinTimeFactorBps,
		MaxTimeFactorBps:          p.MaxTimeFactorBps,
		DefaultDirectionFactorBps: p.DefaultDirectionFactorBps,
		MaxPriceAge:               p.MaxPriceAge,
		Status:                    model.ProgramActive,
		Version:                   1,
		CreatedAt:                 now,
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply validates u against a copy of cfg and, on success, writes it back
// and bumps cfg.Version.
func Apply(cfg *model.Config, u Update) error {
	next := cfg.Clone()
	if u.Admin != nil {
		next.Admin = *u.Admin
	}
	if u.Treasury != nil {
		next.Treasury = *u.Treasury
	}
	if u.Keepers != nil {
		next.Keepers = append([]string(nil), u.Keepers...)
	}
	if u.SingleAssetFeeBps != nil {
		next.SingleAssetFeeBps = *u.SingleAssetFeeBps
	}
	if u.GroupBattleFeeBps != nil {
		next.GroupBattleFeeBps = *u.GroupBattleFeeBps
	}
	if u.MinBetAmount != nil {
		next.MinBetAmount = *u.MinBetAmount
	}
	if u.BetCutoffWindow != nil {
		next.BetCutoffWindow = *u.BetCutoffWindow
	}
	if u.MinTimeFactorBps != nil {
		next.MinTimeFactorBps = *u.MinTimeFactorBps
	}
	if u.MaxTimeFactorBps != nil {
		next.MaxTimeFactorBps = *u.MaxTimeFactorBps
	}
	if u.DefaultDirectionFactorBps != nil {
		next.DefaultDirectionFactorBps = *u.DefaultDirectionFactorBps
	}
	if u.MaxPriceAge != nil {
		next.MaxPriceAge = *u.MaxPriceAge
	}
	if err := Validate(next); err != nil {
		return err
	}
	if next.Version == ^uint32(0) {
		return model.ErrOverflow
	}
	next.Version++
	*cfg = *next
	return nil
}

// Validate checks every Config bound and reports all violations at once.
func Validate(cfg *model.Config) error {
	var errs []string

	if cfg.Admin == "" {
		errs = append(errs, "admin must not be empty")
	}
	if cfg.Treasury == "" {
		errs = append(errs, "treasury must not be empty")
	}
	if n := len(cfg.Keepers); n == 0 || n > model.MaxKeepers {
		errs = append(errs, fmt.Sprintf("keepers: need 1 to %d, got %d", model.MaxKeepers, n))
	}
	seen := make(map[string]bool, len(cfg.Keepers))
	for _, k := range cfg.Keepers {
		if k == "" {
			errs = append(errs, "keepers: empty identity")
		}
		if seen[k] {
			errs = append(errs, fmt.Sprintf("keepers: duplicate %q", k))
		}
		seen[k] = true
	}
	if cfg.SingleAssetFeeBps >= model.HundredPercentBps {
		errs = append(errs, "single_asset_fee_bps must be below 10000")
	}
	if cfg.GroupBattleFeeBps >= model.HundredPercentBps {
		errs = append(errs, "group_battle_fee_bps must be below 10000")
	}
	if cfg.MinBetAmount == 0 {
		errs = append(errs, "min_bet_amount must be positive")
	}
	if cfg.BetCutoffWindow < 0 {
		errs = append(errs, "bet_cutoff_window must not be negative")
	}
	if cfg.MaxTimeFactorBps > model.HundredPercentBps {
		errs = append(errs, "max_time_factor_bps must not exceed 10000")
	}
	if cfg.MinTimeFactorBps > cfg.MaxTimeFactorBps {
		errs = append(errs, "min_time_factor_bps must not exceed max_time_factor_bps")
	}
	if cfg.DefaultDirectionFactorBps == 0 || cfg.DefaultDirectionFactorBps > model.HundredPercentBps {
		errs = append(errs, "default_direction_factor_bps must be in (0, 10000]")
	}
	if cfg.MaxPriceAge <= 0 {
		errs = append(errs, "max_price_age must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// IsAdmin reports whether who holds the admin capability.
func IsAdmin(cfg *model.Config, who string) bool {
	return who != "" && who == cfg.Admin
}

// IsKeeper reports whether who is in the keeper set.
func IsKeeper(cfg *model.Config, who string) bool {
	if who == "" {
		return false
	}
	for _, k := range cfg.Keepers {
		if k == who {
			return true
		}
	}
	return false
}

func RequireAdmin(cfg *model.Config, who string) error {
	if !IsAdmin(cfg, who) {
		return model.ErrUnauthorized
	}
	return nil
}

func RequireKeeper(cfg *model.Config, who string) error {
	if !IsKeeper(cfg, who) {
		return model.ErrUnauthorizedKeeper
	}
	return nil
}

// RequireActive gates operations that only run while fully active.
func RequireActive(cfg *model.Config) error {
	if cfg.Status != model.ProgramActive {
		return fmt.Errorf("%w: status %s", model.ErrProgramPaused, cfg.Status)
	}
	return nil
}

// RequireOperational gates lifecycle, claim and cancel operations, which
// stay available under an emergency pause.
func RequireOperational(cfg *model.Config) error {
	if cfg.Status != model.ProgramActive && cfg.Status != model.ProgramEmergencyPaused {
		return fmt.Errorf("%w: status %s", model.ErrProgramPaused, cfg.Status)
	}
	return nil
}

func Pause(cfg *model.Config) error {
	if cfg.Status == model.ProgramPaused {
		return fmt.Errorf("%w: already paused", model.ErrInvalidProgramStatus)
	}
	cfg.Status = model.ProgramPaused
	return nil
}

func Unpause(cfg *model.Config) error {
	if cfg.Status != model.ProgramPaused {
		return fmt.Errorf("%w: not paused", model.ErrInvalidProgramStatus)
	}
	cfg.Status = model.ProgramActive
	return nil
}

func EmergencyPause(cfg *model.Config) error {
	if cfg.Status == model.ProgramEmergencyPaused {
		return fmt.Errorf("%w: already emergency paused", model.ErrInvalidProgramStatus)
	}
	cfg.Status = model.ProgramEmergencyPaused
	return nil
}

func EmergencyUnpause(cfg *model.Config) error {
	if cfg.Status != model.ProgramEmergencyPaused {
		return fmt.Errorf("%w: not emergency paused", model.ErrInvalidProgramStatus)
	}
	cfg.Status = model.ProgramActive
	return nil
}

// NextRoundID advances the round counter and returns the new id.
func NextRoundID(cfg *model.Config) (uint64, error) {
	if cfg.RoundCounter == ^uint64(0) {
		return 0, model.ErrOverflow
	}
	cfg.RoundCounter++
	return cfg.RoundCounter, nil
}
