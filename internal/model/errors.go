package model

import (
	"errors"
)

// ErrorClass partitions failures by who is expected to act on them.
type ErrorClass string

const (
	// ClassValidation covers bad input, wrong state and unauthorized calls.
	ClassValidation ErrorClass = "validation"
	// ClassArithmetic covers checked-math failures.
	ClassArithmetic ErrorClass = "arithmetic"
	// ClassConsistency covers identity mismatches on caller-supplied records.
	ClassConsistency ErrorClass = "consistency"
	// ClassExternal covers oracle, transfer and storage collaborator failures.
	ClassExternal ErrorClass = "external"
)

// Error is a typed engine failure. Sentinels are compared with errors.Is and
// may be wrapped with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Class ErrorClass
	Code  string
	msg   string
}

func (e *Error) Error() string { return e.msg }

func newError(class ErrorClass, code, msg string) *Error {
	return &Error{Class: class, Code: code, msg: msg}
}

// ClassOf returns the class of the first *Error in err's chain, or "" when
// err carries none.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Validation.
var (
	ErrUnauthorized         = newError(ClassValidation, "unauthorized", "signer is not authorized")
	ErrUnauthorizedKeeper   = newError(ClassValidation, "unauthorized_keeper", "signer is not a keeper")
	ErrProgramPaused        = newError(ClassValidation, "program_paused", "program is paused")
	ErrInvalidProgramStatus = newError(ClassValidation, "invalid_program_status", "invalid program status for this transition")
	ErrAlreadyInitialized   = newError(ClassValidation, "already_initialized", "config already initialized")
	ErrNotInitialized       = newError(ClassValidation, "not_initialized", "config not initialized")
	ErrInvalidConfig        = newError(ClassValidation, "invalid_config", "invalid config")
	ErrNotFound             = newError(ClassValidation, "not_found", "record not found")

	ErrInvalidRoundTime     = newError(ClassValidation, "invalid_round_time", "invalid round time window")
	ErrInvalidMarketKind    = newError(ClassValidation, "invalid_market_kind", "invalid market kind for this operation")
	ErrInvalidRoundStatus   = newError(ClassValidation, "invalid_round_status", "invalid round status for this operation")
	ErrRoundNotStarted      = newError(ClassValidation, "round_not_started", "round start time not reached")
	ErrRoundNotActive       = newError(ClassValidation, "round_not_active", "round is not active")
	ErrBettingClosed        = newError(ClassValidation, "betting_closed", "bet cutoff time reached")
	ErrRoundNotReady        = newError(ClassValidation, "round_not_ready", "round end time not reached")
	ErrRoundNotEnded        = newError(ClassValidation, "round_not_ended", "round is not ended")
	ErrBetBelowMinimum      = newError(ClassValidation, "bet_below_minimum", "bet amount below minimum")
	ErrInvalidDirection     = newError(ClassValidation, "invalid_direction", "invalid bet direction")
	ErrInvalidGroup         = newError(ClassValidation, "invalid_group", "invalid group for this bet")
	ErrNotBetOwner          = newError(ClassValidation, "not_bet_owner", "signer does not own this bet")
	ErrBetNotPending        = newError(ClassValidation, "bet_not_pending", "bet is not pending")
	ErrClaimPendingBet      = newError(ClassValidation, "claim_pending_bet", "cannot claim a pending bet")
	ErrClaimLosingBet       = newError(ClassValidation, "claim_losing_bet", "cannot claim a losing bet")
	ErrAlreadyClaimed       = newError(ClassValidation, "already_claimed", "reward already claimed")
	ErrInvalidDuration      = newError(ClassValidation, "invalid_duration", "round duration must be positive")
	ErrInvalidBatchSize     = newError(ClassValidation, "invalid_batch_size", "invalid batch size")
	ErrInvalidSymbol        = newError(ClassValidation, "invalid_symbol", "invalid symbol")
	ErrGroupFull            = newError(ClassValidation, "group_full", "group asset limit reached")
	ErrTooManyGroups        = newError(ClassValidation, "too_many_groups", "round group limit reached")
	ErrNoGroups             = newError(ClassValidation, "no_groups", "round has no groups")
	ErrGroupEmpty           = newError(ClassValidation, "group_empty", "group has no assets")
	ErrStartNotCaptured     = newError(ClassValidation, "start_not_captured", "start prices not captured for every asset")
	ErrGroupsNotFinalized   = newError(ClassValidation, "groups_not_finalized", "not every group is finalized")
	ErrPriceNotCaptured     = newError(ClassValidation, "price_not_captured", "asset prices not captured")
	ErrWinnersAlreadySet    = newError(ClassValidation, "winners_already_set", "winner groups already selected")
	ErrWinnersNotSet        = newError(ClassValidation, "winners_not_set", "winner groups not selected")
	ErrTooManyWinners       = newError(ClassValidation, "too_many_winners", "winner group limit exceeded")
	ErrIncompleteGroupSet   = newError(ClassValidation, "incomplete_group_set", "winner selection requires every group of the round")
	ErrCancelWhileSettling  = newError(ClassValidation, "cancel_while_settling", "round is settling")
)

// Arithmetic.
var (
	ErrOverflow          = newError(ClassArithmetic, "overflow", "arithmetic overflow")
	ErrUnderflow         = newError(ClassArithmetic, "underflow", "arithmetic underflow")
	ErrRewardCalculation = newError(ClassArithmetic, "reward_calculation", "reward calculation error")
)

// Consistency.
var (
	ErrInvalidBetAccount   = newError(ClassConsistency, "invalid_bet_account", "bet record does not match its expected address")
	ErrInvalidGroupAccount = newError(ClassConsistency, "invalid_group_account", "group record does not match its expected address")
	ErrInvalidAssetAccount = newError(ClassConsistency, "invalid_asset_account", "asset record does not match its expected address")
	ErrDuplicateEntry      = newError(ClassConsistency, "duplicate_entry", "record supplied twice in one batch")
	ErrBatchOverrun        = newError(ClassConsistency, "batch_overrun", "batch exceeds the round's remaining bets")
)

// External.
var (
	ErrStalePrice          = newError(ClassExternal, "stale_price", "oracle price is stale")
	ErrInvalidAssetPrice   = newError(ClassExternal, "invalid_asset_price", "invalid asset price")
	ErrPriceUnavailable    = newError(ClassExternal, "price_unavailable", "oracle price unavailable")
	ErrInsufficientBalance = newError(ClassExternal, "insufficient_balance", "insufficient balance")
	ErrTransferFailed      = newError(ClassExternal, "transfer_failed", "value transfer failed")
	ErrConflict            = newError(ClassExternal, "conflict", "concurrent modification")
	ErrLockHeld            = newError(ClassExternal, "lock_held", "round is locked by another operation")
)
