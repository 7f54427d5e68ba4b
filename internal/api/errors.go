package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// stateErrors are validation failures caused by the current state of the
// program or round rather than by the request itself.
var stateErrors = []error{
	model.ErrProgramPaused,
	model.ErrInvalidProgramStatus,
	model.ErrAlreadyInitialized,
	model.ErrNotInitialized,
	model.ErrInvalidRoundStatus,
	model.ErrRoundNotStarted,
	model.ErrRoundNotActive,
	model.ErrBettingClosed,
	model.ErrRoundNotReady,
	model.ErrRoundNotEnded,
	model.ErrBetNotPending,
	model.ErrClaimPendingBet,
	model.ErrAlreadyClaimed,
	model.ErrStartNotCaptured,
	model.ErrGroupsNotFinalized,
	model.ErrPriceNotCaptured,
	model.ErrWinnersAlreadySet,
	model.ErrWinnersNotSet,
	model.ErrCancelWhileSettling,
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized),
		errors.Is(err, model.ErrUnauthorizedKeeper),
		errors.Is(err, model.ErrNotBetOwner):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrLockHeld):
		return http.StatusConflict
	}

	switch model.ClassOf(err) {
	case model.ClassValidation:
		for _, target := range stateErrors {
			if errors.Is(err, target) {
				return http.StatusConflict
			}
		}
		return http.StatusBadRequest
	case model.ClassConsistency:
		return http.StatusUnprocessableEntity
	case model.ClassExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Class string `json:"class,omitempty"`
}

// writeEngineError writes err with its class and code. Unclassified errors
// are logged and hidden from the caller.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{
		Error: err.Error(),
		Code:  model.CodeOf(err),
		Class: string(model.ClassOf(err)),
	}
	if body.Class == "" {
		slog.Error("unclassified engine error", "err", err)
		body.Error = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}
