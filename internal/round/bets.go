package round

import (
	"fmt"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// BetRef is a caller-supplied bet handle and the record loaded from it.
type BetRef struct {
	Address address.Address
	Bet     *model.Bet
}

// VerifyBet checks that ref's record lives at the address derived from its
// own (round, id) and belongs to round roundID.
func VerifyBet(roundID uint64, ref BetRef) error {
	b := ref.Bet
	if b == nil || b.RoundID != roundID || address.Bet(b.RoundID, b.ID) != ref.Address {
		return fmt.Errorf("%w: %s", model.ErrInvalidBetAccount, ref.Address)
	}
	return nil
}

// CheckBetBatch validates a batch of pending bets against r before any of
// them is touched. done is the number of bets already processed by earlier
// batches of the same operation; a batch that would carry the count past
// r.TotalBets fails with ErrBatchOverrun.
func CheckBetBatch(r *model.Round, refs []BetRef, done uint64) error {
	if len(refs) == 0 || len(refs) > model.MaxBatchSize {
		return fmt.Errorf("%w: %d", model.ErrInvalidBatchSize, len(refs))
	}
	if done+uint64(len(refs)) > r.TotalBets {
		return fmt.Errorf("%w: %d done, %d supplied, %d total", model.ErrBatchOverrun, done, len(refs), r.TotalBets)
	}
	seen := make(map[address.Address]bool, len(refs))
	for _, ref := range refs {
		if err := VerifyBet(r.ID, ref); err != nil {
			return err
		}
		if seen[ref.Address] {
			return fmt.Errorf("%w: %s", model.ErrDuplicateEntry, ref.Address)
		}
		seen[ref.Address] = true
		if ref.Bet.Status != model.BetPending {
			return fmt.Errorf("%w: bet %d is %s", model.ErrBetNotPending, ref.Bet.ID, ref.Bet.Status)
		}
	}
	return nil
}

// Refs builds handles for bets loaded by the caller itself.
func Refs(bets []*model.Bet) []BetRef {
	refs := make([]BetRef, len(bets))
	for i, b := range bets {
		refs[i] = BetRef{Address: address.Bet(b.RoundID, b.ID), Bet: b}
	}
	return refs
}
