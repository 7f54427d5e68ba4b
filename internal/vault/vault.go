// Package vault moves value between accounts on behalf of the engine.
//
// Each round owns one vault account, named by the round's vault address.
// Stakes flow in from bettors; rewards, refunds and fees flow out. The
// Ledger is an external collaborator; MemoryLedger is the in-process
// implementation used by the server and tests.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// Ledger transfers value atomically. Every call either fully applies or
// fails with no effect.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
	// CloseVault moves the whole balance of vault to dest and removes the
	// vault account. It returns the amount moved.
	CloseVault(ctx context.Context, vault, dest string) (uint64, error)
	Balance(ctx context.Context, account string) (uint64, error)
}

// Account returns the ledger account of a round's vault.
func Account(roundID uint64) string {
	return address.Vault(roundID).String()
}

// MemoryLedger is a Ledger over an in-memory balance map.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]uint64)}
}

// Deposit credits account from outside the system.
func (l *MemoryLedger) Deposit(account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.balances[account] + amount
	if next < l.balances[account] {
		return model.ErrOverflow
	}
	l.balances[account] = next
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == 0 {
		return nil
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", model.ErrInsufficientBalance, from, l.balances[from], amount)
	}
	if l.balances[to]+amount < l.balances[to] {
		return fmt.Errorf("%w: credit to %s", model.ErrTransferFailed, to)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) CloseVault(_ context.Context, vault, dest string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := l.balances[vault]
	if l.balances[dest]+amount < l.balances[dest] {
		return 0, fmt.Errorf("%w: credit to %s", model.ErrTransferFailed, dest)
	}
	l.balances[dest] += amount
	delete(l.balances, vault)
	return amount, nil
}

func (l *MemoryLedger) Balance(_ context.Context, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

type movement struct {
	from, to string
	amount   uint64
}

// Journal records the transfers of one engine operation so they can be
// reversed if a later transfer or the state commit fails.
type Journal struct {
	ledger Ledger
	moves  []movement
}

// NewJournal starts an empty journal over l.
func NewJournal(l Ledger) *Journal {
	return &Journal{ledger: l}
}

// Transfer applies and records a transfer.
func (j *Journal) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := j.ledger.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	j.moves = append(j.moves, movement{from: from, to: to, amount: amount})
	return nil
}

// CloseVault applies and records a vault close.
func (j *Journal) CloseVault(ctx context.Context, vault, dest string) (uint64, error) {
	amount, err := j.ledger.CloseVault(ctx, vault, dest)
	if err != nil {
		return 0, err
	}
	j.moves = append(j.moves, movement{from: vault, to: dest, amount: amount})
	return amount, nil
}

// Rollback reverses every recorded movement, newest first. It keeps going
// past failures and returns the first one.
func (j *Journal) Rollback(ctx context.Context) error {
	var first error
	for i := len(j.moves) - 1; i >= 0; i-- {
		m := j.moves[i]
		if err := j.ledger.Transfer(ctx, m.to, m.from, m.amount); err != nil && first == nil {
			first = fmt.Errorf("reverse %s→%s %d: %w", m.from, m.to, m.amount, err)
		}
	}
	j.moves = nil
	return first
}

// Moved sums the recorded movements.
func (j *Journal) Moved() uint64 {
	var sum uint64
	for _, m := range j.moves {
		sum += m.amount
	}
	return sum
}
