package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// MemoryBackend implements Backend with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[address.Address]Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[address.Address]Record)}
}

// NewMemoryStore is a Store over a fresh MemoryBackend.
func NewMemoryStore() *Store {
	return New(NewMemoryBackend())
}

func (m *MemoryBackend) Load(_ context.Context, addr address.Address) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, addr)
	}
	// Copy to avoid external mutation.
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

func (m *MemoryBackend) List(_ context.Context, kind address.Kind, parent address.Address) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if rec.Kind == kind && rec.Parent == parent {
			rec.Data = append([]byte(nil), rec.Data...)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (m *MemoryBackend) Apply(_ context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every precondition before touching the map.
	seen := make(map[address.Address]bool, len(writes))
	for _, w := range writes {
		if seen[w.Address] {
			return fmt.Errorf("%w: %s written twice", model.ErrConflict, w.Address)
		}
		seen[w.Address] = true

		cur, exists := m.records[w.Address]
		switch {
		case w.Revision == 0 && exists:
			return fmt.Errorf("%w: %s %s already exists", model.ErrConflict, w.Kind, w.Address)
		case w.Revision != 0 && !exists:
			return fmt.Errorf("%w: %s %s is gone", model.ErrConflict, w.Kind, w.Address)
		case exists && cur.Revision != w.Revision:
			return fmt.Errorf("%w: %s %s at revision %d, expected %d", model.ErrConflict, w.Kind, w.Address, cur.Revision, w.Revision)
		}
	}

	for _, w := range writes {
		if w.Delete {
			delete(m.records, w.Address)
			continue
		}
		rec := w.Record
		rec.Data = append([]byte(nil), w.Data...)
		rec.Revision = w.Revision + 1
		m.records[w.Address] = rec
	}
	return nil
}
