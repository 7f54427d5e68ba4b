// Package events fans round lifecycle events out to observers: WebSocket
// clients and a NATS JetStream stream.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	ConfigInitialized    Type = "config_initialized"
	ConfigUpdated        Type = "config_updated"
	ProgramStatusChanged Type = "program_status_changed"

	RoundCreated    Type = "round_created"
	RoundStarted    Type = "round_started"
	RoundEnded      Type = "round_ended"
	RoundCancelling Type = "round_cancelling"
	RoundClosed     Type = "round_closed"

	GroupAdded           Type = "group_added"
	AssetAdded           Type = "asset_added"
	StartPricesCaptured  Type = "start_prices_captured"
	GroupsStartFinalized Type = "groups_start_finalized"
	EndPricesCaptured    Type = "end_prices_captured"
	GroupAssetsFinalized Type = "group_assets_finalized"
	WinnerGroupsSelected Type = "winner_groups_selected"

	BetPlaced     Type = "bet_placed"
	BetWithdrawn  Type = "bet_withdrawn"
	BetsSettled   Type = "bets_settled"
	BetsRefunded  Type = "bets_refunded"
	RewardClaimed Type = "reward_claimed"
)

// Event is one committed state change. Fields not relevant to Type are
// left zero.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RoundID   uint64    `json:"round_id,omitempty"`
	BetID     uint64    `json:"bet_id,omitempty"`
	GroupID   uint64    `json:"group_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps a fresh event of type t.
func New(t Type, roundID uint64, at time.Time) Event {
	return Event{ID: uuid.New().String(), Type: t, RoundID: roundID, Timestamp: at}
}

// Publisher delivers events. Publish must not block the caller on slow
// consumers; events may be dropped.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
