package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/parimutuel-engine/internal/metrics"
)

const (
	// StreamName is the JetStream stream holding engine events.
	StreamName = "PARIMUTUEL_EVENTS"
	// SubjectPrefix prefixes every event subject.
	SubjectPrefix = "parimutuel.events"
)

// ConnectNATS dials NATS with unlimited reconnects and opens a JetStream
// context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured event stream", "stream", StreamName)
	return nil
}

// Subject builds parimutuel.events.{type}.{round_id}. Program-level events
// carry no round and use "program" instead.
func Subject(e Event) string {
	if e.RoundID == 0 {
		return fmt.Sprintf("%s.%s.program", SubjectPrefix, e.Type)
	}
	return fmt.Sprintf("%s.%s.%d", SubjectPrefix, e.Type, e.RoundID)
}

// JetStreamPublisher buffers events and publishes them from Run. Event IDs
// are sent as message IDs so JetStream drops redelivered duplicates.
type JetStreamPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

// NewJetStreamPublisher creates a publisher with the given buffer size.
func NewJetStreamPublisher(js jetstream.JetStream, buffer int) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, queue: make(chan Event, buffer)}
}

// Publish queues e. Events are dropped when the buffer is full.
func (p *JetStreamPublisher) Publish(_ context.Context, e Event) {
	select {
	case p.queue <- e:
	default:
		metrics.EventsDropped.WithLabelValues("nats").Inc()
		slog.Warn("event dropped", "sink", "nats", "type", e.Type, "round", e.RoundID)
	}
}

// Run publishes queued events until ctx is done.
func (p *JetStreamPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: state is already committed.
				slog.Warn("event publish failed", "type", e.Type, "round", e.RoundID, "err", err)
			}
		}
	}
}

func (p *JetStreamPublisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(e), data, jetstream.WithMsgID(e.ID))
	return err
}
