// Package natsjs publishes ticket lifecycle events to NATS JetStream so
// downstream consumers (notification workers, indexers) see every inbound
// email exactly once.
package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const streamName = "TICKET_EVENTS"

// Event types; each becomes the subject suffix under ticket.{id}.
const (
	EventTicketCreated = "created"
	EventMessageAdded  = "message.added"
	EventReplySent     = "reply.sent"
)

// Event is the wire shape every ticket event shares.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID int64     `json:"organization_id"`
	ChannelID      int64     `json:"channel_id"`
	TicketID       int64     `json:"ticket_id"`
	TicketNumber   string    `json:"ticket_number"`
	MessageID      int64     `json:"message_id,omitempty"`
	EmailMessageID string    `json:"email_message_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher wraps NATS JetStream for publishing ticket events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and obtains a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the TICKET_EVENTS stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"ticket.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a ticket event. The dedup id rides the JetStream
// duplicate window, so re-syncing the same inbound email never doubles
// the event.
func (p *Publisher) Publish(ev *Event, dedupID string) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("ticket.%d.%s", ev.TicketID, ev.Type)
	if _, err := p.js.Publish(subject, payload, nats.MsgId(dedupID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
