// Package outbound sends agent replies and system notifications on
// tickets, wiring the generated threading headers through the channel's
// provider adapter and persisting the ids that come back.
package outbound

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/threading"
	"github.com/relaydesk/mailcore/internal/tokens"
)

// EventPublisher is the slice of the event layer the dispatcher needs.
type EventPublisher interface {
	Publish(ev *natsjs.Event, dedupID string) error
}

// Dispatcher sends outbound ticket mail.
type Dispatcher struct {
	store     *store.Store
	factory   provider.Factory
	tokens    *tokens.Manager
	publisher EventPublisher
	log       *zap.Logger
}

func NewDispatcher(st *store.Store, factory provider.Factory, tm *tokens.Manager, publisher EventPublisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		factory:   factory,
		tokens:    tm,
		publisher: publisher,
		log:       log,
	}
}

// SendReply sends an agent reply on a ticket. The message row is written
// first so the deterministic Message-ID can include its id; the generated
// header set and the provider's send id are persisted back once the send
// lands.
func (d *Dispatcher) SendReply(ctx context.Context, ticketID int64, body, bodyHTML string) (*model.Message, error) {
	t, ch, adapter, err := d.resolve(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	msgs, err := d.store.MessagesForTicket(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	to := customerAddress(msgs)
	if to.Email == "" {
		return nil, fmt.Errorf("ticket %d has no inbound message to reply to", t.ID)
	}

	m := &model.Message{
		TicketID: t.ID,
		Body:     body,
		BodyHTML: bodyHTML,
		Incoming: false,
		From:     ch.Email,
	}
	if err := d.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}

	headers := threading.GenerateHeaders(t, m, ch, msgs)

	out := &provider.OutgoingMessage{
		To:          []provider.EmailAddress{to},
		Subject:     headers.Subject,
		Body:        body,
		HTML:        bodyHTML != "",
		MessageID:   headers.MessageID,
		InReplyTo:   headers.InReplyTo,
		References:  headers.References,
		ThreadTopic: threading.ThreadTopic(t.Subject),
		ThreadIndex: threading.GetOrGenerateThreadIndex(t, time.Now()),
		ThreadID:    t.EmailThreadID,
		TicketRef:   t.Number,
	}
	if bodyHTML != "" {
		out.Body = bodyHTML
	}

	providerID, err := adapter.SendMessage(ctx, ch, out)
	if err != nil {
		return nil, fmt.Errorf("failed to send reply on ticket %d: %w", t.ID, err)
	}

	if err := d.store.UpdateMessageEmailIDs(ctx, m.ID, headers.MessageID, headers.InReplyTo, headers.References, providerID); err != nil {
		return nil, err
	}
	if err := d.store.UpdateTicketSentMessageID(ctx, t.ID, providerID); err != nil {
		return nil, err
	}
	m.EmailMessageID = headers.MessageID
	m.EmailInReplyTo = headers.InReplyTo
	m.EmailReferences = headers.References
	m.EmailProviderID = providerID

	ev := &natsjs.Event{
		Type:           natsjs.EventReplySent,
		OrganizationID: t.OrganizationID,
		ChannelID:      ch.ID,
		TicketID:       t.ID,
		TicketNumber:   t.Number,
		MessageID:      m.ID,
		EmailMessageID: m.EmailMessageID,
	}
	dedupID := fmt.Sprintf("%s|%d", natsjs.EventReplySent, m.ID)
	if err := d.publisher.Publish(ev, dedupID); err != nil {
		d.log.Warn("failed to publish reply event",
			zap.Int64("ticket_id", t.ID), zap.Error(err))
	}

	return m, nil
}

// SendNotification sends a system email on a ticket. The adapter may use
// the provider's reply primitive, in which case no provider id comes back
// and the ticket's sent-id is left untouched.
func (d *Dispatcher) SendNotification(ctx context.Context, ticketID int64, body string) error {
	t, ch, adapter, err := d.resolve(ctx, ticketID)
	if err != nil {
		return err
	}

	msgs, err := d.store.MessagesForTicket(ctx, t.ID)
	if err != nil {
		return err
	}

	to := customerAddress(msgs)
	if to.Email == "" {
		return fmt.Errorf("ticket %d has no inbound message to notify", t.ID)
	}

	headers := threading.GenerateNotificationHeaders(t, ch, msgs, time.Now())

	n := &provider.Notification{
		To:                []provider.EmailAddress{to},
		Subject:           headers.Subject,
		Body:              body,
		OriginalMessageID: t.EmailOriginalMessageID,
		MessageID:         headers.MessageID,
		InReplyTo:         headers.InReplyTo,
		References:        headers.References,
		ThreadTopic:       headers.ThreadTopic,
		ThreadIndex:       headers.ThreadIndex,
		ThreadID:          t.EmailThreadID,
		TicketRef:         t.Number,
	}

	providerID, err := adapter.SendNotification(ctx, ch, n)
	if err != nil {
		return fmt.Errorf("failed to send notification on ticket %d: %w", t.ID, err)
	}
	if providerID != "" {
		if err := d.store.UpdateTicketSentMessageID(ctx, t.ID, providerID); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveOriginal archives the customer's original email in the provider
// mailbox. Graph hands the moved copy a new id, so every stored reference
// to the old one is rewritten before returning.
func (d *Dispatcher) ArchiveOriginal(ctx context.Context, ticketID int64) error {
	t, ch, adapter, err := d.resolve(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.EmailOriginalMessageID == "" {
		return nil
	}

	newID, err := adapter.ArchiveMessage(ctx, ch, t.EmailOriginalMessageID)
	if err != nil {
		return fmt.Errorf("failed to archive original on ticket %d: %w", t.ID, err)
	}
	if newID != "" && newID != t.EmailOriginalMessageID {
		if err := d.store.UpdateMessageProviderID(ctx, t.EmailOriginalMessageID, newID); err != nil {
			return err
		}
	}
	return nil
}

// resolve loads the ticket, its channel with a valid token, and the
// channel's adapter.
func (d *Dispatcher) resolve(ctx context.Context, ticketID int64) (*model.Ticket, *model.Channel, provider.EmailProvider, error) {
	t, err := d.store.TicketByID(ctx, ticketID)
	if err != nil {
		return nil, nil, nil, err
	}
	if t == nil {
		return nil, nil, nil, fmt.Errorf("ticket %d not found", ticketID)
	}

	ch, err := d.store.ChannelByID(ctx, t.ChannelID)
	if err != nil {
		return nil, nil, nil, err
	}
	if ch == nil {
		return nil, nil, nil, fmt.Errorf("channel %d not found", t.ChannelID)
	}

	ch, err = d.tokens.EnsureValid(ctx, ch)
	if err != nil {
		return nil, nil, nil, err
	}

	adapter, err := d.factory(ch.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, ch, adapter, nil
}

// customerAddress is the sender of the most recent inbound message.
func customerAddress(msgs []model.Message) provider.EmailAddress {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Incoming && msgs[i].From != "" {
			return provider.EmailAddress{Email: msgs[i].From}
		}
	}
	return provider.EmailAddress{}
}
