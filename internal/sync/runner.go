package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/match"
	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/threading"
	"github.com/relaydesk/mailcore/internal/tokens"
)

// initialLookback bounds the first fetch of a channel that has never been
// synced in this process.
const initialLookback = 24 * time.Hour

// defaultInterval applies when a channel has no sync interval configured.
const defaultInterval = time.Minute

// Runner polls one channel's mailbox and ingests what it finds.
type Runner struct {
	store     *store.Store
	adapter   provider.EmailProvider
	tokens    *tokens.Manager
	matcher   *match.Matcher
	publisher EventPublisher
	log       *zap.Logger

	mu        gosync.Mutex
	lastFetch time.Time
}

// Run loops until the context is cancelled, sleeping the channel's sync
// interval between passes. Interval changes are picked up on the next
// tick because the channel is re-read every pass.
func (r *Runner) Run(ctx context.Context, channelID int64) {
	for {
		n, err := r.syncOnce(ctx, channelID)
		if err != nil {
			r.log.Warn("sync pass failed", zap.Error(err))
		} else if n > 0 {
			r.log.Info("sync pass complete", zap.Int("ingested", n))
		}

		interval := defaultInterval
		if ch, err := r.store.ChannelByID(ctx, channelID); err == nil && ch != nil && ch.SyncInterval > 0 {
			interval = ch.SyncInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// syncOnce refreshes credentials if needed, fetches everything received
// since the previous pass and ingests each message. Returns the number of
// messages that produced a new Message row.
func (r *Runner) syncOnce(ctx context.Context, channelID int64) (int, error) {
	ch, err := r.store.ChannelByID(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if ch == nil {
		return 0, fmt.Errorf("channel %d not found", channelID)
	}

	ch, err = r.tokens.EnsureValid(ctx, ch)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	since := r.lastFetch
	r.mu.Unlock()
	if since.IsZero() {
		since = time.Now().Add(-initialLookback)
	}
	fetchStart := time.Now()

	msgs, err := r.adapter.FetchMessages(ctx, ch, since)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	ingested := 0
	for _, msg := range msgs {
		ok, err := r.ingest(ctx, ch, msg)
		if err != nil {
			r.log.Warn("failed to ingest message",
				zap.String("provider_id", msg.ProviderID), zap.Error(err))
			continue
		}
		if ok {
			ingested++
		}
	}

	r.mu.Lock()
	r.lastFetch = fetchStart
	r.mu.Unlock()

	return ingested, nil
}

// ingest routes one inbound email: already-seen messages are skipped, a
// matched ticket gets a new message, everything else opens a ticket.
// Returns whether a Message row was written.
func (r *Runner) ingest(ctx context.Context, ch *model.Channel, msg *provider.NormalizedMessage) (bool, error) {
	if msg.InternetMessageID != "" {
		existing, err := r.store.MessageByEmailMessageID(ctx, ch.OrganizationID, msg.InternetMessageID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}
	}

	ticket, err := r.matcher.Match(ctx, ch.OrganizationID, msg)
	if err != nil {
		return false, err
	}

	created := false
	if ticket == nil {
		ticket = &model.Ticket{
			OrganizationID:         ch.OrganizationID,
			ChannelID:              ch.ID,
			Subject:                threading.StripReplyPrefixes(msg.Subject),
			EmailThreadID:          msg.ThreadID,
			EmailThreadIndex:       msg.Header("Thread-Index"),
			EmailOriginalMessageID: msg.ProviderID,
		}
		if err := r.store.CreateTicket(ctx, ticket); err != nil {
			return false, err
		}
		created = true
	}

	row := &model.Message{
		TicketID:        ticket.ID,
		Body:            msg.BodyText,
		BodyHTML:        msg.BodyHTML,
		EmailMessageID:  msg.InternetMessageID,
		EmailInReplyTo:  msg.InReplyTo,
		EmailReferences: formatReferences(msg.References),
		EmailProviderID: msg.ProviderID,
		Incoming:        true,
		From:            msg.From.Email,
		CreatedAt:       msg.ReceivedAt,
	}
	if err := r.store.InsertMessage(ctx, row); err != nil {
		return false, err
	}

	eventType := natsjs.EventMessageAdded
	if created {
		eventType = natsjs.EventTicketCreated
	}
	ev := &natsjs.Event{
		Type:           eventType,
		OrganizationID: ch.OrganizationID,
		ChannelID:      ch.ID,
		TicketID:       ticket.ID,
		TicketNumber:   ticket.Number,
		MessageID:      row.ID,
		EmailMessageID: row.EmailMessageID,
	}
	dedupID := fmt.Sprintf("%s|%s|%s", eventType, msg.Provider, msg.ProviderID)
	if err := r.publisher.Publish(ev, dedupID); err != nil {
		r.log.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.Int64("ticket_id", ticket.ID),
			zap.Error(err))
	}

	return true, nil
}

// formatReferences serializes the normalized References entries back into
// stored form: bracketed, space-joined.
func formatReferences(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if id := threading.CleanMessageID(ref); id != "" {
			out = append(out, threading.FormatMessageID(id))
		}
	}
	return strings.Join(out, " ")
}
