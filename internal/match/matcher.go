// Package match resolves inbound emails to existing tickets. The matcher is
// a pure query: it never creates tickets, and "no match" is a valid outcome
// (nil, nil) telling the ingestion pipeline to open a new one.
package match

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/threading"
)

// ticketNumberRe extracts a ticket number like TKT-26G9GFQX from a subject
// line, with or without surrounding brackets.
var ticketNumberRe = regexp.MustCompile(`(?i)\[?([A-Z]{2,10}[-_][A-Z0-9]{4,12})\]?`)

// TicketSource is the persisted-ticket query surface the matcher needs. All
// lookups are organization-scoped.
type TicketSource interface {
	TicketByNumber(ctx context.Context, orgID int64, number string) (*model.Ticket, error)
	TicketByThreadID(ctx context.Context, orgID int64, threadID string) (*model.Ticket, error)
	// TicketByMessageID resolves a ticket through any of its messages'
	// email_message_id values (stored without brackets).
	TicketByMessageID(ctx context.Context, orgID int64, emailMessageID string) (*model.Ticket, error)
}

// Matcher runs the ordered strategy chain over one inbound message.
type Matcher struct {
	tickets TicketSource
	log     *zap.Logger
}

// New creates a matcher over the given ticket source.
func New(tickets TicketSource, log *zap.Logger) *Matcher {
	return &Matcher{tickets: tickets, log: log}
}

// Match finds the ticket an inbound message belongs to. The strategies run
// in reliability order and the first hit wins:
//
//  1. X-Ticket-ID / X-Ticket-Reference header — our own header, fully
//     under our control.
//  2. Provider conversation/thread id against ticket.email_thread_id.
//  3. In-Reply-To against any stored message's email_message_id.
//  4. References entries, in header order, matched the same way.
//  5. Ticket number extracted from the subject line — least reliable, but
//     the only signal left for Microsoft-originated chains, where Graph
//     refuses custom Message-IDs.
//
// A single strategy failing never aborts the chain; the error is logged and
// the next strategy runs. (nil, nil) means no strategy matched.
func (m *Matcher) Match(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	for _, s := range []struct {
		name string
		fn   func(context.Context, int64, *provider.NormalizedMessage) (*model.Ticket, error)
	}{
		{"ticket_header", m.byTicketHeader},
		{"thread_id", m.byThreadID},
		{"in_reply_to", m.byInReplyTo},
		{"references", m.byReferences},
		{"subject", m.bySubject},
	} {
		t, err := s.fn(ctx, orgID, msg)
		if err != nil {
			m.log.Warn("match strategy failed, continuing",
				zap.String("strategy", s.name),
				zap.Int64("org_id", orgID),
				zap.String("provider_id", msg.ProviderID),
				zap.Error(err))
			continue
		}
		if t != nil {
			m.log.Debug("matched ticket",
				zap.String("strategy", s.name),
				zap.String("ticket_number", t.Number))
			return t, nil
		}
	}
	return nil, nil
}

func (m *Matcher) byTicketHeader(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	for _, name := range []string{"X-Ticket-ID", "X-Ticket-Reference"} {
		number := strings.TrimSpace(msg.Header(name))
		if number == "" {
			continue
		}
		t, err := m.tickets.TicketByNumber(ctx, orgID, number)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

func (m *Matcher) byThreadID(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	if msg.ThreadID == "" {
		return nil, nil
	}
	return m.tickets.TicketByThreadID(ctx, orgID, msg.ThreadID)
}

func (m *Matcher) byInReplyTo(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	id := threading.CleanMessageID(msg.InReplyTo)
	if id == "" {
		return nil, nil
	}
	return m.tickets.TicketByMessageID(ctx, orgID, id)
}

// byReferences tries each entry in header order, not reversed: In-Reply-To
// can be stripped or forged by relays while References usually survives.
func (m *Matcher) byReferences(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	for _, ref := range msg.References {
		id := threading.CleanMessageID(ref)
		if id == "" {
			continue
		}
		t, err := m.tickets.TicketByMessageID(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

func (m *Matcher) bySubject(ctx context.Context, orgID int64, msg *provider.NormalizedMessage) (*model.Ticket, error) {
	match := ticketNumberRe.FindStringSubmatch(msg.Subject)
	if match == nil {
		return nil, nil
	}
	return m.tickets.TicketByNumber(ctx, orgID, strings.ToUpper(match[1]))
}
