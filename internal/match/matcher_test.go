package match

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/provider"
)

// fakeTickets is an in-memory TicketSource keyed the way the store queries.
type fakeTickets struct {
	byNumber   map[string]*model.Ticket
	byThread   map[string]*model.Ticket
	byMessage  map[string]*model.Ticket
	numberErr  error
	threadErr  error
	messageErr error

	numberCalls []string
}

func (f *fakeTickets) TicketByNumber(_ context.Context, _ int64, number string) (*model.Ticket, error) {
	f.numberCalls = append(f.numberCalls, number)
	if f.numberErr != nil {
		return nil, f.numberErr
	}
	return f.byNumber[number], nil
}

func (f *fakeTickets) TicketByThreadID(_ context.Context, _ int64, threadID string) (*model.Ticket, error) {
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return f.byThread[threadID], nil
}

func (f *fakeTickets) TicketByMessageID(_ context.Context, _ int64, emailMessageID string) (*model.Ticket, error) {
	if f.messageErr != nil {
		return nil, f.messageErr
	}
	return f.byMessage[emailMessageID], nil
}

func newMatcher(f *fakeTickets) *Matcher {
	return New(f, zap.NewNop())
}

func TestMatchByTicketHeader(t *testing.T) {
	want := &model.Ticket{ID: 1, Number: "TKT-AAAA1111"}
	f := &fakeTickets{
		byNumber: map[string]*model.Ticket{"TKT-AAAA1111": want},
		// A thread match also exists; the header strategy must win.
		byThread: map[string]*model.Ticket{"thread-x": {ID: 2, Number: "TKT-BBBB2222"}},
	}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		ThreadID: "thread-x",
		Headers:  map[string]string{"x-ticket-id": "TKT-AAAA1111"},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != want.ID {
		t.Errorf("got %+v, want ticket 1", got)
	}
}

func TestMatchTicketHeaderBeatsSubject(t *testing.T) {
	headerTicket := &model.Ticket{ID: 1, Number: "TKT-AAAA1111"}
	subjectTicket := &model.Ticket{ID: 2, Number: "TKT-BBBB2222"}
	f := &fakeTickets{byNumber: map[string]*model.Ticket{
		"TKT-AAAA1111": headerTicket,
		"TKT-BBBB2222": subjectTicket,
	}}

	// Subject carries a different ticket's number; the header wins.
	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		Subject: "Re: [TKT-BBBB2222] Printer broken",
		Headers: map[string]string{"X-Ticket-ID": "TKT-AAAA1111"},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != headerTicket.ID {
		t.Errorf("got %+v, want ticket 1 via header", got)
	}
	if len(f.numberCalls) != 1 || f.numberCalls[0] != "TKT-AAAA1111" {
		t.Errorf("number lookups = %v, want only the header number", f.numberCalls)
	}
}

func TestMatchByTicketReferenceHeader(t *testing.T) {
	want := &model.Ticket{ID: 1, Number: "TKT-AAAA1111"}
	f := &fakeTickets{byNumber: map[string]*model.Ticket{"TKT-AAAA1111": want}}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		Headers: map[string]string{"X-Ticket-Reference": " TKT-AAAA1111 "},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 1 {
		t.Errorf("got %+v, want ticket 1", got)
	}
}

func TestMatchByThreadID(t *testing.T) {
	want := &model.Ticket{ID: 3}
	f := &fakeTickets{byThread: map[string]*model.Ticket{"conv-42": want}}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		ThreadID: "conv-42",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 3 {
		t.Errorf("got %+v, want ticket 3", got)
	}
}

func TestMatchByInReplyTo(t *testing.T) {
	want := &model.Ticket{ID: 4}
	f := &fakeTickets{byMessage: map[string]*model.Ticket{"ticket-4-msg-9@help.example.com": want}}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		InReplyTo: "<ticket-4-msg-9@help.example.com>",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 4 {
		t.Errorf("got %+v, want ticket 4", got)
	}
}

func TestMatchByReferencesHeaderOrder(t *testing.T) {
	first := &model.Ticket{ID: 5}
	second := &model.Ticket{ID: 6}
	f := &fakeTickets{byMessage: map[string]*model.Ticket{
		"a@x": first,
		"b@x": second,
	}}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		References: []string{"<unknown@x>", "<a@x>", "<b@x>"},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 5 {
		t.Errorf("got %+v, want first-listed reference match (ticket 5)", got)
	}
}

func TestMatchBySubject(t *testing.T) {
	want := &model.Ticket{ID: 7, Number: "TKT-26G9GFQX"}
	f := &fakeTickets{byNumber: map[string]*model.Ticket{"TKT-26G9GFQX": want}}

	tests := []struct {
		name    string
		subject string
	}{
		{"bracketed", "Re: [TKT-26G9GFQX] Printer broken"},
		{"bare", "Re: TKT-26G9GFQX Printer broken"},
		{"lowercase", "re: [tkt-26g9gfqx] printer broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
				Subject: tt.subject,
			})
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got == nil || got.ID != 7 {
				t.Errorf("got %+v, want ticket 7", got)
			}
		})
	}
}

func TestMatchStrategyErrorContinues(t *testing.T) {
	want := &model.Ticket{ID: 8}
	f := &fakeTickets{
		threadErr: errors.New("db timeout"),
		byMessage: map[string]*model.Ticket{"c@x": want},
	}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		ThreadID:  "conv-1",
		InReplyTo: "c@x",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 8 {
		t.Errorf("got %+v, want ticket 8 via later strategy", got)
	}
}

func TestMatchNoSignal(t *testing.T) {
	f := &fakeTickets{}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		Subject: "Hello there",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for no match", got)
	}
}

func TestMatchSubjectSkipsUnknownNumber(t *testing.T) {
	f := &fakeTickets{}

	got, err := newMatcher(f).Match(context.Background(), 1, &provider.NormalizedMessage{
		Subject: "[TKT-ZZZZ9999] never seen",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
	if len(f.numberCalls) == 0 || f.numberCalls[len(f.numberCalls)-1] != "TKT-ZZZZ9999" {
		t.Errorf("subject strategy lookups = %v, want TKT-ZZZZ9999 queried", f.numberCalls)
	}
}
