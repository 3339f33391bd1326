package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/match"
	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/tokens"
)

type capturedEvent struct {
	event   *natsjs.Event
	dedupID string
}

type fakePublisher struct {
	events []capturedEvent
}

func (f *fakePublisher) Publish(ev *natsjs.Event, dedupID string) error {
	f.events = append(f.events, capturedEvent{event: ev, dedupID: dedupID})
	return nil
}

// fakeAdapter serves a fixed message list; unused methods panic via the
// embedded nil interface.
type fakeAdapter struct {
	provider.EmailProvider
	messages []*provider.NormalizedMessage
}

func (f *fakeAdapter) FetchMessages(_ context.Context, _ *model.Channel, _ time.Time) ([]*provider.NormalizedMessage, error) {
	return f.messages, nil
}

func testRunner(t *testing.T, adapter provider.EmailProvider) (*Runner, *store.Store, *fakePublisher, *model.Channel) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ch := &model.Channel{
		OrganizationID: 1,
		Provider:       model.ProviderGoogle,
		Domain:         "help.example.com",
		TokenExpiry:    time.Now().Add(time.Hour),
	}
	if err := st.InsertChannel(context.Background(), ch); err != nil {
		t.Fatalf("InsertChannel: %v", err)
	}

	factory := func(model.Provider) (provider.EmailProvider, error) { return adapter, nil }
	pub := &fakePublisher{}
	log := zap.NewNop()
	r := &Runner{
		store:     st,
		adapter:   adapter,
		tokens:    tokens.NewManager(st, factory, log),
		matcher:   match.New(st, log),
		publisher: pub,
		log:       log,
	}
	return r, st, pub, ch
}

func TestSyncOnceOpensTicket(t *testing.T) {
	msg := &provider.NormalizedMessage{
		Provider:          model.ProviderGoogle,
		ProviderID:        "gm-1",
		ThreadID:          "th-1",
		InternetMessageID: "cust-1@mail.example.com",
		From:              provider.EmailAddress{Email: "pat@example.com"},
		Subject:           "Fwd: Printer broken",
		BodyText:          "It will not print.",
		ReceivedAt:        time.Now().Add(-time.Minute),
		Headers:           map[string]string{"Thread-index": "AdPz8g=="},
	}
	r, st, pub, ch := testRunner(t, &fakeAdapter{messages: []*provider.NormalizedMessage{msg}})

	n, err := r.syncOnce(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("syncOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested = %d, want 1", n)
	}

	tk, err := st.TicketByThreadID(context.Background(), 1, "th-1")
	if err != nil {
		t.Fatalf("TicketByThreadID: %v", err)
	}
	if tk == nil {
		t.Fatal("no ticket created")
	}
	if tk.Subject != "Printer broken" {
		t.Errorf("Subject = %q, want reply prefixes stripped", tk.Subject)
	}
	if tk.EmailThreadIndex != "AdPz8g==" {
		t.Errorf("EmailThreadIndex = %q, want captured header", tk.EmailThreadIndex)
	}
	if tk.EmailOriginalMessageID != "gm-1" {
		t.Errorf("EmailOriginalMessageID = %q", tk.EmailOriginalMessageID)
	}

	msgs, err := st.MessagesForTicket(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Incoming || msgs[0].From != "pat@example.com" {
		t.Errorf("messages = %+v", msgs)
	}

	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.event.Type != natsjs.EventTicketCreated {
		t.Errorf("event type = %q", ev.event.Type)
	}
	if ev.dedupID != "created|google|gm-1" {
		t.Errorf("dedupID = %q", ev.dedupID)
	}
}

func TestSyncOnceAppendsToMatchedTicket(t *testing.T) {
	first := &provider.NormalizedMessage{
		Provider:          model.ProviderGoogle,
		ProviderID:        "gm-1",
		ThreadID:          "th-1",
		InternetMessageID: "cust-1@mail",
		Subject:           "Printer broken",
		ReceivedAt:        time.Now().Add(-2 * time.Minute),
	}
	followUp := &provider.NormalizedMessage{
		Provider:          model.ProviderGoogle,
		ProviderID:        "gm-2",
		ThreadID:          "th-1",
		InternetMessageID: "cust-2@mail",
		Subject:           "Re: Printer broken",
		ReceivedAt:        time.Now().Add(-time.Minute),
	}
	adapter := &fakeAdapter{messages: []*provider.NormalizedMessage{first}}
	r, st, pub, ch := testRunner(t, adapter)

	if _, err := r.syncOnce(context.Background(), ch.ID); err != nil {
		t.Fatalf("first syncOnce: %v", err)
	}

	// Second pass delivers the thread's follow-up plus a repeat of the
	// first message, which dedup must drop.
	adapter.messages = []*provider.NormalizedMessage{first, followUp}
	n, err := r.syncOnce(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("second syncOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested = %d, want only the follow-up", n)
	}

	tk, err := st.TicketByThreadID(context.Background(), 1, "th-1")
	if err != nil || tk == nil {
		t.Fatalf("TicketByThreadID: %v, %v", tk, err)
	}
	msgs, err := st.MessagesForTicket(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 on one ticket", len(msgs))
	}

	last := pub.events[len(pub.events)-1]
	if last.event.Type != natsjs.EventMessageAdded {
		t.Errorf("event type = %q, want message.added", last.event.Type)
	}
}

func TestIngestMatchesByTicketHeader(t *testing.T) {
	r, st, _, ch := testRunner(t, &fakeAdapter{})

	tk := &model.Ticket{OrganizationID: 1, ChannelID: ch.ID, Subject: "VPN down"}
	if err := st.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	ok, err := r.ingest(context.Background(), ch, &provider.NormalizedMessage{
		Provider:          model.ProviderGoogle,
		ProviderID:        "gm-9",
		InternetMessageID: "reply-9@mail",
		Subject:           "totally different subject",
		Headers:           map[string]string{"X-Ticket-ID": tk.Number},
		ReceivedAt:        time.Now(),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !ok {
		t.Fatal("ingest reported no row written")
	}

	msgs, err := st.MessagesForTicket(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want the reply attached to the ticket", len(msgs))
	}
}

func TestFormatReferences(t *testing.T) {
	got := formatReferences([]string{"a@x", "<b@x>", ""})
	if got != "<a@x> <b@x>" {
		t.Errorf("formatReferences = %q", got)
	}
	if formatReferences(nil) != "" {
		t.Error("formatReferences(nil) should be empty")
	}
}
