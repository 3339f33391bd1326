package outbound

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/tokens"
)

type fakePublisher struct {
	events []*natsjs.Event
}

func (f *fakePublisher) Publish(ev *natsjs.Event, _ string) error {
	f.events = append(f.events, ev)
	return nil
}

// fakeAdapter records the outgoing traffic; unused methods panic via the
// embedded nil interface.
type fakeAdapter struct {
	provider.EmailProvider
	sent       *provider.OutgoingMessage
	notified   *provider.Notification
	sendID     string
	notifyID   string
	archiveID  string
	archiveErr error
}

func (f *fakeAdapter) SendMessage(_ context.Context, _ *model.Channel, out *provider.OutgoingMessage) (string, error) {
	f.sent = out
	return f.sendID, nil
}

func (f *fakeAdapter) SendNotification(_ context.Context, _ *model.Channel, n *provider.Notification) (string, error) {
	f.notified = n
	return f.notifyID, nil
}

func (f *fakeAdapter) ArchiveMessage(_ context.Context, _ *model.Channel, _ string) (string, error) {
	if f.archiveErr != nil {
		return "", f.archiveErr
	}
	return f.archiveID, nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	adapter    *fakeAdapter
	publisher  *fakePublisher
	ticket     *model.Ticket
	channel    *model.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	ch := &model.Channel{
		OrganizationID: 1,
		Provider:       model.ProviderGoogle,
		Email:          "support@help.example.com",
		Domain:         "help.example.com",
		TokenExpiry:    time.Now().Add(time.Hour),
	}
	if err := st.InsertChannel(ctx, ch); err != nil {
		t.Fatalf("InsertChannel: %v", err)
	}

	tk := &model.Ticket{
		OrganizationID:         1,
		ChannelID:              ch.ID,
		Subject:                "Printer broken",
		EmailThreadID:          "th-1",
		EmailOriginalMessageID: "prov-orig",
	}
	if err := st.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if err := st.InsertMessage(ctx, &model.Message{
		TicketID:        tk.ID,
		Body:            "It will not print.",
		EmailMessageID:  "cust-1@mail.example.com",
		EmailProviderID: "prov-orig",
		Incoming:        true,
		From:            "pat@example.com",
		CreatedAt:       time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	adapter := &fakeAdapter{sendID: "prov-sent"}
	factory := func(model.Provider) (provider.EmailProvider, error) { return adapter, nil }
	pub := &fakePublisher{}
	log := zap.NewNop()

	return &fixture{
		dispatcher: NewDispatcher(st, factory, tokens.NewManager(st, factory, log), pub, log),
		store:      st,
		adapter:    adapter,
		publisher:  pub,
		ticket:     tk,
		channel:    ch,
	}
}

func TestSendReply(t *testing.T) {
	f := newFixture(t)

	m, err := f.dispatcher.SendReply(context.Background(), f.ticket.ID, "On it.", "")
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	out := f.adapter.sent
	if out == nil {
		t.Fatal("nothing sent")
	}
	if len(out.To) != 1 || out.To[0].Email != "pat@example.com" {
		t.Errorf("To = %+v, want the customer address", out.To)
	}
	wantID := fmt.Sprintf("ticket-%d-msg-%d@help.example.com", f.ticket.ID, m.ID)
	if out.MessageID != wantID {
		t.Errorf("MessageID = %q, want %q", out.MessageID, wantID)
	}
	if out.InReplyTo != "cust-1@mail.example.com" {
		t.Errorf("InReplyTo = %q", out.InReplyTo)
	}
	if out.References != "<cust-1@mail.example.com>" {
		t.Errorf("References = %q", out.References)
	}
	if out.Subject != "Re: ["+f.ticket.Number+"] Printer broken" {
		t.Errorf("Subject = %q", out.Subject)
	}
	if out.ThreadTopic != "Printer broken" || out.ThreadID != "th-1" {
		t.Errorf("ThreadTopic/ThreadID = %q/%q", out.ThreadTopic, out.ThreadID)
	}
	if out.TicketRef != f.ticket.Number {
		t.Errorf("TicketRef = %q", out.TicketRef)
	}

	if m.EmailMessageID != wantID || m.EmailProviderID != "prov-sent" {
		t.Errorf("persisted ids = %q/%q", m.EmailMessageID, m.EmailProviderID)
	}

	tk, err := f.store.TicketByID(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if tk.EmailSentMessageID != "prov-sent" {
		t.Errorf("EmailSentMessageID = %q", tk.EmailSentMessageID)
	}

	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != natsjs.EventReplySent {
		t.Errorf("events = %+v", f.publisher.events)
	}
}

func TestSendReplyHTMLBody(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.SendReply(context.Background(), f.ticket.ID, "plain", "<p>rich</p>")
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if !f.adapter.sent.HTML || f.adapter.sent.Body != "<p>rich</p>" {
		t.Errorf("sent = %+v, want html body preferred", f.adapter.sent)
	}
}

func TestSendReplyNoInboundMessage(t *testing.T) {
	f := newFixture(t)

	tk := &model.Ticket{OrganizationID: 1, ChannelID: f.channel.ID, Subject: "empty"}
	if err := f.store.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	if _, err := f.dispatcher.SendReply(context.Background(), tk.ID, "hi", ""); err == nil {
		t.Fatal("SendReply accepted a ticket with no customer address")
	}
}

func TestSendNotificationReplyPrimitive(t *testing.T) {
	f := newFixture(t)
	f.adapter.notifyID = "" // reply primitive reports no id

	if err := f.dispatcher.SendNotification(context.Background(), f.ticket.ID, "Working on it."); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	n := f.adapter.notified
	if n == nil {
		t.Fatal("nothing notified")
	}
	if n.OriginalMessageID != "prov-orig" {
		t.Errorf("OriginalMessageID = %q", n.OriginalMessageID)
	}
	if n.ThreadTopic != "Printer broken" || n.ThreadIndex == "" {
		t.Errorf("ThreadTopic/ThreadIndex = %q/%q", n.ThreadTopic, n.ThreadIndex)
	}

	tk, err := f.store.TicketByID(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if tk.EmailSentMessageID != "" {
		t.Errorf("EmailSentMessageID = %q, want untouched", tk.EmailSentMessageID)
	}
}

func TestSendNotificationRecordsComposedID(t *testing.T) {
	f := newFixture(t)
	f.adapter.notifyID = "prov-notif"

	if err := f.dispatcher.SendNotification(context.Background(), f.ticket.ID, "Update."); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	tk, err := f.store.TicketByID(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if tk.EmailSentMessageID != "prov-notif" {
		t.Errorf("EmailSentMessageID = %q", tk.EmailSentMessageID)
	}
}

func TestArchiveOriginalPropagatesNewID(t *testing.T) {
	f := newFixture(t)
	f.adapter.archiveID = "prov-moved"

	if err := f.dispatcher.ArchiveOriginal(context.Background(), f.ticket.ID); err != nil {
		t.Fatalf("ArchiveOriginal: %v", err)
	}

	tk, err := f.store.TicketByID(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if tk.EmailOriginalMessageID != "prov-moved" {
		t.Errorf("EmailOriginalMessageID = %q, want the moved id", tk.EmailOriginalMessageID)
	}

	msgs, err := f.store.MessagesForTicket(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if msgs[0].EmailProviderID != "prov-moved" {
		t.Errorf("message provider id = %q", msgs[0].EmailProviderID)
	}
}

func TestArchiveOriginalNoOriginal(t *testing.T) {
	f := newFixture(t)

	tk := &model.Ticket{OrganizationID: 1, ChannelID: f.channel.ID}
	if err := f.store.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	// No original message id: a silent no-op, never an adapter call.
	f.adapter.archiveErr = fmt.Errorf("should not be called")
	if err := f.dispatcher.ArchiveOriginal(context.Background(), tk.ID); err != nil {
		t.Fatalf("ArchiveOriginal: %v", err)
	}
}
