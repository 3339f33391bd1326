package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/relaydesk/mailcore/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch := &model.Channel{
		OrganizationID: 1,
		Provider:       model.ProviderGoogle,
		Name:           "Support",
		Domain:         "help.example.com",
		FetchFolder:    "inbox",
		SyncInterval:   30 * time.Second,
		AccessToken:    "at",
		RefreshToken:   "rt",
		TokenExpiry:    time.Unix(1772366400, 0),
	}
	if err := s.InsertChannel(ctx, ch); err != nil {
		t.Fatalf("InsertChannel: %v", err)
	}
	if ch.ID == 0 {
		t.Fatal("InsertChannel did not set the id")
	}

	got, err := s.ChannelByID(ctx, ch.ID)
	if err != nil {
		t.Fatalf("ChannelByID: %v", err)
	}
	if got == nil {
		t.Fatal("ChannelByID returned nil for existing channel")
	}
	if got.Provider != model.ProviderGoogle || got.Domain != "help.example.com" {
		t.Errorf("got %+v", got)
	}
	if got.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", got.SyncInterval)
	}
	if !got.TokenExpiry.Equal(time.Unix(1772366400, 0)) {
		t.Errorf("TokenExpiry = %v", got.TokenExpiry)
	}

	missing, err := s.ChannelByID(ctx, 9999)
	if err != nil {
		t.Fatalf("ChannelByID(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("got %+v for missing channel, want nil", missing)
	}
}

func TestUpdateChannelTokenCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expiry := time.Unix(1772366400, 0)
	ch := &model.Channel{OrganizationID: 1, Provider: model.ProviderGoogle, TokenExpiry: expiry}
	if err := s.InsertChannel(ctx, ch); err != nil {
		t.Fatalf("InsertChannel: %v", err)
	}

	newExpiry := expiry.Add(time.Hour)
	swapped, err := s.UpdateChannelToken(ctx, ch.ID, "at2", "rt2", newExpiry, expiry)
	if err != nil {
		t.Fatalf("UpdateChannelToken: %v", err)
	}
	if !swapped {
		t.Fatal("first swap reported as lost")
	}

	// Replay with the stale prevExpiry: must report lost and leave the row.
	swapped, err = s.UpdateChannelToken(ctx, ch.ID, "at3", "rt3", newExpiry.Add(time.Hour), expiry)
	if err != nil {
		t.Fatalf("UpdateChannelToken replay: %v", err)
	}
	if swapped {
		t.Fatal("stale swap reported as won")
	}

	got, err := s.ChannelByID(ctx, ch.ID)
	if err != nil {
		t.Fatalf("ChannelByID: %v", err)
	}
	if got.AccessToken != "at2" || got.RefreshToken != "rt2" {
		t.Errorf("tokens = %q/%q, want at2/rt2", got.AccessToken, got.RefreshToken)
	}
}

func TestTicketLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &model.Ticket{
		OrganizationID: 1,
		ChannelID:      1,
		Subject:        "Printer broken",
		EmailThreadID:  "conv-42",
	}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if tk.Number == "" {
		t.Fatal("CreateTicket did not generate a number")
	}

	byNumber, err := s.TicketByNumber(ctx, 1, tk.Number)
	if err != nil {
		t.Fatalf("TicketByNumber: %v", err)
	}
	if byNumber == nil || byNumber.ID != tk.ID {
		t.Errorf("TicketByNumber = %+v", byNumber)
	}

	// Same number, wrong organization: no hit.
	other, err := s.TicketByNumber(ctx, 2, tk.Number)
	if err != nil {
		t.Fatalf("TicketByNumber(other org): %v", err)
	}
	if other != nil {
		t.Errorf("TicketByNumber crossed organizations: %+v", other)
	}

	byThread, err := s.TicketByThreadID(ctx, 1, "conv-42")
	if err != nil {
		t.Fatalf("TicketByThreadID: %v", err)
	}
	if byThread == nil || byThread.ID != tk.ID {
		t.Errorf("TicketByThreadID = %+v", byThread)
	}

	// Empty thread id never matches, even though rows default to ''.
	noThread, err := s.TicketByThreadID(ctx, 1, "")
	if err != nil {
		t.Fatalf("TicketByThreadID(empty): %v", err)
	}
	if noThread != nil {
		t.Errorf("TicketByThreadID('') = %+v, want nil", noThread)
	}
}

func TestTicketByMessageID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &model.Ticket{OrganizationID: 1, ChannelID: 1, Subject: "VPN down"}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	m := &model.Message{
		TicketID:       tk.ID,
		Body:           "hello",
		EmailMessageID: "cust-123@mail.example.com",
		Incoming:       true,
		From:           "cust@example.com",
	}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got, err := s.TicketByMessageID(ctx, 1, "cust-123@mail.example.com")
	if err != nil {
		t.Fatalf("TicketByMessageID: %v", err)
	}
	if got == nil || got.ID != tk.ID {
		t.Errorf("TicketByMessageID = %+v", got)
	}

	crossed, err := s.TicketByMessageID(ctx, 2, "cust-123@mail.example.com")
	if err != nil {
		t.Fatalf("TicketByMessageID(other org): %v", err)
	}
	if crossed != nil {
		t.Errorf("TicketByMessageID crossed organizations: %+v", crossed)
	}
}

func TestMessagesForTicketOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &model.Ticket{OrganizationID: 1, ChannelID: 1}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Inserted newest-first to prove ordering comes from the query.
	for i, at := range []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)} {
		m := &model.Message{
			TicketID:       tk.ID,
			EmailMessageID: []string{"third@a", "first@a", "second@a"}[i],
			CreatedAt:      at,
		}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	msgs, err := s.MessagesForTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	got := []string{msgs[0].EmailMessageID, msgs[1].EmailMessageID, msgs[2].EmailMessageID}
	want := []string{"first@a", "second@a", "third@a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUpdateMessageProviderID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &model.Ticket{OrganizationID: 1, ChannelID: 1, EmailOriginalMessageID: "graph-old"}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	m := &model.Message{TicketID: tk.ID, EmailProviderID: "graph-old", Incoming: true}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if err := s.UpdateMessageProviderID(ctx, "graph-old", "graph-new"); err != nil {
		t.Fatalf("UpdateMessageProviderID: %v", err)
	}

	msgs, err := s.MessagesForTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("MessagesForTicket: %v", err)
	}
	if msgs[0].EmailProviderID != "graph-new" {
		t.Errorf("message provider id = %q, want graph-new", msgs[0].EmailProviderID)
	}

	got, err := s.TicketByID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("TicketByID: %v", err)
	}
	if got.EmailOriginalMessageID != "graph-new" {
		t.Errorf("ticket original id = %q, want graph-new", got.EmailOriginalMessageID)
	}

	// No-op cases must not error.
	if err := s.UpdateMessageProviderID(ctx, "", "x"); err != nil {
		t.Errorf("UpdateMessageProviderID(empty old): %v", err)
	}
	if err := s.UpdateMessageProviderID(ctx, "same", "same"); err != nil {
		t.Errorf("UpdateMessageProviderID(same): %v", err)
	}
}

func TestUpdateMessageEmailIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &model.Ticket{OrganizationID: 1, ChannelID: 1}
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	m := &model.Message{TicketID: tk.ID, Body: "reply"}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	err := s.UpdateMessageEmailIDs(ctx, m.ID,
		"ticket-1-msg-1@help.example.com", "cust@mail", "<cust@mail>", "prov-9")
	if err != nil {
		t.Fatalf("UpdateMessageEmailIDs: %v", err)
	}

	got, err := s.MessageByEmailMessageID(ctx, 1, "ticket-1-msg-1@help.example.com")
	if err != nil {
		t.Fatalf("MessageByEmailMessageID: %v", err)
	}
	if got == nil || got.ID != m.ID {
		t.Fatalf("MessageByEmailMessageID = %+v", got)
	}
	if got.EmailInReplyTo != "cust@mail" || got.EmailProviderID != "prov-9" {
		t.Errorf("got %+v", got)
	}
}

func TestGenerateTicketNumber(t *testing.T) {
	re := regexp.MustCompile(`^TKT-[A-Z0-9]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := GenerateTicketNumber()
		if !re.MatchString(n) {
			t.Fatalf("ticket number %q does not match %v", n, re)
		}
		seen[n] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct numbers out of 100", len(seen))
	}
}
