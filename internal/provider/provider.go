// Package provider defines the capability contract implemented by the mail
// provider adapters, and the normalized message model they all produce.
package provider

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaydesk/mailcore/internal/model"
)

// EmailAddress is a parsed sender or recipient.
type EmailAddress struct {
	Name  string
	Email string
}

// Attachment is a fetched attachment, content included.
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
	Inline   bool
	Content  []byte
}

// NormalizedMessage is the provider-agnostic representation of an inbound
// email: the contract between the adapters and the matching pipeline.
// InternetMessageID, InReplyTo and References entries carry no angle
// brackets.
type NormalizedMessage struct {
	Provider   model.Provider
	ProviderID string // provider-internal id, distinct from the RFC Message-ID
	ThreadID   string // Graph conversationId / Gmail threadId

	InternetMessageID string
	InReplyTo         string
	References        []string

	From       EmailAddress
	Recipients []EmailAddress
	Subject    string
	BodyText   string
	BodyHTML   string
	Priority   model.Priority
	ReceivedAt time.Time

	Headers        map[string]string // raw, provider-specific
	HasAttachments bool
	Attachments    []Attachment
}

// Header returns a raw header value, or "" when absent. The lookup is
// case-insensitive; providers preserve whatever casing the sender used.
func (m *NormalizedMessage) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// OutgoingMessage is a reply being sent on a ticket, with the threading
// headers already generated.
type OutgoingMessage struct {
	To      []EmailAddress
	Cc      []EmailAddress
	Subject string
	Body    string
	HTML    bool

	MessageID   string // no brackets
	InReplyTo   string // no brackets
	References  string // space-joined, bracketed
	ThreadTopic string
	ThreadIndex string
	ThreadID    string // provider thread to attach to (Gmail)
	TicketRef   string // ticket number, emitted as X-Ticket-ID / X-Ticket-Reference

	Attachments []Attachment
}

// Notification is a system email not backed by a Message row. When
// OriginalMessageID is set, adapters prefer the provider's reply primitive;
// the manual headers are the fallback.
type Notification struct {
	To      []EmailAddress
	Subject string
	Body    string
	HTML    bool

	OriginalMessageID string // provider id of the customer's inbound email

	MessageID   string
	InReplyTo   string
	References  string
	ThreadTopic string
	ThreadIndex string
	ThreadID    string
	TicketRef   string
}

// Folder is a provider folder or label.
type Folder struct {
	ID   string
	Name string
}

// ConnectionStatus is the result of a lightweight identity probe. A failed
// probe is data, not an error, so configuration surfaces can render it
// inline.
type ConnectionStatus struct {
	OK    bool
	Email string
	Error string
}

// EmailProvider is the capability set each adapter implements. All message
// identifiers passed in and out are provider-internal ids; RFC Message-IDs
// travel inside NormalizedMessage and OutgoingMessage.
type EmailProvider interface {
	Name() model.Provider

	// AuthorizeURL builds the OAuth authorization URL. Fails with a
	// configuration error when client credentials are not set.
	AuthorizeURL(state string) (string, error)

	// Exchange trades an authorization code for a token.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)

	// Refresh exchanges the refresh token for a new access token. The
	// returned token always carries a usable refresh token: when the
	// provider omits one, the old one is retained.
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)

	// FetchMessages lists and hydrates messages from the channel's fetch
	// folder received at or after since. Attachments are fetched only for
	// messages flagged as having any.
	FetchMessages(ctx context.Context, ch *model.Channel, since time.Time) ([]*NormalizedMessage, error)

	// GetMessage fetches one message by provider id. Returns (nil, nil)
	// when the provider reports it gone.
	GetMessage(ctx context.Context, ch *model.Channel, providerID string) (*NormalizedMessage, error)

	// FetchAttachments fetches the attachments of a message, content
	// included.
	FetchAttachments(ctx context.Context, ch *model.Channel, providerID string) ([]Attachment, error)

	// SendMessage sends a reply and returns the provider message id of the
	// sent mail.
	SendMessage(ctx context.Context, ch *model.Channel, out *OutgoingMessage) (string, error)

	// SendNotification sends a system notification. Returns "" when the
	// provider's reply primitive was used (no id is reported back).
	SendNotification(ctx context.Context, ch *model.Channel, n *Notification) (string, error)

	// MoveMessage moves a message to a folder and returns the id it has
	// afterwards. Graph assigns a new id on move; Gmail returns the same
	// one. Callers must overwrite stored ids with the returned value.
	MoveMessage(ctx context.Context, ch *model.Channel, providerID, folder string) (string, error)

	// ArchiveMessage archives a message. Returns the post-archive id, or
	// "" when archiving was impossible and the message was deleted
	// instead.
	ArchiveMessage(ctx context.Context, ch *model.Channel, providerID string) (string, error)

	// DeleteMessage trashes a message.
	DeleteMessage(ctx context.Context, ch *model.Channel, providerID string) error

	// ListFolders lists the mailbox's folders or labels.
	ListFolders(ctx context.Context, ch *model.Channel) ([]Folder, error)

	// TestConnection probes the mailbox identity.
	TestConnection(ctx context.Context, ch *model.Channel) *ConnectionStatus

	// UserEmail returns the mailbox's own address.
	UserEmail(ctx context.Context, ch *model.Channel) (string, error)
}
