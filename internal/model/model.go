// Package model defines the records shared between the store, the provider
// adapters, the threading generator and the ticket matcher.
package model

import (
	"time"
)

// Provider identifies the mail provider backing a channel.
type Provider string

const (
	ProviderMicrosoft365 Provider = "microsoft365"
	ProviderGoogle       Provider = "google"
	ProviderSMTP         Provider = "smtp"
)

// Priority is the normalized importance of an inbound message.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Channel is a per-organization mailbox configuration. Token state is
// mutated by the sync pipeline (refresh); everything else is written by the
// configuration surface.
type Channel struct {
	ID             int64
	OrganizationID int64
	Provider       Provider
	Name           string
	Email          string // mailbox address, fetched after the OAuth callback
	Domain         string // used for Message-ID generation
	FetchFolder    string // provider folder/label to poll; empty means inbox
	SyncInterval   time.Duration

	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenExpired reports whether the access token must be refreshed before
// the next provider call.
func (c *Channel) TokenExpired(now time.Time) bool {
	return !c.TokenExpiry.After(now)
}

// Ticket is an organization-scoped support ticket. The Email* fields are the
// threading state captured when the ticket was created from an inbound email;
// header generation treats them as read-only.
type Ticket struct {
	ID             int64
	OrganizationID int64
	ChannelID      int64
	Number         string // human-readable, e.g. TKT-26G9GFQX
	Subject        string

	EmailThreadID          string // provider conversation/thread id
	EmailThreadIndex       string // Outlook Thread-Index from the first inbound email
	EmailOriginalMessageID string // provider id of the customer's original email
	EmailSentMessageID     string // provider id of our last outbound email

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message belongs to exactly one ticket. EmailMessageID is stored without
// angle brackets; brackets are added back only at wire-serialization time.
type Message struct {
	ID       int64
	TicketID int64

	Body     string
	BodyHTML string

	EmailMessageID  string // RFC Message-ID, no brackets, unique per organization
	EmailInReplyTo  string
	EmailReferences string // space-joined, bracketed
	EmailProviderID string // opaque provider-internal id; Graph reassigns these on move

	Incoming  bool
	From      string
	CreatedAt time.Time
}
