// Package threading derives RFC 5322 and Outlook threading headers for
// outbound ticket mail. Everything here is a pure function of the ticket,
// message and channel state passed in, so header generation is deterministic
// and repeatable.
package threading

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/relaydesk/mailcore/internal/model"
)

// replyPrefixRe strips any run of leading Re:/Fwd: markers.
var replyPrefixRe = regexp.MustCompile(`(?i)^(re:\s*|fwd:\s*)+`)

// Headers is the full header set for one outbound email.
type Headers struct {
	MessageID    string // no brackets
	InReplyTo    string // no brackets
	References   string // space-joined, bracketed
	TicketNumber string
	Subject      string
	ThreadTopic  string
	ThreadIndex  string
}

// CleanMessageID strips surrounding whitespace and angle brackets. Stored
// and compared Message-IDs are always in this form.
func CleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// FormatMessageID wraps a clean Message-ID in angle brackets for the wire.
func FormatMessageID(id string) string {
	return "<" + CleanMessageID(id) + ">"
}

// GenerateMessageID builds the deterministic Message-ID for an outbound
// message. Unique as long as (ticket, message) pairs are, which the data
// model guarantees.
func GenerateMessageID(t *model.Ticket, m *model.Message, ch *model.Channel) string {
	return fmt.Sprintf("ticket-%d-msg-%d@%s", t.ID, m.ID, ch.Domain)
}

// GenerateNotificationMessageID builds a Message-ID for a system
// notification, which has no Message row. Second-resolution timestamps can
// collide under concurrent sends to the same ticket; the id is auxiliary
// and never used as a lookup key, so that is tolerated.
func GenerateNotificationMessageID(t *model.Ticket, ch *model.Channel, now time.Time) string {
	return fmt.Sprintf("ticket-%d-notif-%d@%s", t.ID, now.Unix(), ch.Domain)
}

// BuildReferenceChain assembles the outgoing References header from a
// ticket's messages: every non-empty Message-ID, oldest first, de-duplicated,
// bracketed and space-joined. The input is re-sorted by creation time here
// so callers cannot leak a relationship-default ordering into the chain;
// out-of-order References break thread reconstruction in some clients.
func BuildReferenceChain(msgs []model.Message) string {
	sorted := sortByCreation(msgs)

	seen := make(map[string]bool, len(sorted))
	refs := make([]string, 0, len(sorted))
	for _, m := range sorted {
		id := CleanMessageID(m.EmailMessageID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, FormatMessageID(id))
	}
	return strings.Join(refs, " ")
}

// StripReplyPrefixes removes every leading Re:/Fwd: marker.
func StripReplyPrefixes(subject string) string {
	return strings.TrimSpace(replyPrefixRe.ReplaceAllString(subject, ""))
}

// GenerateSubject builds the outbound subject: reply prefixes stripped, the
// ticket number injected if absent, exactly one "Re: " in front. The
// embedded ticket number is the fallback matching signal when providers
// strip our headers, so every outbound subject must carry it. Applying this
// to its own output is a no-op.
func GenerateSubject(t *model.Ticket, originalSubject string) string {
	base := originalSubject
	if base == "" {
		base = t.Subject
	}
	base = StripReplyPrefixes(base)

	// case-insensitive: clients may lower-case the number in replies,
	// and the subject matcher accepts it either way
	if t.Number != "" && !strings.Contains(strings.ToUpper(base), strings.ToUpper(t.Number)) {
		base = fmt.Sprintf("[%s] %s", t.Number, base)
	}
	return "Re: " + base
}

// ThreadTopic is the base subject with reply prefixes stripped. It must be
// byte-identical across every email of a thread or Outlook will not group
// them.
func ThreadTopic(subject string) string {
	return StripReplyPrefixes(subject)
}

// GenerateHeaders assembles the header set for an outbound reply message.
// msgs are the ticket's persisted messages; the reply itself is excluded
// from the chain by id.
func GenerateHeaders(t *model.Ticket, m *model.Message, ch *model.Channel, msgs []model.Message) Headers {
	prior := make([]model.Message, 0, len(msgs))
	for _, pm := range msgs {
		if pm.ID == m.ID {
			continue
		}
		prior = append(prior, pm)
	}

	return Headers{
		MessageID:    GenerateMessageID(t, m, ch),
		InReplyTo:    latestMessageID(prior),
		References:   BuildReferenceChain(prior),
		TicketNumber: t.Number,
		Subject:      GenerateSubject(t, t.Subject),
	}
}

// GenerateNotificationHeaders is the notification variant: same set, plus
// the Outlook Thread-Topic/Thread-Index pair, since notifications have no
// Message row yet still need to land in the right Outlook thread.
func GenerateNotificationHeaders(t *model.Ticket, ch *model.Channel, msgs []model.Message, now time.Time) Headers {
	return Headers{
		MessageID:    GenerateNotificationMessageID(t, ch, now),
		InReplyTo:    latestMessageID(msgs),
		References:   BuildReferenceChain(msgs),
		TicketNumber: t.Number,
		Subject:      GenerateSubject(t, t.Subject),
		ThreadTopic:  ThreadTopic(t.Subject),
		ThreadIndex:  GetOrGenerateThreadIndex(t, now),
	}
}

// latestMessageID returns the most recent non-empty Message-ID in creation
// order, cleaned.
func latestMessageID(msgs []model.Message) string {
	sorted := sortByCreation(msgs)
	for i := len(sorted) - 1; i >= 0; i-- {
		if id := CleanMessageID(sorted[i].EmailMessageID); id != "" {
			return id
		}
	}
	return ""
}

func sortByCreation(msgs []model.Message) []model.Message {
	sorted := make([]model.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted
}
