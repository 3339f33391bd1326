package threading

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/relaydesk/mailcore/internal/model"
)

// Offset between the Unix epoch and the FILETIME epoch (1601-01-01), in
// 100-nanosecond intervals.
const filetimeEpochOffset = 116444736000000000

// GetOrGenerateThreadIndex returns the ticket's Thread-Index. A captured
// index (from the customer's original Outlook email) is reused verbatim:
// Outlook groups on the first 22 bytes, so extending the index with child
// blocks buys nothing and risks breaking byte alignment. Tickets without a
// captured index get a synthesized one.
func GetOrGenerateThreadIndex(t *model.Ticket, now time.Time) string {
	if t.EmailThreadIndex != "" {
		return t.EmailThreadIndex
	}
	return GenerateThreadIndex(t.ID, now)
}

// GenerateThreadIndex synthesizes an Outlook Thread-Index: 6 bytes of
// truncated FILETIME timestamp followed by a 16-byte GUID derived from the
// ticket id, base64-encoded. The GUID half is stable per ticket, so every
// synthesized index for the same ticket lands in the same Outlook thread
// regardless of when it was generated.
func GenerateThreadIndex(ticketID int64, now time.Time) string {
	filetime := uint64(now.Unix())*10_000_000 + filetimeEpochOffset

	// First 12 hex chars of the 64-bit FILETIME = the 6 high-order bytes.
	ts, err := hex.DecodeString(fmt.Sprintf("%016x", filetime)[:12])
	if err != nil {
		// %016x always yields valid hex.
		panic(err)
	}

	guid := md5.Sum([]byte(fmt.Sprintf("ticket-thread-%d", ticketID)))

	raw := make([]byte, 0, 22)
	raw = append(raw, ts...)
	raw = append(raw, guid[:]...)
	return base64.StdEncoding.EncodeToString(raw)
}
