// Package store persists channels, tickets and messages in SQLite and
// exposes the query surface the matching pipeline and the threading
// generator depend on.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relaydesk/mailcore/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ticketNumberAlphabet is the character set for generated ticket numbers.
const ticketNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TicketNumberPrefix prefixes every generated ticket number.
const TicketNumberPrefix = "TKT"

// Store wraps the SQLite database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// ---- channels ----

// InsertChannel stores a new channel and fills in its id.
func (s *Store) InsertChannel(ctx context.Context, ch *model.Channel) error {
	now := time.Now()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO channels
		(organization_id, provider, name, email, domain, fetch_folder, sync_interval_secs,
		 access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.OrganizationID, string(ch.Provider), ch.Name, ch.Email, ch.Domain, ch.FetchFolder,
		int64(ch.SyncInterval/time.Second), ch.AccessToken, ch.RefreshToken,
		ch.TokenExpiry.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}

	ch.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get channel id: %w", err)
	}
	return nil
}

// ChannelByID loads one channel. Returns (nil, nil) when absent.
func (s *Store) ChannelByID(ctx context.Context, id int64) (*model.Channel, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, organization_id, provider, name, email, domain, fetch_folder,
		       sync_interval_secs, access_token, refresh_token, token_expiry,
		       created_at, updated_at
		FROM channels WHERE id = ?
	`, id)
	return scanChannel(row)
}

// ListChannels returns every configured channel.
func (s *Store) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, organization_id, provider, name, email, domain, fetch_folder,
		       sync_interval_secs, access_token, refresh_token, token_expiry,
		       created_at, updated_at
		FROM channels ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannelToken persists refreshed credentials with a compare-and-swap
// on the previously observed expiry. Returns false when another refresher
// won the race, in which case the caller should re-read the channel rather
// than overwrite the winner's token.
func (s *Store) UpdateChannelToken(ctx context.Context, channelID int64, accessToken, refreshToken string, expiry, prevExpiry time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels
		SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ? AND token_expiry = ?
	`, accessToken, refreshToken, expiry.Unix(), time.Now().Unix(), channelID, prevExpiry.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to update channel token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateChannelEmail stores the mailbox address discovered after the OAuth
// callback.
func (s *Store) UpdateChannelEmail(ctx context.Context, channelID int64, email string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channels SET email = ?, updated_at = ? WHERE id = ?
	`, email, time.Now().Unix(), channelID)
	if err != nil {
		return fmt.Errorf("failed to update channel email: %w", err)
	}
	return nil
}

// ---- tickets ----

// CreateTicket stores a new ticket, generating its number when empty.
func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket) error {
	if t.Number == "" {
		t.Number = GenerateTicketNumber()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tickets
		(organization_id, channel_id, number, subject, email_thread_id, email_thread_index,
		 email_original_message_id, email_sent_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.OrganizationID, t.ChannelID, t.Number, t.Subject, t.EmailThreadID, t.EmailThreadIndex,
		t.EmailOriginalMessageID, t.EmailSentMessageID, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ticket id: %w", err)
	}
	return nil
}

// TicketByID loads one ticket. Returns (nil, nil) when absent.
func (s *Store) TicketByID(ctx context.Context, id int64) (*model.Ticket, error) {
	return scanTicket(s.DB.QueryRowContext(ctx, ticketSelect+` WHERE id = ?`, id))
}

// TicketByNumber finds a ticket by its human-readable number within one
// organization. Returns (nil, nil) when absent.
func (s *Store) TicketByNumber(ctx context.Context, orgID int64, number string) (*model.Ticket, error) {
	return scanTicket(s.DB.QueryRowContext(ctx,
		ticketSelect+` WHERE organization_id = ? AND number = ?`, orgID, number))
}

// TicketByThreadID finds a ticket by its captured provider thread id.
func (s *Store) TicketByThreadID(ctx context.Context, orgID int64, threadID string) (*model.Ticket, error) {
	if threadID == "" {
		return nil, nil
	}
	return scanTicket(s.DB.QueryRowContext(ctx,
		ticketSelect+` WHERE organization_id = ? AND email_thread_id = ? ORDER BY id LIMIT 1`,
		orgID, threadID))
}

// TicketByMessageID resolves a ticket through any of its messages'
// email_message_id values.
func (s *Store) TicketByMessageID(ctx context.Context, orgID int64, emailMessageID string) (*model.Ticket, error) {
	if emailMessageID == "" {
		return nil, nil
	}
	return scanTicket(s.DB.QueryRowContext(ctx, `
		SELECT t.id, t.organization_id, t.channel_id, t.number, t.subject,
		       t.email_thread_id, t.email_thread_index, t.email_original_message_id,
		       t.email_sent_message_id, t.created_at, t.updated_at
		FROM tickets t
		JOIN messages m ON m.ticket_id = t.id
		WHERE t.organization_id = ? AND m.email_message_id = ?
		ORDER BY m.id LIMIT 1
	`, orgID, emailMessageID))
}

// UpdateTicketSentMessageID records the provider id of the last outbound
// email on the ticket.
func (s *Store) UpdateTicketSentMessageID(ctx context.Context, ticketID int64, providerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tickets SET email_sent_message_id = ?, updated_at = ? WHERE id = ?
	`, providerID, time.Now().Unix(), ticketID)
	if err != nil {
		return fmt.Errorf("failed to update ticket sent message id: %w", err)
	}
	return nil
}

// ---- messages ----

// InsertMessage stores a message and fills in its id. EmailMessageID must
// already be bracket-free.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO messages
		(ticket_id, body, body_html, email_message_id, email_in_reply_to,
		 email_references, email_provider_id, incoming, from_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.TicketID, m.Body, m.BodyHTML, m.EmailMessageID, m.EmailInReplyTo,
		m.EmailReferences, m.EmailProviderID, boolToInt(m.Incoming), m.From, m.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}
	return nil
}

// UpdateMessageEmailIDs stores generated threading ids back on an outbound
// message after send.
func (s *Store) UpdateMessageEmailIDs(ctx context.Context, messageID int64, emailMessageID, inReplyTo, references, providerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messages
		SET email_message_id = ?, email_in_reply_to = ?, email_references = ?, email_provider_id = ?
		WHERE id = ?
	`, emailMessageID, inReplyTo, references, providerID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message email ids: %w", err)
	}
	return nil
}

// UpdateMessageProviderID overwrites a stored provider id everywhere it
// appears. Graph reassigns message ids on move, so the old id becomes
// useless for future archive and reply lookups the moment the move lands.
func (s *Store) UpdateMessageProviderID(ctx context.Context, oldID, newID string) error {
	if oldID == "" || oldID == newID {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET email_provider_id = ? WHERE email_provider_id = ?
	`, newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to update message provider id: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE tickets SET email_original_message_id = ? WHERE email_original_message_id = ?
	`, newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to update ticket original message id: %w", err)
	}
	return nil
}

// MessageByEmailMessageID finds a message by its bracket-free Message-ID
// within one organization. Returns (nil, nil) when absent.
func (s *Store) MessageByEmailMessageID(ctx context.Context, orgID int64, emailMessageID string) (*model.Message, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT m.id, m.ticket_id, m.body, m.body_html, m.email_message_id,
		       m.email_in_reply_to, m.email_references, m.email_provider_id,
		       m.incoming, m.from_addr, m.created_at
		FROM messages m
		JOIN tickets t ON t.id = m.ticket_id
		WHERE t.organization_id = ? AND m.email_message_id = ?
		ORDER BY m.id LIMIT 1
	`, orgID, emailMessageID)
	return scanMessage(row)
}

// MessagesForTicket returns the ticket's messages in conversation order.
// The ordering is explicit and always ascending by creation time; the
// References chain is built from this and must never inherit some other
// default ordering.
func (s *Store) MessagesForTicket(ctx context.Context, ticketID int64) ([]model.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, ticket_id, body, body_html, email_message_id,
		       email_in_reply_to, email_references, email_provider_id,
		       incoming, from_addr, created_at
		FROM messages
		WHERE ticket_id = ?
		ORDER BY created_at ASC, id ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ---- helpers ----

// GenerateTicketNumber builds a ticket number like TKT-26G9GFQX from random
// UUID bytes.
func GenerateTicketNumber() string {
	id := uuid.New()
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = ticketNumberAlphabet[int(id[i])%len(ticketNumberAlphabet)]
	}
	return TicketNumberPrefix + "-" + string(buf)
}

const ticketSelect = `
	SELECT id, organization_id, channel_id, number, subject,
	       email_thread_id, email_thread_index, email_original_message_id,
	       email_sent_message_id, created_at, updated_at
	FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*model.Channel, error) {
	var ch model.Channel
	var provider string
	var intervalSecs, expiry, createdAt, updatedAt int64

	err := row.Scan(&ch.ID, &ch.OrganizationID, &provider, &ch.Name, &ch.Email, &ch.Domain,
		&ch.FetchFolder, &intervalSecs, &ch.AccessToken, &ch.RefreshToken, &expiry,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	ch.Provider = model.Provider(provider)
	ch.SyncInterval = time.Duration(intervalSecs) * time.Second
	ch.TokenExpiry = time.Unix(expiry, 0)
	ch.CreatedAt = time.Unix(createdAt, 0)
	ch.UpdatedAt = time.Unix(updatedAt, 0)
	return &ch, nil
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var t model.Ticket
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.OrganizationID, &t.ChannelID, &t.Number, &t.Subject,
		&t.EmailThreadID, &t.EmailThreadIndex, &t.EmailOriginalMessageID,
		&t.EmailSentMessageID, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var incoming int
	var createdAt int64

	err := row.Scan(&m.ID, &m.TicketID, &m.Body, &m.BodyHTML, &m.EmailMessageID,
		&m.EmailInReplyTo, &m.EmailReferences, &m.EmailProviderID,
		&incoming, &m.From, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.Incoming = incoming != 0
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
