// Package gmail implements the EmailProvider contract on top of the Gmail
// REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/provider"
)

const providerName = "gmail"

// Config holds the OAuth client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Adapter implements provider.EmailProvider for Gmail.
type Adapter struct {
	config *oauth2.Config
}

// New creates a Gmail adapter. Credentials may be empty; AuthorizeURL and
// every API call fail with a configuration error until they are set.
func New(cfg Config) *Adapter {
	return &Adapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
				gmail.GmailModifyScope,
				gmail.GmailLabelsScope,
			},
			Endpoint: google.Endpoint,
		},
	}
}

func (a *Adapter) Name() model.Provider {
	return model.ProviderGoogle
}

// AuthorizeURL builds the OAuth consent URL. Offline access and forced
// consent are required or Google stops returning refresh tokens after the
// first grant.
func (a *Adapter) AuthorizeURL(state string) (string, error) {
	if a.config.ClientID == "" || a.config.ClientSecret == "" {
		return "", provider.NewError(providerName, provider.ErrConfiguration,
			"gmail client credentials not configured", nil, false)
	}
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (a *Adapter) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, a.wrapError(err, "failed to exchange authorization code")
	}
	return tok, nil
}

func (a *Adapter) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	// Force a refresh by presenting the token as expired.
	stale := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	fresh, err := a.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, a.wrapError(err, "failed to refresh token")
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// FetchMessages lists the channel's fetch folder and hydrates each message
// with full payload. Attachment content is pulled only for messages that
// actually carry any.
func (a *Adapter) FetchMessages(ctx context.Context, ch *model.Channel, since time.Time) ([]*provider.NormalizedMessage, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return nil, err
	}

	query := a.fetchQuery(ch, since)
	req := svc.Users.Messages.List("me").Q(query).MaxResults(100)

	var out []*provider.NormalizedMessage
	pageToken := ""
	for {
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Context(ctx).Do()
		if err != nil {
			return nil, a.wrapError(err, "failed to list messages")
		}

		for _, ref := range resp.Messages {
			full, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, fmt.Sprintf("failed to get message %s", ref.Id))
			}
			msg := a.normalize(full)
			if msg.HasAttachments {
				atts, err := a.hydrateAttachments(ctx, svc, full)
				if err != nil {
					return nil, err
				}
				msg.Attachments = atts
			}
			out = append(out, msg)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return out, nil
}

// fetchQuery builds the Gmail search query for a channel. The folder maps
// to in:/label: terms and since maps to an after: date term.
func (a *Adapter) fetchQuery(ch *model.Channel, since time.Time) string {
	var terms []string
	switch folder := ch.FetchFolder; {
	case folder == "" || strings.EqualFold(folder, "inbox"):
		terms = append(terms, "in:inbox")
	default:
		terms = append(terms, "label:"+folder)
	}
	if !since.IsZero() {
		terms = append(terms, "after:"+since.Format("2006/01/02"))
	}
	return strings.Join(terms, " ")
}

func (a *Adapter) GetMessage(ctx context.Context, ch *model.Channel, providerID string) (*provider.NormalizedMessage, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return nil, err
	}

	full, err := svc.Users.Messages.Get("me", providerID).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, a.wrapError(err, "failed to get message")
	}
	return a.normalize(full), nil
}

func (a *Adapter) FetchAttachments(ctx context.Context, ch *model.Channel, providerID string) ([]provider.Attachment, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return nil, err
	}

	full, err := svc.Users.Messages.Get("me", providerID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to get message")
	}
	return a.hydrateAttachments(ctx, svc, full)
}

// SendMessage sends a reply with the full threading header set and returns
// the provider id Gmail assigned to the sent mail.
func (a *Adapter) SendMessage(ctx context.Context, ch *model.Channel, out *provider.OutgoingMessage) (string, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return "", err
	}

	raw := buildRawMessage(ch, out)
	gm := &gmail.Message{
		Raw: base64.RawURLEncoding.EncodeToString([]byte(raw)),
	}
	if out.ThreadID != "" {
		gm.ThreadId = out.ThreadID
	}

	sent, err := svc.Users.Messages.Send("me", gm).Context(ctx).Do()
	if err != nil {
		return "", a.wrapError(err, "failed to send message")
	}
	return sent.Id, nil
}

// SendNotification sends a system email. Gmail has no reply primitive, so
// the manual headers are always used; the thread id keeps the mail in the
// customer's conversation.
func (a *Adapter) SendNotification(ctx context.Context, ch *model.Channel, n *provider.Notification) (string, error) {
	out := &provider.OutgoingMessage{
		To:          n.To,
		Subject:     n.Subject,
		Body:        n.Body,
		HTML:        n.HTML,
		MessageID:   n.MessageID,
		InReplyTo:   n.InReplyTo,
		References:  n.References,
		ThreadTopic: n.ThreadTopic,
		ThreadIndex: n.ThreadIndex,
		ThreadID:    n.ThreadID,
		TicketRef:   n.TicketRef,
	}
	return a.SendMessage(ctx, ch, out)
}

// MoveMessage applies the target label and removes INBOX. Gmail ids are
// stable, so the same id comes back.
func (a *Adapter) MoveMessage(ctx context.Context, ch *model.Channel, providerID, folder string) (string, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return "", err
	}

	labelID, err := a.labelID(ctx, svc, folder)
	if err != nil {
		return "", err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    []string{labelID},
		RemoveLabelIds: []string{"INBOX"},
	}
	if _, err := svc.Users.Messages.Modify("me", providerID, req).Context(ctx).Do(); err != nil {
		return "", a.wrapError(err, "failed to move message")
	}
	return providerID, nil
}

// ArchiveMessage removes the INBOX label. The id survives archiving.
func (a *Adapter) ArchiveMessage(ctx context.Context, ch *model.Channel, providerID string) (string, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return "", err
	}

	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"INBOX"}}
	if _, err := svc.Users.Messages.Modify("me", providerID, req).Context(ctx).Do(); err != nil {
		return "", a.wrapError(err, "failed to archive message")
	}
	return providerID, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ch *model.Channel, providerID string) error {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return err
	}

	if _, err := svc.Users.Messages.Trash("me", providerID).Context(ctx).Do(); err != nil {
		return a.wrapError(err, "failed to trash message")
	}
	return nil
}

func (a *Adapter) ListFolders(ctx context.Context, ch *model.Channel) ([]provider.Folder, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to list labels")
	}

	folders := make([]provider.Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		folders = append(folders, provider.Folder{ID: l.Id, Name: l.Name})
	}
	return folders, nil
}

func (a *Adapter) TestConnection(ctx context.Context, ch *model.Channel) *provider.ConnectionStatus {
	email, err := a.UserEmail(ctx, ch)
	if err != nil {
		return &provider.ConnectionStatus{OK: false, Error: err.Error()}
	}
	return &provider.ConnectionStatus{OK: true, Email: email}
}

func (a *Adapter) UserEmail(ctx context.Context, ch *model.Channel) (string, error) {
	svc, err := a.service(ctx, ch)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", a.wrapError(err, "failed to get profile")
	}
	return profile.EmailAddress, nil
}

// ---- internal helpers ----

func (a *Adapter) service(ctx context.Context, ch *model.Channel) (*gmail.Service, error) {
	if a.config.ClientID == "" || a.config.ClientSecret == "" {
		return nil, provider.NewError(providerName, provider.ErrConfiguration,
			"gmail client credentials not configured", nil, false)
	}

	tok := &oauth2.Token{
		AccessToken:  ch.AccessToken,
		RefreshToken: ch.RefreshToken,
		Expiry:       ch.TokenExpiry,
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(a.config.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

// labelID resolves a folder name to a label id, accepting either form.
func (a *Adapter) labelID(ctx context.Context, svc *gmail.Service, folder string) (string, error) {
	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return "", a.wrapError(err, "failed to list labels")
	}
	for _, l := range resp.Labels {
		if l.Id == folder || strings.EqualFold(l.Name, folder) {
			return l.Id, nil
		}
	}
	return "", provider.NewError(providerName, provider.ErrNotFound,
		fmt.Sprintf("label %q not found", folder), nil, false)
}

func (a *Adapter) hydrateAttachments(ctx context.Context, svc *gmail.Service, msg *gmail.Message) ([]provider.Attachment, error) {
	atts := collectAttachmentParts(msg.Payload)
	for i := range atts {
		if atts[i].ID == "" || len(atts[i].Content) > 0 {
			continue
		}
		body, err := svc.Users.Messages.Attachments.Get("me", msg.Id, atts[i].ID).Context(ctx).Do()
		if err != nil {
			return nil, a.wrapError(err, "failed to get attachment")
		}
		data, err := decodeBase64URL(body.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %s: %w", atts[i].ID, err)
		}
		atts[i].Content = data
		atts[i].Size = int64(len(data))
	}
	return atts, nil
}

// normalize converts a Gmail message into the provider-agnostic shape.
func (a *Adapter) normalize(msg *gmail.Message) *provider.NormalizedMessage {
	headers := map[string]string{}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[h.Name] = h.Value
		}
	}

	out := &provider.NormalizedMessage{
		Provider:          model.ProviderGoogle,
		ProviderID:        msg.Id,
		ThreadID:          msg.ThreadId,
		InternetMessageID: stripBrackets(headerLookup(headers, "Message-ID")),
		InReplyTo:         stripBrackets(headerLookup(headers, "In-Reply-To")),
		References:        splitReferences(headerLookup(headers, "References")),
		From:              parseAddress(headerLookup(headers, "From")),
		Recipients:        parseAddressList(headerLookup(headers, "To")),
		Subject:           headerLookup(headers, "Subject"),
		Priority:          normalizePriority(headers),
		ReceivedAt:        time.Unix(0, msg.InternalDate*int64(time.Millisecond)),
		Headers:           headers,
	}

	if msg.Payload != nil {
		var text, html string
		extractBody(msg.Payload, &text, &html)
		out.BodyText = text
		out.BodyHTML = html
		if out.BodyText == "" && out.BodyHTML != "" {
			out.BodyText = stripHTMLTags(out.BodyHTML)
		}

		parts := collectAttachmentParts(msg.Payload)
		out.HasAttachments = len(parts) > 0
	}

	return out
}

// extractBody walks the MIME tree depth-first and keeps the first
// text/plain and text/html parts it sees.
func extractBody(part *gmail.MessagePart, text, html *string) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if *text == "" {
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					*text = string(data)
				}
			}
		case "text/html":
			if *html == "" {
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					*html = string(data)
				}
			}
		}
	}

	for _, p := range part.Parts {
		extractBody(p, text, html)
	}
}

func collectAttachmentParts(part *gmail.MessagePart) []provider.Attachment {
	if part == nil {
		return nil
	}

	var atts []provider.Attachment
	if part.Filename != "" {
		att := provider.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.ID = part.Body.AttachmentId
			att.Size = part.Body.Size
		}
		for _, h := range part.Headers {
			if h.Name == "Content-ID" || (h.Name == "Content-Disposition" && strings.HasPrefix(h.Value, "inline")) {
				att.Inline = true
				break
			}
		}
		atts = append(atts, att)
	}

	for _, p := range part.Parts {
		atts = append(atts, collectAttachmentParts(p)...)
	}
	return atts
}

// normalizePriority folds X-Priority and Importance into the three-level
// scale. X-Priority wins only when it lands in the high or low band;
// the middle value falls through to Importance.
func normalizePriority(headers map[string]string) model.Priority {
	if v := headerLookup(headers, "X-Priority"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(v, " ", 2)[0])); err == nil {
			switch {
			case n <= 2:
				return model.PriorityHigh
			case n >= 4:
				return model.PriorityLow
			}
		}
	}
	switch strings.ToLower(headerLookup(headers, "Importance")) {
	case "high":
		return model.PriorityHigh
	case "low":
		return model.PriorityLow
	}
	return model.PriorityNormal
}

// headerLookup scans case-insensitively; Gmail preserves whatever casing
// the sender used.
func headerLookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func stripBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
}

func splitReferences(s string) []string {
	if s == "" {
		return nil
	}
	var refs []string
	for _, f := range strings.Fields(s) {
		if id := stripBrackets(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

func parseAddress(s string) provider.EmailAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return provider.EmailAddress{Email: strings.TrimSpace(s)}
	}
	return provider.EmailAddress{Name: addr.Name, Email: addr.Address}
}

func parseAddressList(s string) []provider.EmailAddress {
	if s == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return []provider.EmailAddress{{Email: strings.TrimSpace(s)}}
	}
	out := make([]provider.EmailAddress, len(list))
	for i, addr := range list {
		out[i] = provider.EmailAddress{Name: addr.Name, Email: addr.Address}
	}
	return out
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTMLTags(s string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(s, ""))
}

// decodeBase64URL tolerates both padded and unpadded url-safe encodings;
// Gmail omits padding but not every client does.
func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// buildRawMessage serializes an outgoing message as RFC 2822 text with the
// generated threading headers. Message ids gain their angle brackets here.
func buildRawMessage(ch *model.Channel, out *provider.OutgoingMessage) string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("From: %s\r\n", ch.Email))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", formatAddresses(out.To)))
	if len(out.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", formatAddresses(out.Cc)))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", out.Subject))

	if out.MessageID != "" {
		buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", out.MessageID))
	}
	if out.InReplyTo != "" {
		buf.WriteString(fmt.Sprintf("In-Reply-To: <%s>\r\n", out.InReplyTo))
	}
	if out.References != "" {
		buf.WriteString(fmt.Sprintf("References: %s\r\n", out.References))
	}
	if out.ThreadTopic != "" {
		buf.WriteString(fmt.Sprintf("Thread-Topic: %s\r\n", out.ThreadTopic))
	}
	if out.ThreadIndex != "" {
		buf.WriteString(fmt.Sprintf("Thread-Index: %s\r\n", out.ThreadIndex))
	}
	if out.TicketRef != "" {
		buf.WriteString(fmt.Sprintf("X-Ticket-ID: %s\r\n", out.TicketRef))
		buf.WriteString(fmt.Sprintf("X-Ticket-Reference: %s\r\n", out.TicketRef))
	}

	if len(out.Attachments) > 0 {
		boundary := fmt.Sprintf("boundary_%d", time.Now().UnixNano())
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary))

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n\r\n", bodyContentType(out.HTML)))
		buf.WriteString(out.Body)
		buf.WriteString("\r\n")

		for _, att := range out.Attachments {
			buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
			buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", att.MimeType, att.Filename))
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", att.Filename))
			buf.WriteString(base64.StdEncoding.EncodeToString(att.Content))
			buf.WriteString("\r\n")
		}
		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n\r\n", bodyContentType(out.HTML)))
		buf.WriteString(out.Body)
	}

	return buf.String()
}

func bodyContentType(html bool) string {
	if html {
		return "text/html"
	}
	return "text/plain"
}

func formatAddresses(addrs []provider.EmailAddress) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", a.Name, a.Email)
		} else {
			parts[i] = a.Email
		}
	}
	return strings.Join(parts, ", ")
}

func isNotFound(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 404
	}
	return false
}

func (a *Adapter) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return provider.NewError(providerName, provider.ErrTokenExpired, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return provider.NewError(providerName, provider.ErrRateLimit, "rate limit exceeded", err, true)
			}
			return provider.NewError(providerName, provider.ErrAuth, "access denied", err, false)
		case 404:
			return provider.NewError(providerName, provider.ErrNotFound, "not found", err, false)
		case 429:
			return provider.NewError(providerName, provider.ErrRateLimit, "too many requests", err, true)
		case 500, 502, 503:
			return provider.NewError(providerName, provider.ErrServer, "server error", err, true)
		}
	}

	return provider.NewError(providerName, provider.ErrServer, msg, err, true)
}

var _ provider.EmailProvider = (*Adapter)(nil)
