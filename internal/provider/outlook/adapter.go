// Package outlook implements the EmailProvider contract on top of
// Microsoft Graph. Reads go through the Graph SDK; the send, reply and
// move surfaces use the REST endpoints directly because the responses
// carry ids the normalized contract must return.
package outlook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/provider"
)

const (
	providerName = "outlook"
	graphBaseURL = "https://graph.microsoft.com/v1.0"
)

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"body", "bodyPreview", "receivedDateTime", "internetMessageId",
	"internetMessageHeaders", "hasAttachments", "importance",
}

// Config holds the Azure app registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
}

// Adapter implements provider.EmailProvider for Microsoft 365.
type Adapter struct {
	config  *oauth2.Config
	baseURL string
}

func New(cfg Config) *Adapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}
	return &Adapter{
		baseURL: graphBaseURL,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/Mail.Send",
				"https://graph.microsoft.com/User.Read",
				"offline_access",
			},
			Endpoint: microsoft.AzureADEndpoint(tenantID),
		},
	}
}

func (a *Adapter) Name() model.Provider {
	return model.ProviderMicrosoft365
}

func (a *Adapter) AuthorizeURL(state string) (string, error) {
	if a.config.ClientID == "" || a.config.ClientSecret == "" {
		return "", provider.NewError(providerName, provider.ErrConfiguration,
			"microsoft365 client credentials not configured", nil, false)
	}
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

func (a *Adapter) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, provider.NewError(providerName, provider.ErrAuth,
			"failed to exchange authorization code", err, false)
	}
	return tok, nil
}

func (a *Adapter) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	stale := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	fresh, err := a.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, provider.NewError(providerName, provider.ErrAuth,
			"failed to refresh token", err, false)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// FetchMessages lists the channel's fetch folder through the Graph SDK,
// following @odata.nextLink pages until exhausted.
func (a *Adapter) FetchMessages(ctx context.Context, ch *model.Channel, since time.Time) ([]*provider.NormalizedMessage, error) {
	client, err := a.graphClient(ch)
	if err != nil {
		return nil, err
	}

	var filter *string
	if !since.IsZero() {
		f := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
		filter = &f
	}

	folder := ch.FetchFolder
	if folder == "" {
		folder = "inbox"
	}

	result, err := client.Me().MailFolders().ByMailFolderId(folder).Messages().Get(ctx,
		&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     int32Ptr(100),
				Select:  messageSelect,
				Filter:  filter,
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	if err != nil {
		return nil, a.wrapGraphError(err, "failed to list messages")
	}

	var out []*provider.NormalizedMessage
	for {
		for _, m := range result.GetValue() {
			msg := a.normalize(m)
			if msg.HasAttachments {
				atts, err := a.fetchAttachmentList(ctx, ch, msg.ProviderID)
				if err != nil {
					return nil, err
				}
				msg.Attachments = atts
			}
			out = append(out, msg)
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = users.NewItemMessagesRequestBuilder(*next, client.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return nil, a.wrapGraphError(err, "failed to page messages")
		}
	}

	return out, nil
}

func (a *Adapter) GetMessage(ctx context.Context, ch *model.Channel, providerID string) (*provider.NormalizedMessage, error) {
	client, err := a.graphClient(ch)
	if err != nil {
		return nil, err
	}

	m, err := client.Me().Messages().ByMessageId(providerID).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
			},
		})
	if err != nil {
		if graphStatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, a.wrapGraphError(err, "failed to get message")
	}
	return a.normalize(m), nil
}

func (a *Adapter) FetchAttachments(ctx context.Context, ch *model.Channel, providerID string) ([]provider.Attachment, error) {
	return a.fetchAttachmentList(ctx, ch, providerID)
}

// SendMessage creates a draft and posts its /send action. The sendMail
// action returns 202 with no body, so the draft id is the only handle
// Graph ever gives back for an outbound mail.
func (a *Adapter) SendMessage(ctx context.Context, ch *model.Channel, out *provider.OutgoingMessage) (string, error) {
	client := a.httpClient(ctx, ch)

	var draft struct {
		ID string `json:"id"`
	}
	if err := a.doPost(ctx, client, a.baseURL+"/me/messages", buildGraphMessage(out), &draft); err != nil {
		return "", err
	}

	if err := a.doPost(ctx, client, a.baseURL+"/me/messages/"+draft.ID+"/send", nil, nil); err != nil {
		return "", err
	}
	return draft.ID, nil
}

// SendNotification prefers the /reply action on the customer's original
// message, which keeps Graph's conversation threading intact but reports
// no id back. Without an original message, or when Graph no longer has
// it, the notification is composed manually with the fallback headers.
func (a *Adapter) SendNotification(ctx context.Context, ch *model.Channel, n *provider.Notification) (string, error) {
	if n.OriginalMessageID != "" {
		client := a.httpClient(ctx, ch)
		body := map[string]any{"comment": n.Body}
		err := a.doPost(ctx, client, a.baseURL+"/me/messages/"+n.OriginalMessageID+"/reply", body, nil)
		if err == nil {
			return "", nil
		}
		if !provider.IsCode(err, provider.ErrNotFound) {
			return "", err
		}
	}

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
		TicketRef:   n.TicketRef,
	}
	return a.SendMessage(ctx, ch, out)
}

// MoveMessage moves a message and returns the id Graph assigned to the
// moved copy. Graph ids encode the parent folder, so the old id is dead
// after this call.
func (a *Adapter) MoveMessage(ctx context.Context, ch *model.Channel, providerID, folder string) (string, error) {
	client := a.httpClient(ctx, ch)

	var moved struct {
		ID string `json:"id"`
	}
	body := map[string]string{"destinationId": folder}
	if err := a.doPost(ctx, client, a.baseURL+"/me/messages/"+providerID+"/move", body, &moved); err != nil {
		return "", err
	}
	return moved.ID, nil
}

// ArchiveMessage moves a message to the archive folder. Mailboxes without
// one get the message deleted instead, signalled by the empty id.
func (a *Adapter) ArchiveMessage(ctx context.Context, ch *model.Channel, providerID string) (string, error) {
	newID, err := a.MoveMessage(ctx, ch, providerID, "archive")
	if err == nil {
		return newID, nil
	}
	if !provider.IsCode(err, provider.ErrNotFound) {
		return "", err
	}

	if err := a.DeleteMessage(ctx, ch, providerID); err != nil {
		return "", err
	}
	return "", nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ch *model.Channel, providerID string) error {
	client := a.httpClient(ctx, ch)
	body := map[string]string{"destinationId": "deleteditems"}
	return a.doPost(ctx, client, a.baseURL+"/me/messages/"+providerID+"/move", body, nil)
}

func (a *Adapter) ListFolders(ctx context.Context, ch *model.Channel) ([]provider.Folder, error) {
	client := a.httpClient(ctx, ch)

	var resp struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := a.doGet(ctx, client, a.baseURL+"/me/mailFolders?$top=100", &resp); err != nil {
		return nil, err
	}

	folders := make([]provider.Folder, len(resp.Value))
	for i, f := range resp.Value {
		folders[i] = provider.Folder{ID: f.ID, Name: f.DisplayName}
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
	client, err := a.graphClient(ch)
	if err != nil {
		return "", err
	}

	user, err := client.Me().Get(ctx, nil)
	if err != nil {
		return "", a.wrapGraphError(err, "failed to get user profile")
	}
	if mail := user.GetMail(); mail != nil && *mail != "" {
		return *mail, nil
	}
	if upn := user.GetUserPrincipalName(); upn != nil {
		return *upn, nil
	}
	return "", provider.NewError(providerName, provider.ErrServer,
		"user profile has no mail address", nil, false)
}

// ---- graph client plumbing ----

func (a *Adapter) graphClient(ch *model.Channel) (*msgraphsdk.GraphServiceClient, error) {
	if a.config.ClientID == "" || a.config.ClientSecret == "" {
		return nil, provider.NewError(providerName, provider.ErrConfiguration,
			"microsoft365 client credentials not configured", nil, false)
	}

	cred := &staticTokenCredential{token: ch.AccessToken, expiry: ch.TokenExpiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}
	return client, nil
}

func (a *Adapter) httpClient(ctx context.Context, ch *model.Channel) *http.Client {
	tok := &oauth2.Token{
		AccessToken:  ch.AccessToken,
		RefreshToken: ch.RefreshToken,
		Expiry:       ch.TokenExpiry,
	}
	return a.config.Client(ctx, tok)
}

// staticTokenCredential hands the channel's already-refreshed access token
// to the Graph SDK. Refresh happens upstream, never inside the SDK.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

// ---- normalization ----

func (a *Adapter) normalize(m models.Messageable) *provider.NormalizedMessage {
	out := &provider.NormalizedMessage{
		Provider: model.ProviderMicrosoft365,
		Headers:  map[string]string{},
	}

	if id := m.GetId(); id != nil {
		out.ProviderID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		out.ThreadID = *convID
	}
	if imid := m.GetInternetMessageId(); imid != nil {
		out.InternetMessageID = stripBrackets(*imid)
	}
	if subject := m.GetSubject(); subject != nil {
		out.Subject = *subject
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		out.ReceivedAt = *rcvd
	}
	if has := m.GetHasAttachments(); has != nil {
		out.HasAttachments = *has
	}

	if from := m.GetFrom(); from != nil {
		out.From = recipientAddress(from)
	}
	for _, r := range m.GetToRecipients() {
		out.Recipients = append(out.Recipients, recipientAddress(r))
	}

	for _, h := range m.GetInternetMessageHeaders() {
		if name, value := h.GetName(), h.GetValue(); name != nil && value != nil {
			out.Headers[*name] = *value
		}
	}
	out.InReplyTo = stripBrackets(headerLookup(out.Headers, "In-Reply-To"))
	out.References = splitReferences(headerLookup(out.Headers, "References"))
	out.Priority = normalizePriority(out.Headers, m.GetImportance())

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			out.BodyHTML = *body.GetContent()
			if preview := m.GetBodyPreview(); preview != nil {
				out.BodyText = *preview
			}
		} else {
			out.BodyText = *body.GetContent()
		}
	}

	return out
}

func recipientAddress(r models.Recipientable) provider.EmailAddress {
	var addr provider.EmailAddress
	if ea := r.GetEmailAddress(); ea != nil {
		if name := ea.GetName(); name != nil {
			addr.Name = *name
		}
		if mail := ea.GetAddress(); mail != nil {
			addr.Email = *mail
		}
	}
	return addr
}

// normalizePriority folds X-Priority and Importance into the three-level
// scale, falling back to Graph's importance property when neither header
// made it through. X-Priority decides only in the high or low band; the
// middle value falls through to Importance.
func normalizePriority(headers map[string]string, importance *models.Importance) model.Priority {
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
	case "normal":
		return model.PriorityNormal
	}
	if importance != nil {
		switch *importance {
		case models.HIGH_IMPORTANCE:
			return model.PriorityHigh
		case models.LOW_IMPORTANCE:
			return model.PriorityLow
		}
	}
	return model.PriorityNormal
}

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

// ---- outgoing ----

// buildGraphMessage serializes an outgoing message as a Graph draft. Graph
// rejects internetMessageHeaders that do not start with X-, so the ticket
// reference headers are the only custom ones a Microsoft 365 send carries;
// conversation threading is Graph's own job.
func buildGraphMessage(out *provider.OutgoingMessage) map[string]any {
	contentType := "text"
	if out.HTML {
		contentType = "html"
	}

	msg := map[string]any{
		"subject": out.Subject,
		"body": map[string]string{
			"contentType": contentType,
			"content":     out.Body,
		},
		"toRecipients": graphRecipients(out.To),
	}
	if len(out.Cc) > 0 {
		msg["ccRecipients"] = graphRecipients(out.Cc)
	}

	if out.TicketRef != "" {
		msg["internetMessageHeaders"] = []map[string]string{
			{"name": "X-Ticket-ID", "value": out.TicketRef},
			{"name": "X-Ticket-Reference", "value": out.TicketRef},
		}
	}

	if len(out.Attachments) > 0 {
		atts := make([]map[string]any, len(out.Attachments))
		for i, att := range out.Attachments {
			atts[i] = map[string]any{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         att.Filename,
				"contentType":  att.MimeType,
				"contentBytes": base64.StdEncoding.EncodeToString(att.Content),
			}
		}
		msg["attachments"] = atts
	}

	return msg
}

func graphRecipients(addrs []provider.EmailAddress) []map[string]any {
	out := make([]map[string]any, len(addrs))
	for i, a := range addrs {
		out[i] = map[string]any{
			"emailAddress": map[string]string{
				"name":    a.Name,
				"address": a.Email,
			},
		}
	}
	return out
}

// ---- attachments ----

func (a *Adapter) fetchAttachmentList(ctx context.Context, ch *model.Channel, providerID string) ([]provider.Attachment, error) {
	client := a.httpClient(ctx, ch)

	var resp struct {
		Value []struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			ContentType  string `json:"contentType"`
			Size         int64  `json:"size"`
			IsInline     bool   `json:"isInline"`
			ContentBytes string `json:"contentBytes"`
		} `json:"value"`
	}
	if err := a.doGet(ctx, client, a.baseURL+"/me/messages/"+providerID+"/attachments", &resp); err != nil {
		return nil, err
	}

	atts := make([]provider.Attachment, 0, len(resp.Value))
	for _, v := range resp.Value {
		att := provider.Attachment{
			ID:       v.ID,
			Filename: v.Name,
			MimeType: v.ContentType,
			Size:     v.Size,
			Inline:   v.IsInline,
		}
		if v.ContentBytes != "" {
			data, err := base64.StdEncoding.DecodeString(v.ContentBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to decode attachment %s: %w", v.ID, err)
			}
			att.Content = data
		}
		atts = append(atts, att)
	}
	return atts, nil
}

// ---- REST plumbing ----

func (a *Adapter) doGet(ctx context.Context, client *http.Client, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return provider.NewError(providerName, provider.ErrServer, "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *Adapter) doPost(ctx context.Context, client *http.Client, url string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return provider.NewError(providerName, provider.ErrServer, "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(respBody))
	}
	if result != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *Adapter) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return provider.NewError(providerName, provider.ErrTokenExpired, "token expired", nil, false)
	case 403:
		return provider.NewError(providerName, provider.ErrAuth, "access denied", nil, false)
	case 404:
		return provider.NewError(providerName, provider.ErrNotFound, "not found", nil, false)
	case 429:
		return provider.NewError(providerName, provider.ErrRateLimit, "too many requests", nil, true)
	default:
		return provider.NewError(providerName, provider.ErrServer,
			fmt.Sprintf("graph returned %d: %s", statusCode, body), nil, statusCode >= 500)
	}
}

func graphStatusCode(err error) int {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode
	}
	return 0
}

func (a *Adapter) wrapGraphError(err error, msg string) error {
	switch graphStatusCode(err) {
	case http.StatusUnauthorized:
		return provider.NewError(providerName, provider.ErrTokenExpired, "token expired", err, false)
	case http.StatusForbidden:
		return provider.NewError(providerName, provider.ErrAuth, "access denied", err, false)
	case http.StatusNotFound:
		return provider.NewError(providerName, provider.ErrNotFound, "not found", err, false)
	case http.StatusTooManyRequests:
		return provider.NewError(providerName, provider.ErrRateLimit, "too many requests", err, true)
	}
	return provider.NewError(providerName, provider.ErrServer, msg, err, true)
}

func int32Ptr(i int32) *int32 {
	return &i
}

var _ provider.EmailProvider = (*Adapter)(nil)
