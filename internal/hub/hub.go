// Package hub is the client for the central CRM hub that owns contacts,
// conversations, messages, and the channel records this bridge serves.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/trungdn/zalobridge/internal/credential"
)

// Channel is one Zalo personal account record as persisted by the hub.
type Channel struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	ZaloAccountName string         `json:"zalo_account_name"`
	IMEI            string         `json:"imei"`
	UserAgent       string         `json:"user_agent"`
	Proxy           string         `json:"proxy,omitempty"`
	AccountID       int64          `json:"account_id"`
	Cookie          credential.Set `json:"cookie"`
	IsConnected     bool           `json:"is_connected"`
	LastLoginAt     *time.Time     `json:"last_login_at,omitempty"`
}

// DisplayName is the channel's human-readable label.
func (c Channel) DisplayName() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.ZaloAccountName)
}

// Contact is a hub contact, as returned by the contacts endpoint.
type Contact struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	PhoneNumber    string         `json:"phone_number"`
	Identifier     string         `json:"identifier"`
	ContactInboxes []ContactInbox `json:"contact_inboxes"`
}

// ContactInbox links a contact to an inbox.
type ContactInbox struct {
	ID       int64  `json:"id"`
	InboxID  int64  `json:"inbox_id"`
	SourceID string `json:"source_id"`
}

// Conversation is a hub conversation.
type Conversation struct {
	ID             int64  `json:"id"`
	InboxID        int64  `json:"inbox_id"`
	ContactInboxID int64  `json:"contact_inbox_id"`
	Status         string `json:"status"` // "open" or "resolved"
}

// MessagePayload is the body for creating an incoming message.
type MessagePayload struct {
	Content              string         `json:"content"`
	MessageType          string         `json:"message_type"` // "incoming"
	SenderType           string         `json:"sender_type"`  // "contact"
	Sender               *MessageSender `json:"sender,omitempty"`
	SourceID             string         `json:"source_id,omitempty"`
	AdditionalAttributes map[string]any `json:"additional_attributes,omitempty"`
}

// MessageSender identifies the contact a message came from.
type MessageSender struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "Contact"
}

// APIError is a non-success hub response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub api error: status %d: %s", e.Status, e.Body)
}

// Options configures the hub client.
type Options struct {
	// BaseURL is the hub root, e.g. "http://localhost:3000".
	BaseURL string
	// AccessToken authenticates the public /api/v1 surface.
	AccessToken string
	// InternalToken authenticates the /internal channel endpoints.
	InternalToken string
	// DefaultInboxID is the inbox used when a channel has no mapping.
	DefaultInboxID int64
	// Timeout bounds every call (default 5s).
	Timeout time.Duration
	// StatusTimeout bounds fire-and-forget status updates (default 3s).
	StatusTimeout time.Duration
}

// Client calls the hub's REST API.
type Client struct {
	opts   Options
	httpc  *http.Client
	status *http.Client
}

// New creates a hub client.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.StatusTimeout == 0 {
		opts.StatusTimeout = 3 * time.Second
	}
	return &Client{
		opts:   opts,
		httpc:  &http.Client{Timeout: opts.Timeout},
		status: &http.Client{Timeout: opts.StatusTimeout},
	}
}

func (c *Client) request(ctx context.Context, client *http.Client, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// The hub accepts the token under either header name depending on the
	// endpoint generation; send both.
	req.Header.Set("access-token", c.opts.AccessToken)
	req.Header.Set("api_access_token", c.opts.AccessToken)
	if c.opts.InternalToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.InternalToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("hub request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding hub response: %w", err)
		}
	}
	return nil
}

// ListChannels fetches every Zalo personal channel record from the hub.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := c.request(ctx, c.httpc, http.MethodGet, "/internal/zalo/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// UpdateChannelStatus records a channel's connection state in the hub.
// Failures are logged, not returned: status bookkeeping must never take a
// session down, and the next successful update reconciles the record.
func (c *Client) UpdateChannelStatus(ctx context.Context, channelID int64, connected bool, lastLogin *time.Time) {
	body := map[string]any{"is_connected": connected}
	if lastLogin != nil {
		body["last_login_at"] = lastLogin.UTC().Format(time.RFC3339)
	}
	path := fmt.Sprintf("/internal/zalo/channels/%d/status", channelID)
	if err := c.request(ctx, c.status, http.MethodPatch, path, body, nil); err != nil {
		log.Printf("channel %d: status update failed: %v", channelID, err)
	}
}

// UpdateChannelCredentials persists a fresh cookie jar after a QR login.
func (c *Client) UpdateChannelCredentials(ctx context.Context, channelID int64, cookie credential.Set) error {
	path := fmt.Sprintf("/internal/zalo/channels/%d/credentials", channelID)
	return c.request(ctx, c.httpc, http.MethodPatch, path, map[string]any{"cookie": cookie}, nil)
}

// CreateOrFindContact upserts the hub contact for a Zalo sender. The hub's
// contacts endpoint is an upsert keyed by identifier.
func (c *Client) CreateOrFindContact(ctx context.Context, accountID, inboxID int64, senderID, name, phone string) (*Contact, error) {
	if name == "" {
		name = "Zalo User " + senderID
	}
	if phone == "" {
		phone = senderID
	}
	body := map[string]any{
		"name":         name,
		"phone_number": phone,
		"identifier":   senderID,
		"inbox_id":     inboxID,
		"source_id":    senderID,
		"additional_attributes": map[string]any{
			"zalo_user_id": senderID,
			"platform":     "zalo",
		},
	}
	var contact Contact
	path := fmt.Sprintf("/api/v1/accounts/%d/contacts", accountID)
	if err := c.request(ctx, c.httpc, http.MethodPost, path, body, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}

// CreateContactInbox links a contact to an inbox when the contact upsert did
// not create the link itself.
func (c *Client) CreateContactInbox(ctx context.Context, accountID, contactID, inboxID int64, sourceID string) (*ContactInbox, error) {
	body := map[string]any{"inbox_id": inboxID, "source_id": sourceID}
	var ci ContactInbox
	path := fmt.Sprintf("/api/v1/accounts/%d/contacts/%d/contact_inboxes", accountID, contactID)
	if err := c.request(ctx, c.httpc, http.MethodPost, path, body, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// FindOpenConversation returns the most recent non-resolved conversation for
// a contact inbox, or nil when none exists. Relies on the hub listing
// conversations newest first, so the first matching entry is the most
// recent one.
func (c *Client) FindOpenConversation(ctx context.Context, accountID, contactInboxID int64) (*Conversation, error) {
	var payload struct {
		Data struct {
			Payload []Conversation `json:"payload"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%d/conversations", accountID)
	if err := c.request(ctx, c.httpc, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	for _, conv := range payload.Data.Payload {
		if conv.ContactInboxID == contactInboxID && conv.Status != "resolved" {
			found := conv
			return &found, nil
		}
	}
	return nil, nil
}

// CreateConversation opens a new conversation for a contact.
func (c *Client) CreateConversation(ctx context.Context, accountID, inboxID, contactID int64, sourceID string) (*Conversation, error) {
	body := map[string]any{
		"inbox_id":   inboxID,
		"contact_id": contactID,
		"source_id":  sourceID,
		"status":     "open",
	}
	var conv Conversation
	path := fmt.Sprintf("/api/v1/accounts/%d/conversations", accountID)
	if err := c.request(ctx, c.httpc, http.MethodPost, path, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateMessage appends a message to a conversation.
func (c *Client) CreateMessage(ctx context.Context, accountID, conversationID int64, msg MessagePayload) error {
	path := fmt.Sprintf("/api/v1/accounts/%d/conversations/%d/messages", accountID, conversationID)
	return c.request(ctx, c.httpc, http.MethodPost, path, msg, nil)
}

// UpdateMessageStatus reports an outbound delivery outcome back onto the
// originating hub message.
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID int64, status, sourceID, externalError string) error {
	body := map[string]any{"status": status}
	if sourceID != "" {
		body["source_id"] = sourceID
	}
	if externalError != "" {
		body["external_error"] = externalError
	}
	path := fmt.Sprintf("/internal/zalo/messages/%d/status", messageID)
	return c.request(ctx, c.httpc, http.MethodPatch, path, body, nil)
}

// DefaultInboxID exposes the configured fallback inbox.
func (c *Client) DefaultInboxID() int64 { return c.opts.DefaultInboxID }
