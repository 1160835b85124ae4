// Package bridge transforms provider messages into hub records and webhook
// events, and dispatches outbound sends from the hub back to the provider.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trungdn/zalobridge/internal/hub"
	"github.com/trungdn/zalobridge/internal/provider"
	"github.com/trungdn/zalobridge/internal/session"
)

// HubAPI is the slice of the hub client the inbound pipeline needs.
type HubAPI interface {
	CreateOrFindContact(ctx context.Context, accountID, inboxID int64, senderID, name, phone string) (*hub.Contact, error)
	CreateContactInbox(ctx context.Context, accountID, contactID, inboxID int64, sourceID string) (*hub.ContactInbox, error)
	FindOpenConversation(ctx context.Context, accountID, contactInboxID int64) (*hub.Conversation, error)
	CreateConversation(ctx context.Context, accountID, inboxID, contactID int64, sourceID string) (*hub.Conversation, error)
	CreateMessage(ctx context.Context, accountID, conversationID int64, msg hub.MessagePayload) error
	UpdateMessageStatus(ctx context.Context, messageID int64, status, sourceID, externalError string) error
	DefaultInboxID() int64
}

// Sender delegates outbound sends to the owning account session.
type Sender interface {
	SendMessage(ctx context.Context, channelID int64, threadID, content string) (session.DeliveryResult, error)
}

// OutboundRequest is one hub-originated send.
type OutboundRequest struct {
	ChannelID int64  `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Content   string `json:"content"`
	// MessageID is the hub message whose delivery status gets updated.
	MessageID int64 `json:"message_id"`
}

// Options configures the bridge.
type Options struct {
	// WebhookURL is the hub's webhook base; events are pushed to
	// WebhookURL + "/process_payload".
	WebhookURL string
	// Secret signs every webhook payload. Pushes are never sent unsigned.
	Secret string
	// Timeout bounds the webhook push (default 5s).
	Timeout time.Duration
}

// Bridge is the inbound/outbound message pipeline.
type Bridge struct {
	hub    HubAPI
	sender Sender
	opts   Options
	httpc  *http.Client
}

// New creates a Bridge.
func New(hubAPI HubAPI, sender Sender, opts Options) *Bridge {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Bridge{
		hub:    hubAPI,
		sender: sender,
		opts:   opts,
		httpc:  &http.Client{Timeout: opts.Timeout},
	}
}

// webhookEvent is the normalized payload pushed to the hub.
type webhookEvent struct {
	Message  webhookMessage `json:"message"`
	ZaloData webhookZalo    `json:"zalo_data"`
}

type webhookMessage struct {
	ID          string        `json:"id"`
	Content     string        `json:"content"`
	MessageType string        `json:"message_type"`
	Sender      webhookSender `json:"sender"`
	ThreadID    string        `json:"thread_id"`
	CreatedAt   string        `json:"created_at"`
}

type webhookSender struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	PhoneNumber string `json:"phone_number"`
}

type webhookZalo struct {
	ThreadType  provider.ThreadType   `json:"thread_type"`
	Attachments []provider.Attachment `json:"attachments"`
	AccountName string                `json:"account_name"`
	AccountID   int64                 `json:"account_id"`
}

// OnInbound runs the inbound pipeline for one message: contact, then
// conversation, then message in the hub, then the signed webhook push. Any
// step failure aborts the remaining steps for this message; the message is
// dropped with a logged error (at-most-once, no local queue).
func (b *Bridge) OnInbound(ctx context.Context, msg session.InboundMessage) {
	if err := b.processInbound(ctx, msg); err != nil {
		log.Printf("account %d: dropping inbound message %s: %v", msg.ChannelID, msg.MessageID, err)
	}
}

func (b *Bridge) processInbound(ctx context.Context, msg session.InboundMessage) error {
	inboxID := b.hub.DefaultInboxID()

	contact, err := b.hub.CreateOrFindContact(ctx, accountOf(msg), inboxID, msg.SenderID, msg.SenderName, msg.SenderPhone)
	if err != nil {
		return fmt.Errorf("contact step: %w", err)
	}

	contactInboxID, err := b.resolveContactInbox(ctx, msg, contact, inboxID)
	if err != nil {
		return fmt.Errorf("contact inbox step: %w", err)
	}

	conv, err := b.resolveConversation(ctx, msg, contact, contactInboxID, inboxID)
	if err != nil {
		return fmt.Errorf("conversation step: %w", err)
	}

	sourceID := msg.MessageID
	if sourceID == "" {
		sourceID = uuid.New().String()
	}
	payload := hub.MessagePayload{
		Content:     msg.Content,
		MessageType: "incoming",
		SenderType:  "contact",
		Sender:      &hub.MessageSender{ID: contact.ID, Type: "Contact"},
		SourceID:    sourceID,
		AdditionalAttributes: map[string]any{
			"zalo_message_id": msg.MessageID,
			"zalo_thread_id":  msg.ThreadID,
			"zalo_user_id":    msg.SenderID,
			"platform":        "zalo",
			"timestamp":       msg.Timestamp.UTC().Format(time.RFC3339),
			"message_type":    string(msg.Kind),
		},
	}
	if err := b.hub.CreateMessage(ctx, accountOf(msg), conv.ID, payload); err != nil {
		return fmt.Errorf("message step: %w", err)
	}

	// Hub records are committed; a failed push is logged but not undone.
	if b.opts.WebhookURL != "" {
		if err := b.pushWebhook(ctx, msg); err != nil {
			log.Printf("account %d: webhook push failed for message %s: %v", msg.ChannelID, msg.MessageID, err)
		}
	}
	return nil
}

func (b *Bridge) resolveContactInbox(ctx context.Context, msg session.InboundMessage, contact *hub.Contact, inboxID int64) (int64, error) {
	if len(contact.ContactInboxes) > 0 {
		return contact.ContactInboxes[0].ID, nil
	}
	ci, err := b.hub.CreateContactInbox(ctx, accountOf(msg), contact.ID, inboxID, msg.SenderID)
	if err != nil {
		return 0, err
	}
	return ci.ID, nil
}

// resolveConversation favors the most recent open conversation for the
// contact inbox (the hub lists newest first); only when none exists is a
// new one created.
func (b *Bridge) resolveConversation(ctx context.Context, msg session.InboundMessage, contact *hub.Contact, contactInboxID, inboxID int64) (*hub.Conversation, error) {
	conv, err := b.hub.FindOpenConversation(ctx, accountOf(msg), contactInboxID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	return b.hub.CreateConversation(ctx, accountOf(msg), inboxID, contact.ID, msg.ThreadID)
}

// pushWebhook builds the normalized event, signs it, and posts it to the
// hub. The payload is never sent without its signature header.
func (b *Bridge) pushWebhook(ctx context.Context, msg session.InboundMessage) error {
	event := webhookEvent{
		Message: webhookMessage{
			ID:          msg.MessageID,
			Content:     msg.Content,
			MessageType: "incoming",
			Sender: webhookSender{
				ID:          msg.SenderID,
				Name:        msg.SenderName,
				Avatar:      msg.SenderAvatar,
				PhoneNumber: msg.SenderPhone,
			},
			ThreadID:  msg.ThreadID,
			CreatedAt: msg.Timestamp.UTC().Format(time.RFC3339),
		},
		ZaloData: webhookZalo{
			ThreadType:  msg.ThreadType,
			Attachments: msg.Attachments,
			AccountName: msg.AccountName,
			AccountID:   msg.ChannelID,
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.opts.WebhookURL+"/process_payload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(b.opts.Secret, body))

	resp, err := b.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// DispatchOutbound sends a hub message through the owning account and
// reports the outcome back to the hub as a status update on the originating
// message. Delivery failures are reported, never retried here.
func (b *Bridge) DispatchOutbound(ctx context.Context, req OutboundRequest) session.DeliveryResult {
	result, err := b.sender.SendMessage(ctx, req.ChannelID, req.ThreadID, req.Content)
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	if req.MessageID != 0 {
		status := "sent"
		if !result.Success {
			status = "failed"
		}
		if err := b.hub.UpdateMessageStatus(ctx, req.MessageID, status, result.ProviderMessageID, result.Error); err != nil {
			log.Printf("message %d: status report failed: %v", req.MessageID, err)
		}
	}
	return result
}

func accountOf(msg session.InboundMessage) int64 {
	if msg.AccountID != 0 {
		return msg.AccountID
	}
	return 1
}
