// Package alert notifies operators when an account needs manual attention.
package alert

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/trungdn/zalobridge/internal/hub"
)

// SlackNotifier posts account failures to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlack creates a SlackNotifier. An empty URL yields a nil notifier,
// which callers treat as "alerts disabled".
func NewSlack(webhookURL string) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	return &SlackNotifier{webhookURL: webhookURL}
}

// AccountFailed reports that a channel exhausted its reconnect attempts and
// requires a fresh QR login.
func (n *SlackNotifier) AccountFailed(ctx context.Context, ch hub.Channel, attempts int) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Zalo account %s (channel %d) marked failed after %d reconnect attempts. A new QR login is required.",
			ch.DisplayName(), ch.ID, attempts),
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		log.Printf("slack alert failed: %v", err)
	}
}
