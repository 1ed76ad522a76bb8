package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender pushes settlement and liquidation alerts to a Discord channel
// webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert to the webhook, title bolded in Discord markdown.
// Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]string{
		"content":  fmt.Sprintf("**%s**\n%s", title, message),
		"username": "preauthlend",
	})
}

// Name returns the sender identifier used in event filtering and logs.
func (d *DiscordSender) Name() string {
	return "discord"
}
