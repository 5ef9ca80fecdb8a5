package notify

import (
	"context"
	"net/http"
	"time"
)

// Discord embed limits.
const (
	discordTitleMax = 256
	discordDescMax  = 4096
)

// DiscordSender posts embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender with a 10-second HTTP timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send posts one embed with title and message as its description.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	e := discordEmbed{
		Title:       truncate(title, discordTitleMax),
		Description: truncate(message, discordDescMax),
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	e.Footer.Text = "elephantbot"
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []discordEmbed{e},
	})
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
