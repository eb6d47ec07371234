// Package notify posts optional terminal-job-outcome notifications to
// Slack or Discord (SPEC_FULL.md §4.7), grounded on the teacher's
// internal/messaging outbound-notification shape but retargeted at the
// two chat webhook libraries the corpus carries. Both are disabled by
// default; a zero-value Notifier is a no-op.
package notify

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
)

// Notifier posts job outcomes to whichever webhooks are configured.
// Either field left empty disables that channel.
type Notifier struct {
	SlackWebhookURL   string
	DiscordWebhookURL string
	log               *slog.Logger
}

// New constructs a Notifier. A nil logger falls back to slog.Default().
func New(slackWebhookURL, discordWebhookURL string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{SlackWebhookURL: slackWebhookURL, DiscordWebhookURL: discordWebhookURL, log: log}
}

// JobTerminal notifies configured channels that jobID finished, with its
// final status and error summary (empty on success).
func (n *Notifier) JobTerminal(jobID, status, summary string) {
	text := fmt.Sprintf("job %s finished: %s", jobID, status)
	if summary != "" {
		text += " — " + summary
	}

	if n.SlackWebhookURL != "" {
		if err := slack.PostWebhook(n.SlackWebhookURL, &slack.WebhookMessage{Text: text}); err != nil {
			n.log.Error("slack notify failed", "job_id", jobID, "error", err)
		}
	}
	if n.DiscordWebhookURL != "" {
		if err := postDiscordWebhook(n.DiscordWebhookURL, text); err != nil {
			n.log.Error("discord notify failed", "job_id", jobID, "error", err)
		}
	}
}

// postDiscordWebhook sends text through a one-shot discordgo session
// built purely for webhook execution, not a standing bot connection.
func postDiscordWebhook(webhookURL, text string) error {
	id, token, err := parseDiscordWebhookURL(webhookURL)
	if err != nil {
		return fmt.Errorf("notify: parse discord webhook url: %w", err)
	}
	s, err := discordgo.New("")
	if err != nil {
		return fmt.Errorf("notify: new discord session: %w", err)
	}
	_, err = s.WebhookExecute(id, token, false, &discordgo.WebhookParams{Content: text})
	return err
}

// parseDiscordWebhookURL extracts the id and token from a webhook URL of
// the form https://discord.com/api/webhooks/{id}/{token}.
func parseDiscordWebhookURL(webhookURL string) (id, token string, err error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 {
		return "", "", fmt.Errorf("unexpected webhook url shape %q", webhookURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
