package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"
)

// SlackAdapter sends notifications via Slack webhooks.
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL
	WebhookURL string

	// Channel overrides the default channel (optional)
	Channel string
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(cfg SlackConfig) (*SlackAdapter, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	return &SlackAdapter{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the adapter name.
func (s *SlackAdapter) Name() string {
	return "slack"
}

// Send sends a notification via Slack.
func (s *SlackAdapter) Send(ctx context.Context, event *Event) error {
	var emoji string
	var color string

	switch event.Type {
	case EventRunPassed:
		emoji = ":white_check_mark:"
		color = "#00FF00"
	case EventRunFailed:
		emoji = ":x:"
		color = "#FF0000"
	case EventRunCancelled:
		emoji = ":no_entry_sign:"
		color = "#FFAA00"
	}

	attachment := map[string]any{
		"color":     color,
		"title":     fmt.Sprintf("%s %s", emoji, event.Title),
		"text":      event.Message,
		"footer":    fmt.Sprintf("Run: %s", event.RunID),
		"ts":        event.Timestamp.Unix(),
		"mrkdwn_in": []string{"text"},
	}

	if len(event.Stats.Browsers) > 0 {
		var fields []map[string]any
		for _, id := range slices.Sorted(maps.Keys(event.Stats.Browsers)) {
			c := event.Stats.Browsers[id]
			fields = append(fields, map[string]any{
				"title": id,
				"value": fmt.Sprintf("%d passed, %d failed", c.Passed, c.Failed),
				"short": true,
			})
		}
		attachment["fields"] = fields
	}

	payload := map[string]any{
		"username":    "gridrunner",
		"icon_emoji":  ":globe_with_meridians:",
		"attachments": []map[string]any{attachment},
	}

	if s.channel != "" {
		payload["channel"] = s.channel
	}

	return s.sendWebhook(ctx, payload)
}

func (s *SlackAdapter) sendWebhook(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook error: %s", string(body))
	}

	return nil
}

// Close closes the adapter.
func (s *SlackAdapter) Close() error {
	return nil
}
