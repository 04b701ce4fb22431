package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackNotifier posts operator alerts to a Slack incoming webhook. An empty
// webhook URL disables delivery entirely, and delivery failures are logged
// rather than propagated: alerting must never take the pipeline down.
type SlackNotifier struct {
	webhookURL string
	timeout    time.Duration
}

// NewSlackNotifier creates a notifier. webhookURL may be empty.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		timeout:    10 * time.Second,
	}
}

// Enabled reports whether a webhook is configured.
func (n *SlackNotifier) Enabled() bool {
	return n.webhookURL != ""
}

// NotifyQuarantine announces a task entering the dead letter queue.
func (n *SlackNotifier) NotifyQuarantine(ctx context.Context, taskID, sourceURL, reason string) {
	n.post(ctx, &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: Task quarantined\n*Task:* `%s`\n*URL:* %s\n*Reason:* %s",
			taskID, sourceURL, reason),
	})
}

// NotifyWorkFailed announces a work item that exhausted its retry budget.
func (n *SlackNotifier) NotifyWorkFailed(ctx context.Context, date, reason string) {
	n.post(ctx, &slack.WebhookMessage{
		Text: fmt.Sprintf(":warning: Work item for %s permanently failed\n*Reason:* %s\nRedrive it via `POST /v1/work-items/%s/redrive` once the cause is fixed.",
			date, reason, date),
	})
}

func (n *SlackNotifier) post(ctx context.Context, msg *slack.WebhookMessage) {
	if !n.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		log.Warn().Err(err).Msg("Failed to deliver Slack alert")
	}
}
