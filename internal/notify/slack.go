// Package notify posts run summaries to a Slack incoming webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/ragbench/internal/report"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

// Config configures run notifications.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`

	// Channel overrides the webhook's default channel.
	Channel string `yaml:"channel"`

	// Default: ragbench
	Username string `yaml:"username"`
}

// Notifier sends one message per finished run.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, fmt.Errorf("slack webhook url is required")
	}
	if cfg.Username == "" {
		cfg.Username = "ragbench"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "notify"),
	}, nil
}

// Notify posts the run summary. rep may be nil when aggregation failed.
func (n *Notifier) Notify(ctx context.Context, sum *testrun.Summary, rep *report.RunReport) error {
	msg := Message(sum, rep)
	msg.Username = n.cfg.Username
	msg.Channel = n.cfg.Channel
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.cfg.WebhookURL, n.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	n.logger.Info("run notification sent", "run", sum.RunID)
	return nil
}

// Message builds the webhook payload for a run.
func Message(sum *testrun.Summary, rep *report.RunReport) *slack.WebhookMessage {
	status := "finished"
	if sum.Cancelled {
		status = "cancelled"
	}
	title := fmt.Sprintf("Run %s %s", runName(sum), status)

	var body strings.Builder
	fmt.Fprintf(&body, "*%s*\n", title)
	fmt.Fprintf(&body, "Cases: %d completed of %d x %d loops", sum.Completed, sum.Cases, sum.Loops)
	if sum.Failed > 0 {
		fmt.Fprintf(&body, ", %d failed", sum.Failed)
	}
	if sum.Degraded > 0 {
		fmt.Fprintf(&body, ", %d without context", sum.Degraded)
	}
	if rep != nil && rep.Overall.Results > 0 {
		fmt.Fprintf(&body, "\nScore: %.2f avg, %.1f%% of max", rep.Overall.AvgScore, rep.Overall.Percent)
	}
	fmt.Fprintf(&body, "\nTokens: %d", sum.Usage.Total)

	stack := fmt.Sprintf("db %s | embedding %s | rerank %s | work %s | judge %s",
		orNone(sum.DatabaseName), orNone(sum.EmbeddingModel), orNone(sum.RerankModel),
		orNone(sum.WorkModel), orNone(sum.JudgeModel))

	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, body.String(), false, false), nil, nil)
	footer := slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, stack, false, false))

	return &slack.WebhookMessage{
		Text:   title,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{section, footer}},
	}
}

func runName(sum *testrun.Summary) string {
	if sum.Dir != "" {
		parts := strings.Split(strings.TrimRight(sum.Dir, "/"), "/")
		return parts[len(parts)-1]
	}
	return sum.RunID
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
