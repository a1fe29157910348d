package notifications

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/mediacourse/segment-pipeline/internal/pipeline"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

// Notifier posts pipeline events to an operations Slack channel. Delivery is
// best-effort: failures are logged and never propagate to the caller.
type Notifier struct {
	client  *slack.Client
	channel string
}

// NewFromEnv builds a notifier from SLACK_BOT_TOKEN and SLACK_CHANNEL.
// It returns nil when either is unset, which callers treat as notifications
// disabled.
func NewFromEnv() *Notifier {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_CHANNEL")
	if token == "" || channel == "" {
		log.Debug().Msg("Slack notifications disabled (SLACK_BOT_TOKEN or SLACK_CHANNEL unset)")
		return nil
	}
	return New(slack.New(token), channel)
}

// New creates a notifier around an existing Slack client
func New(client *slack.Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

// NotifyBatchFinished posts a batch terminal transition
func (n *Notifier) NotifyBatchFinished(ctx context.Context, batch *pipeline.Batch) {
	if n == nil {
		return
	}

	header := fmt.Sprintf("Batch %s: %d/%d segments completed", batch.Status, batch.CompletedSegments, batch.TotalSegments)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", header), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf(
				"Batch `%s`\nFailed: %d\nDuration: %.0fs\nQuality: %s",
				batch.ID, batch.FailedSegments, batch.ActualDuration, batch.QualityLevel,
			), false, false),
			nil, nil,
		),
	}

	n.post(ctx, header, blocks)
}

// NotifyScalingAdvice posts advisor recommendations when load is elevated.
// Normal load is not worth a message.
func (n *Notifier) NotifyScalingAdvice(ctx context.Context, advice scheduler.Advice) {
	if n == nil || advice.Status == scheduler.LoadNormal {
		return
	}

	header := fmt.Sprintf("Pipeline load %s", advice.Status)
	body := strings.Join(advice.Recommendations, "\n")
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", header), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", body, false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf(
				"Effective config: concurrency %d, timeout %ds, memory %dMB",
				advice.Config.ConcurrencyLimit, advice.Config.TimeoutSeconds, advice.Config.MemoryLimitMB,
			), false, false),
		),
	}

	n.post(ctx, header, blocks)
}

func (n *Notifier) post(ctx context.Context, fallback string, blocks []slack.Block) {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("channel", n.channel).
			Msg("Failed to deliver Slack notification")
	}
}

var _ pipeline.BatchNotifier = (*Notifier)(nil)
