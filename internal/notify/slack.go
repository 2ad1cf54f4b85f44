package notify

import (
	"context"
	"fmt"

	"github.com/forgelab/agentforge/internal/task"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts terminal-state summaries to one channel.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates the sink. token is a Bot User OAuth Token (xoxb-...).
func NewSlack(token, channel string, logger *zap.Logger) *Slack {
	return &Slack{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Name() string { return "slack-notify" }

// OnTransition posts only for terminal transitions.
func (s *Slack) OnTransition(ctx context.Context, v task.View) error {
	if !v.Status.Terminal() {
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Summary(v), false))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
