package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

// Discord posts terminal-state summaries to one channel. Messages go over
// the REST API; the gateway websocket is never opened.
type Discord struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscord creates the sink.
func NewDiscord(token, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Name() string { return "discord-notify" }

// OnTransition posts only for terminal transitions.
func (d *Discord) OnTransition(ctx context.Context, v task.View) error {
	if !v.Status.Terminal() {
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channel, Summary(v)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
