package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/factbot/internal/store"
)

// BotAPI abstracts the Slack API client for testing.
type BotAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Moderator applies review decisions to stored facts.
type Moderator interface {
	Approve(ctx context.Context, id int64, reviewer string) (*store.Fact, error)
	Deny(ctx context.Context, id int64, reviewer string) error
}

// Config configures the review integration.
type Config struct {
	BotToken      string
	SigningSecret string
	Channel       string
	// APIURL overrides the Slack Web API base URL. Must end in "/".
	APIURL string
}

// App posts submissions for review and handles the resulting button clicks.
type App struct {
	api       BotAPI
	channel   string
	secret    string
	moderator Moderator
	logger    zerolog.Logger
}

// NewApp creates the review app backed by the Slack Web API.
func NewApp(cfg Config, moderator Moderator, logger zerolog.Logger) *App {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return NewAppWithAPI(slack.New(cfg.BotToken, opts...), cfg, moderator, logger)
}

// NewAppWithAPI creates the review app with a caller supplied client.
func NewAppWithAPI(api BotAPI, cfg Config, moderator Moderator, logger zerolog.Logger) *App {
	return &App{
		api:       api,
		channel:   cfg.Channel,
		secret:    cfg.SigningSecret,
		moderator: moderator,
		logger:    logger.With().Str("component", "slack").Logger(),
	}
}

// NotifySubmission posts a pending fact to the review channel.
func (a *App) NotifySubmission(ctx context.Context, f *store.Fact) error {
	_, ts, err := a.api.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(SubmissionSummary(f), false),
		slack.MsgOptionBlocks(SubmissionBlocks(f)...),
	)
	if err != nil {
		return fmt.Errorf("posting review request for fact %d: %w", f.ID, err)
	}
	a.logger.Info().Int64("fact_id", f.ID).Str("ts", ts).Msg("review request posted")
	return nil
}
