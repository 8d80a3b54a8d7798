package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"
)

// ErrNoSigningSecret is returned when interactions arrive but no signing
// secret is configured.
var ErrNoSigningSecret = errors.New("slack signing secret not configured")

// Decision is the result of one review button click.
type Decision struct {
	FactID   int64
	Action   string
	Reviewer string
	Err      error
}

// Verify checks the Slack request signature over the raw body.
func (a *App) Verify(header http.Header, body []byte) error {
	if a.secret == "" {
		return ErrNoSigningSecret
	}
	sv, err := slack.NewSecretsVerifier(header, a.secret)
	if err != nil {
		return fmt.Errorf("reading signature headers: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("hashing body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	return nil
}

// ParseInteraction decodes the form encoded "payload" field Slack posts for
// interactive components.
func ParseInteraction(body []byte) (slack.InteractionCallback, error) {
	var callback slack.InteractionCallback
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return callback, fmt.Errorf("parsing form: %w", err)
	}
	payload := values.Get("payload")
	if payload == "" {
		return callback, errors.New("missing payload")
	}
	if err := json.Unmarshal([]byte(payload), &callback); err != nil {
		return callback, fmt.Errorf("decoding payload: %w", err)
	}
	return callback, nil
}

// HandleInteraction applies every approve/deny action in the callback and
// rewrites the review message so the buttons cannot be clicked twice.
// Unrelated actions are ignored.
func (a *App) HandleInteraction(ctx context.Context, callback slack.InteractionCallback) []Decision {
	var decisions []Decision
	for _, action := range callback.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		kind, id, ok := ParseActionID(action.ActionID)
		if !ok {
			a.logger.Debug().Str("action", action.ActionID).Msg("ignoring unknown action")
			continue
		}

		d := Decision{FactID: id, Action: kind, Reviewer: "slack:" + callback.User.ID}
		if kind == ActionApprove {
			_, d.Err = a.moderator.Approve(ctx, id, d.Reviewer)
		} else {
			d.Err = a.moderator.Deny(ctx, id, d.Reviewer)
		}

		a.logger.Info().
			Int64("fact_id", id).
			Str("action", kind).
			Str("user", callback.User.ID).
			AnErr("error", d.Err).
			Msg("review action")

		a.updateMessage(ctx, callback, kind, d.Err)
		decisions = append(decisions, d)
	}
	return decisions
}

func (a *App) updateMessage(ctx context.Context, callback slack.InteractionCallback, action string, actionErr error) {
	if callback.Channel.ID == "" || callback.Message.Timestamp == "" {
		return
	}

	originalText := ""
	for _, block := range callback.Message.Msg.Blocks.BlockSet {
		if section, ok := block.(*slack.SectionBlock); ok && section.Text != nil {
			originalText = section.Text.Text
			break
		}
	}

	// No blocks: the buttons are removed.
	_, _, _, err := a.api.UpdateMessageContext(ctx,
		callback.Channel.ID,
		callback.Message.Timestamp,
		slack.MsgOptionText(DecisionText(originalText, action, callback.User.ID, actionErr), false),
	)
	if err != nil {
		a.logger.Warn().Err(err).Str("channel", callback.Channel.ID).Msg("failed to update review message")
	}
}
