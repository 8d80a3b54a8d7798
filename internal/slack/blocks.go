package slack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/factbot/internal/store"
)

// Action ID prefixes on the review buttons. The fact ID follows the prefix.
const (
	approvePrefix = "approve_"
	denyPrefix    = "deny_"
)

// Review decisions.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// truncate shortens s to max runes, appending "…" if truncated.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// ActionID builds the button action ID for a decision on a fact.
func ActionID(action string, factID int64) string {
	if action == ActionApprove {
		return approvePrefix + strconv.FormatInt(factID, 10)
	}
	return denyPrefix + strconv.FormatInt(factID, 10)
}

// ParseActionID splits "approve_<id>" / "deny_<id>" into the decision and fact ID.
func ParseActionID(actionID string) (string, int64, bool) {
	var action, rest string
	switch {
	case strings.HasPrefix(actionID, approvePrefix):
		action, rest = ActionApprove, strings.TrimPrefix(actionID, approvePrefix)
	case strings.HasPrefix(actionID, denyPrefix):
		action, rest = ActionDeny, strings.TrimPrefix(actionID, denyPrefix)
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return action, id, true
}

// SubmissionSummary is the mrkdwn body describing a pending submission.
func SubmissionSummary(f *store.Fact) string {
	var sb strings.Builder
	sb.WriteString("🐱 *New Cat Fact Submission*\n\n")
	sb.WriteString(fmt.Sprintf("*Fact:* %s\n", truncate(f.Text, store.MaxFactLength)))
	sb.WriteString(fmt.Sprintf("*Author:* %s\n", f.Author))
	sb.WriteString(fmt.Sprintf("*ID:* %d", f.ID))
	return sb.String()
}

// SubmissionBlocks creates the review message with Approve/Deny buttons.
func SubmissionBlocks(f *store.Fact) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", SubmissionSummary(f), false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			fmt.Sprintf("review_%d", f.ID),
			slack.NewButtonBlockElement(
				ActionID(ActionApprove, f.ID), ActionApprove,
				slack.NewTextBlockObject("plain_text", "✅ Approve", false, false),
			).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(
				ActionID(ActionDeny, f.ID), ActionDeny,
				slack.NewTextBlockObject("plain_text", "❌ Deny", false, false),
			).WithStyle(slack.StyleDanger),
		),
	}
}

// DecisionText replaces the review message once a moderator has acted.
func DecisionText(original, action, userID string, err error) string {
	if original == "" {
		original = "🐱 *Cat Fact Submission*"
	}
	if err != nil {
		return fmt.Sprintf("%s\n\n⚠️ %s failed: %s", original, action, err)
	}
	status := "✅ Approved"
	if action == ActionDeny {
		status = "❌ Denied"
	}
	return fmt.Sprintf("%s\n\n%s by <@%s>", original, status, userID)
}
