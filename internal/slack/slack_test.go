package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/store"
)

// mockSlackAPI implements BotAPI for testing.
type mockSlackAPI struct {
	mu             sync.Mutex
	postedMessages []postedMessage
	updates        []postedMessage
	postErr        error
}

type postedMessage struct {
	ChannelID string
	Timestamp string
	Options   []slack.MsgOption
}

func (m *mockSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.postedMessages = append(m.postedMessages, postedMessage{ChannelID: channelID, Options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, postedMessage{ChannelID: channelID, Timestamp: timestamp, Options: options})
	return channelID, timestamp, "", nil
}

type mockModerator struct {
	approved []int64
	denied   []int64
	reviewer string
	err      error
}

func (m *mockModerator) Approve(_ context.Context, id int64, reviewer string) (*store.Fact, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.approved = append(m.approved, id)
	m.reviewer = reviewer
	return &store.Fact{ID: id, Status: store.StatusApproved}, nil
}

func (m *mockModerator) Deny(_ context.Context, id int64, reviewer string) error {
	if m.err != nil {
		return m.err
	}
	m.denied = append(m.denied, id)
	m.reviewer = reviewer
	return nil
}

func newTestApp(api BotAPI, mod Moderator) *App {
	return NewAppWithAPI(api, Config{Channel: "C123REVIEW", SigningSecret: "shh"}, mod, zerolog.Nop())
}

func callbackFor(actionIDs ...string) slack.InteractionCallback {
	var cb slack.InteractionCallback
	cb.User.ID = "U42"
	cb.Channel.ID = "C123REVIEW"
	cb.Message.Timestamp = "111.222"
	for _, id := range actionIDs {
		cb.ActionCallback.BlockActions = append(cb.ActionCallback.BlockActions, &slack.BlockAction{ActionID: id})
	}
	return cb
}

func TestApp_NotifySubmission(t *testing.T) {
	mock := &mockSlackAPI{}
	app := newTestApp(mock, &mockModerator{})

	err := app.NotifySubmission(context.Background(), &store.Fact{ID: 3, Text: "Cats purr.", Author: "bob"})
	require.NoError(t, err)
	require.Len(t, mock.postedMessages, 1)
	assert.Equal(t, "C123REVIEW", mock.postedMessages[0].ChannelID)
}

func TestApp_NotifySubmissionError(t *testing.T) {
	mock := &mockSlackAPI{postErr: errors.New("channel_not_found")}
	app := newTestApp(mock, &mockModerator{})

	err := app.NotifySubmission(context.Background(), &store.Fact{ID: 3, Text: "Cats purr."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestNewApp_PostsToWebAPI(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		form = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"channel":"C123REVIEW","ts":"1.2"}`)
	}))
	defer srv.Close()

	app := NewApp(Config{BotToken: "xoxb-test", Channel: "C123REVIEW", APIURL: srv.URL + "/"}, &mockModerator{}, zerolog.Nop())
	err := app.NotifySubmission(context.Background(), &store.Fact{ID: 11, Text: "Cats have whiskers.", Author: "anonymous"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "C123REVIEW", form.Get("channel"))
	assert.Contains(t, form.Get("blocks"), "approve_11")
	assert.Contains(t, form.Get("blocks"), "deny_11")
}

func TestApp_HandleInteraction_Approve(t *testing.T) {
	mock := &mockSlackAPI{}
	mod := &mockModerator{}
	app := newTestApp(mock, mod)

	decisions := app.HandleInteraction(context.Background(), callbackFor("approve_5"))
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionApprove, decisions[0].Action)
	assert.Equal(t, int64(5), decisions[0].FactID)
	assert.NoError(t, decisions[0].Err)
	assert.Equal(t, []int64{5}, mod.approved)
	assert.Equal(t, "slack:U42", mod.reviewer)

	require.Len(t, mock.updates, 1)
	assert.Equal(t, "111.222", mock.updates[0].Timestamp)
}

func TestApp_HandleInteraction_DenyAndIgnoreUnknown(t *testing.T) {
	mock := &mockSlackAPI{}
	mod := &mockModerator{}
	app := newTestApp(mock, mod)

	decisions := app.HandleInteraction(context.Background(), callbackFor("something_else", "deny_8"))
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionDeny, decisions[0].Action)
	assert.Equal(t, []int64{8}, mod.denied)
	assert.Empty(t, mod.approved)
}

func TestApp_HandleInteraction_ModeratorError(t *testing.T) {
	mock := &mockSlackAPI{}
	mod := &mockModerator{err: fmt.Errorf("fact 5: %w", perrors.ErrNotFound)}
	app := newTestApp(mock, mod)

	decisions := app.HandleInteraction(context.Background(), callbackFor("approve_5"))
	require.Len(t, decisions, 1)
	assert.ErrorIs(t, decisions[0].Err, perrors.ErrNotFound)
	// The message is still rewritten so the moderator sees the failure.
	assert.Len(t, mock.updates, 1)
}

func TestParseInteraction(t *testing.T) {
	payload := `{"type":"block_actions","user":{"id":"U42"},"channel":{"id":"C1"},` +
		`"message":{"ts":"111.222","blocks":[{"type":"section","text":{"type":"mrkdwn","text":"orig"}}]},` +
		`"actions":[{"type":"button","action_id":"deny_3","block_id":"review_3","value":"deny"}]}`
	body := url.Values{"payload": {payload}}.Encode()

	cb, err := ParseInteraction([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "U42", cb.User.ID)
	assert.Equal(t, "C1", cb.Channel.ID)
	assert.Equal(t, "111.222", cb.Message.Timestamp)
	require.Len(t, cb.ActionCallback.BlockActions, 1)
	assert.Equal(t, "deny_3", cb.ActionCallback.BlockActions[0].ActionID)
}

func TestParseInteraction_MissingPayload(t *testing.T) {
	_, err := ParseInteraction([]byte("foo=bar"))
	require.Error(t, err)

	_, err = ParseInteraction([]byte("payload=%7Bnot-json"))
	require.Error(t, err)
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestApp_Verify(t *testing.T) {
	app := newTestApp(&mockSlackAPI{}, &mockModerator{})
	body := []byte("payload=%7B%7D")
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", sign("shh", ts, body))
	assert.NoError(t, app.Verify(h, body))

	h.Set("X-Slack-Signature", sign("wrong", ts, body))
	assert.Error(t, app.Verify(h, body))
}

func TestApp_VerifyWithoutSecret(t *testing.T) {
	app := NewAppWithAPI(&mockSlackAPI{}, Config{Channel: "C1"}, &mockModerator{}, zerolog.Nop())
	err := app.Verify(http.Header{}, nil)
	assert.ErrorIs(t, err, ErrNoSigningSecret)
}
