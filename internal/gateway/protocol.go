// Package gateway speaks the JSON-over-websocket protocol of the game
// gateway: a challenge handshake, request/response frames correlated by ID,
// and server-pushed events.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/p-blackswan/factbot/internal/chat"
)

// ProtocolVersion is the gateway protocol this client speaks.
const ProtocolVersion = 1

// frame is a raw protocol frame.
type frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *frameError     `json:"error,omitempty"`   // response error
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// challengePayload is the connect.challenge event payload.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// connectParams is sent as the "connect" request.
type connectParams struct {
	Protocol  int    `json:"protocol"`
	Client    string `json:"client"`
	Server    string `json:"server"`
	Username  string `json:"username"`
	ProfileID string `json:"profileId"`
	Token     string `json:"token"`
	Nonce     string `json:"nonce"`
}

// chatSendParams is the "chat.send" request params.
type chatSendParams struct {
	Message string `json:"message"`
}

type chatPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}

// decodeEvent turns an event frame into a tagged chat.Event. Unknown events
// still count as activity and come back as KindOther.
func decodeEvent(f frame, now time.Time) chat.Event {
	ev := chat.Event{Kind: chat.KindOther, Name: f.Event, ReceivedAt: now}

	switch f.Event {
	case "chat":
		var p chatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return ev
		}
		ev.Kind = chat.KindChat
		ev.Text = p.Text
		ev.Sender = p.Sender
	case "disconnect", "kick":
		var p disconnectPayload
		_ = json.Unmarshal(f.Payload, &p)
		ev.Kind = chat.KindDisconnect
		ev.Reason = p.Reason
		if ev.Reason == "" {
			ev.Reason = f.Event
		}
	}
	return ev
}
