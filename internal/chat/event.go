// Package chat holds the per-process session state and the pipeline that
// turns inbound game events into counted chat lines.
package chat

import "time"

// Kind tags an inbound event. It is decoded once by the protocol client so
// nothing downstream inspects raw payloads.
type Kind int

const (
	KindOther Kind = iota
	KindChat
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

// Event is one inbound event from the game session.
type Event struct {
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text,omitempty"`   // chat line, KindChat only
	Sender     string    `json:"sender,omitempty"` // KindChat only
	Reason     string    `json:"reason,omitempty"` // kick/disconnect reason
	Name       string    `json:"name,omitempty"`   // wire event name, for logs
	ReceivedAt time.Time `json:"received_at"`
}

// ChatEvent is a convenience constructor.
func ChatEvent(text string) Event {
	return Event{Kind: KindChat, Text: text, Name: "chat"}
}

// DisconnectEvent is a convenience constructor.
func DisconnectEvent(reason string) Event {
	return Event{Kind: KindDisconnect, Reason: reason, Name: "disconnect"}
}
