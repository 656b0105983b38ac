package targetapi

import "encoding/json"

// wireEnvelope is the `{type: "..."}`-discriminated JSON union every
// target gateway frame is wrapped in (spec §4.3.2/§6.2, "duck-typed
// event payloads" per spec §9).
type wireEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ReadyEvent is the payload of the inbound "Ready" frame.
type ReadyEvent struct {
	Users    []User    `json:"users"`
	Servers  []Server  `json:"servers"`
	Channels []Channel `json:"channels"`
	Members  []Member  `json:"members,omitempty"`
}

// MessageEvent wraps an inbound Message/MessageUpdate frame.
type MessageEvent struct {
	Message
}

type messageUpdatePayload struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// MessageDeleteEvent is the payload of an inbound "MessageDelete" frame.
type MessageDeleteEvent struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
}

// MessageReactEvent is the payload of "MessageReact"/"MessageUnreact".
type MessageReactEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	EmojiID   string `json:"emoji_id"`
}

// ChannelStartTypingEvent is the payload of "ChannelStartTyping".
type ChannelStartTypingEvent struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// ChannelUpdateEvent is the payload of "ChannelUpdate".
type ChannelUpdateEvent struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Handlers groups the typed callback lists per spec §4.3.5. A nil
// field means "not interested". Handler invocations are isolated: a
// panic or error in one MUST NOT prevent others from running (see
// dispatch in ws.go).
type Handlers struct {
	OnReady               func(ReadyEvent)
	OnMessage             func(MessageEvent)
	OnMessageUpdate       func(MessageEvent)
	OnMessageDelete       func(MessageDeleteEvent)
	OnMessageReact        func(MessageReactEvent)
	OnMessageUnreact      func(MessageReactEvent)
	OnChannelStartTyping  func(ChannelStartTypingEvent)
	OnChannelUpdate       func(ChannelUpdateEvent)
}
