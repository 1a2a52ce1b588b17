package conversation

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is a single entry of the display history.
//
// Messages are values: once created through NewChatMessage they are never
// modified, and copies can be handed to the presentation layer freely.
type Message struct {
	role  Role
	text  string
	time  time.Time
	error bool
}

type MessageOption func(*Message)

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.time = t
	}
}

// WithError marks the message as a converted failure rather than a real model reply.
func WithError() MessageOption {
	return func(m *Message) {
		m.error = true
	}
}

func NewChatMessage(role Role, text string, options ...MessageOption) Message {
	ret := Message{
		role: role,
		text: text,
		time: time.Now(),
	}
	for _, o := range options {
		o(&ret)
	}
	return ret
}

func (m Message) Role() Role {
	return m.role
}

func (m Message) Text() string {
	return m.text
}

func (m Message) Time() time.Time {
	return m.time
}

func (m Message) IsError() bool {
	return m.error
}

func (m Message) String() string {
	return m.text
}

// MessageJSON is the wire shape used by the web shell.
type MessageJSON struct {
	Role  Role      `json:"role"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
	Error bool      `json:"error,omitempty"`
}

func (m Message) JSON() MessageJSON {
	return MessageJSON{
		Role:  m.role,
		Text:  m.text,
		Time:  m.time,
		Error: m.error,
	}
}
