package ui

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/bubbletea"
	conversationui "github.com/go-go-golems/bobatea/pkg/chat/conversation"
	"github.com/go-go-golems/bobatea/pkg/conversation"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sender is implemented by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// ForwardFunc returns a router handler that turns the events of b's
// conversation into bobatea stream messages. Events of other sessions are
// ignored.
func (b *Backend) ForwardFunc(p Sender) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		msg.Ack()

		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
			return nil
		}
		if e.Metadata().SessionID != b.manager.SessionID() {
			return nil
		}

		for _, m := range StreamMessages(e, b.currentParentID()) {
			p.Send(m)
		}
		return nil
	}
}

// StreamMessages maps a conversation event to the messages the chat view
// understands. A failure is reported as an error and then as the final text,
// so that the converted reply shows up in the transcript.
func StreamMessages(e events.Event, parentID conversation.NodeID) []tea.Msg {
	meta := e.Metadata()
	metadata := conversationui.StreamMetadata{
		ID:       conversation.NodeID(meta.ID),
		ParentID: parentID,
		Metadata: map[string]interface{}{
			"session_id": meta.SessionID,
			"model":      meta.Model,
		},
		Step: &conversationui.StepMetadata{
			StepID:     meta.ID,
			Type:       "gemini-chat",
			InputType:  "string",
			OutputType: "string",
			Metadata:   meta.Extra,
		},
	}

	switch e_ := e.(type) {
	case *events.EventPartialCompletionStart:
		return []tea.Msg{conversationui.StreamStartMsg{StreamMetadata: metadata}}
	case *events.EventPartialCompletion:
		return []tea.Msg{conversationui.StreamCompletionMsg{
			StreamMetadata: metadata,
			Delta:          e_.Delta,
			Completion:     e_.Completion,
		}}
	case *events.EventFinal:
		return []tea.Msg{conversationui.StreamDoneMsg{
			StreamMetadata: metadata,
			Completion:     e_.Text,
		}}
	case *events.EventError:
		return []tea.Msg{
			conversationui.StreamCompletionError{
				StreamMetadata: metadata,
				Err:            errors.New(e_.ErrorString),
			},
			conversationui.StreamDoneMsg{
				StreamMetadata: metadata,
				Completion:     e_.Text,
			},
		}
	default:
		return nil
	}
}
