package web

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/rs/zerolog/log"
)

// LogEventsHandler is a router handler that logs every conversation event.
// Partial completions are logged at trace level.
func LogEventsHandler(msg *message.Message) error {
	ev, err := events.NewEventFromJson(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
		return nil
	}

	l := log.Debug()
	switch e := ev.(type) {
	case *events.EventPartialCompletion:
		l = log.Trace().Int("completion_length", len(e.Completion))
	case *events.EventError:
		l = log.Debug().Str("error", e.ErrorString)
	case *events.EventFinal:
		l = log.Debug().Int("reply_length", len(e.Text))
	}

	l.Str("event", string(ev.Type())).
		Str("sequence_number", msg.Metadata.Get(events.SequenceNumberMetadataKey)).
		Object("meta", ev.Metadata()).
		Msg("Conversation event")
	return nil
}
