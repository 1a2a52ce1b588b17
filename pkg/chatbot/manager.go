package chatbot

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/letterbot/pkg/conversation"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/gemini"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/settings"
	genai "github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrorReplyPrefix labels failures that are returned in place of a reply.
const ErrorReplyPrefix = "Error getting chat response: "

type State int

const (
	StateUninitialized State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Manager owns one conversation: the display history shown to the user, the
// provider history sent to Gemini, the system instruction and the lazily
// created model handle.
//
// All mutating operations are serialized on a per-manager mutex. A manager
// must never be shared between conversations.
type Manager struct {
	mu sync.Mutex

	settings  *settings.StepSettings
	factory   gemini.ModelFactory
	model     gemini.Model
	sessionID string

	instruction     *string
	acknowledgement string

	display         *conversation.DisplayHistory
	providerHistory []*genai.Content

	publisherManager *events.PublisherManager
}

type Option func(*Manager) error

func WithModelFactory(factory gemini.ModelFactory) Option {
	return func(m *Manager) error {
		if factory == nil {
			return errors.New("model factory is nil")
		}
		m.factory = factory
		return nil
	}
}

func WithPublisherManager(pm *events.PublisherManager) Option {
	return func(m *Manager) error {
		m.publisherManager = pm
		return nil
	}
}

func WithSystemInstruction(instruction string) Option {
	return func(m *Manager) error {
		m.setInstruction(instruction)
		return nil
	}
}

// WithAcknowledgement sets the model turn that answers the injected instruction.
func WithAcknowledgement(ack string) Option {
	return func(m *Manager) error {
		if ack != "" {
			m.acknowledgement = ack
		}
		return nil
	}
}

func WithSessionID(id string) Option {
	return func(m *Manager) error {
		if id == "" {
			return errors.New("empty session id")
		}
		m.sessionID = id
		return nil
	}
}

// NewManager validates s and returns a manager in the uninitialized state.
// It fails when no API key is configured; the model itself is only created
// on the first call to GetResponse.
func NewManager(s *settings.StepSettings, options ...Option) (*Manager, error) {
	if s == nil {
		return nil, errors.New("no step settings")
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid chatbot configuration")
	}

	ret := &Manager{
		settings:        s.Clone(),
		sessionID:       uuid.NewString(),
		acknowledgement: gemini.DefaultAcknowledgement,
		display:         conversation.NewDisplayHistory(),
	}
	for _, o := range options {
		if err := o(ret); err != nil {
			return nil, err
		}
	}

	if ret.factory == nil {
		factory, err := gemini.NewClientFactory(ret.settings)
		if err != nil {
			return nil, errors.Wrap(err, "could not create gemini client factory")
		}
		ret.factory = factory
	}

	return ret, nil
}

func (m *Manager) SessionID() string {
	return m.sessionID
}

// SetSystemInstruction replaces the active instruction. An empty string
// removes it. No remote call is made.
func (m *Manager) SetSystemInstruction(instruction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setInstruction(instruction)
}

func (m *Manager) setInstruction(instruction string) {
	if instruction == "" {
		m.instruction = nil
		return
	}
	m.instruction = &instruction
}

func (m *Manager) SystemInstruction() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instruction == nil {
		return "", false
	}
	return *m.instruction, true
}

// Reply is the outcome of one exchange. Error is set when Text is a converted
// failure rather than a model reply.
type Reply struct {
	Text  string
	Error bool
}

// GetResponse sends userText to the model and returns the reply.
//
// It never fails: any error is converted into a reply starting with
// ErrorReplyPrefix, which is also recorded in the display history.
func (m *Manager) GetResponse(ctx context.Context, userText string) string {
	return m.GetReply(ctx, userText).Text
}

// GetResponseStream is GetResponse using the streaming API. onDelta, if not
// nil, receives every chunk; returning an error from it aborts the call.
func (m *Manager) GetResponseStream(ctx context.Context, userText string, onDelta func(delta string) error) string {
	return m.GetReplyStream(ctx, userText, onDelta).Text
}

// GetReply is GetResponse, also telling whether the text is a converted failure.
func (m *Manager) GetReply(ctx context.Context, userText string) Reply {
	return m.respond(ctx, userText, false, nil)
}

func (m *Manager) GetReplyStream(ctx context.Context, userText string, onDelta func(delta string) error) Reply {
	return m.respond(ctx, userText, true, onDelta)
}

func (m *Manager) respond(ctx context.Context, userText string, stream bool, onDelta func(string) error) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	startTime := time.Now()
	metadata := m.eventMetadata()

	if m.model == nil {
		model, err := m.factory.NewModel(ctx)
		if err != nil {
			logger := m.logger(metadata.Model, stream)
			m.publish(events.NewStartEvent(metadata, userText))
			return m.fail(logger, metadata, startTime, userText, errors.Wrap(err, "could not initialize model"))
		}
		m.model = model
		log.Debug().Str("session_id", m.sessionID).Str("model", model.Name()).Msg("Conversation model initialized")
	}
	metadata.Model = m.model.Name()
	logger := m.logger(metadata.Model, stream)

	m.publish(events.NewStartEvent(metadata, userText))

	preamble := m.preamble()
	outbound := make([]*genai.Content, 0, len(preamble)+len(m.providerHistory))
	outbound = append(outbound, preamble...)
	outbound = append(outbound, m.providerHistory...)
	session := m.model.StartChat(outbound)

	logger.Debug().
		Int("history_length", len(m.providerHistory)).
		Bool("instruction", len(preamble) > 0).
		Msg("Sending message")

	var reply string
	var err error
	if stream {
		completion := ""
		reply, err = session.SendStream(ctx, userText, func(delta string) error {
			completion += delta
			m.publish(events.NewPartialCompletionEvent(metadata, delta, completion))
			if onDelta != nil {
				return onDelta(delta)
			}
			return nil
		})
	} else {
		reply, err = session.Send(ctx, userText)
	}
	if err != nil {
		return m.fail(logger, metadata, startTime, userText, err)
	}

	userMsg := conversation.NewChatMessage(conversation.RoleUser, userText)
	assistantMsg := conversation.NewChatMessage(conversation.RoleAssistant, reply)

	m.providerHistory = m.reconcile(logger, session.History(), preamble, userMsg, assistantMsg)
	m.display.Append(userMsg, assistantMsg)

	setDuration(&metadata, startTime)
	m.publish(events.NewFinalEvent(metadata, reply))
	logger.Debug().
		Dur("duration", time.Since(startTime)).
		Int("reply_length", len(reply)).
		Msg("Chat response received")

	return Reply{Text: reply}
}

func (m *Manager) logger(model string, stream bool) zerolog.Logger {
	return log.With().
		Str("session_id", m.sessionID).
		Str("model", model).
		Bool("stream", stream).
		Logger()
}

// reconcile returns the provider history to keep after a successful exchange.
// The session's own history is authoritative as long as it is the stored
// history plus exactly one new exchange behind the preamble. Otherwise the
// history is rebuilt from the successful exchanges of the display history.
func (m *Manager) reconcile(
	logger zerolog.Logger,
	sessionHistory []*genai.Content,
	preamble []*genai.Content,
	userMsg, assistantMsg conversation.Message,
) []*genai.Content {
	history, ok := gemini.StripPreamble(sessionHistory, preamble)
	expected := len(m.providerHistory) + 2
	if ok && len(history) == expected {
		return gemini.CloneContents(history)
	}

	logger.Warn().
		Bool("preamble_found", ok).
		Int("expected_length", expected).
		Int("provider_length", len(history)).
		Msg("Provider history diverged, rebuilding from the display history")
	ret := gemini.MessagesToContents(m.display.Successful())
	return append(ret, gemini.MessageToContent(userMsg), gemini.MessageToContent(assistantMsg))
}

func (m *Manager) fail(
	logger zerolog.Logger,
	metadata events.EventMetadata,
	startTime time.Time,
	userText string,
	err error,
) Reply {
	reply := ErrorReplyPrefix + err.Error()
	logger.Error().Err(err).Msg("Error getting chat response")

	m.display.Append(
		conversation.NewChatMessage(conversation.RoleUser, userText),
		conversation.NewChatMessage(conversation.RoleAssistant, reply, conversation.WithError()),
	)

	setDuration(&metadata, startTime)
	m.publish(events.NewErrorEvent(metadata, err, reply))
	return Reply{Text: reply, Error: true}
}

func (m *Manager) preamble() []*genai.Content {
	if m.instruction == nil {
		return nil
	}
	return gemini.InstructionPreamble(*m.instruction, m.acknowledgement)
}

// ClearHistory empties both histories and drops the model handle, so the next
// call starts from scratch. The system instruction is kept.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.display.Clear()
	m.providerHistory = nil
	if err := m.closeModel(); err != nil {
		log.Warn().Err(err).Str("session_id", m.sessionID).Msg("failed to close model")
	}
	log.Debug().Str("session_id", m.sessionID).Msg("Conversation cleared")
}

func (m *Manager) closeModel() error {
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return errors.Wrap(err, "could not close model")
}

// Close releases the model handle. The manager stays usable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeModel()
}

// Messages returns a copy of the display history. It does not wait for an
// in-flight call.
func (m *Manager) Messages() []conversation.Message {
	return m.display.Messages()
}

func (m *Manager) ProviderHistory() []*genai.Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gemini.CloneContents(m.providerHistory)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return StateUninitialized
	}
	return StateActive
}

func (m *Manager) eventMetadata() events.EventMetadata {
	ret := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: m.sessionID,
		LLMInferenceData: events.LLMInferenceData{
			Model:       m.settings.Chat.EngineOrDefault(),
			Temperature: m.settings.Chat.Temperature,
			MaxTokens:   m.settings.Chat.MaxResponseTokens,
		},
		Extra: map[string]interface{}{
			events.MetadataSettingsSlug: m.settings.GetMetadata(),
		},
	}
	return ret
}

func (m *Manager) publish(ev events.Event) {
	if m.publisherManager == nil {
		return
	}
	m.publisherManager.PublishBlind(ev)
}

func setDuration(metadata *events.EventMetadata, startTime time.Time) {
	d := time.Since(startTime).Milliseconds()
	metadata.DurationMs = &d
}
