package gemini

import (
	"context"
	"io"
	"math"

	"github.com/go-go-golems/letterbot/pkg/steps/ai/settings"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	genai "github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var ErrEmptyResponse = errors.New("gemini returned no candidates")

// Session is a single chat exchange with the model, seeded with prior history.
type Session interface {
	Send(ctx context.Context, text string) (string, error)
	// SendStream calls onDelta for every text chunk and returns the full reply.
	SendStream(ctx context.Context, text string, onDelta func(delta string) error) (string, error)
	// History is the provider's own view of the conversation, including the
	// last exchange once a send succeeded.
	History() []*genai.Content
}

type Model interface {
	Name() string
	StartChat(history []*genai.Content) Session
	Close() error
}

type ModelFactory interface {
	NewModel(ctx context.Context) (Model, error)
}

// ClientFactory creates genai-backed models from step settings.
type ClientFactory struct {
	settings *settings.StepSettings
}

var _ ModelFactory = (*ClientFactory)(nil)

func NewClientFactory(s *settings.StepSettings) (*ClientFactory, error) {
	if s == nil || s.Chat == nil {
		return nil, errors.New("no chat settings")
	}
	if s.API.APIKey(types.ApiTypeGemini) == "" {
		return nil, settings.ErrMissingAPIKey
	}
	return &ClientFactory{settings: s.Clone()}, nil
}

func (f *ClientFactory) NewModel(ctx context.Context) (Model, error) {
	apiKey := f.settings.API.APIKey(types.ApiTypeGemini)
	if apiKey == "" {
		return nil, settings.ErrMissingAPIKey
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if baseURL := f.settings.API.BaseURL(types.ApiTypeGemini); baseURL != "" {
		opts = append(opts, option.WithEndpoint(baseURL))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gemini client")
	}

	name := f.settings.Chat.EngineOrDefault()
	if !IsGeminiEngine(name) {
		log.Warn().Str("model", name).Msg("Model name does not look like a Gemini model")
	}
	m := client.GenerativeModel(name)
	m.GenerationConfig = GenerationConfig(f.settings.Chat)

	log.Debug().Str("model", name).Msg("Created gemini model")
	return &clientModel{client: client, model: m, name: name}, nil
}

// GenerationConfig maps chat settings onto the genai generation config.
func GenerationConfig(chat *settings.ChatSettings) genai.GenerationConfig {
	cfg := genai.GenerationConfig{}
	if chat == nil {
		return cfg
	}
	if chat.Temperature != nil {
		v := float32(*chat.Temperature)
		cfg.Temperature = &v
	}
	if chat.MaxResponseTokens != nil {
		mt := *chat.MaxResponseTokens
		var v int32
		switch {
		case mt < 0:
			log.Warn().Int("requested_max_tokens", mt).Msg("Negative MaxResponseTokens provided; clamping to 0")
			v = 0
		case mt > int(math.MaxInt32):
			log.Warn().Int("requested_max_tokens", mt).Msg("MaxResponseTokens exceeds int32; clamping")
			v = math.MaxInt32
		default:
			v = int32(int64(mt)) // #nosec G115
		}
		cfg.MaxOutputTokens = &v
	}
	return cfg
}

type clientModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

func (m *clientModel) Name() string {
	return m.name
}

func (m *clientModel) StartChat(history []*genai.Content) Session {
	cs := m.model.StartChat()
	cs.History = CloneContents(history)
	return &clientSession{cs: cs}
}

func (m *clientModel) Close() error {
	return m.client.Close()
}

type clientSession struct {
	cs *genai.ChatSession
}

func (s *clientSession) Send(ctx context.Context, text string) (string, error) {
	resp, err := s.cs.SendMessage(ctx, genai.Text(text))
	if err != nil {
		return "", err
	}
	return ResponseText(resp)
}

func (s *clientSession) SendStream(ctx context.Context, text string, onDelta func(delta string) error) (string, error) {
	iter := s.cs.SendMessageStream(ctx, genai.Text(text))
	message := ""
	chunkCount := 0
	for {
		resp, err := iter.Next()
		if err == iterator.Done || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Int("chunks_received", chunkCount).Msg("Gemini stream receive failed")
			return "", err
		}
		chunkCount++
		delta := ""
		if resp != nil && len(resp.Candidates) > 0 {
			delta = ContentText(resp.Candidates[0].Content)
		}
		if delta == "" {
			continue
		}
		message += delta
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", errors.Wrap(err, "stream consumer aborted")
			}
		}
	}
	log.Debug().Int("chunks_received", chunkCount).Int("final_text_len", len(message)).Msg("Gemini stream completed")
	return message, nil
}

func (s *clientSession) History() []*genai.Content {
	return s.cs.History
}

// ResponseText extracts the reply text from the first candidate.
func ResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil {
			return "", errors.Wrapf(ErrEmptyResponse, "prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", ErrEmptyResponse
	}
	return ContentText(resp.Candidates[0].Content), nil
}
