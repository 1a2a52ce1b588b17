package settings

import (
	"io"

	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type StepSettings struct {
	API  *APISettings  `yaml:"api,omitempty"`
	Chat *ChatSettings `yaml:"chat,omitempty"`
}

func NewStepSettings() *StepSettings {
	return &StepSettings{
		API:  NewAPISettings(),
		Chat: NewChatSettings(),
	}
}

// NewStepSettingsFromYAML decodes settings on top of the defaults.
func NewStepSettingsFromYAML(s io.Reader) (*StepSettings, error) {
	ret := NewStepSettings()
	if err := yaml.NewDecoder(s).Decode(ret); err != nil {
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		return nil, errors.Wrap(err, "could not decode step settings")
	}
	if ret.API == nil {
		ret.API = NewAPISettings()
	}
	if ret.Chat == nil {
		ret.Chat = NewChatSettings()
	}
	return ret, nil
}

func (ss *StepSettings) Clone() *StepSettings {
	ret := &StepSettings{}
	if ss.API != nil {
		ret.API = ss.API.Clone()
	}
	if ss.Chat != nil {
		ret.Chat = ss.Chat.Clone()
	}
	return ret
}

func (ss *StepSettings) ApiType() types.ApiType {
	if ss.Chat == nil || ss.Chat.ApiType == nil || *ss.Chat.ApiType == "" {
		return types.ApiTypeGemini
	}
	return *ss.Chat.ApiType
}

func (ss *StepSettings) GeminiAPIKey() string {
	return ss.API.APIKey(types.ApiTypeGemini)
}

// Validate reports configuration problems that make a conversation impossible.
func (ss *StepSettings) Validate() error {
	if ss == nil {
		return errors.New("no step settings")
	}
	if ss.API.APIKey(ss.ApiType()) == "" {
		return ErrMissingAPIKey
	}
	if ss.Chat != nil && ss.Chat.MaxResponseTokens != nil && *ss.Chat.MaxResponseTokens <= 0 {
		return errors.Errorf("max response tokens must be positive, got %d", *ss.Chat.MaxResponseTokens)
	}
	return nil
}

func (ss *StepSettings) GetMetadata() map[string]interface{} {
	metadata := make(map[string]interface{})

	if ss.Chat != nil {
		metadata["ai-engine"] = ss.Chat.EngineOrDefault()
		if ss.Chat.ApiType != nil {
			metadata["ai-api-type"] = string(*ss.Chat.ApiType)
		}
		if ss.Chat.MaxResponseTokens != nil {
			metadata["ai-max-response-tokens"] = *ss.Chat.MaxResponseTokens
		}
		if ss.Chat.Temperature != nil {
			metadata["ai-temperature"] = *ss.Chat.Temperature
		}
		metadata["ai-stream"] = ss.Chat.Stream
	}

	if ss.API != nil {
		if baseURL := ss.API.BaseURL(ss.ApiType()); baseURL != "" {
			metadata["base-url"] = baseURL
		}
	}

	return metadata
}
