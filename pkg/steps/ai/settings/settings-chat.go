package settings

import (
	"github.com/go-go-golems/letterbot/pkg/helpers"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	"github.com/huandu/go-clone"
)

const (
	DefaultEngine            = "gemini-2.5-flash-preview-05-20"
	DefaultTemperature       = 0.7
	DefaultMaxResponseTokens = 1024
)

type ChatSettings struct {
	Engine            *string        `yaml:"engine,omitempty"`
	ApiType           *types.ApiType `yaml:"api_type,omitempty"`
	MaxResponseTokens *int           `yaml:"max_response_tokens,omitempty"`
	Temperature       *float64       `yaml:"temperature,omitempty"`
	Stream            bool           `yaml:"stream,omitempty"`
}

func NewChatSettings() *ChatSettings {
	apiType := types.ApiTypeGemini
	return &ChatSettings{
		Engine:            helpers.StringPointer(DefaultEngine),
		ApiType:           &apiType,
		MaxResponseTokens: helpers.IntPointer(DefaultMaxResponseTokens),
		Temperature:       helpers.Float64Pointer(DefaultTemperature),
		Stream:            true,
	}
}

func (s *ChatSettings) Clone() *ChatSettings {
	return clone.Clone(s).(*ChatSettings)
}

// EngineOrDefault returns the configured model name, falling back to DefaultEngine.
func (s *ChatSettings) EngineOrDefault() string {
	if s == nil || s.Engine == nil || *s.Engine == "" {
		return DefaultEngine
	}
	return *s.Engine
}
