package settings

import (
	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

var ErrMissingAPIKey = errors.New("GOOGLE_API_KEY not found in environment variables")

type APISettings struct {
	APIKeys  map[string]string `yaml:"api_keys,omitempty"`
	BaseUrls map[string]string `yaml:"base_urls,omitempty"`
}

func NewAPISettings() *APISettings {
	return &APISettings{
		APIKeys:  map[string]string{},
		BaseUrls: map[string]string{},
	}
}

func (s *APISettings) Clone() *APISettings {
	return clone.Clone(s).(*APISettings)
}

func (s *APISettings) APIKey(apiType types.ApiType) string {
	if s == nil {
		return ""
	}
	return s.APIKeys[apiType.APIKeyName()]
}

func (s *APISettings) BaseURL(apiType types.ApiType) string {
	if s == nil {
		return ""
	}
	return s.BaseUrls[apiType.BaseURLName()]
}
