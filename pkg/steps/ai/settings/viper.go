package settings

import (
	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	KeyAPIKey            = "google-api-key"
	KeyBaseURL           = "gemini-base-url"
	KeyEngine            = "ai-engine"
	KeyTemperature       = "ai-temperature"
	KeyMaxResponseTokens = "ai-max-response-tokens"
	KeyStream            = "ai-stream"
)

// AddFlags registers the chat flags on cmd and binds them into v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.PersistentFlags()
	fs.String(KeyEngine, DefaultEngine, "Gemini model name")
	fs.Float64(KeyTemperature, DefaultTemperature, "Sampling temperature")
	fs.Int(KeyMaxResponseTokens, DefaultMaxResponseTokens, "Maximum output tokens per reply")
	fs.Bool(KeyStream, true, "Stream replies when the shell supports it")
	fs.String(KeyBaseURL, "", "Override the Gemini API endpoint")
	fs.String(KeyAPIKey, "", "Google API key (defaults to GOOGLE_API_KEY)")

	for _, key := range []string{KeyAPIKey, KeyEngine, KeyTemperature, KeyMaxResponseTokens, KeyStream, KeyBaseURL} {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return errors.Wrapf(err, "could not bind flag %s", key)
		}
	}
	return BindEnv(v)
}

// BindEnv maps the conventional Google environment variables onto the viper keys.
func BindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		KeyAPIKey:            {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
		KeyBaseURL:           {"GEMINI_BASE_URL"},
		KeyEngine:            {"GEMINI_MODEL", "LETTERBOT_AI_ENGINE"},
		KeyTemperature:       {"GEMINI_TEMPERATURE", "LETTERBOT_AI_TEMPERATURE"},
		KeyMaxResponseTokens: {"GEMINI_MAX_OUTPUT_TOKENS", "LETTERBOT_AI_MAX_RESPONSE_TOKENS"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return errors.Wrapf(err, "could not bind env for %s", key)
		}
	}
	v.SetDefault(KeyEngine, DefaultEngine)
	v.SetDefault(KeyTemperature, DefaultTemperature)
	v.SetDefault(KeyMaxResponseTokens, DefaultMaxResponseTokens)
	v.SetDefault(KeyStream, true)
	return nil
}

// NewStepSettingsFromViper builds validated settings from v.
// A missing API key yields ErrMissingAPIKey.
func NewStepSettingsFromViper(v *viper.Viper) (*StepSettings, error) {
	ret := NewStepSettings()

	apiType := types.ApiTypeGemini
	ret.Chat.ApiType = &apiType

	if key := v.GetString(KeyAPIKey); key != "" {
		ret.API.APIKeys[apiType.APIKeyName()] = key
	}
	if baseURL := v.GetString(KeyBaseURL); baseURL != "" {
		ret.API.BaseUrls[apiType.BaseURLName()] = baseURL
	}

	if engine := v.GetString(KeyEngine); engine != "" {
		ret.Chat.Engine = &engine
	}
	if v.IsSet(KeyTemperature) {
		temperature := v.GetFloat64(KeyTemperature)
		ret.Chat.Temperature = &temperature
	}
	if v.IsSet(KeyMaxResponseTokens) {
		maxTokens := v.GetInt(KeyMaxResponseTokens)
		ret.Chat.MaxResponseTokens = &maxTokens
	}
	if v.IsSet(KeyStream) {
		ret.Chat.Stream = v.GetBool(KeyStream)
	}

	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}
