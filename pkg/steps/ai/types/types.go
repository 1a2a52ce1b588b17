package types

type ApiType string

const (
	ApiTypeGemini ApiType = "gemini"
)

func (a ApiType) APIKeyName() string {
	return string(a) + "-api-key"
}

func (a ApiType) BaseURLName() string {
	return string(a) + "-base-url"
}
