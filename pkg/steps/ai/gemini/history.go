package gemini

import (
	"strings"

	"github.com/go-go-golems/letterbot/pkg/conversation"
	genai "github.com/google/generative-ai-go/genai"
)

// Gemini only knows two roles in a chat history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

const DefaultAcknowledgement = "Understood. I will follow these instructions."

func RoleToGeminiRole(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return RoleModel
	}
	return RoleUser
}

func MessageToContent(m conversation.Message) *genai.Content {
	return &genai.Content{
		Role:  RoleToGeminiRole(m.Role()),
		Parts: []genai.Part{genai.Text(m.Text())},
	}
}

// MessagesToContents translates a display log into provider history.
// Failed exchanges and system messages never reach the provider and are skipped.
func MessagesToContents(msgs []conversation.Message) []*genai.Content {
	successful := conversation.SuccessfulExchanges(msgs)
	ret := make([]*genai.Content, 0, len(successful))
	for _, m := range successful {
		if m.Role() == conversation.RoleSystem {
			continue
		}
		ret = append(ret, MessageToContent(m))
	}
	return ret
}

// ContentText concatenates the text parts of c, ignoring any non-text part.
func ContentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

// InstructionPreamble materializes a system instruction as the leading
// user/model turn pair sent in front of every request.
func InstructionPreamble(instruction string, acknowledgement string) []*genai.Content {
	if acknowledgement == "" {
		acknowledgement = DefaultAcknowledgement
	}
	return []*genai.Content{
		{Role: RoleUser, Parts: []genai.Part{genai.Text(instruction)}},
		{Role: RoleModel, Parts: []genai.Part{genai.Text(acknowledgement)}},
	}
}

// StripPreamble removes preamble from the front of history. The second result
// is false when history does not start with the preamble.
func StripPreamble(history []*genai.Content, preamble []*genai.Content) ([]*genai.Content, bool) {
	if len(history) < len(preamble) {
		return history, false
	}
	for i, p := range preamble {
		h := history[i]
		if h == nil || h.Role != p.Role || ContentText(h) != ContentText(p) {
			return history, false
		}
	}
	return history[len(preamble):], true
}

// CloneContents copies the slice and each Content so that appends made by a
// chat session never alias the caller's history.
func CloneContents(history []*genai.Content) []*genai.Content {
	ret := make([]*genai.Content, 0, len(history))
	for _, c := range history {
		if c == nil {
			continue
		}
		parts := make([]genai.Part, len(c.Parts))
		copy(parts, c.Parts)
		ret = append(ret, &genai.Content{Role: c.Role, Parts: parts})
	}
	return ret
}
