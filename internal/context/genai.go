package context

import (
	"google.golang.org/genai"
)

// ToGenAI converts render output into contents and a generation config ready
// for a Gemini GenerateContent call. The system message becomes the config's
// system instruction; every other message becomes a user content.
func ToGenAI(result *RenderResult) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if result == nil {
		return nil, cfg
	}

	contents := make([]*genai.Content, 0, len(result.Messages))
	for _, m := range result.Messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}
