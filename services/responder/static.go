package respondersvc

import (
	"context"
	"strings"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
)

// StaticResponder is a canned assistant for local development and tests.
// It echoes a short acknowledgement, and hands off to support when the
// user asks for a human.
type StaticResponder struct{}

var _ chat.Responder = (*StaticResponder)(nil)

func NewStaticResponder() *StaticResponder {
	return &StaticResponder{}
}

func (r *StaticResponder) Respond(_ context.Context, prompt []chat.PromptMessage) (string, error) {
	if len(prompt) == 0 {
		return "Hello! How can I help you today?", nil
	}
	last := strings.ToLower(prompt[len(prompt)-1].Content)
	if strings.Contains(last, "human") || strings.Contains(last, "agent") || strings.Contains(last, "operator") {
		return chat.EscalationSentinel, nil
	}
	return "Thanks for reaching out! I have noted your question and will do my best to help.", nil
}
