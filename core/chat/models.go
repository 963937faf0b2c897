package chat

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
)

// ConversationMode is the support hand-off state of a conversation.
// A conversation starts in ModeAI and may transition to ModeEscalated
// exactly once; there is no way back.
type ConversationMode string

const (
	ModeAI        ConversationMode = "ai"
	ModeEscalated ConversationMode = "escalated"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderOperator  Sender = "operator"
)

// Conversation is the single support thread between a user and the support
// desk. Mode is owned by the escalation logic in Service and is only ever
// mutated through the repository's conditional update.
type Conversation struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Mode          ConversationMode `json:"mode"`
	LastMessage   string           `json:"last_message"`
	CreatedAt     time.Time        `json:"created_at"`      // UTC
	LastUpdatedAt time.Time        `json:"last_updated_at"` // UTC
}

func (c Conversation) IsEscalated() bool {
	return c.Mode == ModeEscalated
}

// Message is immutable once appended. Ordering within a conversation is by
// (SentAt, Seq) ascending; Seq breaks timestamp ties in insertion order.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Sender         Sender    `json:"sender"`
	SenderID       string    `json:"sender_id,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"` // UTC
}

// PromptMessage is one entry of the ordered history handed to the Responder.
type PromptMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// NewUserMessage contains information needed to submit a user message.
// Escalate lets a UI surface request the human hand-off explicitly.
type NewUserMessage struct {
	Content  string `json:"content" validate:"required"`
	Escalate bool   `json:"escalate"`
}

func (nm *NewUserMessage) Validate(validate *validator.Validate) error {
	nm.Content = core.CleanString(nm.Content)
	return validate.Struct(nm)
}

// NewOperatorMessage contains information needed to submit an operator reply.
type NewOperatorMessage struct {
	Content string `json:"content" validate:"required"`
}

func (nm *NewOperatorMessage) Validate(validate *validator.Validate) error {
	nm.Content = core.CleanString(nm.Content)
	return validate.Struct(nm)
}

// QueryFilter narrows conversation listings (support inbox).
type QueryFilter struct {
	Mode         ConversationMode `query:"mode"`
	UpdatedFrom  time.Time        `query:"updated_from"`
	UpdatedTo    time.Time        `query:"updated_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Mode == "" && qf.UpdatedFrom.IsZero() && qf.UpdatedTo.IsZero()
}
