package chat

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

// EscalationSentinel is the distinguished assistant reply that triggers the
// hand-off to a human operator.
const EscalationSentinel = "ESCALATE"

// fallbackReply is appended when the responder is unavailable. The failure is
// never surfaced to the user and the conversation mode is left untouched.
const fallbackReply = "Sorry, our assistant is unavailable right now. " +
	"Please send your message again, or ask for a human and the support desk will take over."

var (
	// errors
	ErrNotFound = errors.New("conversation not found")

	// ErrNotEscalated is returned when an operator reply is attempted on a
	// conversation still handled by the assistant.
	ErrNotEscalated = core.NewPreconditionError("conversation has not been escalated")
)

type (
	// Responder generates the assistant reply for an ordered message history.
	Responder interface {
		Respond(ctx context.Context, history []PromptMessage) (string, error)
	}

	Repository interface {
		// GetOrCreateConversation atomically fetches the conversation keyed by
		// userID, creating it in ModeAI first if none exists. The bool reports
		// whether this call created it. Two concurrent calls for the same user
		// must return the same conversation.
		GetOrCreateConversation(ctx context.Context, userID string) (Conversation, bool, error)
		GetConversation(ctx context.Context, id string) (Conversation, error)
		GetConversationByUserID(ctx context.Context, userID string) (Conversation, error)
		// FilterConversations applies AND on available filter fields,
		// ordered by LastUpdatedAt descending.
		FilterConversations(ctx context.Context, filter QueryFilter) ([]Conversation, error)
		CountConversations(ctx context.Context, filter QueryFilter) (int, error)
		// AppendMessage persists the message, assigns its Seq and touches the
		// conversation's LastMessage/LastUpdatedAt.
		AppendMessage(ctx context.Context, msg Message) (Message, error)
		// QueryMessages returns the conversation history ordered by
		// (SentAt, Seq) ascending.
		QueryMessages(ctx context.Context, conversationID string) ([]Message, error)
		// EscalateConversation flips the conversation to ModeEscalated only if
		// it is still in ModeAI. The bool reports whether this call performed
		// the transition; losing the race is not an error.
		EscalateConversation(ctx context.Context, id string) (Conversation, bool, error)
	}

	Service struct {
		repo      Repository
		responder Responder
		notifSvc  notification.EventSink
		mailSvc   core.EmailService
		hub       *stream.Hub
		logger    core.Logger
		conf      *core.Config
	}
)

func NewService(
	repo Repository,
	responder Responder,
	notifSvc notification.EventSink,
	mailSvc core.EmailService,
	hub *stream.Hub,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		repo:      repo,
		responder: responder,
		notifSvc:  notifSvc,
		mailSvc:   mailSvc,
		hub:       hub,
		logger:    logger,
		conf:      conf,
	}
}

// OpenOrCreate returns the viewer's conversation, creating it if needed.
func (svc *Service) OpenOrCreate(ctx context.Context, usr user.User) (Conversation, error) {
	conv, _, err := svc.repo.GetOrCreateConversation(ctx, usr.ID)
	if err != nil {
		return Conversation{}, errors.Wrap(err, "getting or creating conversation")
	}
	return conv, nil
}

func (svc *Service) GetByID(ctx context.Context, id string) (Conversation, error) {
	return svc.repo.GetConversation(ctx, id)
}

func (svc *Service) GetByUserID(ctx context.Context, userID string) (Conversation, error) {
	return svc.repo.GetConversationByUserID(ctx, userID)
}

// EscalatedInbox lists conversations waiting on the support desk,
// most recently active first.
func (svc *Service) EscalatedInbox(ctx context.Context) ([]Conversation, error) {
	return svc.repo.FilterConversations(ctx, QueryFilter{Mode: ModeEscalated})
}

// CountEscalated reports the number of conversations in the support inbox.
func (svc *Service) CountEscalated(ctx context.Context) (int, error) {
	return svc.repo.CountConversations(ctx, QueryFilter{Mode: ModeEscalated})
}

// History returns the ordered message history of a conversation.
func (svc *Service) History(ctx context.Context, conversationID string) ([]Message, error) {
	return svc.repo.QueryMessages(ctx, conversationID)
}

// SubscribeMessages returns the current history snapshot plus a live feed of
// subsequent events for the conversation. The returned cancel func must be
// called when done; callers observing a different conversation must cancel
// and resubscribe rather than reuse the old feed.
func (svc *Service) SubscribeMessages(ctx context.Context, conversationID string) ([]Message, <-chan stream.Event, func(), error) {
	if _, err := svc.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, nil, nil, err
	}
	events, unsubscribe := svc.hub.Subscribe(stream.ConversationTopic(conversationID))
	snapshot, err := svc.repo.QueryMessages(ctx, conversationID)
	if err != nil {
		unsubscribe()
		return nil, nil, nil, errors.Wrap(err, "querying message snapshot")
	}
	return snapshot, events, unsubscribe, nil
}

// SubmitUserMessage appends the user's message to their conversation
// (creating it on first use) and serves it according to the current mode:
// in ModeAI the responder is invoked synchronously and its reply is either
// appended or, if it equals the escalation sentinel (or the caller asked),
// the conversation is escalated; in ModeEscalated the message is appended
// as-is and the support desk is notified.
func (svc *Service) SubmitUserMessage(ctx context.Context, usr user.User, data NewUserMessage) (Conversation, []Message, error) {
	conv, _, err := svc.repo.GetOrCreateConversation(ctx, usr.ID)
	if err != nil {
		return Conversation{}, nil, errors.Wrap(err, "getting or creating conversation")
	}

	msg, err := svc.append(ctx, conv.ID, SenderUser, usr.ID, data.Content)
	if err != nil {
		return Conversation{}, nil, err
	}
	appended := []Message{msg}

	if conv.IsEscalated() {
		svc.notifSvc.Emit(ctx, notification.Event{
			Type:        "support.message",
			Title:       "New support message",
			Description: fmt.Sprintf("%s sent a new message in an escalated conversation.", usr.Name),
			Category:    notification.CategorySupport,
			Href:        "/support/conversations/" + conv.ID,
			TargetRoles: []string{user.RoleSupport},
		})
		conv, err = svc.repo.GetConversation(ctx, conv.ID)
		return conv, appended, err
	}

	if data.Escalate {
		if err = svc.Escalate(ctx, conv.ID, usr); err != nil {
			return Conversation{}, appended, err
		}
		conv, err = svc.repo.GetConversation(ctx, conv.ID)
		return conv, appended, err
	}

	history, err := svc.repo.QueryMessages(ctx, conv.ID)
	if err != nil {
		return Conversation{}, appended, errors.Wrap(err, "querying history")
	}

	reply, err := svc.responder.Respond(ctx, Prompt(history))
	if err != nil {
		// recovered locally: generic fallback, mode untouched
		svc.logger.Warn(fmt.Sprintf("responder unavailable: %v", err), err, usr)
		reply = fallbackReply
	} else if core.CleanString(reply) == EscalationSentinel {
		if err = svc.Escalate(ctx, conv.ID, usr); err != nil {
			return Conversation{}, appended, err
		}
		conv, err = svc.repo.GetConversation(ctx, conv.ID)
		return conv, appended, err
	}

	botMsg, err := svc.append(ctx, conv.ID, SenderAssistant, "", reply)
	if err != nil {
		return Conversation{}, appended, err
	}
	appended = append(appended, botMsg)

	conv, err = svc.repo.GetConversation(ctx, conv.ID)
	return conv, appended, err
}

// SubmitOperatorMessage appends a human operator's reply. It is legal only
// once the conversation has been escalated; before that it fails with
// ErrNotEscalated and nothing is appended.
func (svc *Service) SubmitOperatorMessage(ctx context.Context, operator user.User, conversationID string, data NewOperatorMessage) (Message, error) {
	conv, err := svc.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.IsEscalated() {
		return Message{}, ErrNotEscalated
	}

	msg, err := svc.append(ctx, conv.ID, SenderOperator, operator.ID, data.Content)
	if err != nil {
		return Message{}, err
	}

	svc.notifSvc.Emit(ctx, notification.Event{
		Type:         "support.reply",
		Title:        "Support replied",
		Description:  "The support desk replied to your conversation.",
		Category:     notification.CategorySupport,
		Href:         "/support/chat",
		TargetUserID: conv.UserID,
	})
	return msg, nil
}

// Escalate transitions the conversation to ModeEscalated. It is idempotent:
// racing triggers collapse to a single transition, a single support
// notification and a single alert email; the losers see a no-op success.
func (svc *Service) Escalate(ctx context.Context, conversationID string, usr user.User) error {
	conv, transitioned, err := svc.repo.EscalateConversation(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "escalating conversation")
	}
	if !transitioned {
		return nil
	}

	svc.hub.Publish(stream.Event{
		Topic:   stream.ConversationTopic(conv.ID),
		Kind:    stream.KindConversationUpdated,
		Payload: conv,
	})
	svc.hub.Publish(stream.Event{
		Topic:   stream.TopicConversations,
		Kind:    stream.KindConversationUpdated,
		Payload: conv,
	})

	svc.notifSvc.Emit(ctx, notification.Event{
		Type:        "support.escalated",
		Title:       "Conversation escalated",
		Description: fmt.Sprintf("%s asked for a human and is waiting on the support desk.", usr.Name),
		Category:    notification.CategorySupport,
		Href:        "/support/conversations/" + conv.ID,
		TargetRoles: []string{user.RoleSupport},
	})
	svc.sendEscalationAlert(conv, usr)
	return nil
}

func (svc *Service) append(ctx context.Context, conversationID string, sender Sender, senderID, content string) (Message, error) {
	msg, err := svc.repo.AppendMessage(ctx, Message{
		ConversationID: conversationID,
		Sender:         sender,
		SenderID:       senderID,
		Content:        content,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "appending message")
	}

	svc.hub.Publish(stream.Event{
		Topic:   stream.ConversationTopic(conversationID),
		Kind:    stream.KindMessageCreated,
		Payload: msg,
	})
	svc.hub.Publish(stream.Event{
		Topic:   stream.TopicConversations,
		Kind:    stream.KindConversationUpdated,
	})
	return msg, nil
}

// sendEscalationAlert emails the configured support staff; delivery is
// best-effort and never blocks or fails the escalation.
func (svc *Service) sendEscalationAlert(conv Conversation, usr user.User) {
	if len(svc.conf.SupportEmails) == 0 {
		return
	}
	to := make([]mail.Address, 0, len(svc.conf.SupportEmails))
	for _, addr := range svc.conf.SupportEmails {
		to = append(to, mail.Address{Address: addr})
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           to,
		Subject:      "Support escalation",
		TemplateName: "support-escalation",
		TemplateData: struct {
			UserName       string
			ConversationID string
			LastMessage    string
		}{usr.Name, conv.ID, conv.LastMessage},
	})
}

// Prompt converts a message history into the ordered responder input.
func Prompt(history []Message) []PromptMessage {
	prompt := make([]PromptMessage, 0, len(history))
	for _, msg := range history {
		role := "assistant"
		if msg.Sender == SenderUser {
			role = "user"
		}
		prompt = append(prompt, PromptMessage{Role: role, Content: msg.Content})
	}
	return prompt
}
