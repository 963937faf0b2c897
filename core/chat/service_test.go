package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
	inmemdb "github.com/cypjiji-star/edusphere-kenya-sub002/storage/database/inmem"
	testutil "github.com/cypjiji-star/edusphere-kenya-sub002/tests"
)

type responderStub struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (r *responderStub) Respond(_ context.Context, _ []chat.PromptMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.reply, r.err
}

type sinkStub struct {
	mu     sync.Mutex
	events []notification.Event
}

func (s *sinkStub) Emit(_ context.Context, ev notification.Event) []notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkStub) byType(evType string) []notification.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.Event
	for _, ev := range s.events {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

type mailStub struct {
	mu   sync.Mutex
	sent []*core.EmailMessage
}

func (m *mailStub) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages...)
}

func (m *mailStub) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type fixture struct {
	svc       *chat.Service
	responder *responderStub
	sink      *sinkStub
	mail      *mailStub
	hub       *stream.Hub
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	responder := &responderStub{reply: "Happy to help!"}
	sink := &sinkStub{}
	mail := &mailStub{}
	hub := stream.NewHub()

	svc := chat.NewService(
		inmemdb.NewChatRepository(db),
		responder,
		sink,
		mail,
		hub,
		nopLogger{},
		testutil.NewConfig(),
	)
	return &fixture{svc: svc, responder: responder, sink: sink, mail: mail, hub: hub}
}

func sampleUser() user.User {
	return user.User{ID: "usr-1", Name: "Wanjiku Kamau", Username: "wanjiku", Roles: []string{user.RoleStudent}}
}

func TestService_SubmitUserMessage_assistantReplies(t *testing.T) {
	fix := setup(t)
	ctx := context.Background()

	conv, msgs, err := fix.svc.SubmitUserMessage(ctx, sampleUser(), chat.NewUserMessage{Content: "How do I enrol?"})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	if conv.Mode != chat.ModeAI {
		t.Errorf("conv.Mode = %s, want %s", conv.Mode, chat.ModeAI)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Sender != chat.SenderUser || msgs[1].Sender != chat.SenderAssistant {
		t.Errorf("senders = %s, %s; want user, assistant", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[1].Content != "Happy to help!" {
		t.Errorf("assistant reply = %q, want %q", msgs[1].Content, "Happy to help!")
	}
	if conv.LastMessage != "Happy to help!" {
		t.Errorf("conv.LastMessage = %q, want assistant reply", conv.LastMessage)
	}
}

func TestService_SubmitUserMessage_sentinelEscalates(t *testing.T) {
	fix := setup(t)
	fix.responder.reply = chat.EscalationSentinel
	ctx := context.Background()

	conv, msgs, err := fix.svc.SubmitUserMessage(ctx, sampleUser(), chat.NewUserMessage{Content: "I need a human"})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	if !conv.IsEscalated() {
		t.Error("conversation not escalated on sentinel reply")
	}
	// the sentinel is never shown to the user
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if evs := fix.sink.byType("support.escalated"); len(evs) != 1 {
		t.Errorf("support.escalated events = %d, want 1", len(evs))
	}
	if n := fix.mail.count(); n != 1 {
		t.Errorf("escalation emails = %d, want 1", n)
	}
}

func TestService_SubmitUserMessage_explicitEscalate(t *testing.T) {
	fix := setup(t)
	ctx := context.Background()

	conv, _, err := fix.svc.SubmitUserMessage(ctx, sampleUser(), chat.NewUserMessage{Content: "Get me support", Escalate: true})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	if !conv.IsEscalated() {
		t.Error("conversation not escalated on explicit request")
	}
	if fix.responder.calls != 0 {
		t.Errorf("responder called %d times, want 0", fix.responder.calls)
	}
}

func TestService_SubmitUserMessage_responderFailureFallsBack(t *testing.T) {
	fix := setup(t)
	fix.responder.err = errors.New("responder timeout")
	ctx := context.Background()

	conv, msgs, err := fix.svc.SubmitUserMessage(ctx, sampleUser(), chat.NewUserMessage{Content: "Hello?"})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	// a responder outage degrades to a canned reply, it never escalates
	if conv.IsEscalated() {
		t.Error("conversation escalated on responder failure")
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[1].Sender != chat.SenderAssistant || msgs[1].Content == "" {
		t.Errorf("fallback reply missing: %+v", msgs[1])
	}
}

func TestService_SubmitUserMessage_escalatedSkipsResponder(t *testing.T) {
	fix := setup(t)
	usr := sampleUser()
	ctx := context.Background()

	conv, err := fix.svc.OpenOrCreate(ctx, usr)
	if err != nil {
		t.Fatalf("OpenOrCreate() failed: %v", err)
	}
	if err = fix.svc.Escalate(ctx, conv.ID, usr); err != nil {
		t.Fatalf("Escalate() failed: %v", err)
	}

	_, msgs, err := fix.svc.SubmitUserMessage(ctx, usr, chat.NewUserMessage{Content: "Anyone there?"})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	if fix.responder.calls != 0 {
		t.Errorf("responder called %d times in escalated mode, want 0", fix.responder.calls)
	}
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d, want 1", len(msgs))
	}
	if evs := fix.sink.byType("support.message"); len(evs) != 1 {
		t.Errorf("support.message events = %d, want 1", len(evs))
	}
}

func TestService_Escalate_idempotent(t *testing.T) {
	fix := setup(t)
	usr := sampleUser()
	ctx := context.Background()

	conv, err := fix.svc.OpenOrCreate(ctx, usr)
	if err != nil {
		t.Fatalf("OpenOrCreate() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fix.svc.Escalate(ctx, conv.ID, usr); err != nil {
				t.Errorf("Escalate() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := fix.svc.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if !got.IsEscalated() {
		t.Error("conversation not escalated")
	}
	// losers of the race are silent no-ops
	if evs := fix.sink.byType("support.escalated"); len(evs) != 1 {
		t.Errorf("support.escalated events = %d, want 1", len(evs))
	}
	if n := fix.mail.count(); n != 1 {
		t.Errorf("escalation emails = %d, want 1", n)
	}
}

func TestService_SubmitOperatorMessage_requiresEscalation(t *testing.T) {
	fix := setup(t)
	usr := sampleUser()
	operator := user.User{ID: "op-1", Name: "Support Op", Roles: []string{user.RoleSupportOperator}}
	ctx := context.Background()

	conv, err := fix.svc.OpenOrCreate(ctx, usr)
	if err != nil {
		t.Fatalf("OpenOrCreate() failed: %v", err)
	}

	_, err = fix.svc.SubmitOperatorMessage(ctx, operator, conv.ID, chat.NewOperatorMessage{Content: "Hi!"})
	if err != chat.ErrNotEscalated {
		t.Fatalf("SubmitOperatorMessage() error = %v, want ErrNotEscalated", err)
	}
	if !core.IsPrecondition(err) {
		t.Error("ErrNotEscalated is not a precondition error")
	}
	if msgs, _ := fix.svc.History(ctx, conv.ID); len(msgs) != 0 {
		t.Errorf("history = %d messages after rejected operator reply, want 0", len(msgs))
	}

	if err = fix.svc.Escalate(ctx, conv.ID, usr); err != nil {
		t.Fatalf("Escalate() failed: %v", err)
	}
	msg, err := fix.svc.SubmitOperatorMessage(ctx, operator, conv.ID, chat.NewOperatorMessage{Content: "Hi!"})
	if err != nil {
		t.Fatalf("SubmitOperatorMessage() failed: %v", err)
	}
	if msg.Sender != chat.SenderOperator {
		t.Errorf("msg.Sender = %s, want %s", msg.Sender, chat.SenderOperator)
	}

	evs := fix.sink.byType("support.reply")
	if len(evs) != 1 {
		t.Fatalf("support.reply events = %d, want 1", len(evs))
	}
	if evs[0].TargetUserID != usr.ID {
		t.Errorf("reply targeted at %q, want %q", evs[0].TargetUserID, usr.ID)
	}
}

func TestService_OpenOrCreate_concurrentSingleConversation(t *testing.T) {
	fix := setup(t)
	usr := sampleUser()
	ctx := context.Background()

	ids := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := fix.svc.OpenOrCreate(ctx, usr)
			if err != nil {
				t.Errorf("OpenOrCreate() failed: %v", err)
				return
			}
			ids <- conv.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Errorf("concurrent OpenOrCreate produced %d conversations, want 1", len(seen))
	}
}

func TestService_SubscribeMessages(t *testing.T) {
	fix := setup(t)
	usr := sampleUser()
	ctx := context.Background()

	conv, _, err := fix.svc.SubmitUserMessage(ctx, usr, chat.NewUserMessage{Content: "first"})
	if err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	snapshot, events, cancel, err := fix.svc.SubscribeMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("SubscribeMessages() failed: %v", err)
	}
	defer cancel()

	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d messages, want 2", len(snapshot))
	}

	if _, _, err = fix.svc.SubmitUserMessage(ctx, usr, chat.NewUserMessage{Content: "second"}); err != nil {
		t.Fatalf("SubmitUserMessage() failed: %v", err)
	}

	ev := <-events
	if ev.Kind != stream.KindMessageCreated {
		t.Errorf("ev.Kind = %s, want %s", ev.Kind, stream.KindMessageCreated)
	}
	msg, ok := ev.Payload.(chat.Message)
	if !ok {
		t.Fatalf("ev.Payload is %T, want chat.Message", ev.Payload)
	}
	if msg.Content != "second" {
		t.Errorf("msg.Content = %q, want %q", msg.Content, "second")
	}

	if _, _, _, err = fix.svc.SubscribeMessages(ctx, "nope"); err == nil {
		t.Error("SubscribeMessages() on unknown conversation did not fail")
	}
}
