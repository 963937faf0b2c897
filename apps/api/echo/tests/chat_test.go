package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
	testutil "github.com/cypjiji-star/edusphere-kenya-sub002/tests"
)

type conversationResp struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
}

func submitMessage(t *testing.T, token, content string) conversationResp {
	t.Helper()

	body := marchallObj(t, chat.NewUserMessage{Content: content})
	req, rec := newAuthRequest(http.MethodPost, "/v1/chat/messages", token, body)
	app.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp conversationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling conversation response: %v", err)
	}
	return resp
}

func TestChatApi_conversation(t *testing.T) {
	usr := testutil.CreateUser(t, usrRepo, "Chat Terry", "chatterry", "chatterry@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)
	token := getToken(t, usr)

	t.Run("no token", func(t *testing.T) {
		tt := httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}
		req, rec := newRequest(http.MethodGet, "/v1/chat/conversation")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("open creates the conversation", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/chat/conversation", token)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var conv chat.Conversation
		if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
			t.Fatalf("unmarshalling Conversation: %v", err)
		}
		if conv.UserID != usr.ID {
			t.Errorf("UserID = %q; want %q", conv.UserID, usr.ID)
		}
		if conv.Mode != chat.ModeAI {
			t.Errorf("Mode = %q; want %q", conv.Mode, chat.ModeAI)
		}

		// opening again returns the same conversation
		req, rec = newAuthRequest(http.MethodGet, "/v1/chat/conversation", token)
		app.ServeHTTP(rec, req)
		var again chat.Conversation
		if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
			t.Fatalf("unmarshalling Conversation: %v", err)
		}
		if again.ID != conv.ID {
			t.Errorf("got a second conversation %q; want %q", again.ID, conv.ID)
		}
	})

	t.Run("submit message gets an assistant reply", func(t *testing.T) {
		resp := submitMessage(t, token, "What time does the library open?")
		if len(resp.Messages) != 2 {
			t.Fatalf("len(messages) = %d; want 2", len(resp.Messages))
		}
		if resp.Messages[0].Sender != chat.SenderUser {
			t.Errorf("first sender = %q; want %q", resp.Messages[0].Sender, chat.SenderUser)
		}
		if resp.Messages[1].Sender != chat.SenderAssistant {
			t.Errorf("second sender = %q; want %q", resp.Messages[1].Sender, chat.SenderAssistant)
		}
		if resp.Conversation.IsEscalated() {
			t.Error("conversation should still be in AI mode")
		}
	})

	t.Run("empty message", func(t *testing.T) {
		body := marchallObj(t, chat.NewUserMessage{Content: "   "})
		req, rec := newAuthRequest(http.MethodPost, "/v1/chat/messages", token, body)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("code = %v; want %v; body %s", rec.Code, http.StatusBadRequest, rec.Body.String())
		}
	})

	t.Run("history", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/chat/messages", token)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var resp conversationResp
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshalling conversation response: %v", err)
		}
		if len(resp.Messages) != 2 {
			t.Errorf("len(messages) = %d; want 2", len(resp.Messages))
		}
	})
}

func TestChatApi_askingForHumanEscalates(t *testing.T) {
	usr := testutil.CreateUser(t, usrRepo, "Chat Hanna", "chathanna", "chathanna@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)

	resp := submitMessage(t, getToken(t, usr), "Please let me talk to a human")
	if !resp.Conversation.IsEscalated() {
		t.Error("conversation should be escalated")
	}
	// hand-off produces no assistant reply
	if len(resp.Messages) != 1 {
		t.Errorf("len(messages) = %d; want 1", len(resp.Messages))
	}
}

func TestChatApi_supportDesk(t *testing.T) {
	student := testutil.CreateUser(t, usrRepo, "Chat Sam", "chatsam", "chatsam@edusphere.test", "P@ssw0rd!", []string{user.RoleStudent}, true)
	operator := testutil.CreateUser(t, usrRepo, "Chat Opal", "chatopal", "chatopal@edusphere.test", "P@ssw0rd!", []string{user.RoleSupportOperator}, true)
	opToken := getToken(t, operator)

	resp := submitMessage(t, getToken(t, student), "My grades page is broken")
	convID := resp.Conversation.ID

	t.Run("students cannot reach the desk", func(t *testing.T) {
		tt := httpTest{wantCode: http.StatusForbidden, wantData: marchallObj(t, errPermDenied)}
		req, rec := newAuthRequest(http.MethodGet, "/v1/chat/inbox", getToken(t, student))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("operator reply before escalation", func(t *testing.T) {
		body := marchallObj(t, chat.NewOperatorMessage{Content: "Taking over"})
		req, rec := newAuthRequest(http.MethodPost, "/v1/chat/"+convID+"/operator-messages", opToken, body)
		app.ServeHTTP(rec, req)

		tt := httpTest{
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: "conversation has not been escalated"}),
		}
		checkCodeAndData(t, tt, rec)
	})

	t.Run("escalate", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/chat/"+convID+"/escalate", opToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusNoContent, rec.Body.String())
		}

		// escalating again is a no-op
		req, rec = newAuthRequest(http.MethodPost, "/v1/chat/"+convID+"/escalate", opToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("code = %v; want %v; body %s", rec.Code, http.StatusNoContent, rec.Body.String())
		}
	})

	t.Run("inbox lists the escalated conversation", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/chat/inbox", opToken)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var convs []chat.Conversation
		if err := json.Unmarshal(rec.Body.Bytes(), &convs); err != nil {
			t.Fatalf("unmarshalling []Conversation: %v", err)
		}
		var found bool
		for _, c := range convs {
			if c.ID == convID {
				found = true
				if !c.IsEscalated() {
					t.Error("inbox conversation should be escalated")
				}
			}
		}
		if !found {
			t.Errorf("conversation %q not in inbox", convID)
		}
	})

	t.Run("operator reply after escalation", func(t *testing.T) {
		body := marchallObj(t, chat.NewOperatorMessage{Content: "Hi, support here. Looking into it."})
		req, rec := newAuthRequest(http.MethodPost, "/v1/chat/"+convID+"/operator-messages", opToken, body)
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("code = %v; want %v; body %s", rec.Code, http.StatusCreated, rec.Body.String())
		}
		var msg chat.Message
		if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
			t.Fatalf("unmarshalling Message: %v", err)
		}
		if msg.Sender != chat.SenderOperator {
			t.Errorf("sender = %q; want %q", msg.Sender, chat.SenderOperator)
		}
		if msg.SenderID != operator.ID {
			t.Errorf("senderID = %q; want %q", msg.SenderID, operator.ID)
		}
	})

	t.Run("escalated conversation keeps the assistant out", func(t *testing.T) {
		resp := submitMessage(t, getToken(t, student), "Thanks, waiting")
		for _, m := range resp.Messages {
			if m.Sender == chat.SenderAssistant {
				t.Error("assistant replied on an escalated conversation")
			}
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		tt := httpTest{wantCode: http.StatusNotFound, wantData: marchallObj(t, errNotFound)}
		req, rec := newAuthRequest(http.MethodGet, "/v1/chat/4460ba17-4d00-4b36-8b97-31e5fd778268/messages", opToken)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})
}
