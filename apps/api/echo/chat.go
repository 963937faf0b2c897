package echoapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

type chatApi struct {
	svc      *chat.Service
	userSvc  user.ServiceInterface
	validate *validator.Validate
}

func registerChatAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := chatApi{
		svc:      deps.ChatSvc,
		userSvc:  deps.UserSvc,
		validate: deps.Validate,
	}

	cg := g.Group("/chat", jwt)

	// the caller's own conversation
	cg.GET("/conversation", api.retrieveOwn)
	cg.GET("/messages", api.history)
	cg.POST("/messages", api.submitMessage)
	cg.GET("/ws", api.streamOwn)

	// support desk
	sg := cg.Group("", supportMiddleware())
	sg.GET("/inbox", api.inbox)
	sg.GET("/:id/messages", api.historyByID)
	sg.POST("/:id/operator-messages", api.submitOperatorMessage)
	sg.POST("/:id/escalate", api.escalate)
	sg.GET("/:id/ws", api.streamByID)
}

type conversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
}

// Handlers

func (api *chatApi) retrieveOwn(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	conv, err := api.svc.OpenOrCreate(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "opening conversation")
	}
	return ctx.JSON(http.StatusOK, conv)
}

func (api *chatApi) history(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	conv, err := api.svc.OpenOrCreate(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "opening conversation")
	}
	msgs, err := api.svc.History(ctx.Request().Context(), conv.ID)
	if err != nil {
		return errors.Wrap(err, "querying history")
	}
	return ctx.JSON(http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

func (api *chatApi) submitMessage(ctx echo.Context) error {
	var data chat.NewUserMessage
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUserMessage")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	conv, msgs, err := api.svc.SubmitUserMessage(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "submitting message")
	}
	return ctx.JSON(http.StatusCreated, conversationResponse{Conversation: conv, Messages: msgs})
}

func (api *chatApi) inbox(ctx echo.Context) error {
	convs, err := api.svc.EscalatedInbox(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying inbox")
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	return ctx.JSON(http.StatusOK, convs)
}

func (api *chatApi) historyByID(ctx echo.Context) error {
	conv, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == chat.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "getting conversation")
	}
	msgs, err := api.svc.History(ctx.Request().Context(), conv.ID)
	if err != nil {
		return errors.Wrap(err, "querying history")
	}
	return ctx.JSON(http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

func (api *chatApi) submitOperatorMessage(ctx echo.Context) error {
	var data chat.NewOperatorMessage
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewOperatorMessage")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	operator, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	msg, err := api.svc.SubmitOperatorMessage(ctx.Request().Context(), operator, ctx.Param("id"), data)
	if err != nil {
		if errors.Cause(err) == chat.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "submitting operator message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *chatApi) escalate(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if err := api.svc.Escalate(ctx.Request().Context(), ctx.Param("id"), usr); err != nil {
		if errors.Cause(err) == chat.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "escalating conversation")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *chatApi) streamOwn(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	conv, err := api.svc.OpenOrCreate(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "opening conversation")
	}
	return api.stream(ctx, conv.ID)
}

func (api *chatApi) streamByID(ctx echo.Context) error {
	conv, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == chat.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "getting conversation")
	}
	return api.stream(ctx, conv.ID)
}

// stream pushes the history snapshot then every subsequent conversation
// event over a websocket until the client goes away.
func (api *chatApi) stream(ctx echo.Context, conversationID string) error {
	msgs, events, cancel, err := api.svc.SubscribeMessages(ctx.Request().Context(), conversationID)
	if err != nil {
		return errors.Wrap(err, "subscribing to conversation")
	}
	defer cancel()

	conn, err := upgradeConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.CloseNormalClosure, "")

	snapshot, err := json.Marshal(stream.Event{
		Topic:   stream.ConversationTopic(conversationID),
		Kind:    "snapshot",
		Payload: msgs,
	})
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := conn.Send(snapshot); err != nil {
		return nil
	}

	for {
		select {
		case <-conn.Closed():
			return nil
		case <-ctx.Request().Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Send(payload); err != nil {
				return nil
			}
		}
	}
}
