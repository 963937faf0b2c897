package echoapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

type notificationApi struct {
	svc     *notification.Service
	badges  *notification.Aggregator
	userSvc user.ServiceInterface
}

func registerNotificationAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := notificationApi{
		svc:     deps.NotifSvc,
		badges:  deps.Badges,
		userSvc: deps.UserSvc,
	}

	ng := g.Group("/notifications", jwt)
	ng.GET("", api.query)
	ng.POST("", api.emit, adminMiddleware())
	ng.POST("/read-all", api.markAllRead)
	ng.POST("/:id/read", api.markRead)
	ng.GET("/ws", api.stream)

	g.GET("/badges/ws", api.streamBadges, jwt)
}

type (
	notificationFilterRequest struct {
		Scope      notification.Scope      `query:"scope"`
		Categories []notification.Category `query:"category"`
		UnreadOnly bool                    `query:"unread_only"`
		Limit      int                     `query:"limit"`
	}

	markAllReadResponse struct {
		Marked int `json:"marked"`
	}
)

// Handlers

func (api *notificationApi) query(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var req notificationFilterRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusOK, []notification.Notification{})
	}

	notifs, err := api.svc.Filtered(ctx.Request().Context(), notification.Filter{
		Viewer:     &usr,
		Scope:      req.Scope,
		Categories: req.Categories,
		UnreadOnly: req.UnreadOnly,
		Limit:      req.Limit,
	})
	if err != nil {
		return errors.Wrap(err, "querying notifications")
	}
	if notifs == nil {
		notifs = []notification.Notification{}
	}
	notification.SortForDisplay(notifs)
	return ctx.JSON(http.StatusOK, notifs)
}

func (api *notificationApi) emit(ctx echo.Context) error {
	var ev notification.Event
	if err := ctx.Bind(&ev); err != nil {
		return errors.Wrap(err, "binding to Event")
	}
	created := api.svc.Emit(ctx.Request().Context(), ev)
	return ctx.JSON(http.StatusCreated, created)
}

func (api *notificationApi) markRead(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if err := api.svc.MarkRead(ctx.Request().Context(), ctx.Param("id"), usr); err != nil {
		if errors.Cause(err) == notification.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "marking notification read")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *notificationApi) markAllRead(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	marked, err := api.svc.MarkAllRead(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "marking all read")
	}
	return ctx.JSON(http.StatusOK, markAllReadResponse{Marked: marked})
}

// stream pushes every notification event addressed to the viewer.
func (api *notificationApi) stream(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	events, cancel := api.svc.Subscribe()
	defer cancel()

	conn, err := upgradeConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.CloseNormalClosure, "")

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
			// only forward what the viewer is allowed to see; an event whose
			// notification cannot be resolved is dropped, not forwarded
			n, ok := api.svc.EventNotification(ctx.Request().Context(), ev)
			if !ok || !n.Audience.Matches(usr) {
				continue
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

// streamBadges pushes badge count snapshots for the viewer's surfaces. A
// viewer change on the client side means a new token, a new connection and
// therefore a fresh Watch; stale subscriptions die with their socket.
func (api *notificationApi) streamBadges(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.userSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	counts, cancel := api.badges.Watch(ctx.Request().Context(), usr, defaultBadgeRules(usr))
	defer cancel()

	conn, err := upgradeConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.CloseNormalClosure, "")

	for {
		select {
		case <-conn.Closed():
			return nil
		case <-ctx.Request().Context().Done():
			return nil
		case c, ok := <-counts:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := conn.Send(payload); err != nil {
				return nil
			}
		}
	}
}

// defaultBadgeRules describes the app's standard surfaces: the bell icon
// counts all unread, the direct tab counts personally-addressed unread, and
// support staff get the escalated-conversation inbox count.
func defaultBadgeRules(usr user.User) []notification.BadgeRule {
	rules := []notification.BadgeRule{
		{Surface: "bell", Collection: notification.CollectionNotifications},
		{Surface: "direct", Collection: notification.CollectionNotifications, Scope: notification.ScopeDirect},
	}
	if usr.IsSupport() || usr.IsAdmin() {
		rules = append(rules, notification.BadgeRule{
			Surface:    "support_inbox",
			Collection: notification.CollectionConversations,
		})
	}
	return rules
}
