package notification

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

var (
	// errors
	ErrNotFound = errors.New("notification not found")

	// ErrMalformedEvent marks an event whose audience resolved empty. It is
	// logged as a diagnostic and never surfaced to the emitting caller.
	ErrMalformedEvent = errors.New("malformed event: audience resolved empty")
)

type (
	Repository interface {
		CreateNotification(ctx context.Context, n Notification) (Notification, error)
		GetNotification(ctx context.Context, id string) (Notification, error)
		// FilterNotifications applies AND on available Filter fields,
		// ordered by CreatedAt descending.
		FilterNotifications(ctx context.Context, filter Filter) ([]Notification, error)
		// MarkNotificationRead adds userID to the notification's ReadBy set.
		// The update is a monotonic union: concurrent and repeated calls are
		// idempotent and a reader is never removed.
		MarkNotificationRead(ctx context.Context, id, userID string) error
	}

	// EventSink accepts domain events for routing. Satisfied by *Service;
	// event producers in other packages depend on this instead of the
	// concrete service.
	EventSink interface {
		Emit(ctx context.Context, ev Event) []Notification
	}

	Service struct {
		repo   Repository
		hub    *stream.Hub
		logger core.Logger
	}
)

var _ EventSink = (*Service)(nil)

func NewService(repo Repository, hub *stream.Hub, logger core.Logger) *Service {
	return &Service{repo: repo, hub: hub, logger: logger}
}

// Emit routes a domain event into zero or more notifications, one per
// resolved audience class:
//
//  1. explicit user target
//  2. declared role set
//  3. fallback: CategoryGeneral addressed to everyone
//
// Notification delivery is best-effort: a malformed audience or a storage
// failure is logged and swallowed so it can never block the domain action
// that triggered the event.
func (svc *Service) Emit(ctx context.Context, ev Event) []Notification {
	ev.Clean()
	if ev.Title == "" {
		svc.logger.Warn(fmt.Sprintf("dropping event %q: %v", ev.Type, ErrMalformedEvent), ErrMalformedEvent)
		return nil
	}

	audiences := svc.resolveAudiences(ev)
	if len(audiences) == 0 {
		svc.logger.Warn(fmt.Sprintf("dropping event %q: %v", ev.Type, ErrMalformedEvent), ErrMalformedEvent)
		return nil
	}

	category := ev.Category
	if !category.IsValid() {
		category = CategoryGeneral
	}

	created := make([]Notification, 0, len(audiences))
	for _, audience := range audiences {
		n, err := svc.repo.CreateNotification(ctx, Notification{
			Title:       ev.Title,
			Description: ev.Description,
			Category:    category,
			Href:        ev.Href,
			Audience:    audience,
		})
		if err != nil {
			svc.logger.Error(fmt.Sprintf("creating notification for event %q: %v", ev.Type, err), errors.Wrap(err, "creating notification"))
			continue
		}
		created = append(created, n)
		svc.hub.Publish(stream.Event{
			Topic:   stream.TopicNotifications,
			Kind:    stream.KindNotificationCreated,
			Payload: n,
		})
	}
	return created
}

// resolveAudiences evaluates the audience classes in order; an event may
// resolve to several notifications, at most one per class. An event that
// declared a target class which resolved empty is malformed.
func (svc *Service) resolveAudiences(ev Event) []Audience {
	declared := ev.TargetUserID != "" || len(ev.TargetRoles) > 0

	var audiences []Audience
	if ev.TargetUserID != "" {
		audiences = append(audiences, UserAudience(ev.TargetUserID))
	}
	if len(ev.TargetRoles) > 0 {
		roles := make([]string, 0, len(ev.TargetRoles))
		for _, role := range ev.TargetRoles {
			if knownRole(role) {
				roles = append(roles, role)
			}
		}
		if len(roles) > 0 {
			audiences = append(audiences, RoleAudience(roles...))
		}
	}
	if declared {
		return audiences
	}
	return []Audience{EveryoneAudience()}
}

// ListForViewer returns all notifications visible to the viewer, ordered by
// category priority then recency.
func (svc *Service) ListForViewer(ctx context.Context, viewer user.User) ([]Notification, error) {
	notifs, err := svc.repo.FilterNotifications(ctx, Filter{Viewer: &viewer})
	if err != nil {
		return nil, errors.Wrap(err, "filtering notifications")
	}
	SortForDisplay(notifs)
	return notifs, nil
}

// MarkRead records the viewer's acknowledgement of one notification.
// Idempotent; losing a concurrent race to another marker is success.
func (svc *Service) MarkRead(ctx context.Context, id string, viewer user.User) error {
	n, err := svc.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if !n.Audience.Matches(viewer) {
		return ErrNotFound
	}
	if err = svc.repo.MarkNotificationRead(ctx, id, viewer.ID); err != nil {
		return errors.Wrap(err, "marking notification read")
	}
	svc.hub.Publish(stream.Event{
		Topic: stream.TopicNotifications,
		Kind:  stream.KindNotificationRead,
		Payload: map[string]string{
			"notification_id": id,
			"user_id":         viewer.ID,
		},
	})
	return nil
}

// MarkAllRead acknowledges the viewer's unread set as of call time, one
// receipt at a time. Notifications written while the batch runs stay unread;
// there is deliberately no global cutoff.
func (svc *Service) MarkAllRead(ctx context.Context, viewer user.User) (int, error) {
	unread, err := svc.repo.FilterNotifications(ctx, Filter{Viewer: &viewer, UnreadOnly: true})
	if err != nil {
		return 0, errors.Wrap(err, "listing unread notifications")
	}

	var marked int
	for _, n := range unread {
		if err = svc.MarkRead(ctx, n.ID, viewer); err != nil {
			return marked, errors.Wrapf(err, "marking notification %s read", n.ID)
		}
		marked++
	}
	return marked, nil
}

// Subscribe returns the live notification event feed plus a cancel func.
func (svc *Service) Subscribe() (<-chan stream.Event, func()) {
	return svc.hub.Subscribe(stream.TopicNotifications)
}

// EventNotification resolves the notification a hub event refers to, so
// callers can check its Audience before forwarding. Locally published events
// carry the Notification itself; events fanned in from other instances arrive
// JSON-decoded and are re-fetched by ID. Events that cannot be resolved
// report false and must be dropped, never forwarded unchecked.
func (svc *Service) EventNotification(ctx context.Context, ev stream.Event) (Notification, bool) {
	var id string
	switch payload := ev.Payload.(type) {
	case Notification:
		return payload, true
	case map[string]string:
		id = payload["notification_id"]
	case map[string]interface{}:
		id, _ = payload["id"].(string)
		if id == "" {
			id, _ = payload["notification_id"].(string)
		}
	}
	if id == "" {
		return Notification{}, false
	}
	n, err := svc.repo.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, false
	}
	return n, true
}

// Filtered exposes repository filtering for the badge aggregator.
func (svc *Service) Filtered(ctx context.Context, filter Filter) ([]Notification, error) {
	return svc.repo.FilterNotifications(ctx, filter)
}
