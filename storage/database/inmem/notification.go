package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
)

type notificationRepository struct {
	db *notificationTable
}

var _ notification.Repository = (*notificationRepository)(nil)

func NewNotificationRepository(db *DB) *notificationRepository {
	return &notificationRepository{db: db.notification}
}

func (repo *notificationRepository) CreateNotification(_ context.Context, n notification.Notification) (notification.Notification, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	n.ID = uuid.New().String()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	repo.db.table[n.ID] = &n
	repo.db.readBy[n.ID] = make(map[string]struct{})
	return n, nil
}

func (repo *notificationRepository) get(id string) (notification.Notification, error) {
	n, ok := repo.db.table[id]
	if !ok {
		return notification.Notification{}, notification.ErrNotFound
	}

	out := *n
	out.ReadBy = make([]string, 0, len(repo.db.readBy[id]))
	for userID := range repo.db.readBy[id] {
		out.ReadBy = append(out.ReadBy, userID)
	}
	sort.Strings(out.ReadBy)
	return out, nil
}

func (repo *notificationRepository) GetNotification(_ context.Context, id string) (notification.Notification, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.get(id)
}

func (repo *notificationRepository) matches(n notification.Notification, filter notification.Filter) bool {
	if filter.Viewer != nil && !n.Audience.Matches(*filter.Viewer) {
		return false
	}
	switch filter.Scope {
	case notification.ScopeDirect:
		if n.Audience.UserID == "" {
			return false
		}
	case notification.ScopeShared:
		if n.Audience.UserID != "" {
			return false
		}
	}
	if len(filter.Categories) > 0 {
		var found bool
		for _, cat := range filter.Categories {
			if n.Category == cat {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.UnreadOnly && filter.Viewer != nil && n.IsReadBy(filter.Viewer.ID) {
		return false
	}
	return true
}

func (repo *notificationRepository) FilterNotifications(_ context.Context, filter notification.Filter) ([]notification.Notification, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	notifs := make([]notification.Notification, 0, len(repo.db.table))
	for id := range repo.db.table {
		n, err := repo.get(id)
		if err != nil {
			return nil, err
		}
		if repo.matches(n, filter) {
			notifs = append(notifs, n)
		}
	}
	sort.Slice(notifs, func(i, j int) bool { return notifs[i].CreatedAt.After(notifs[j].CreatedAt) })

	if filter.Limit > 0 && len(notifs) > filter.Limit {
		notifs = notifs[:filter.Limit]
	}
	return notifs, nil
}

func (repo *notificationRepository) MarkNotificationRead(_ context.Context, id, userID string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.table[id]; !ok {
		return notification.ErrNotFound
	}
	// set union: repeated and racing marks collapse to one membership
	repo.db.readBy[id][userID] = struct{}{}
	return nil
}
