package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
)

var notificationOrdering = core.DBOrdering{Field: "created_at"} // newest first

type notificationRow struct {
	ID               string         `db:"id"`
	Title            string         `db:"title"`
	Description      null.String    `db:"description"`
	Category         string         `db:"category"`
	Href             null.String    `db:"href"`
	AudienceEveryone null.Bool      `db:"audience_everyone"`
	AudienceUserID   null.String    `db:"audience_user_id"`
	AudienceRoles    pq.StringArray `db:"audience_roles"`
	CreatedAt        null.Time      `db:"created_at"`
	ReadBy           pq.StringArray `db:"read_by"`
}

func (row notificationRow) toNotification() notification.Notification {
	return notification.Notification{
		ID:          row.ID,
		Title:       row.Title,
		Description: row.Description.String,
		Category:    notification.Category(row.Category),
		Href:        row.Href.String,
		Audience: notification.Audience{
			Everyone: row.AudienceEveryone.Bool,
			UserID:   row.AudienceUserID.String,
			Roles:    row.AudienceRoles,
		},
		CreatedAt: row.CreatedAt.Time,
		ReadBy:    row.ReadBy,
	}
}

// readByCol materializes the ReadBy set from notification_read as an array
// column so a single query returns complete notifications.
const readByCol = "ARRAY(SELECT nr.user_id FROM notification_read nr WHERE nr.notification_id = notification.id) AS read_by"

type notificationRepository struct {
	db *sqlx.DB
}

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *sqlx.DB) *notificationRepository {
	return &notificationRepository{db: db}
}

func trapNotificationNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return notification.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo notificationRepository) CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	n.ID = uuid.New().String()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	query, args, err := psql.Insert("notification").
		Columns("id", "title", "description", "category", "href", "audience_everyone", "audience_user_id", "audience_roles", "created_at").
		Values(
			n.ID, n.Title, n.Description, n.Category, n.Href,
			n.Audience.Everyone,
			null.NewString(n.Audience.UserID, n.Audience.UserID != ""),
			pq.Array(n.Audience.Roles),
			n.CreatedAt,
		).
		ToSql()
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "building notification insert")
	}
	if _, err := repo.db.ExecContext(ctx, query, args...); err != nil {
		return notification.Notification{}, errors.Wrap(err, "inserting notification")
	}
	return n, nil
}

func (repo notificationRepository) GetNotification(ctx context.Context, id string) (notification.Notification, error) {
	query, args, err := psql.Select("notification.*", readByCol).
		From("notification").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "building notification query")
	}
	var row notificationRow
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return notification.Notification{}, trapNotificationNoRowsErr(err, "getting notification")
	}
	return row.toNotification(), nil
}

func (repo notificationRepository) FilterNotifications(ctx context.Context, filter notification.Filter) ([]notification.Notification, error) {
	qb := psql.Select("notification.*", readByCol).
		From("notification").
		OrderBy(notificationOrdering.String())

	if filter.Viewer != nil {
		// audience resolution: direct target, role prefix match, or everyone
		qb = qb.Where(sq.Or{
			sq.Eq{"audience_everyone": true},
			sq.Eq{"audience_user_id": filter.Viewer.ID},
			sq.Expr(
				"EXISTS (SELECT 1 FROM unnest(audience_roles) ar, unnest(?::text[]) vr WHERE vr LIKE ar || '%')",
				pq.Array(filter.Viewer.Roles),
			),
		})
	}
	switch filter.Scope {
	case notification.ScopeDirect:
		qb = qb.Where("audience_user_id IS NOT NULL")
	case notification.ScopeShared:
		qb = qb.Where("audience_user_id IS NULL")
	}
	if len(filter.Categories) > 0 {
		qb = qb.Where(sq.Eq{"category": filter.Categories})
	}
	if filter.UnreadOnly && filter.Viewer != nil {
		qb = qb.Where(
			"NOT EXISTS (SELECT 1 FROM notification_read nr WHERE nr.notification_id = notification.id AND nr.user_id = ?)",
			filter.Viewer.ID,
		)
	}
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building notification filter query")
	}
	var rows []notificationRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "filtering notifications")
	}
	notifs := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		notifs = append(notifs, row.toNotification())
	}
	return notifs, nil
}

// MarkNotificationRead inserts into the (notification_id, user_id) membership
// table; ON CONFLICT DO NOTHING keeps repeated and racing marks idempotent.
func (repo notificationRepository) MarkNotificationRead(ctx context.Context, id, userID string) error {
	query, args, err := psql.Insert("notification_read").
		Columns("notification_id", "user_id").
		Values(id, userID).
		Suffix("ON CONFLICT (notification_id, user_id) DO NOTHING").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building read mark insert")
	}
	if _, err := repo.db.ExecContext(ctx, query, args...); err != nil {
		if isForeignKeyErr(err) {
			return notification.ErrNotFound
		}
		return errors.Wrap(err, "marking notification read")
	}
	return nil
}

func isForeignKeyErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
