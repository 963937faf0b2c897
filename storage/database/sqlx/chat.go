package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
)

type conversationRow struct {
	ID          string      `db:"id"`
	UserID      string      `db:"user_id"`
	Mode        string      `db:"mode"`
	LastMessage null.String `db:"last_message"`
	CreatedAt   null.Time   `db:"created_at"`
	UpdatedAt   null.Time   `db:"updated_at"`
}

func (row conversationRow) toConversation() chat.Conversation {
	return chat.Conversation{
		ID:            row.ID,
		UserID:        row.UserID,
		Mode:          chat.ConversationMode(row.Mode),
		LastMessage:   row.LastMessage.String,
		CreatedAt:     row.CreatedAt.Time,
		LastUpdatedAt: row.UpdatedAt.Time,
	}
}

type messageRow struct {
	ID             string      `db:"id"`
	Seq            int64       `db:"seq"`
	ConversationID string      `db:"conversation_id"`
	Sender         string      `db:"sender"`
	SenderID       null.String `db:"sender_id"`
	Content        string      `db:"content"`
	SentAt         null.Time   `db:"sent_at"`
}

func (row messageRow) toMessage() chat.Message {
	return chat.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Seq:            row.Seq,
		Sender:         chat.Sender(row.Sender),
		SenderID:       row.SenderID.String,
		Content:        row.Content,
		SentAt:         row.SentAt.Time,
	}
}

type chatRepository struct {
	db *sqlx.DB
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *sqlx.DB) *chatRepository {
	return &chatRepository{db: db}
}

func trapChatNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return chat.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// GetOrCreateConversation leans on the UNIQUE(user_id) constraint: the insert
// is attempted first with ON CONFLICT DO NOTHING, so concurrent calls for the
// same user converge on a single row and only one caller observes created.
func (repo chatRepository) GetOrCreateConversation(ctx context.Context, userID string) (chat.Conversation, bool, error) {
	now := time.Now().UTC()
	query, args, err := psql.Insert("conversation").
		Columns("id", "user_id", "mode", "created_at", "updated_at").
		Values(uuid.New().String(), userID, chat.ModeAI, now, now).
		Suffix("ON CONFLICT (user_id) DO NOTHING").
		ToSql()
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "building conversation insert")
	}
	res, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "inserting conversation")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "inserting conversation")
	}

	conv, err := repo.GetConversationByUserID(ctx, userID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, inserted > 0, nil
}

func (repo chatRepository) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	query, args, err := psql.Select("*").From("conversation").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "building conversation query")
	}
	var row conversationRow
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return chat.Conversation{}, trapChatNoRowsErr(err, "getting conversation")
	}
	return row.toConversation(), nil
}

func (repo chatRepository) GetConversationByUserID(ctx context.Context, userID string) (chat.Conversation, error) {
	query, args, err := psql.Select("*").From("conversation").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "building conversation query")
	}
	var row conversationRow
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return chat.Conversation{}, trapChatNoRowsErr(err, "getting conversation by user")
	}
	return row.toConversation(), nil
}

func (repo chatRepository) filterQuery(cols string, filter chat.QueryFilter) sq.SelectBuilder {
	qb := psql.Select(cols).From("conversation")
	if filter.Mode != "" {
		qb = qb.Where(sq.Eq{"mode": filter.Mode})
	}
	if !filter.UpdatedFrom.IsZero() {
		qb = qb.Where(sq.GtOrEq{"updated_at": filter.UpdatedFrom})
	}
	if !filter.UpdatedTo.IsZero() {
		qb = qb.Where(sq.LtOrEq{"updated_at": filter.UpdatedTo})
	}
	return qb
}

func (repo chatRepository) FilterConversations(ctx context.Context, filter chat.QueryFilter) ([]chat.Conversation, error) {
	query, args, err := repo.filterQuery("*", filter).OrderBy("updated_at DESC").ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building conversation filter query")
	}
	var rows []conversationRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "filtering conversations")
	}
	convs := make([]chat.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, row.toConversation())
	}
	return convs, nil
}

func (repo chatRepository) CountConversations(ctx context.Context, filter chat.QueryFilter) (int, error) {
	query, args, err := repo.filterQuery("COUNT(*)", filter).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "building conversation count query")
	}
	var count int
	if err := repo.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errors.Wrap(err, "counting conversations")
	}
	return count, nil
}

func (repo chatRepository) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = uuid.New().String()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "beginning append tx")
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := psql.Insert("message").
		Columns("id", "conversation_id", "sender", "sender_id", "content", "sent_at").
		Values(msg.ID, msg.ConversationID, msg.Sender, null.NewString(msg.SenderID, msg.SenderID != ""), msg.Content, msg.SentAt).
		Suffix("RETURNING seq").
		ToSql()
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "building message insert")
	}
	if err := tx.GetContext(ctx, &msg.Seq, query, args...); err != nil {
		return chat.Message{}, errors.Wrap(err, "inserting message")
	}

	query, args, err = psql.Update("conversation").
		Set("last_message", msg.Content).
		Set("updated_at", msg.SentAt).
		Where(sq.Eq{"id": msg.ConversationID}).
		ToSql()
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "building conversation touch")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return chat.Message{}, errors.Wrap(err, "touching conversation")
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, errors.Wrap(err, "committing append tx")
	}
	return msg, nil
}

func (repo chatRepository) QueryMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	query, args, err := psql.Select("*").From("message").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("sent_at ASC", "seq ASC").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building message query")
	}
	var rows []messageRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs, nil
}

// EscalateConversation is a conditional write: the WHERE mode = 'ai' guard
// makes the transition one-way and first-writer-wins under concurrency.
func (repo chatRepository) EscalateConversation(ctx context.Context, id string) (chat.Conversation, bool, error) {
	query, args, err := psql.Update("conversation").
		Set("mode", chat.ModeEscalated).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "mode": chat.ModeAI}).
		ToSql()
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "building escalation update")
	}
	res, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "escalating conversation")
	}
	transitioned, err := res.RowsAffected()
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(err, "escalating conversation")
	}

	conv, err := repo.GetConversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, transitioned > 0, nil
}
