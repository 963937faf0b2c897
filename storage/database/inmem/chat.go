package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
)

type chatRepository struct {
	db *conversationTable
}

var _ chat.Repository = (*chatRepository)(nil)

func NewChatRepository(db *DB) *chatRepository {
	return &chatRepository{db: db.conversation}
}

func (repo *chatRepository) GetOrCreateConversation(_ context.Context, userID string) (chat.Conversation, bool, error) {
	// the lock is held across check and insert: concurrent calls for the
	// same user cannot create two conversations
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if id, ok := repo.db.byUser[userID]; ok {
		return *repo.db.table[id], false, nil
	}

	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:            uuid.New().String(),
		UserID:        userID,
		Mode:          chat.ModeAI,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	repo.db.table[conv.ID] = &conv
	repo.db.byUser[userID] = conv.ID
	return conv, true, nil
}

func (repo *chatRepository) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if conv, ok := repo.db.table[id]; ok {
		return *conv, nil
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (repo *chatRepository) GetConversationByUserID(_ context.Context, userID string) (chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if id, ok := repo.db.byUser[userID]; ok {
		return *repo.db.table[id], nil
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (repo *chatRepository) matches(conv *chat.Conversation, filter chat.QueryFilter) bool {
	if filter.Mode != "" && conv.Mode != filter.Mode {
		return false
	}
	if !filter.UpdatedFrom.IsZero() && conv.LastUpdatedAt.Before(filter.UpdatedFrom) {
		return false
	}
	if !filter.UpdatedTo.IsZero() && conv.LastUpdatedAt.After(filter.UpdatedTo) {
		return false
	}
	return true
}

func (repo *chatRepository) FilterConversations(_ context.Context, filter chat.QueryFilter) ([]chat.Conversation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	convs := make([]chat.Conversation, 0, len(repo.db.table))
	for _, conv := range repo.db.table {
		if repo.matches(conv, filter) {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastUpdatedAt.After(convs[j].LastUpdatedAt) })
	return convs, nil
}

func (repo *chatRepository) CountConversations(ctx context.Context, filter chat.QueryFilter) (int, error) {
	convs, err := repo.FilterConversations(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(convs), nil
}

func (repo *chatRepository) AppendMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	conv, ok := repo.db.table[msg.ConversationID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}

	repo.db.seq++
	msg.ID = uuid.New().String()
	msg.Seq = repo.db.seq
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	repo.db.messages[conv.ID] = append(repo.db.messages[conv.ID], msg)

	conv.LastMessage = msg.Content
	conv.LastUpdatedAt = msg.SentAt
	return msg, nil
}

func (repo *chatRepository) QueryMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if _, ok := repo.db.table[conversationID]; !ok {
		return nil, chat.ErrNotFound
	}

	msgs := make([]chat.Message, len(repo.db.messages[conversationID]))
	copy(msgs, repo.db.messages[conversationID])
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs, nil
}

func (repo *chatRepository) EscalateConversation(_ context.Context, id string) (chat.Conversation, bool, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	conv, ok := repo.db.table[id]
	if !ok {
		return chat.Conversation{}, false, chat.ErrNotFound
	}
	if conv.Mode == chat.ModeEscalated {
		return *conv, false, nil
	}
	conv.Mode = chat.ModeEscalated
	conv.LastUpdatedAt = time.Now().UTC()
	return *conv, true, nil
}
