// Package inmemdb provides mutex-guarded in-memory repositories used by
// tests and local development.
package inmemdb

import (
	"sync"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

type (
	DB struct {
		user         *userTable
		conversation *conversationTable
		notification *notificationTable
	}

	userTable struct {
		table map[string]*user.User
		mutex sync.RWMutex
	}

	conversationTable struct {
		table    map[string]*chat.Conversation
		byUser   map[string]string // userID -> conversationID
		messages map[string][]chat.Message
		seq      int64
		mutex    sync.RWMutex
	}

	notificationTable struct {
		table  map[string]*notification.Notification
		readBy map[string]map[string]struct{} // notificationID -> set of userIDs
		mutex  sync.RWMutex
	}
)

func Open() (*DB, error) {
	db := &DB{
		user: &userTable{table: make(map[string]*user.User)},
		conversation: &conversationTable{
			table:    make(map[string]*chat.Conversation),
			byUser:   make(map[string]string),
			messages: make(map[string][]chat.Message),
		},
		notification: &notificationTable{
			table:  make(map[string]*notification.Notification),
			readBy: make(map[string]map[string]struct{}),
		},
	}
	return db, nil
}
