package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

// NewConfig returns a Config suitable for tests; nothing external is
// contacted.
func NewConfig() *core.Config {
	return &core.Config{
		Env:             "TEST",
		TestMode:        true,
		Debug:           false,
		AppName:         "EduSphere Kenya",
		SecretKey:       "s3cr3t-t3st-k3y",
		FrontendBaseURL: "http://localhost:3000",
		DefaultFromName: "EduSphere Kenya",
		DefaultFromAddr: "noreply@edusphere.test",
		SupportEmails:   []string{"support@edusphere.test"},
		Server: core.ServerConfig{
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
	}
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  &isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateNotification(
	t *testing.T,
	repo notification.Repository,
	title string,
	category notification.Category,
	audience notification.Audience,
	createdAt ...time.Time,
) notification.Notification {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	n, err := repo.CreateNotification(context.Background(), notification.Notification{
		Title:     title,
		Category:  category,
		Audience:  audience,
		CreatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("CreateNotification() failed: %v", err)
	}
	return n
}
