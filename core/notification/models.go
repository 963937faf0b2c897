package notification

import (
	"sort"
	"strings"
	"time"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

// Category classifies a notification. Each category carries a fixed display
// priority used for feed ordering only (1 = highest).
type Category string

const (
	CategorySecurity Category = "security"
	CategorySupport  Category = "support"
	CategoryFinance  Category = "finance"
	CategoryAcademic Category = "academic"
	CategoryGeneral  Category = "general"
)

var categoryPriorities = map[Category]int{
	CategorySecurity: 1,
	CategorySupport:  2,
	CategoryFinance:  3,
	CategoryAcademic: 4,
	CategoryGeneral:  5,
}

// Priority returns the display priority of the category; unknown categories
// sort last.
func (c Category) Priority() int {
	if p, ok := categoryPriorities[c]; ok {
		return p
	}
	return len(categoryPriorities) + 1
}

func (c Category) IsValid() bool {
	_, ok := categoryPriorities[c]
	return ok
}

// Audience is the set of viewers eligible to see a notification: everyone,
// a role set, or a single user. Role membership is resolved lazily from the
// viewer's own roles at read time, never expanded into per-user copies.
type Audience struct {
	Everyone bool     `json:"everyone,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func EveryoneAudience() Audience {
	return Audience{Everyone: true}
}

func UserAudience(userID string) Audience {
	return Audience{UserID: userID}
}

func RoleAudience(roles ...string) Audience {
	return Audience{Roles: roles}
}

// Matches reports whether the viewer is a member of the audience. Role
// matching follows the role-prefix scheme: an audience role "support:"
// admits any viewer holding a role that starts with it.
func (a Audience) Matches(usr user.User) bool {
	if a.Everyone {
		return true
	}
	if a.UserID != "" && a.UserID == usr.ID {
		return true
	}
	for _, role := range a.Roles {
		if usr.RoleStartsWith(role) {
			return true
		}
	}
	return false
}

// Notification is created once by the router and only ever mutated by the
// read tracker, which appends viewer IDs to ReadBy (monotonic, never removed).
type Notification struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Href        string    `json:"href"`
	Audience    Audience  `json:"audience"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	ReadBy      []string  `json:"-"`
}

func (n Notification) IsReadBy(userID string) bool {
	for _, id := range n.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Event is a domain event handed to the router. Exactly which audience
// classes it resolves to is decided by Service.Emit.
type Event struct {
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Category     Category `json:"category"`
	Href         string   `json:"href"`
	TargetUserID string   `json:"target_user_id,omitempty"`
	TargetRoles  []string `json:"target_roles,omitempty"`
}

// Clean normalises the event in place.
func (ev *Event) Clean() {
	ev.Title = core.CleanString(ev.Title)
	ev.Description = core.CleanString(ev.Description)
	ev.TargetUserID = core.CleanString(ev.TargetUserID)

	roles := ev.TargetRoles[:0]
	for _, role := range ev.TargetRoles {
		if role = core.CleanString(role, true /* lower */); role != "" {
			roles = append(roles, role)
		}
	}
	ev.TargetRoles = roles
}

// knownRole reports whether role is (a prefix class of) a declared app role.
func knownRole(role string) bool {
	for _, known := range user.AllRoles {
		if strings.HasPrefix(known, role) || strings.HasPrefix(role, known) {
			return true
		}
	}
	return false
}

// Scope narrows a notification query to one audience class.
type Scope string

const (
	ScopeAll    Scope = ""       // any audience the viewer belongs to
	ScopeDirect Scope = "direct" // only user-targeted
	ScopeShared Scope = "shared" // only role/everyone audiences
)

// Filter narrows notification queries. Viewer scopes results to audiences
// the viewer is a member of; UnreadOnly further excludes notifications the
// viewer has already read.
type Filter struct {
	Viewer     *user.User
	Scope      Scope
	Categories []Category
	UnreadOnly bool
	Limit      int
}

// SortForDisplay orders notifications by category priority, then most recent
// first. Presentation metadata only, not a correctness constraint.
func SortForDisplay(notifs []Notification) {
	sort.SliceStable(notifs, func(i, j int) bool {
		pi, pj := notifs[i].Category.Priority(), notifs[j].Category.Priority()
		if pi != pj {
			return pi < pj
		}
		return notifs[i].CreatedAt.After(notifs[j].CreatedAt)
	})
}
