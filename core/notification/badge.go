package notification

import (
	"context"
	"fmt"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/user"
)

// Collection names the data a BadgeRule counts over.
type Collection string

const (
	CollectionNotifications Collection = "notifications"
	CollectionConversations Collection = "conversations"
)

// BadgeRule declares what one UI surface's badge counts: unread
// notifications matching the filter, or pending (escalated) conversations.
// Rules are configuration, not state; several rules may share a Surface and
// their matches are deduplicated by ID before counting.
type BadgeRule struct {
	Surface    string
	Collection Collection
	Scope      Scope
	Categories []Category
}

// Counts is the per-surface badge snapshot delivered to a watcher.
type Counts map[string]int

func (c Counts) equal(other Counts) bool {
	if len(c) != len(other) {
		return false
	}
	for surface, n := range c {
		if other[surface] != n {
			return false
		}
	}
	return true
}

// InboxCounter reports the pending conversation count for support surfaces.
// Satisfied by chat.Service.
type InboxCounter interface {
	CountEscalated(ctx context.Context) (int, error)
}

// Aggregator maintains live badge counts per viewer. It holds no state of
// its own: every delivered snapshot is recomputed from the repositories, so
// counts converge within one propagation cycle of the underlying write.
type Aggregator struct {
	svc    *Service
	inbox  InboxCounter
	hub    *stream.Hub
	logger core.Logger
}

func NewAggregator(svc *Service, inbox InboxCounter, hub *stream.Hub, logger core.Logger) *Aggregator {
	return &Aggregator{svc: svc, inbox: inbox, hub: hub, logger: logger}
}

// Watch streams badge counts for the given viewer and rules: an initial
// snapshot, then a new snapshot whenever a relevant change is published and
// the counts actually moved. The viewer is explicit; when the viewer
// changes, the caller must cancel and call Watch again so no update ever
// leaks into a stale view.
func (agg *Aggregator) Watch(ctx context.Context, viewer user.User, rules []BadgeRule) (<-chan Counts, func()) {
	notifEvents, unsubNotifs := agg.hub.Subscribe(stream.TopicNotifications)
	convEvents, unsubConvs := agg.hub.Subscribe(stream.TopicConversations)

	out := make(chan Counts, 4)
	done := make(chan struct{})
	cancel := func() {
		unsubNotifs()
		unsubConvs()
		close(done)
	}

	go func() {
		defer close(out)

		push := func(counts Counts) {
			select {
			case out <- counts:
			case <-done:
			case <-ctx.Done():
			}
		}

		last := agg.Evaluate(ctx, viewer, rules)
		select {
		case out <- last:
		case <-done:
			return
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case _, ok := <-notifEvents:
				if !ok {
					return
				}
			case _, ok := <-convEvents:
				if !ok {
					return
				}
			}
			if counts := agg.Evaluate(ctx, viewer, rules); !counts.equal(last) {
				last = counts
				push(counts)
			}
		}
	}()
	return out, cancel
}

// Evaluate computes the current badge counts for the viewer. Notifications
// matched by more than one rule of the same surface are counted once.
func (agg *Aggregator) Evaluate(ctx context.Context, viewer user.User, rules []BadgeRule) Counts {
	counts := make(Counts, len(rules))
	seen := make(map[string]map[string]struct{}, len(rules)) // surface -> notification ids

	for _, rule := range rules {
		switch rule.Collection {
		case CollectionConversations:
			if agg.inbox == nil {
				continue
			}
			n, err := agg.inbox.CountEscalated(ctx)
			if err != nil {
				agg.logger.Error(fmt.Sprintf("counting escalated conversations: %v", err), err)
				continue
			}
			// a surface's conversation badge is a plain count, there is
			// nothing to deduplicate against
			counts[rule.Surface] += n

		default:
			notifs, err := agg.svc.Filtered(ctx, Filter{
				Viewer:     &viewer,
				Scope:      rule.Scope,
				Categories: rule.Categories,
				UnreadOnly: true,
			})
			if err != nil {
				agg.logger.Error(fmt.Sprintf("evaluating badge rule %q: %v", rule.Surface, err), err)
				continue
			}

			ids, ok := seen[rule.Surface]
			if !ok {
				ids = make(map[string]struct{}, len(notifs))
				seen[rule.Surface] = ids
			}
			for _, n := range notifs {
				if _, dup := ids[n.ID]; dup {
					continue
				}
				ids[n.ID] = struct{}{}
				counts[rule.Surface]++
			}
		}
		if _, ok := counts[rule.Surface]; !ok {
			counts[rule.Surface] = 0
		}
	}
	return counts
}
