package notification_test

import (
	"context"
	"testing"
	"time"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core/notification"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/stream"
	inmemdb "github.com/cypjiji-star/edusphere-kenya-sub002/storage/database/inmem"
)

type inboxStub struct {
	escalated int
}

func (s *inboxStub) CountEscalated(context.Context) (int, error) {
	return s.escalated, nil
}

func setupAggregator(t *testing.T) (*notification.Aggregator, *notification.Service, *inboxStub, *stream.Hub) {
	t.Helper()

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	hub := stream.NewHub()
	svc := notification.NewService(inmemdb.NewNotificationRepository(db), hub, nopLogger{})
	inbox := &inboxStub{}
	return notification.NewAggregator(svc, inbox, hub, nopLogger{}), svc, inbox, hub
}

func TestAggregator_Evaluate_dedupOverlappingRules(t *testing.T) {
	agg, svc, _, _ := setupAggregator(t)
	ctx := context.Background()
	viewer := student("usr-1")

	// 3 direct + 2 shared; the "all" scope sees all 5
	svc.Emit(ctx, notification.Event{Type: "a", Title: "A", TargetUserID: viewer.ID})
	svc.Emit(ctx, notification.Event{Type: "b", Title: "B", TargetUserID: viewer.ID})
	svc.Emit(ctx, notification.Event{Type: "c", Title: "C", TargetUserID: viewer.ID})
	svc.Emit(ctx, notification.Event{Type: "d", Title: "D"})
	svc.Emit(ctx, notification.Event{Type: "e", Title: "E"})

	// two rules on the same surface overlap on the direct notifications;
	// each unread is still counted once
	rules := []notification.BadgeRule{
		{Surface: "bell"},
		{Surface: "bell", Scope: notification.ScopeDirect},
	}
	counts := agg.Evaluate(ctx, viewer, rules)
	if counts["bell"] != 5 {
		t.Errorf(`counts["bell"] = %d, want 5`, counts["bell"])
	}

	// distinct surfaces count independently
	rules = []notification.BadgeRule{
		{Surface: "bell"},
		{Surface: "direct", Scope: notification.ScopeDirect},
	}
	counts = agg.Evaluate(ctx, viewer, rules)
	if counts["bell"] != 5 || counts["direct"] != 3 {
		t.Errorf("counts = %v, want bell:5 direct:3", counts)
	}
}

func TestAggregator_Evaluate_readsExcluded(t *testing.T) {
	agg, svc, _, _ := setupAggregator(t)
	ctx := context.Background()
	viewer := student("usr-1")

	created := svc.Emit(ctx, notification.Event{Type: "a", Title: "A", TargetUserID: viewer.ID})
	svc.Emit(ctx, notification.Event{Type: "b", Title: "B", TargetUserID: viewer.ID})

	if err := svc.MarkRead(ctx, created[0].ID, viewer); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}

	counts := agg.Evaluate(ctx, viewer, []notification.BadgeRule{{Surface: "bell"}})
	if counts["bell"] != 1 {
		t.Errorf(`counts["bell"] = %d, want 1`, counts["bell"])
	}
}

func TestAggregator_Evaluate_conversationsRule(t *testing.T) {
	agg, _, inbox, _ := setupAggregator(t)
	inbox.escalated = 3

	counts := agg.Evaluate(context.Background(), supportOperator("op-1"), []notification.BadgeRule{
		{Surface: "support_inbox", Collection: notification.CollectionConversations},
	})
	if counts["support_inbox"] != 3 {
		t.Errorf(`counts["support_inbox"] = %d, want 3`, counts["support_inbox"])
	}
}

func TestAggregator_Evaluate_zeroedSurfaces(t *testing.T) {
	agg, _, _, _ := setupAggregator(t)

	counts := agg.Evaluate(context.Background(), student("usr-1"), []notification.BadgeRule{{Surface: "bell"}})
	if n, ok := counts["bell"]; !ok || n != 0 {
		t.Errorf(`counts["bell"] = %d (present=%t), want explicit 0`, n, ok)
	}
}

func TestAggregator_Watch(t *testing.T) {
	agg, svc, _, _ := setupAggregator(t)
	ctx := context.Background()
	viewer := student("usr-1")

	counts, cancel := agg.Watch(ctx, viewer, []notification.BadgeRule{{Surface: "bell"}})
	defer cancel()

	// initial snapshot arrives without any event
	initial := waitCounts(t, counts)
	if initial["bell"] != 0 {
		t.Errorf(`initial["bell"] = %d, want 0`, initial["bell"])
	}

	svc.Emit(ctx, notification.Event{Type: "a", Title: "A", TargetUserID: viewer.ID})

	next := waitCounts(t, counts)
	if next["bell"] != 1 {
		t.Errorf(`next["bell"] = %d, want 1`, next["bell"])
	}

	// an event that does not change the counts is not re-delivered
	svc.Emit(ctx, notification.Event{Type: "b", Title: "B", TargetUserID: "someone-else"})
	select {
	case c, ok := <-counts:
		if ok {
			t.Errorf("unexpected delivery %v after no-op event", c)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAggregator_Watch_cancelStopsDelivery(t *testing.T) {
	agg, svc, _, _ := setupAggregator(t)
	ctx := context.Background()
	viewer := student("usr-1")

	counts, cancel := agg.Watch(ctx, viewer, []notification.BadgeRule{{Surface: "bell"}})
	waitCounts(t, counts)

	// a viewer switch means cancel, then a fresh Watch for the new viewer;
	// nothing may leak from the old subscription
	cancel()

	svc.Emit(ctx, notification.Event{Type: "a", Title: "A", TargetUserID: viewer.ID})

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case _, ok := <-counts:
			if !ok {
				return // channel drained and closed
			}
		case <-deadline:
			t.Fatal("counts channel not closed after cancel")
		}
	}
}

func waitCounts(t *testing.T, ch <-chan notification.Counts) notification.Counts {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("counts channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for counts")
		return nil
	}
}
