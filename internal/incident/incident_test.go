package incident

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/pool"
	"github.com/developingchet/discord-sentry/internal/testutil"
	"github.com/developingchet/discord-sentry/internal/transport"
	"github.com/developingchet/discord-sentry/internal/webhook"
)

// newTestService wires a Service over mocks with a real one-worker pool whose
// handler performs feed emissions and DMs against the mock messenger.
func newTestService(t *testing.T) (*Service, *testutil.MockStore, *testutil.MockMessenger, *pool.Pool) {
	t.Helper()
	store := testutil.NewMockStore()
	messenger := testutil.NewMockMessenger()
	feed := webhook.New("", 0, zerolog.Nop()) // disabled feed
	handler := NewJobHandler(messenger, feed, zerolog.Nop())

	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 64, MaxRetries: 0, RetryBase: time.Millisecond}, handler, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	registry := transport.NewRegistry(zerolog.Nop())
	svc := New(store, messenger, registry, p, Options{}, zerolog.Nop())
	return svc, store, messenger, p
}

// TestRecordOrReuse_Dedup verifies two identical failures share one row and a
// third after mark_fixed creates a fresh one.
func TestRecordOrReuse_Dedup(t *testing.T) {
	svc, store, _, p := newTestService(t)
	defer p.Stop()
	ctx := context.Background()

	first, fresh, err := svc.RecordOrReuse(ctx, "ban", "nil pointer", "trace", 1, 2, "url")
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if !fresh {
		t.Error("first occurrence must create a row")
	}

	second, fresh, err := svc.RecordOrReuse(ctx, "ban", "nil pointer", "other trace", 3, 4, "url2")
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if fresh || second.ID != first.ID {
		t.Errorf("identical failure must reuse row %d, got fresh=%v id=%d", first.ID, fresh, second.ID)
	}

	if err := svc.MarkFixed(ctx, first.ID); err != nil {
		t.Fatalf("MarkFixed failed: %v", err)
	}
	third, fresh, err := svc.RecordOrReuse(ctx, "ban", "nil pointer", "trace", 1, 2, "url")
	if err != nil {
		t.Fatalf("third record failed: %v", err)
	}
	if !fresh || third.ID == first.ID {
		t.Errorf("failure after fix must create a new row, got fresh=%v id=%d", fresh, third.ID)
	}

	all, _ := store.IncidentList()
	if len(all) != 2 {
		t.Errorf("expected 2 rows total, got %d", len(all))
	}
}

// TestRecordOrReuse_DifferentSignatures verifies distinct signatures never
// dedup against each other.
func TestRecordOrReuse_DifferentSignatures(t *testing.T) {
	svc, _, _, p := newTestService(t)
	defer p.Stop()
	ctx := context.Background()

	a, _, _ := svc.RecordOrReuse(ctx, "ban", "sig-a", "t", 1, 0, "")
	b, _, _ := svc.RecordOrReuse(ctx, "ban", "sig-b", "t", 1, 0, "")
	if a.ID == b.ID {
		t.Error("distinct signatures must not share a row")
	}
}

// TestMarkFixed_NotFound verifies unknown ids fail with NotFoundError.
func TestMarkFixed_NotFound(t *testing.T) {
	svc, _, _, p := newTestService(t)
	defer p.Stop()

	err := svc.MarkFixed(context.Background(), 404)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got: %v", err)
	}
}

// TestMarkFixed_FanOutSkipsUnreachable verifies every reachable watcher is
// notified, an unreachable one is skipped, and all watch rows are deleted.
func TestMarkFixed_FanOutSkipsUnreachable(t *testing.T) {
	svc, store, messenger, p := newTestService(t)
	ctx := context.Background()

	inc, _, err := svc.RecordOrReuse(ctx, "ban", "sig", "trace", 1, 0, "")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	for _, uid := range []int64{100, 200, 300} {
		if err := store.WatchAdd(inc.ID, uid); err != nil {
			t.Fatalf("watch add failed: %v", err)
		}
	}
	messenger.DMErrors[200] = &transport.ErrForbidden{Msg: "DMs closed"}

	if err := svc.MarkFixed(ctx, inc.ID); err != nil {
		t.Fatalf("MarkFixed failed: %v", err)
	}
	p.Stop() // drain queued DMs

	if len(messenger.DMs) != 2 {
		t.Fatalf("expected 2 delivered notices, got %d", len(messenger.DMs))
	}
	got := map[int64]bool{}
	for _, dm := range messenger.DMs {
		got[dm.UserID] = true
		if !strings.Contains(dm.Out.Content, "has been fixed") {
			t.Errorf("unexpected notice wording: %q", dm.Out.Content)
		}
	}
	if !got[100] || !got[300] {
		t.Errorf("reachable watchers 100 and 300 must be notified, got %v", got)
	}

	watchers, _ := store.WatchList(inc.ID)
	if len(watchers) != 0 {
		t.Errorf("all watch rows must be deleted, got %v", watchers)
	}
}

// TestWatchToggle verifies the registration flips on repeated presses.
func TestWatchToggle(t *testing.T) {
	svc, store, _, p := newTestService(t)
	defer p.Stop()
	ctx := context.Background()

	watching, err := svc.WatchToggle(ctx, 1, 10)
	if err != nil || !watching {
		t.Fatalf("first toggle should watch, got %v %v", watching, err)
	}
	watching, err = svc.WatchToggle(ctx, 1, 10)
	if err != nil || watching {
		t.Fatalf("second toggle should unwatch, got %v %v", watching, err)
	}
	exists, _ := store.WatchExists(1, 10)
	if exists {
		t.Error("watch row should be gone after second toggle")
	}
}

// TestOffer_DetailAffordance verifies the detail button reveals the trace to
// any requester, not just the one who tripped the failure.
func TestOffer_DetailAffordance(t *testing.T) {
	store := testutil.NewMockStore()
	messenger := testutil.NewMockMessenger()
	registry := transport.NewRegistry(zerolog.Nop())
	handler := NewJobHandler(messenger, webhook.New("", 0, zerolog.Nop()), zerolog.Nop())
	p, _ := pool.New(pool.Config{Workers: 1, QueueDepth: 8}, handler, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()
	svc := New(store, messenger, registry, p, Options{}, zerolog.Nop())
	ctx := context.Background()

	inc, _, err := svc.RecordOrReuse(ctx, "ban", "sig", "the full trace", 1, 0, "")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	ref := transport.MessageRef{ChannelID: 5, MessageID: 6}
	if err := svc.Offer(ctx, ref, inc); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	last := messenger.LastSent()
	if last == nil || len(last.Out.Components) != 2 {
		t.Fatalf("expected reply with two buttons, got %+v", last)
	}
	detailID := last.Out.Components[0].CustomID

	// A different user presses the detail button.
	handled, err := registry.Dispatch(ctx, transport.Interaction{ID: "token", CustomID: detailID, UserID: 999})
	if err != nil || !handled {
		t.Fatalf("detail dispatch failed: handled=%v err=%v", handled, err)
	}
	if len(messenger.Responses) != 1 {
		t.Fatalf("expected one ephemeral response, got %d", len(messenger.Responses))
	}
	resp := messenger.Responses[0]
	if !resp.Out.Ephemeral || !strings.Contains(resp.Out.Content, "the full trace") {
		t.Errorf("detail response must be ephemeral and carry the trace: %+v", resp.Out)
	}
}

// TestOffer_NotifyAffordance verifies the notify button toggles the watch and
// confirms the state.
func TestOffer_NotifyAffordance(t *testing.T) {
	store := testutil.NewMockStore()
	messenger := testutil.NewMockMessenger()
	registry := transport.NewRegistry(zerolog.Nop())
	handler := NewJobHandler(messenger, webhook.New("", 0, zerolog.Nop()), zerolog.Nop())
	p, _ := pool.New(pool.Config{Workers: 1, QueueDepth: 8}, handler, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()
	svc := New(store, messenger, registry, p, Options{}, zerolog.Nop())
	ctx := context.Background()

	inc, _, _ := svc.RecordOrReuse(ctx, "kick", "sig", "trace", 1, 0, "")
	_ = svc.Offer(ctx, transport.MessageRef{ChannelID: 5, MessageID: 6}, inc)
	notifyID := messenger.LastSent().Out.Components[1].CustomID

	_, err := registry.Dispatch(ctx, transport.Interaction{ID: "t1", CustomID: notifyID, UserID: 42})
	if err != nil {
		t.Fatalf("notify dispatch failed: %v", err)
	}
	if exists, _ := store.WatchExists(inc.ID, 42); !exists {
		t.Error("first press must register the watch")
	}
	if !strings.Contains(messenger.Responses[0].Out.Content, "You will now be notified") {
		t.Errorf("unexpected confirm wording: %q", messenger.Responses[0].Out.Content)
	}

	_, _ = registry.Dispatch(ctx, transport.Interaction{ID: "t2", CustomID: notifyID, UserID: 42})
	if exists, _ := store.WatchExists(inc.ID, 42); exists {
		t.Error("second press must remove the watch")
	}
}
