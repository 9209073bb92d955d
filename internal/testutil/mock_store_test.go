package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/developingchet/discord-sentry/internal/storage"
)

// TestMockStore_ImplementsStore is a compile-time interface check.
func TestMockStore_ImplementsStore(t *testing.T) {
	var _ storage.Store = NewMockStore()
}

// TestMockStore_ErrorInjection verifies injected errors fire once, then clear.
func TestMockStore_ErrorInjection(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("boom")
	m.SetError("RestrictionGet", boom)

	if _, err := m.RestrictionGet(1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got: %v", err)
	}
	if _, err := m.RestrictionGet(1); err != nil {
		t.Fatalf("expected error to be consumed, got: %v", err)
	}
}

// TestMockStore_IncidentIDsSequential verifies inserts assign increasing ids.
func TestMockStore_IncidentIDsSequential(t *testing.T) {
	m := NewMockStore()
	first, err := m.IncidentInsert(storage.Incident{Command: "ban", Signature: "a"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	second, err := m.IncidentInsert(storage.Incident{Command: "kick", Signature: "b"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
}

// TestMockStore_WatchLifecycle verifies add/exists/list/delete-all behavior.
func TestMockStore_WatchLifecycle(t *testing.T) {
	m := NewMockStore()
	_ = m.WatchAdd(7, 100)
	_ = m.WatchAdd(7, 200)
	_ = m.WatchAdd(8, 300)

	ok, _ := m.WatchExists(7, 100)
	if !ok {
		t.Fatal("expected watch (7,100) to exist")
	}
	users, _ := m.WatchList(7)
	if len(users) != 2 || users[0] != 100 || users[1] != 200 {
		t.Fatalf("unexpected watchers for 7: %v", users)
	}

	_ = m.WatchDeleteAll(7)
	users, _ = m.WatchList(7)
	if len(users) != 0 {
		t.Errorf("expected no watchers after delete-all, got %v", users)
	}
	users, _ = m.WatchList(8)
	if len(users) != 1 {
		t.Errorf("delete-all must not touch other incidents, got %v", users)
	}
}

// TestMockStore_PruneExpiredRestrictions verifies only lapsed rows are removed.
func TestMockStore_PruneExpiredRestrictions(t *testing.T) {
	m := NewMockStore()
	now := time.Now().UTC()
	_ = m.RestrictionPut(storage.Restriction{Snowflake: 1, ExpiresAt: now.Add(-time.Hour), Scope: storage.ScopeUser})
	_ = m.RestrictionPut(storage.Restriction{Snowflake: 2, ExpiresAt: now.Add(time.Hour), Scope: storage.ScopeUser})
	_ = m.RestrictionPut(storage.Restriction{Snowflake: 3, Scope: storage.ScopeUser}) // permanent

	pruned, err := m.PruneExpiredRestrictions()
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}
	if r, _ := m.RestrictionGet(3); r == nil {
		t.Error("permanent restriction must survive pruning")
	}
}
