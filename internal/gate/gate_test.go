package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/failure"
	"github.com/developingchet/discord-sentry/internal/storage"
	"github.com/developingchet/discord-sentry/internal/testutil"
	"github.com/developingchet/discord-sentry/internal/transport"
)

func newTestGate(t *testing.T, opts Options) (*Gate, *testutil.MockStore, *testutil.MockMessenger) {
	t.Helper()
	store := testutil.NewMockStore()
	messenger := testutil.NewMockMessenger()
	g := New(store, messenger, opts, zerolog.Nop())
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return g, store, messenger
}

func userInvocation(userID, communityID, channelID int64, dm bool) *command.Invocation {
	return &command.Invocation{
		UserID:      userID,
		CommunityID: communityID,
		ChannelID:   channelID,
		IsDM:        dm,
	}
}

// TestCheck_Unrestricted verifies an unrestricted principal passes.
func TestCheck_Unrestricted(t *testing.T) {
	g, _, _ := newTestGate(t, Options{})
	if err := g.Check(context.Background(), userInvocation(1, 2, 3, false)); err != nil {
		t.Fatalf("expected Allow, got: %v", err)
	}
}

// TestCheck_DeniesRestrictedUser verifies an active user restriction blocks
// dispatch with the gate's sentinel condition.
func TestCheck_DeniesRestrictedUser(t *testing.T) {
	g, _, _ := newTestGate(t, Options{})
	if err := g.Add(context.Background(), 1, "spam", time.Time{}, storage.ScopeUser); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	err := g.Check(context.Background(), userInvocation(1, 2, 3, false))
	var denied *failure.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got: %v", err)
	}
	if denied.Restriction.Reason != "spam" {
		t.Errorf("restriction not carried on error: %+v", denied.Restriction)
	}
}

// TestCheck_UserEvaluatedBeforeCommunity verifies the user restriction wins
// when both principals are restricted.
func TestCheck_UserEvaluatedBeforeCommunity(t *testing.T) {
	g, _, _ := newTestGate(t, Options{})
	_ = g.Add(context.Background(), 1, "user reason", time.Time{}, storage.ScopeUser)
	_ = g.Add(context.Background(), 2, "community reason", time.Time{}, storage.ScopeCommunity)

	err := g.Check(context.Background(), userInvocation(1, 2, 3, false))
	var denied *failure.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got: %v", err)
	}
	if denied.Restriction.Scope != storage.ScopeUser {
		t.Errorf("expected the user restriction to win, got scope %v", denied.Restriction.Scope)
	}
}

// TestCheck_LazyExpiry verifies a lapsed restriction is treated as Allow and
// removed from both cache and store on first check.
func TestCheck_LazyExpiry(t *testing.T) {
	g, store, _ := newTestGate(t, Options{})
	past := storage.Restriction{
		Snowflake: 1,
		Reason:    "old",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
		Scope:     storage.ScopeUser,
	}
	_ = store.RestrictionPut(past)
	g.mu.Lock()
	g.cache[1] = past
	g.mu.Unlock()

	if err := g.Check(context.Background(), userInvocation(1, 0, 3, false)); err != nil {
		t.Fatalf("expected Allow for lapsed restriction, got: %v", err)
	}
	if r, _ := store.RestrictionGet(1); r != nil {
		t.Error("lapsed restriction not removed from store")
	}
	if g.Lookup(1) != nil {
		t.Error("lapsed restriction not removed from cache")
	}
	// A second check stays Allow without error.
	if err := g.Check(context.Background(), userInvocation(1, 0, 3, false)); err != nil {
		t.Fatalf("re-check after lazy expiry failed: %v", err)
	}
}

// TestAdd_AlreadyRestricted verifies a second add on a still-active snowflake
// fails with AlreadyRestrictedError and leaves the original unchanged.
func TestAdd_AlreadyRestricted(t *testing.T) {
	g, _, _ := newTestGate(t, Options{})
	until := time.Now().UTC().Add(time.Hour)
	if err := g.Add(context.Background(), 1, "first", until, storage.ScopeUser); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}

	err := g.Add(context.Background(), 1, "second", time.Time{}, storage.ScopeUser)
	var already *AlreadyRestrictedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRestrictedError, got: %v", err)
	}
	if already.Reason != "first" {
		t.Errorf("error should carry the existing reason, got %q", already.Reason)
	}
	if r := g.Lookup(1); r == nil || r.Reason != "first" {
		t.Errorf("original restriction must be unchanged, got %+v", r)
	}
}

// TestAdd_ReplacesLapsedRestriction verifies adding over an expired entry
// succeeds rather than conflicting.
func TestAdd_ReplacesLapsedRestriction(t *testing.T) {
	g, store, _ := newTestGate(t, Options{})
	past := storage.Restriction{
		Snowflake: 1,
		Reason:    "old",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		Scope:     storage.ScopeUser,
	}
	_ = store.RestrictionPut(past)
	g.mu.Lock()
	g.cache[1] = past
	g.mu.Unlock()

	if err := g.Add(context.Background(), 1, "new", time.Time{}, storage.ScopeUser); err != nil {
		t.Fatalf("Add over lapsed restriction failed: %v", err)
	}
	if r := g.Lookup(1); r == nil || r.Reason != "new" {
		t.Errorf("expected fresh restriction, got %+v", r)
	}
}

// TestRemove_NotRestricted verifies removing an absent restriction fails with
// NotRestrictedError and mutates nothing.
func TestRemove_NotRestricted(t *testing.T) {
	g, store, _ := newTestGate(t, Options{})
	err := g.Remove(context.Background(), 404)
	var notRestricted *NotRestrictedError
	if !errors.As(err, &notRestricted) {
		t.Fatalf("expected NotRestrictedError, got: %v", err)
	}
	all, _ := store.RestrictionList()
	if len(all) != 0 {
		t.Errorf("store mutated by failed remove: %v", all)
	}
}

// TestAdd_Protected verifies protected snowflakes can never be restricted.
func TestAdd_Protected(t *testing.T) {
	g, _, _ := newTestGate(t, Options{Protected: []int64{99}})
	err := g.Add(context.Background(), 99, "nope", time.Time{}, storage.ScopeCommunity)
	var protected *ProtectedError
	if !errors.As(err, &protected) {
		t.Fatalf("expected ProtectedError, got: %v", err)
	}
}

// TestNotice_DMChannelImmediate verifies the notice is always sent in a
// one-to-one channel.
func TestNotice_DMChannelImmediate(t *testing.T) {
	g, _, messenger := newTestGate(t, Options{})
	_ = g.Add(context.Background(), 1, "spam", time.Time{}, storage.ScopeUser)

	_ = g.Check(context.Background(), userInvocation(1, 0, 55, true))
	last := messenger.LastSent()
	if last == nil || last.ChannelID != 55 {
		t.Fatalf("expected notice in DM channel 55, got %+v", last)
	}
	if !strings.Contains(last.Out.Content, "restricted from using this bot for `spam` permanently") {
		t.Errorf("unexpected notice wording: %q", last.Out.Content)
	}
}

// TestNotice_SharedChannelThreshold verifies the counter reaches exactly the
// threshold before any notice is sent, then resets.
func TestNotice_SharedChannelThreshold(t *testing.T) {
	g, _, messenger := newTestGate(t, Options{NoticeThreshold: 10})
	_ = g.Add(context.Background(), 1, "spam", time.Time{}, storage.ScopeUser)
	inv := userInvocation(1, 2, 3, false)

	for i := 1; i <= 9; i++ {
		_ = g.Check(context.Background(), inv)
		if len(messenger.DMs) != 0 {
			t.Fatalf("notice sent early on trip %d", i)
		}
	}
	_ = g.Check(context.Background(), inv) // trip 10
	if len(messenger.DMs) != 1 {
		t.Fatalf("expected exactly one DM at trip 10, got %d", len(messenger.DMs))
	}
	if got := g.Attempts(1); got != 0 {
		t.Errorf("expected counter reset after notice, got %d", got)
	}

	// The cycle starts over: nine more silent trips.
	for i := 1; i <= 9; i++ {
		_ = g.Check(context.Background(), inv)
	}
	if len(messenger.DMs) != 1 {
		t.Errorf("expected no second DM before threshold, got %d", len(messenger.DMs))
	}
}

// TestNotice_CommunityContextChannel verifies the community notice prefers
// the channel the failure occurred in.
func TestNotice_CommunityContextChannel(t *testing.T) {
	g, _, messenger := newTestGate(t, Options{SupportInviteURL: "https://discord.gg/example"})
	_ = g.Add(context.Background(), 2, "raids", time.Time{}, storage.ScopeCommunity)

	_ = g.Check(context.Background(), userInvocation(1, 2, 77, false))
	last := messenger.LastSent()
	if last == nil || last.ChannelID != 77 {
		t.Fatalf("expected notice in context channel 77, got %+v", last)
	}
	if !strings.Contains(last.Out.Content, "https://discord.gg/example") {
		t.Errorf("support invite missing from notice: %q", last.Out.Content)
	}
}

// TestNotice_CommunityChannelFallback verifies the notice falls back to the
// system channel, then a sendable "general" channel.
func TestNotice_CommunityChannelFallback(t *testing.T) {
	g, _, messenger := newTestGate(t, Options{})
	_ = g.Add(context.Background(), 2, "raids", time.Time{}, storage.ScopeCommunity)
	messenger.Channels[2] = []transport.ChannelInfo{
		{ID: 10, Name: "random", CanSend: true},
		{ID: 20, Name: "welcome", IsSystem: true, CanSend: true},
		{ID: 30, Name: "general-chat", CanSend: true},
	}

	g.notifyCommunity(context.Background(), 2, 0, *g.Lookup(2))
	last := messenger.LastSent()
	if last == nil || last.ChannelID != 20 {
		t.Fatalf("expected system channel 20, got %+v", last)
	}

	// Without a sendable system channel, "general" wins.
	messenger.Channels[2] = []transport.ChannelInfo{
		{ID: 10, Name: "random", CanSend: true},
		{ID: 20, Name: "welcome", IsSystem: true, CanSend: false},
		{ID: 30, Name: "general-chat", CanSend: true},
	}
	g.notifyCommunity(context.Background(), 2, 0, *g.Lookup(2))
	last = messenger.LastSent()
	if last == nil || last.ChannelID != 30 {
		t.Fatalf("expected general channel 30, got %+v", last)
	}
}

// TestCounts verifies per-scope accounting.
func TestCounts(t *testing.T) {
	g, _, _ := newTestGate(t, Options{})
	_ = g.Add(context.Background(), 1, "a", time.Time{}, storage.ScopeUser)
	_ = g.Add(context.Background(), 2, "b", time.Time{}, storage.ScopeUser)
	_ = g.Add(context.Background(), 3, "c", time.Time{}, storage.ScopeCommunity)

	users, communities := g.Counts()
	if users != 2 || communities != 1 {
		t.Errorf("expected 2 users and 1 community, got %d and %d", users, communities)
	}
}

// TestLoad_PrunesLapsedRows verifies rows already expired at startup are not
// cached.
func TestLoad_PrunesLapsedRows(t *testing.T) {
	store := testutil.NewMockStore()
	_ = store.RestrictionPut(storage.Restriction{Snowflake: 1, ExpiresAt: time.Now().UTC().Add(-time.Hour), Scope: storage.ScopeUser})
	_ = store.RestrictionPut(storage.Restriction{Snowflake: 2, Scope: storage.ScopeUser})

	g := New(store, testutil.NewMockMessenger(), Options{}, zerolog.Nop())
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if g.Lookup(1) != nil {
		t.Error("lapsed row should be pruned at load")
	}
	if g.Lookup(2) == nil {
		t.Error("permanent row should be cached")
	}
}
