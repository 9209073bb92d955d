package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestRegistry_DispatchUnknown verifies an unknown custom id is reported as
// unhandled without error.
func TestRegistry_DispatchUnknown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	handled, err := r.Dispatch(context.Background(), Interaction{CustomID: "nope"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if handled {
		t.Error("expected unknown custom id to be unhandled")
	}
}

// TestRegistry_DispatchRoutesToHandler verifies a registered handler receives
// the interaction.
func TestRegistry_DispatchRoutesToHandler(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var got Interaction
	r.Register("btn:1", 10, time.Minute, func(_ context.Context, ix Interaction) error {
		got = ix
		return nil
	}, nil)

	handled, err := r.Dispatch(context.Background(), Interaction{CustomID: "btn:1", UserID: 10, Values: []string{"x"}})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !handled {
		t.Fatal("expected interaction to be handled")
	}
	if got.UserID != 10 || len(got.Values) != 1 {
		t.Errorf("handler received wrong interaction: %+v", got)
	}
}

// TestRegistry_OwnerCheck verifies interactions from non-owners are rejected
// before reaching the handler.
func TestRegistry_OwnerCheck(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	called := false
	r.Register("btn:owned", 10, time.Minute, func(context.Context, Interaction) error {
		called = true
		return nil
	}, nil)

	handled, err := r.Dispatch(context.Background(), Interaction{CustomID: "btn:owned", UserID: 99})
	if !handled {
		t.Fatal("expected custom id to be recognized")
	}
	if !errors.Is(err, ErrWrongUser) {
		t.Fatalf("expected ErrWrongUser, got: %v", err)
	}
	if called {
		t.Error("handler must not run for a non-owner")
	}

	// Owner 0 means anyone may interact.
	r.Register("btn:open", 0, time.Minute, func(context.Context, Interaction) error { return nil }, nil)
	if _, err := r.Dispatch(context.Background(), Interaction{CustomID: "btn:open", UserID: 99}); err != nil {
		t.Errorf("expected anyone to interact with unowned affordance, got: %v", err)
	}
}

// TestRegistry_ExpiryFiresCallback verifies an affordance expires after its
// lifetime and the expiry callback runs.
func TestRegistry_ExpiryFiresCallback(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	expired := make(chan struct{})
	r.Register("btn:short", 0, 20*time.Millisecond, func(context.Context, Interaction) error { return nil },
		func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback did not fire")
	}
	if handled, _ := r.Dispatch(context.Background(), Interaction{CustomID: "btn:short"}); handled {
		t.Error("expired affordance should no longer dispatch")
	}
}

// TestRegistry_DispatchResetsTimer verifies interacting keeps an affordance
// alive past its original lifetime.
func TestRegistry_DispatchResetsTimer(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	expired := make(chan struct{})
	r.Register("btn:busy", 0, 60*time.Millisecond, func(context.Context, Interaction) error { return nil },
		func() { close(expired) })

	// Keep touching it well past the original lifetime.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		if handled, _ := r.Dispatch(context.Background(), Interaction{CustomID: "btn:busy"}); !handled {
			t.Fatalf("affordance expired during activity on iteration %d", i)
		}
	}

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("affordance never expired after activity stopped")
	}
}

// TestRegistry_UnregisterSkipsCallback verifies Unregister removes the entry
// without firing onExpire.
func TestRegistry_UnregisterSkipsCallback(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	fired := false
	r.Register("btn:gone", 0, 20*time.Millisecond, func(context.Context, Interaction) error { return nil },
		func() { fired = true })
	r.Unregister("btn:gone")

	time.Sleep(60 * time.Millisecond)
	if fired {
		t.Error("onExpire must not fire after Unregister")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d entries", r.Len())
	}
}

// TestNewID_UniqueAndPrefixed verifies ids carry the prefix and do not repeat.
func TestNewID_UniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("suggest")
		if !strings.HasPrefix(id, "suggest:") {
			t.Fatalf("expected prefix 'suggest:', got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}
