package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrWrongUser is returned by Dispatch when someone other than the owner
// of an affordance interacts with it.
var ErrWrongUser = errors.New("affordance belongs to another user")

// Handler processes one interaction against a registered affordance.
type Handler func(ctx context.Context, ix Interaction) error

type affordance struct {
	owner    int64
	lifetime time.Duration
	handler  Handler
	onExpire func()
	timer    *time.Timer
}

// Registry tracks live interactive components (buttons, selects, modals) and
// routes incoming interactions to their handlers. Each affordance is owned by
// the user it was created for and expires after a period of inactivity.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*affordance
	log     zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*affordance),
		log:     log,
	}
}

// NewID returns a fresh custom id with the given prefix.
func NewID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		return prefix + ":" + hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return prefix + ":" + hex.EncodeToString(buf)
}

// Register makes an affordance live. An owner of 0 means anyone may interact.
// The lifetime timer restarts on every interaction; when it fires the entry
// is removed and onExpire (if set) is called.
func (r *Registry) Register(customID string, owner int64, lifetime time.Duration, h Handler, onExpire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[customID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	entry := &affordance{
		owner:    owner,
		lifetime: lifetime,
		handler:  h,
		onExpire: onExpire,
	}
	if lifetime > 0 {
		entry.timer = time.AfterFunc(lifetime, func() { r.expire(customID) })
	}
	r.entries[customID] = entry
}

// Touch restarts the inactivity timer on a live affordance.
func (r *Registry) Touch(customID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[customID]; ok && entry.timer != nil {
		entry.timer.Reset(entry.lifetime)
	}
}

// Unregister removes an affordance without firing its expiry callback.
func (r *Registry) Unregister(customID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[customID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.entries, customID)
	}
}

// Len reports the number of live affordances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dispatch routes an interaction to its affordance. It reports whether the
// custom id was known; interactions from non-owners return ErrWrongUser
// without reaching the handler.
func (r *Registry) Dispatch(ctx context.Context, ix Interaction) (bool, error) {
	r.mu.Lock()
	entry, ok := r.entries[ix.CustomID]
	if !ok {
		r.mu.Unlock()
		metrics.InteractionsReceived.WithLabelValues("unknown").Inc()
		return false, nil
	}
	if entry.owner != 0 && ix.UserID != entry.owner {
		r.mu.Unlock()
		metrics.InteractionsReceived.WithLabelValues("wrong_user").Inc()
		return true, ErrWrongUser
	}
	if entry.timer != nil {
		entry.timer.Reset(entry.lifetime)
	}
	handler := entry.handler
	r.mu.Unlock()

	metrics.InteractionsReceived.WithLabelValues("handled").Inc()
	return true, handler(ctx, ix)
}

func (r *Registry) expire(customID string) {
	r.mu.Lock()
	entry, ok := r.entries[customID]
	if ok {
		delete(r.entries, customID)
	}
	r.mu.Unlock()

	if ok && entry.onExpire != nil {
		r.log.Debug().Str("custom_id", customID).Msg("affordance expired")
		entry.onExpire()
	}
}
