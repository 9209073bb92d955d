// Package gate short-circuits command dispatch for restricted principals.
// Restrictions live in the store and are mirrored into an in-process cache
// that is the source of truth at check time.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/failure"
	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/storage"
	"github.com/developingchet/discord-sentry/internal/transport"
)

// AlreadyRestrictedError is returned by Add when an active restriction exists.
type AlreadyRestrictedError struct {
	Snowflake int64
	Reason    string
	Until     time.Time
}

func (e *AlreadyRestrictedError) Error() string {
	return fmt.Sprintf("`%d` is already restricted for `%s` %s", e.Snowflake, e.Reason, timestampWording(e.Until))
}

// NotRestrictedError is returned by Remove when no restriction exists.
type NotRestrictedError struct {
	Snowflake int64
}

func (e *NotRestrictedError) Error() string {
	return fmt.Sprintf("`%d` is not restricted", e.Snowflake)
}

// ProtectedError is returned by Add for snowflakes on the protected list.
type ProtectedError struct {
	Snowflake int64
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf("`%d` is protected and cannot be restricted", e.Snowflake)
}

// Options configures gate construction.
type Options struct {
	// NoticeThreshold is the number of gate trips in shared channels before
	// the user is told once via DM. Zero uses the default of 10.
	NoticeThreshold int
	// Protected snowflakes can never be restricted.
	Protected []int64
	// SupportInviteURL is included in community restriction notices.
	SupportInviteURL string
}

// Gate evaluates access restrictions before any command body runs.
type Gate struct {
	store     storage.Store
	messenger transport.Messenger
	log       zerolog.Logger

	threshold  int
	protected  map[int64]bool
	supportURL string

	// mu guards cache and attempts; interaction handlers run concurrently.
	mu       sync.Mutex
	cache    map[int64]storage.Restriction
	attempts map[int64]int
}

// New constructs a Gate. Call Load before serving checks.
func New(store storage.Store, messenger transport.Messenger, opts Options, log zerolog.Logger) *Gate {
	threshold := opts.NoticeThreshold
	if threshold <= 0 {
		threshold = 10
	}
	protected := make(map[int64]bool, len(opts.Protected))
	for _, id := range opts.Protected {
		protected[id] = true
	}
	return &Gate{
		store:      store,
		messenger:  messenger,
		log:        log,
		threshold:  threshold,
		protected:  protected,
		supportURL: opts.SupportInviteURL,
		cache:      make(map[int64]storage.Restriction),
		attempts:   make(map[int64]int),
	}
}

// Load fills the cache from the store. Rows already lapsed at load time are
// pruned instead of cached.
func (g *Gate) Load(ctx context.Context) error {
	all, err := g.store.RestrictionList()
	if err != nil {
		return fmt.Errorf("load restrictions: %w", err)
	}

	now := time.Now().UTC()
	loaded := 0
	g.mu.Lock()
	defer g.mu.Unlock()
	for snowflake, r := range all {
		if r.Expired(now) {
			if err := g.store.RestrictionDelete(snowflake); err != nil {
				g.log.Warn().Err(err).Int64("snowflake", snowflake).Msg("failed to prune lapsed restriction at load")
			}
			continue
		}
		g.cache[snowflake] = r
		loaded++
	}
	g.refreshGaugesLocked()
	g.log.Info().Int("restrictions", loaded).Msg("restriction cache loaded")
	return nil
}

// Check implements command.GateCheck. The user restriction is evaluated
// first, then the community's. A lapsed restriction is removed from store
// and cache and treated as Allow.
func (g *Gate) Check(ctx context.Context, inv *command.Invocation) error {
	if r, ok := g.active(inv.UserID); ok {
		metrics.GateChecks.WithLabelValues("deny").Inc()
		metrics.GateTrips.WithLabelValues(r.Scope.String()).Inc()
		g.notifyUser(ctx, inv, r)
		return &failure.AccessDeniedError{Restriction: r}
	}

	if inv.CommunityID != 0 {
		if r, ok := g.active(inv.CommunityID); ok {
			metrics.GateChecks.WithLabelValues("deny").Inc()
			metrics.GateTrips.WithLabelValues(r.Scope.String()).Inc()
			g.notifyCommunity(ctx, inv.CommunityID, inv.ChannelID, r)
			return &failure.AccessDeniedError{Restriction: r}
		}
	}

	metrics.GateChecks.WithLabelValues("allow").Inc()
	return nil
}

// active returns the live restriction for a snowflake, applying lazy expiry:
// a lapsed entry is deleted (store first, then cache) and reported absent.
func (g *Gate) active(snowflake int64) (storage.Restriction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.cache[snowflake]
	if !ok {
		return storage.Restriction{}, false
	}
	if !r.Expired(time.Now()) {
		return r, true
	}

	// Store before cache so a failure keeps both agreeing on "restricted";
	// the delete retries on the next check.
	if err := g.store.RestrictionDelete(snowflake); err != nil {
		g.log.Warn().Err(err).Int64("snowflake", snowflake).Msg("failed to remove lapsed restriction")
		return storage.Restriction{}, false
	}
	delete(g.cache, snowflake)
	metrics.GateChecks.WithLabelValues("expired").Inc()
	g.refreshGaugesLocked()
	return storage.Restriction{}, false
}

// Add restricts a snowflake. A zero expiresAt means permanent.
func (g *Gate) Add(ctx context.Context, snowflake int64, reason string, expiresAt time.Time, scope storage.Scope) error {
	if g.protected[snowflake] {
		return &ProtectedError{Snowflake: snowflake}
	}
	if reason == "" {
		reason = "No reason provided"
	}

	if existing, ok := g.active(snowflake); ok {
		return &AlreadyRestrictedError{Snowflake: snowflake, Reason: existing.Reason, Until: existing.ExpiresAt}
	}

	r := storage.Restriction{
		Snowflake: snowflake,
		Reason:    reason,
		ExpiresAt: expiresAt,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.RestrictionPut(r); err != nil {
		return fmt.Errorf("persist restriction: %w", err)
	}

	g.mu.Lock()
	g.cache[snowflake] = r
	g.refreshGaugesLocked()
	g.mu.Unlock()
	g.log.Info().Int64("snowflake", snowflake).Str("scope", scope.String()).
		Str("reason", reason).Time("expires_at", expiresAt).Msg("restriction added")
	return nil
}

// Remove lifts a restriction.
func (g *Gate) Remove(ctx context.Context, snowflake int64) error {
	if _, ok := g.active(snowflake); !ok {
		return &NotRestrictedError{Snowflake: snowflake}
	}
	if err := g.store.RestrictionDelete(snowflake); err != nil {
		return fmt.Errorf("delete restriction: %w", err)
	}

	g.mu.Lock()
	delete(g.cache, snowflake)
	delete(g.attempts, snowflake)
	g.refreshGaugesLocked()
	g.mu.Unlock()
	g.log.Info().Int64("snowflake", snowflake).Msg("restriction removed")
	return nil
}

// Lookup returns the active restriction for a snowflake, or nil.
func (g *Gate) Lookup(snowflake int64) *storage.Restriction {
	if r, ok := g.active(snowflake); ok {
		cp := r
		return &cp
	}
	return nil
}

// Counts reports the number of active user and community restrictions.
func (g *Gate) Counts() (users, communities int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.cache {
		switch r.Scope {
		case storage.ScopeUser:
			users++
		case storage.ScopeCommunity:
			communities++
		}
	}
	return users, communities
}

// Attempts returns the current shared-channel trip count for a user.
func (g *Gate) Attempts(userID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[userID]
}

// notifyUser delivers the restriction notice. In a DM the notice is sent
// immediately; in shared channels trips are counted silently and the user is
// told once via DM when the count reaches the threshold, then the counter
// resets.
func (g *Gate) notifyUser(ctx context.Context, inv *command.Invocation, r storage.Restriction) {
	content := fmt.Sprintf(
		"<@%d>, you are restricted from using this bot for `%s` %s. "+
			"If you wish to appeal this restriction, please DM one of the bot owners.",
		inv.UserID, r.Reason, timestampWording(r.ExpiresAt))

	if inv.IsDM {
		if _, err := g.messenger.Send(ctx, inv.ChannelID, transport.Outgoing{Content: content}); err != nil {
			g.log.Warn().Err(err).Int64("user", inv.UserID).Msg("failed to send restriction notice")
			return
		}
		metrics.RestrictionNotices.WithLabelValues("dm").Inc()
		return
	}

	g.mu.Lock()
	g.attempts[inv.UserID]++
	tripped := g.attempts[inv.UserID] >= g.threshold
	if tripped {
		delete(g.attempts, inv.UserID)
	}
	g.mu.Unlock()
	if !tripped {
		return
	}

	if _, err := g.messenger.DirectMessage(ctx, inv.UserID, transport.Outgoing{Content: content}); err != nil {
		g.log.Warn().Err(err).Int64("user", inv.UserID).Msg("failed to DM restriction notice")
		return
	}
	metrics.RestrictionNotices.WithLabelValues("shared").Inc()
}

// notifyCommunity posts the restriction notice in the context channel, or
// falls back to the community's system channel, then any sendable channel
// with "general" in its name.
func (g *Gate) notifyCommunity(ctx context.Context, communityID, channelID int64, r storage.Restriction) {
	content := fmt.Sprintf(
		"This community is restricted from using this bot for `%s` %s. "+
			"If you wish to appeal this restriction, please join the [Support Server](%s).",
		r.Reason, timestampWording(r.ExpiresAt), g.supportURL)

	if channelID == 0 {
		channelID = g.resolveNoticeChannel(ctx, communityID)
	}
	if channelID == 0 {
		return
	}
	if _, err := g.messenger.Send(ctx, channelID, transport.Outgoing{Content: content}); err != nil {
		g.log.Warn().Err(err).Int64("community", communityID).Msg("failed to send community restriction notice")
		return
	}
	metrics.RestrictionNotices.WithLabelValues("community").Inc()
}

func (g *Gate) resolveNoticeChannel(ctx context.Context, communityID int64) int64 {
	channels, err := g.messenger.CommunityChannels(ctx, communityID)
	if err != nil {
		g.log.Warn().Err(err).Int64("community", communityID).Msg("failed to list channels for notice")
		return 0
	}
	for _, ch := range channels {
		if ch.IsSystem && ch.CanSend {
			return ch.ID
		}
	}
	for _, ch := range channels {
		if ch.CanSend && strings.Contains(strings.ToLower(ch.Name), "general") {
			return ch.ID
		}
	}
	return 0
}

// refreshGaugesLocked recomputes the active-restriction gauges. Callers hold mu.
func (g *Gate) refreshGaugesLocked() {
	var users, communities float64
	for _, r := range g.cache {
		switch r.Scope {
		case storage.ScopeUser:
			users++
		case storage.ScopeCommunity:
			communities++
		}
	}
	metrics.ActiveRestrictions.WithLabelValues("user").Set(users)
	metrics.ActiveRestrictions.WithLabelValues("community").Set(communities)
}

func timestampWording(until time.Time) string {
	if until.IsZero() {
		return "permanently"
	}
	return fmt.Sprintf("until <t:%d:f>", until.Unix())
}
