// Package incident persists unexpected command failures, deduplicates them by
// (command, signature), and fans out fix notifications to watchers.
package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/pool"
	"github.com/developingchet/discord-sentry/internal/storage"
	"github.com/developingchet/discord-sentry/internal/transport"
	"github.com/developingchet/discord-sentry/internal/webhook"
)

// NotFoundError is returned by MarkFixed for an unknown incident id.
type NotFoundError struct {
	ID uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Cannot find an error with the ID: `%d`", e.ID)
}

// Options configures the incident service.
type Options struct {
	// AffordanceLifetime bounds the detail buttons attached to incident
	// replies. Zero uses the default of 180 seconds.
	AffordanceLifetime time.Duration
}

// Service owns the incident lifecycle: record, deduplicate, surface detail
// affordances, and notify watchers on fix.
type Service struct {
	store     storage.Store
	messenger transport.Messenger
	registry  *transport.Registry
	notices   *pool.Pool
	log       zerolog.Logger
	lifetime  time.Duration
}

// New constructs the incident service. notices carries feed emissions and
// watcher DMs off the request path.
func New(store storage.Store, messenger transport.Messenger, registry *transport.Registry, notices *pool.Pool, opts Options, log zerolog.Logger) *Service {
	lifetime := opts.AffordanceLifetime
	if lifetime <= 0 {
		lifetime = 180 * time.Second
	}
	return &Service{
		store:     store,
		messenger: messenger,
		registry:  registry,
		notices:   notices,
		log:       log,
		lifetime:  lifetime,
	}
}

// RecordOrReuse returns the open incident matching (command, signature), or
// inserts a new row and emits it to the external feed. fresh reports whether
// a new row was created.
func (s *Service) RecordOrReuse(ctx context.Context, command, signature, fullTrace string, userID, communityID int64, originURL string) (storage.Incident, bool, error) {
	existing, err := s.store.IncidentFindOpen(command, signature)
	if err != nil {
		return storage.Incident{}, false, fmt.Errorf("look up incident: %w", err)
	}
	if existing != nil {
		metrics.IncidentsRecorded.WithLabelValues("deduped").Inc()
		return *existing, false, nil
	}

	inc, err := s.store.IncidentInsert(storage.Incident{
		Command:     command,
		UserID:      userID,
		CommunityID: communityID,
		Signature:   signature,
		FullTrace:   fullTrace,
		OriginURL:   originURL,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return storage.Incident{}, false, fmt.Errorf("insert incident: %w", err)
	}

	metrics.IncidentsRecorded.WithLabelValues("new").Inc()
	s.log.Error().Uint64("incident", inc.ID).Str("command", command).
		Str("signature", signature).Msg("new incident recorded")
	s.notices.Enqueue(pool.NoticeJob{Kind: pool.KindFeed, Incident: inc})
	return inc, true, nil
}

// Offer replies to the failing invocation with a generic notice plus the
// "Wanna know more?" and "Get notified" buttons. The buttons answer any
// requester, not just the user who tripped the failure.
func (s *Service) Offer(ctx context.Context, ref transport.MessageRef, inc storage.Incident) error {
	detailID := transport.NewID("incident-detail")
	notifyID := transport.NewID("incident-notify")

	if _, err := s.messenger.Reply(ctx, ref, transport.Outgoing{
		Content: "**Error occured**\nThe command borked.",
		Components: []transport.Component{
			{Type: transport.ComponentButton, CustomID: detailID, Label: "Wanna know more?", Style: "grey"},
			{Type: transport.ComponentButton, CustomID: notifyID, Label: "Get notified", Style: "green"},
		},
	}); err != nil {
		return fmt.Errorf("send incident notice: %w", err)
	}

	// The stale components simply stop responding once either expires.
	cleanup := func() {
		s.registry.Unregister(detailID)
		s.registry.Unregister(notifyID)
	}

	s.registry.Register(detailID, 0, s.lifetime, func(ctx context.Context, ix transport.Interaction) error {
		return s.messenger.Respond(ctx, ix.ID, transport.Outgoing{
			Content:   s.detailText(inc),
			Ephemeral: true,
		})
	}, cleanup)

	s.registry.Register(notifyID, 0, s.lifetime, func(ctx context.Context, ix transport.Interaction) error {
		watching, err := s.WatchToggle(ctx, inc.ID, ix.UserID)
		if err != nil {
			return err
		}
		content := "You will now be notified when this error is fixed"
		if !watching {
			content = "You will no longer be notified when this error is fixed."
		}
		return s.messenger.Respond(ctx, ix.ID, transport.Outgoing{Content: content, Ephemeral: true})
	}, cleanup)

	return nil
}

// detailText renders the stored trace and status for the detail affordance.
func (s *Service) detailText(inc storage.Incident) string {
	// Re-read so the status reflects a fix that happened after Offer.
	status := "is not"
	if fresh, err := s.store.IncidentGet(inc.ID); err == nil && fresh != nil {
		inc = *fresh
	}
	if inc.Fixed {
		status = "is"
	}
	return fmt.Sprintf(
		"**Error #%d**\n```\n%s\n```\nThe error was discovered <t:%d:R> in the **%s** command and **%s** fixed",
		inc.ID, inc.FullTrace, inc.OccurredAt.Unix(), inc.Command, status)
}

// WatchToggle flips a user's fix-notification registration for an incident
// and reports the resulting state.
func (s *Service) WatchToggle(ctx context.Context, incidentID uint64, userID int64) (bool, error) {
	exists, err := s.store.WatchExists(incidentID, userID)
	if err != nil {
		return false, fmt.Errorf("look up watch: %w", err)
	}
	if exists {
		if err := s.store.WatchRemove(incidentID, userID); err != nil {
			return false, fmt.Errorf("remove watch: %w", err)
		}
		return false, nil
	}
	if err := s.store.WatchAdd(incidentID, userID); err != nil {
		return false, fmt.Errorf("add watch: %w", err)
	}
	return true, nil
}

// MarkFixed flips an incident to fixed, queues a DM to every watcher, and
// deletes the watch rows whether or not each notice can be delivered.
func (s *Service) MarkFixed(ctx context.Context, id uint64) error {
	inc, err := s.store.IncidentGet(id)
	if err != nil {
		return fmt.Errorf("load incident: %w", err)
	}
	if inc == nil {
		return &NotFoundError{ID: id}
	}

	found, err := s.store.IncidentMarkFixed(id)
	if err != nil {
		return fmt.Errorf("mark incident fixed: %w", err)
	}
	if !found {
		return &NotFoundError{ID: id}
	}

	watchers, err := s.store.WatchList(id)
	if err != nil {
		return fmt.Errorf("list watchers: %w", err)
	}
	content := fmt.Sprintf("Hey! Error `#%d` in the `%s` command has been fixed.", inc.ID, inc.Command)
	for _, userID := range watchers {
		s.notices.Enqueue(pool.NoticeJob{Kind: pool.KindDM, UserID: userID, Content: content})
	}

	if err := s.store.WatchDeleteAll(id); err != nil {
		return fmt.Errorf("delete watch rows: %w", err)
	}
	s.log.Info().Uint64("incident", id).Int("watchers", len(watchers)).Msg("incident marked fixed")
	return nil
}

// Get returns one incident, or a NotFoundError.
func (s *Service) Get(ctx context.Context, id uint64) (storage.Incident, error) {
	inc, err := s.store.IncidentGet(id)
	if err != nil {
		return storage.Incident{}, fmt.Errorf("load incident: %w", err)
	}
	if inc == nil {
		return storage.Incident{}, &NotFoundError{ID: id}
	}
	return *inc, nil
}

// List returns all incidents in id order.
func (s *Service) List(ctx context.Context) ([]storage.Incident, error) {
	return s.store.IncidentList()
}

// NewJobHandler builds the pool handler that performs feed emissions and
// watcher DMs. A recipient who cannot be reached (closed DMs, deleted
// account) is skipped rather than retried.
func NewJobHandler(messenger transport.Messenger, feed *webhook.Client, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.NoticeJob) error {
		switch job.Kind {
		case pool.KindFeed:
			return feed.Emit(ctx, job.Incident)
		case pool.KindDM:
			_, err := messenger.DirectMessage(ctx, job.UserID, transport.Outgoing{Content: job.Content})
			var forbidden *transport.ErrForbidden
			var notFound *transport.ErrNotFound
			if errors.As(err, &forbidden) || errors.As(err, &notFound) {
				metrics.IncidentNotices.WithLabelValues("skipped").Inc()
				log.Debug().Err(err).Int64("user", job.UserID).Msg("watcher unreachable, skipping")
				return nil
			}
			if err != nil {
				return err
			}
			metrics.IncidentNotices.WithLabelValues("sent").Inc()
			return nil
		default:
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
	}
}
