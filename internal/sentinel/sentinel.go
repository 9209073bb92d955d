// Package sentinel wires the daemon together: the interactions callback
// endpoint, the metrics and health servers, and the outbound notice pool.
package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/discord-sentry/internal/config"
	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/pool"
	"github.com/developingchet/discord-sentry/internal/transport"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Sentinel runs the long-lived servers and owns the notice pool lifecycle.
type Sentinel struct {
	cfg         *config.Config
	messenger   transport.Messenger
	affordances *transport.Registry
	notices     *pool.Pool
	log         zerolog.Logger
}

// New constructs a fully wired Sentinel.
func New(cfg *config.Config, messenger transport.Messenger, affordances *transport.Registry,
	notices *pool.Pool, log zerolog.Logger) *Sentinel {
	return &Sentinel{
		cfg:         cfg,
		messenger:   messenger,
		affordances: affordances,
		notices:     notices,
		log:         log,
	}
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (s *Sentinel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.notices.Start(gctx)

	g.Go(func() error {
		return s.serveInteractions(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	s.notices.Stop()
	return nil
}

// wireInteraction is the callback payload shape. Snowflakes travel as
// strings to survive JSON number precision.
type wireInteraction struct {
	ID            string            `json:"id"`
	Type          int               `json:"type"` // 3 = component, 5 = modal submit
	ComponentType int               `json:"component_type"`
	CustomID      string            `json:"custom_id"`
	UserID        string            `json:"user_id"`
	ChannelID     string            `json:"channel_id"`
	MessageID     string            `json:"message_id"`
	Values        []string          `json:"values"`
	Fields        map[string]string `json:"fields"`
}

func (w wireInteraction) toInteraction() (transport.Interaction, error) {
	userID, err := strconv.ParseInt(w.UserID, 10, 64)
	if err != nil {
		return transport.Interaction{}, fmt.Errorf("user_id %q: %w", w.UserID, err)
	}
	channelID, _ := strconv.ParseInt(w.ChannelID, 10, 64)
	messageID, _ := strconv.ParseInt(w.MessageID, 10, 64)

	kind := transport.InteractionButton
	switch {
	case w.Type == 5:
		kind = transport.InteractionModalSubmit
	case w.ComponentType == 3:
		kind = transport.InteractionSelect
	}

	return transport.Interaction{
		ID:        w.ID,
		CustomID:  w.CustomID,
		Kind:      kind,
		UserID:    userID,
		ChannelID: channelID,
		MessageID: messageID,
		Values:    w.Values,
		Fields:    w.Fields,
	}, nil
}

// InteractionsHandler decodes inbound interaction callbacks and routes them
// to the affordance registry. Unknown custom ids answer with handled=false so
// stale components degrade quietly; non-owner presses are dropped without a
// reply, matching the silent ownership check of the message components.
func InteractionsHandler(affordances *transport.Registry, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var wire wireInteraction
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			metrics.InteractionsReceived.WithLabelValues("bad_request").Inc()
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		ix, err := wire.toInteraction()
		if err != nil {
			metrics.InteractionsReceived.WithLabelValues("bad_request").Inc()
			http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
			return
		}

		handled, err := affordances.Dispatch(r.Context(), ix)
		if err != nil && !errors.Is(err, transport.ErrWrongUser) {
			log.Warn().Err(err).Str("custom_id", ix.CustomID).Msg("affordance handler failed")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"handled": handled})
	})
}

// serveInteractions runs the interaction callback server.
func (s *Sentinel) serveInteractions(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/interactions", InteractionsHandler(s.affordances, s.log))

	srv := &http.Server{
		Addr:    s.cfg.InteractionsAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.InteractionsAddr).Msg("interactions server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("interactions server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Sentinel) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// HealthMux returns the health endpoints: /healthz is liveness, /readyz
// pings the chat API through the transport.
func HealthMux(messenger transport.Messenger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := messenger.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveHealth runs the health endpoint.
func (s *Sentinel) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.HealthAddr,
		Handler: HealthMux(s.messenger),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
