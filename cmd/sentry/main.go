package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/developingchet/discord-sentry/internal/backfill"
	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/config"
	"github.com/developingchet/discord-sentry/internal/gate"
	"github.com/developingchet/discord-sentry/internal/incident"
	"github.com/developingchet/discord-sentry/internal/janitor"
	"github.com/developingchet/discord-sentry/internal/logger"
	"github.com/developingchet/discord-sentry/internal/pool"
	"github.com/developingchet/discord-sentry/internal/router"
	"github.com/developingchet/discord-sentry/internal/sentinel"
	"github.com/developingchet/discord-sentry/internal/storage"
	"github.com/developingchet/discord-sentry/internal/suggest"
	"github.com/developingchet/discord-sentry/internal/transport"
	"github.com/developingchet/discord-sentry/internal/webhook"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "discord-sentry",
		Short: "Runtime error recovery and access gating for a command-driven chat bot",
	}

	root.AddCommand(
		runCmd(),
		restrictCmd(),
		incidentCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sentry daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("discord-sentry starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	client := transport.NewClient(transport.ClientConfig{
		BaseURL: cfg.DiscordAPIURL,
		Token:   cfg.DiscordToken,
		Timeout: cfg.HTTPTimeout,
		Debug:   cfg.DiscordAPIDebug,
	}, log)
	defer client.Close()

	protected, err := cfg.ProtectedCommunityIDs()
	if err != nil {
		return fmt.Errorf("parse protected communities: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := gate.New(store, client, gate.Options{
		NoticeThreshold:  cfg.NoticeThreshold,
		Protected:        protected,
		SupportInviteURL: cfg.SupportInviteURL,
	}, log)
	if err := g.Load(ctx); err != nil {
		return fmt.Errorf("load restrictions: %w", err)
	}

	feed := webhook.New(cfg.IncidentWebhookURL, cfg.HTTPTimeout, log)

	notices, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, incident.NewJobHandler(client, feed, log), log)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	affordances := transport.NewRegistry(log)
	incidents := incident.New(store, client, affordances, notices, incident.Options{}, log)

	// The command registry and dispatcher are the seam the host bot framework
	// plugs its commands into; the recovery flows only need the pipeline.
	commands := command.NewRegistry()
	dispatcher := command.NewDispatcher(g, log)

	sg := suggest.New(commands, dispatcher, client, affordances, suggest.Options{
		Cutoff:   cfg.SuggestCutoff,
		Lifetime: cfg.SuggestTimeout,
	}, log)
	bf := backfill.New(dispatcher, client, affordances, backfill.Options{
		Timeout: cfg.BackfillTimeout,
	}, log)

	// Wires itself into the backfill and suggestion flows so deferred reruns
	// report their failures back through the same classification path.
	router.New(g, client, bf, sg, incidents, log)

	jan := janitor.New(store, notices, cfg.JanitorInterval, log)
	go func() {
		if err := jan.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("janitor exited")
		}
	}()

	sentinel.BinaryVersion = Version
	snt := sentinel.New(cfg, client, affordances, notices, log)
	return snt.Run(ctx)
}

// restrictCmd manages access restrictions from the command line.
func restrictCmd() *cobra.Command {
	restrict := &cobra.Command{
		Use:   "restrict",
		Short: "Manage access restrictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.RestrictionList()
			if err != nil {
				return err
			}
			var users, communities int
			for _, r := range all {
				if r.Scope == storage.ScopeUser {
					users++
				} else {
					communities++
				}
			}
			fmt.Printf("restricted: %d users, %d communities\n", users, communities)
			return nil
		},
	}

	var scopeFlag, reasonFlag string
	var untilFlag time.Duration
	add := &cobra.Command{
		Use:   "add <snowflake>",
		Short: "Restrict a user or community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snowflake, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid snowflake %q: %w", args[0], err)
			}
			scope := storage.ScopeUser
			if scopeFlag == "community" {
				scope = storage.ScopeCommunity
			} else if scopeFlag != "user" {
				return fmt.Errorf("--scope must be user or community; got %q", scopeFlag)
			}
			var expiresAt time.Time
			if untilFlag > 0 {
				expiresAt = time.Now().UTC().Add(untilFlag)
			}

			g, store, err := openGate()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := g.Add(context.Background(), snowflake, reasonFlag, expiresAt, scope); err != nil {
				return err
			}
			fmt.Printf("restricted %d (%s)\n", snowflake, scope)
			return nil
		},
	}
	add.Flags().StringVar(&scopeFlag, "scope", "user", "restriction scope: user or community")
	add.Flags().StringVar(&reasonFlag, "reason", "", "reason shown in notices")
	add.Flags().DurationVar(&untilFlag, "until", 0, "lifetime (0 = permanent)")

	remove := &cobra.Command{
		Use:   "remove <snowflake>",
		Short: "Lift a restriction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snowflake, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid snowflake %q: %w", args[0], err)
			}
			g, store, err := openGate()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := g.Remove(context.Background(), snowflake); err != nil {
				return err
			}
			fmt.Printf("unrestricted %d\n", snowflake)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <snowflake>",
		Short: "Show one restriction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snowflake, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid snowflake %q: %w", args[0], err)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.RestrictionGet(snowflake)
			if err != nil {
				return err
			}
			if r == nil || r.Expired(time.Now()) {
				fmt.Printf("%d is not restricted\n", snowflake)
				return nil
			}
			fmt.Printf("%d  scope=%s  reason=%q  %s\n", r.Snowflake, r.Scope, r.Reason, expiryWording(r.ExpiresAt))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all restrictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.RestrictionList()
			if err != nil {
				return err
			}
			for _, r := range all {
				fmt.Printf("%d  scope=%s  reason=%q  %s\n", r.Snowflake, r.Scope, r.Reason, expiryWording(r.ExpiresAt))
			}
			return nil
		},
	}

	restrict.AddCommand(add, remove, show, list)
	return restrict
}

// incidentCmd inspects and resolves recorded incidents.
func incidentCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "incident",
		Short: "Inspect and resolve recorded incidents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.IncidentList()
			if err != nil {
				return err
			}
			for _, inc := range rows {
				status := "open"
				if inc.Fixed {
					status = "fixed"
				}
				fmt.Printf("#%d  [%s]  %s: %s\n", inc.ID, status, inc.Command, inc.Signature)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one incident in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid incident id %q: %w", args[0], err)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			inc, err := store.IncidentGet(id)
			if err != nil {
				return err
			}
			if inc == nil {
				return &incident.NotFoundError{ID: id}
			}
			status := "open"
			if inc.Fixed {
				status = "fixed"
			}
			fmt.Printf("#%d  [%s]  command=%s\noccurred=%s  user=%d  community=%d\norigin=%s\n\n%s\n",
				inc.ID, status, inc.Command, inc.OccurredAt.Format(time.RFC3339),
				inc.UserID, inc.CommunityID, inc.OriginURL, inc.FullTrace)
			return nil
		},
	}

	fix := &cobra.Command{
		Use:   "fix <id>",
		Short: "Mark an incident fixed and notify its watchers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid incident id %q: %w", args[0], err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			client := transport.NewClient(transport.ClientConfig{
				BaseURL: cfg.DiscordAPIURL,
				Token:   cfg.DiscordToken,
				Timeout: cfg.HTTPTimeout,
				Debug:   cfg.DiscordAPIDebug,
			}, log)
			defer client.Close()

			feed := webhook.New(cfg.IncidentWebhookURL, cfg.HTTPTimeout, log)
			notices, err := pool.New(pool.Config{
				Workers:    cfg.PoolWorkers,
				QueueDepth: cfg.PoolQueueDepth,
				MaxRetries: cfg.PoolMaxRetries,
				RetryBase:  cfg.PoolRetryBase,
			}, incident.NewJobHandler(client, feed, log), log)
			if err != nil {
				return err
			}
			notices.Start(context.Background())

			affordances := transport.NewRegistry(log)
			svc := incident.New(store, client, affordances, notices, incident.Options{}, log)
			if err := svc.MarkFixed(context.Background(), id); err != nil {
				notices.Stop()
				return err
			}
			// Stop drains the queued watcher DMs before exit.
			notices.Stop()
			fmt.Printf("incident #%d marked fixed\n", id)
			return nil
		},
	}

	root.AddCommand(list, show, fix)
	return root
}

// healthcheckCmd exits 0 if the daemon's health endpoint responds.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("discord-sentry %s\n", Version)
		},
	}
}

// openStore loads config and opens the bbolt store for one-shot verbs.
func openStore() (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return storage.NewBboltStore(cfg.DataDir)
}

// openGate builds a gate over the store and transport for one-shot verbs.
// The caller closes the returned store.
func openGate() (*gate.Gate, storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := buildLogger(cfg)

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	client := transport.NewClient(transport.ClientConfig{
		BaseURL: cfg.DiscordAPIURL,
		Token:   cfg.DiscordToken,
		Timeout: cfg.HTTPTimeout,
		Debug:   cfg.DiscordAPIDebug,
	}, log)

	protected, err := cfg.ProtectedCommunityIDs()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	g := gate.New(store, client, gate.Options{
		NoticeThreshold:  cfg.NoticeThreshold,
		Protected:        protected,
		SupportInviteURL: cfg.SupportInviteURL,
	}, log)
	if err := g.Load(context.Background()); err != nil {
		store.Close()
		return nil, nil, err
	}
	return g, store, nil
}

func expiryWording(until time.Time) string {
	if until.IsZero() {
		return "permanently"
	}
	return "until " + until.UTC().Format(time.RFC3339)
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
