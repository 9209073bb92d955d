// Package suggest offers the closest registered command when a name cannot
// be resolved, behind a confirm button for the original invoker.
package suggest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/transport"
)

// Router re-enters the classification pipeline for errors raised during the
// forced re-invocation.
type Router interface {
	HandleError(ctx context.Context, inv *command.Invocation, err error)
}

// Options configures the suggestion flow.
type Options struct {
	// Cutoff is the minimum similarity ratio for a match. Zero uses 0.6.
	Cutoff float64
	// Lifetime bounds the confirm button. Zero uses 180 seconds.
	Lifetime time.Duration
}

// Flow implements the command-suggestion protocol.
type Flow struct {
	commands    *command.Registry
	dispatcher  *command.Dispatcher
	messenger   transport.Messenger
	affordances *transport.Registry
	router      Router
	cutoff      float64
	lifetime    time.Duration
	log         zerolog.Logger
}

// New constructs the flow. Wire the router afterwards with SetRouter; the
// router itself dispatches into this flow.
func New(commands *command.Registry, dispatcher *command.Dispatcher, messenger transport.Messenger, affordances *transport.Registry, opts Options, log zerolog.Logger) *Flow {
	cutoff := opts.Cutoff
	if cutoff <= 0 {
		cutoff = 0.6
	}
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = 180 * time.Second
	}
	return &Flow{
		commands:    commands,
		dispatcher:  dispatcher,
		messenger:   messenger,
		affordances: affordances,
		cutoff:      cutoff,
		lifetime:    lifetime,
		log:         log,
	}
}

// SetRouter injects the error router once it exists.
func (f *Flow) SetRouter(r Router) {
	f.router = r
}

// Closest returns the best-matching registered command name whose similarity
// ratio clears the cutoff, or "" when nothing is close enough.
func (f *Flow) Closest(name string) string {
	best := ""
	bestRatio := f.cutoff
	for _, candidate := range f.commands.Names() {
		r := ratio(strings.ToLower(name), candidate)
		if r >= bestRatio {
			best = candidate
			bestRatio = r
		}
	}
	return best
}

// ratio maps Levenshtein distance onto 0..1 where 1 is an exact match.
func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Offer resolves the closest runnable command and presents the confirm
// affordance. No match, a match the invoker cannot run, a decline, and a
// timeout all end the flow silently.
func (f *Flow) Offer(ctx context.Context, inv *command.Invocation) error {
	name := f.Closest(inv.InvokedWith)
	if name == "" {
		metrics.Suggestions.WithLabelValues("no_match").Inc()
		return nil
	}
	cmd := f.commands.Resolve(name)
	if cmd == nil {
		metrics.Suggestions.WithLabelValues("no_match").Inc()
		return nil
	}

	// Probe the command's checks for this invoker. Check failures mean
	// "cannot run", not a fresh error to report.
	probe := *inv
	probe.Command = cmd
	if err := f.dispatcher.CanRun(ctx, &probe); err != nil {
		metrics.Suggestions.WithLabelValues("unrunnable").Inc()
		return nil
	}

	customID := transport.NewID("suggest")
	channelID, messageID := inv.MessageRefIDs()
	msg, err := f.messenger.Reply(ctx, transport.MessageRef{ChannelID: channelID, MessageID: messageID}, transport.Outgoing{
		Content: fmt.Sprintf("Couldn't find a command named `%s`. Perhaps, you meant `%s`?", inv.InvokedWith, cmd.Name),
		Components: []transport.Component{
			{Type: transport.ComponentButton, CustomID: customID, Label: "Run " + cmd.Name, Style: "grey"},
		},
	})
	if err != nil {
		return fmt.Errorf("send suggestion: %w", err)
	}
	metrics.Suggestions.WithLabelValues("offered").Inc()

	suggestionRef := transport.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}
	f.affordances.Register(customID, inv.UserID, f.lifetime, func(ctx context.Context, ix transport.Interaction) error {
		f.affordances.Unregister(customID)
		if err := f.messenger.Delete(ctx, suggestionRef); err != nil {
			f.log.Debug().Err(err).Msg("failed to delete suggestion message")
		}

		rerun := *inv
		rerun.Command = cmd
		rerun.InvokedWith = cmd.Name
		metrics.Suggestions.WithLabelValues("accepted").Inc()
		if err := f.dispatcher.Dispatch(ctx, &rerun); err != nil {
			// Permissions are enforced again at execution time; anything
			// raised here re-enters the router instead of propagating.
			if f.router != nil {
				f.router.HandleError(ctx, &rerun, err)
			}
		}
		return nil
	}, func() {
		metrics.Suggestions.WithLabelValues("expired").Inc()
	})
	return nil
}
