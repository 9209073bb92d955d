// Package router maps classified command failures to recovery actions:
// suggestion flows for unknown commands, backfill sessions for missing
// arguments, plain replies for expected conditions and incident records
// for everything else.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/backfill"
	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/failure"
	"github.com/developingchet/discord-sentry/internal/gate"
	"github.com/developingchet/discord-sentry/internal/incident"
	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/suggest"
	"github.com/developingchet/discord-sentry/internal/transport"
)

// Router receives every failure the dispatcher could not resolve on its own
// and decides what, if anything, the user sees.
type Router struct {
	gate      *gate.Gate
	messenger transport.Messenger
	backfill  *backfill.Manager
	suggest   *suggest.Flow
	incidents *incident.Service
	log       zerolog.Logger
}

// New wires the router into the backfill manager and suggestion flow so
// their deferred reruns report back through the same path.
func New(g *gate.Gate, messenger transport.Messenger, bf *backfill.Manager, sg *suggest.Flow, inc *incident.Service, log zerolog.Logger) *Router {
	r := &Router{
		gate:      g,
		messenger: messenger,
		backfill:  bf,
		suggest:   sg,
		incidents: inc,
		log:       log.With().Str("component", "router").Logger(),
	}
	if bf != nil {
		bf.SetRouter(r)
	}
	if sg != nil {
		sg.SetRouter(r)
	}
	return r
}

// HandleError routes a command failure. Commands that declare their own
// error handler are left alone, as is the access gate's sentinel, which the
// gate has already turned into a notice.
func (r *Router) HandleError(ctx context.Context, inv *command.Invocation, err error) {
	if err == nil || inv == nil {
		return
	}
	if inv.Command != nil && inv.Command.HasErrorHandler {
		return
	}
	if failure.IsSignal(err) {
		r.HandleSignal(ctx, inv, err)
		return
	}

	kind := failure.Classify(err)
	if kind == failure.KindAccessDenied {
		return
	}
	metrics.ErrorsRouted.WithLabelValues(kind.String()).Inc()

	unwrapped := failure.Unwrapped(err)
	cmdErr, _ := failure.AsCommandError(unwrapped)

	switch {
	case kind == failure.KindUnknownCommand || inv.Command == nil:
		r.routeUnknown(ctx, inv)

	case kind == failure.KindMissingArgument:
		if _, serr := r.backfill.Start(ctx, inv, cmdErr); serr != nil {
			r.log.Error().Err(serr).Str("command", inv.Command.Name).Msg("could not open backfill session")
		}

	case kind == failure.KindMissingAttachment:
		// Attachments cannot be supplied through a text modal, so there is
		// no session to open. Same guidance text, no components.
		r.reply(ctx, inv, transport.Outgoing{Content: missingPrompt(cmdErr, inv.Command)})

	case kind == failure.KindMissingPermissions || kind == failure.KindBotMissingPermissions ||
		kind == failure.KindMissingRoles || kind == failure.KindBotMissingRoles:
		r.reply(ctx, inv, transport.Outgoing{Content: missingEntitlements(kind, cmdErr)})

	case kind.Expected():
		out := transport.Outgoing{Content: unwrapped.Error()}
		if cmdErr != nil {
			out.DeleteAfter = cmdErr.RetryAfter
		}
		r.reply(ctx, inv, out)

	case kind == failure.KindCheckFailure:
		// Custom checks communicate on their own or fail on purpose.

	default:
		r.routeInternal(ctx, inv, unwrapped)
	}
}

// HandleSignal routes internal domain signals. Only lookup misses produce a
// user-visible reply; aborts and feed degradation stay silent.
func (r *Router) HandleSignal(ctx context.Context, inv *command.Invocation, err error) {
	if inv != nil && inv.Command != nil && inv.Command.HasErrorHandler {
		return
	}
	sig, ok := failure.AsSignal(err)
	if !ok {
		return
	}
	if sig.Code != failure.SignalLookupNotFound {
		return
	}
	r.reply(ctx, inv, transport.Outgoing{
		Content: fmt.Sprintf(
			"Cannot find any results for %s.\n-# You can only search for a **character** or **franchise/series**.",
			sig.Subject),
	})
}

func (r *Router) routeUnknown(ctx context.Context, inv *command.Invocation) {
	if r.gate.Lookup(inv.UserID) != nil {
		return
	}
	if inv.InvokedWith == "" {
		return
	}
	if err := r.suggest.Offer(ctx, inv); err != nil {
		r.log.Error().Err(err).Str("invoked_with", inv.InvokedWith).Msg("could not offer suggestion")
	}
}

func (r *Router) routeInternal(ctx context.Context, inv *command.Invocation, cause error) {
	name := inv.InvokedWith
	if inv.Command != nil {
		name = inv.Command.Name
	}
	r.log.Error().Err(cause).Str("command", name).Msg("unhandled failure in command")

	inc, _, err := r.incidents.RecordOrReuse(ctx, name, cause.Error(), renderTrace(cause), inv.UserID, inv.CommunityID, inv.OriginURL)
	if err != nil {
		r.log.Error().Err(err).Str("command", name).Msg("could not record incident")
		return
	}
	channelID, messageID := inv.MessageRefIDs()
	ref := transport.MessageRef{ChannelID: channelID, MessageID: messageID}
	if err := r.incidents.Offer(ctx, ref, inc); err != nil {
		r.log.Error().Err(err).Uint64("incident", inc.ID).Msg("could not offer incident details")
	}
}

func (r *Router) reply(ctx context.Context, inv *command.Invocation, out transport.Outgoing) {
	channelID, messageID := inv.MessageRefIDs()
	ref := transport.MessageRef{ChannelID: channelID, MessageID: messageID}
	if _, err := r.messenger.Reply(ctx, ref, out); err != nil {
		r.log.Error().Err(err).Int64("channel_id", channelID).Msg("could not deliver failure reply")
	}
}

// missingPrompt renders the missing-argument guidance shared with the
// backfill prompt.
func missingPrompt(cmdErr *failure.CommandError, cmd *command.Command) string {
	display := ""
	if cmdErr != nil {
		display = cmdErr.DisplayName
		if display == "" {
			display = cmdErr.ParamName
		}
	}
	sig := ""
	if cmd != nil {
		sig = cmd.Signature()
	}
	return fmt.Sprintf(
		"**Missing %s argument!**\nYou did not provide a **__%s__** argument.\n> -# `%s`\n"+
			"-# The command will be executed as soon as all required arguments have been provided",
		display, display, sig)
}

// missingEntitlements renders the bulleted permission or role list.
func missingEntitlements(kind failure.Kind, cmdErr *failure.CommandError) string {
	subject := "You are"
	if kind == failure.KindBotMissingPermissions || kind == failure.KindBotMissingRoles {
		subject = "I am"
	}
	wording := "permissions"
	roles := kind == failure.KindMissingRoles || kind == failure.KindBotMissingRoles
	if roles {
		wording = "roles"
	}

	var items []string
	if cmdErr != nil {
		for _, m := range cmdErr.Missing {
			if roles {
				items = append(items, "- "+renderRole(m))
				continue
			}
			items = append(items, "- "+capitalize(strings.ReplaceAll(m, "_", " ")))
		}
	}
	return fmt.Sprintf("%s missing the following %s to run this command:\n%s",
		subject, wording, strings.Join(items, "\n"))
}

// renderRole turns a numeric role id into a mention and passes names through.
func renderRole(role string) string {
	if role == "" {
		return role
	}
	for _, c := range role {
		if c < '0' || c > '9' {
			return role
		}
	}
	return "<@&" + role + ">"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// renderTrace flattens the cause chain into the stored trace text.
func renderTrace(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	for {
		err = errors.Unwrap(err)
		if err == nil {
			break
		}
		b.WriteString("\ncaused by: ")
		b.WriteString(err.Error())
	}
	return b.String()
}
