// Package backfill runs the interactive missing-argument recovery: a session
// collects the absent values one at a time and then re-invokes the command.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/command"
	"github.com/developingchet/discord-sentry/internal/failure"
	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/transport"
)

// State is the session's lifecycle tag.
type State int8

const (
	Collecting State = iota
	Complete
	Abandoned
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Status glyphs shown next to each parameter in the selector.
const (
	glyphSupplied  = "✅"
	glyphRequired  = "❌"
	glyphNotNeeded = "◻️"
)

// Router re-enters the classification pipeline for errors raised during the
// forced re-invocation or a failed conversion.
type Router interface {
	HandleError(ctx context.Context, inv *command.Invocation, err error)
}

// Options configures session construction.
type Options struct {
	// Timeout abandons a session after this much inactivity. Zero uses
	// 180 seconds.
	Timeout time.Duration
}

// Manager creates and drives backfill sessions.
type Manager struct {
	dispatcher  *command.Dispatcher
	messenger   transport.Messenger
	affordances *transport.Registry
	router      Router
	timeout     time.Duration
	log         zerolog.Logger
}

// New constructs the manager. Wire the router afterwards with SetRouter.
func New(dispatcher *command.Dispatcher, messenger transport.Messenger, affordances *transport.Registry, opts Options, log zerolog.Logger) *Manager {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Manager{
		dispatcher:  dispatcher,
		messenger:   messenger,
		affordances: affordances,
		timeout:     timeout,
		log:         log,
	}
}

// SetRouter injects the error router once it exists.
func (m *Manager) SetRouter(r Router) {
	m.router = r
}

type boundArg struct {
	param    command.Parameter
	value    any
	supplied bool
}

// Session is one in-flight missing-argument recovery. Only the owning user
// may interact with it.
type Session struct {
	mgr *Manager
	inv *command.Invocation
	cmd *command.Command

	selectID string
	modalID  string
	cancelID string
	message  transport.MessageRef

	mu    sync.Mutex
	state State
	args  []*boundArg
	timer *time.Timer
	// pending is the parameter the open modal targets; selecting again
	// replaces it rather than stacking prompts.
	pending string
}

// Start opens a session for the missing-argument failure carried by cmdErr.
// Already-supplied values from the original invocation are bound; the rest
// keep their declared defaults.
func (m *Manager) Start(ctx context.Context, inv *command.Invocation, cmdErr *failure.CommandError) (*Session, error) {
	cmd := inv.Command
	if cmd == nil {
		return nil, errors.New("backfill requires a resolved command")
	}

	s := &Session{
		mgr:      m,
		inv:      inv,
		cmd:      cmd,
		selectID: transport.NewID("backfill-select"),
		modalID:  transport.NewID("backfill-modal"),
		cancelID: transport.NewID("backfill-cancel"),
		state:    Collecting,
	}
	for i, p := range cmd.Params {
		arg := &boundArg{param: p, value: p.Default}
		if v, ok := inv.BoundValue(i, p.Name); ok {
			arg.value = v
			arg.supplied = true
		}
		s.args = append(s.args, arg)
	}

	display := cmdErr.DisplayName
	if display == "" {
		display = cmdErr.ParamName
	}
	content := fmt.Sprintf(
		"**Missing %s argument!**\nYou did not provide a **__%s__** argument.\n> -# `%s`\n"+
			"-# The command will be executed as soon as all required arguments have been provided",
		display, display, cmd.Signature())

	channelID, messageID := inv.MessageRefIDs()
	msg, err := m.messenger.Reply(ctx, transport.MessageRef{ChannelID: channelID, MessageID: messageID}, transport.Outgoing{
		Content:    content,
		Components: s.components(),
	})
	if err != nil {
		return nil, fmt.Errorf("send backfill prompt: %w", err)
	}
	s.message = transport.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}

	// Affordances carry no individual lifetime; the session enforces one
	// inactivity deadline across all three.
	m.affordances.Register(s.selectID, inv.UserID, 0, s.onSelect, nil)
	m.affordances.Register(s.modalID, inv.UserID, 0, s.onModalSubmit, nil)
	m.affordances.Register(s.cancelID, inv.UserID, 0, s.onCancel, nil)
	s.timer = time.AfterFunc(m.timeout, s.expire)

	metrics.BackfillSessions.WithLabelValues("started").Inc()
	return s, nil
}

// State returns the session's current lifecycle tag.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// components renders the selector plus cancel button from the current
// argument statuses.
func (s *Session) components() []transport.Component {
	options := make([]transport.SelectOption, 0, len(s.args))
	for _, a := range s.args {
		label := a.param.Label()
		if a.param.Required {
			label += " [required]"
		}
		options = append(options, transport.SelectOption{
			Label:       label,
			Value:       a.param.Name,
			Description: optionDescription(a.param),
			Emoji:       statusGlyph(a),
		})
	}
	return []transport.Component{
		{Type: transport.ComponentSelect, CustomID: s.selectID, Placeholder: "Select an argument to add", Options: options},
		{Type: transport.ComponentButton, CustomID: s.cancelID, Label: "Cancel", Style: "grey"},
	}
}

func statusGlyph(a *boundArg) string {
	switch {
	case a.supplied:
		return glyphSupplied
	case a.param.Required:
		return glyphRequired
	default:
		return glyphNotNeeded
	}
}

func optionDescription(p command.Parameter) string {
	parts := []string{}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	if !p.Required {
		def := "Nothing"
		if p.Default != nil {
			def = fmt.Sprintf("%v", p.Default)
		}
		parts = append(parts, fmt.Sprintf("(Default: %s)", def))
	}
	return strings.Join(parts, "\n")
}

// onSelect opens the text-input prompt for the chosen parameter. A second
// selection while a prompt is open retargets the same modal.
func (s *Session) onSelect(ctx context.Context, ix transport.Interaction) error {
	if len(ix.Values) == 0 {
		return nil
	}
	name := ix.Values[0]

	s.mu.Lock()
	if s.state != Collecting {
		s.mu.Unlock()
		return nil
	}
	arg := s.arg(name)
	if arg == nil {
		s.mu.Unlock()
		return nil
	}
	s.pending = name
	s.touchLocked()
	s.mu.Unlock()

	return s.mgr.messenger.OpenModal(ctx, ix.ID, transport.Modal{
		CustomID: s.modalID,
		Title:    arg.param.Label(),
		Inputs: []transport.TextInput{{
			CustomID:    "value",
			Label:       "Enter the Missing Argument,",
			Placeholder: "...",
			Required:    true,
			MaxLength:   2000,
		}},
	})
}

// onModalSubmit converts the submitted text. A conversion failure abandons
// the session and re-routes the error; success marks the parameter supplied
// and completes the session once every required parameter is.
func (s *Session) onModalSubmit(ctx context.Context, ix transport.Interaction) error {
	raw := ix.Fields["value"]

	s.mu.Lock()
	if s.state != Collecting || s.pending == "" {
		s.mu.Unlock()
		return nil
	}
	arg := s.arg(s.pending)
	s.pending = ""
	s.touchLocked()
	s.mu.Unlock()
	if arg == nil {
		return nil
	}

	value := any(raw)
	if arg.param.Convert != nil {
		converted, err := arg.param.Convert(ctx, s.inv, raw)
		if err != nil {
			s.abandon(ctx, true)
			var cmdErr *failure.CommandError
			if !errors.As(err, &cmdErr) {
				err = failure.ConversionFailed(arg.param.Label(), err)
			}
			if s.mgr.router != nil {
				s.mgr.router.HandleError(ctx, s.inv, err)
			}
			return nil
		}
		value = converted
	}

	s.mu.Lock()
	arg.value = value
	arg.supplied = true
	done := s.requiredSuppliedLocked()
	components := s.components()
	s.mu.Unlock()

	if !done {
		return s.mgr.messenger.Edit(ctx, s.message, transport.Outgoing{
			Content:    "-# The command will be executed as soon as all required arguments have been provided",
			Components: components,
		})
	}
	s.complete(ctx)
	return nil
}

// onCancel abandons the session immediately. Cancellation is owner-only by
// affordance registration.
func (s *Session) onCancel(ctx context.Context, _ transport.Interaction) error {
	s.abandon(ctx, true)
	return nil
}

func (s *Session) arg(name string) *boundArg {
	for _, a := range s.args {
		if a.param.Name == name {
			return a
		}
	}
	return nil
}

func (s *Session) requiredSuppliedLocked() bool {
	for _, a := range s.args {
		if a.param.Required && !a.supplied {
			return false
		}
	}
	return true
}

// touchLocked restarts the inactivity deadline. Callers hold mu.
func (s *Session) touchLocked() {
	if s.timer != nil {
		s.timer.Reset(s.mgr.timeout)
	}
}

// complete deletes the prompt, rebuilds the argument tuple from the bound
// values, and re-invokes through the full check pipeline. Failures re-enter
// the router.
func (s *Session) complete(ctx context.Context) {
	s.mu.Lock()
	if s.state != Collecting {
		s.mu.Unlock()
		return
	}
	s.state = Complete
	if s.timer != nil {
		s.timer.Stop()
	}
	rerun := s.buildInvocationLocked()
	s.mu.Unlock()

	s.teardown(ctx, true)
	metrics.BackfillSessions.WithLabelValues("complete").Inc()

	if err := s.mgr.dispatcher.Dispatch(ctx, rerun); err != nil {
		if s.mgr.router != nil {
			s.mgr.router.HandleError(ctx, rerun, err)
		}
	}
}

// buildInvocationLocked reconstructs positional and keyword arguments
// honoring each parameter's kind. Callers hold mu.
func (s *Session) buildInvocationLocked() *command.Invocation {
	rerun := *s.inv
	rerun.Args = nil
	rerun.Kwargs = make(map[string]any, len(s.args))
	for _, a := range s.args {
		if a.param.Kind == command.PositionalOnly {
			rerun.Args = append(rerun.Args, a.value)
			continue
		}
		rerun.Kwargs[a.param.Name] = a.value
	}
	return &rerun
}

// abandon force-ends the session. deleteMessage distinguishes owner cancel
// and conversion failure (prompt removed) from timeout (prompt left to go
// stale).
func (s *Session) abandon(ctx context.Context, deleteMessage bool) {
	s.mu.Lock()
	if s.state != Collecting {
		s.mu.Unlock()
		return
	}
	s.state = Abandoned
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.teardown(ctx, deleteMessage)
	metrics.BackfillSessions.WithLabelValues("abandoned").Inc()
}

func (s *Session) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.abandon(ctx, false)
}

func (s *Session) teardown(ctx context.Context, deleteMessage bool) {
	s.mgr.affordances.Unregister(s.selectID)
	s.mgr.affordances.Unregister(s.modalID)
	s.mgr.affordances.Unregister(s.cancelID)
	if deleteMessage {
		if err := s.mgr.messenger.Delete(ctx, s.message); err != nil {
			s.mgr.log.Debug().Err(err).Msg("failed to delete backfill prompt")
		}
	}
}
