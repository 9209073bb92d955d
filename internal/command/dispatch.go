package command

import (
	"context"

	"github.com/developingchet/discord-sentry/internal/failure"
	"github.com/rs/zerolog"
)

// GateCheck is the access gate seam. Check returns the gate's sentinel
// condition when the principal is restricted.
type GateCheck interface {
	Check(ctx context.Context, inv *Invocation) error
}

// allowAll is used when no gate is wired (tests, suggestion probes).
type allowAll struct{}

func (allowAll) Check(context.Context, *Invocation) error { return nil }

// Dispatcher runs the full invocation pipeline: gate, checks, argument
// presence, command body. Recovery flows re-enter through Dispatch so
// permissions are enforced at execution time.
type Dispatcher struct {
	gate GateCheck
	log  zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A nil gate disables gating.
func NewDispatcher(gate GateCheck, log zerolog.Logger) *Dispatcher {
	if gate == nil {
		gate = allowAll{}
	}
	return &Dispatcher{gate: gate, log: log}
}

// CanRun evaluates only the command's own checks, without the gate and
// without running the body. Used by the suggestion flow to probe a candidate.
func (d *Dispatcher) CanRun(ctx context.Context, inv *Invocation) error {
	if inv.Command == nil {
		return failure.UnknownCommand(inv.InvokedWith)
	}
	for _, check := range inv.Command.Checks {
		if err := check(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs the pipeline end to end. Errors raised by the command body
// are wrapped in an InvokeError so the router can unwrap exactly one level.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *Invocation) error {
	if err := d.gate.Check(ctx, inv); err != nil {
		return err
	}
	if inv.Command == nil {
		return failure.UnknownCommand(inv.InvokedWith)
	}
	if err := d.CanRun(ctx, inv); err != nil {
		return err
	}
	if err := d.checkArguments(inv); err != nil {
		return err
	}

	d.log.Debug().Str("command", inv.Command.Name).Int64("user", inv.UserID).Msg("dispatching command")
	if err := inv.Command.Run(ctx, inv); err != nil {
		if _, ok := failure.AsCommandError(err); ok {
			return err
		}
		if failure.IsSignal(err) {
			return err
		}
		return &failure.InvokeError{Cause: err}
	}
	return nil
}

// checkArguments verifies every required parameter was supplied.
func (d *Dispatcher) checkArguments(inv *Invocation) error {
	for i, p := range inv.Command.Params {
		if !p.Required {
			continue
		}
		if _, ok := inv.BoundValue(i, p.Name); !ok {
			return failure.MissingArgument(p.Name, p.DisplayName)
		}
	}
	return nil
}
