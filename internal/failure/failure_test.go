package failure

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/developingchet/discord-sentry/internal/storage"
)

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"unknown command", UnknownCommand("pnig"), KindUnknownCommand},
		{"missing argument", MissingArgument("target", "Target"), KindMissingArgument},
		{"missing attachment", MissingAttachment("image", ""), KindMissingAttachment},
		{"missing permissions", MissingPermissions("manage_messages"), KindMissingPermissions},
		{"bot missing roles", BotMissingRoles("123"), KindBotMissingRoles},
		{"user input", UserInput("bad value"), KindUserInput},
		{"cooldown", Cooldown(3 * time.Second), KindCooldown},
		{"not owner", NotOwner(), KindNotOwner},
		{"check failure", CheckFailure("nope"), KindCheckFailure},
		{"access denied", &AccessDeniedError{Restriction: storage.Restriction{Snowflake: 1}}, KindAccessDenied},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil-ish wrapped", fmt.Errorf("outer: %w", errors.New("inner")), KindInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Errorf("Classify = %v, want %v", got, c.want)
			}
		})
	}
}

func TestClassifyUnwrapsInvokeError(t *testing.T) {
	inner := Cooldown(time.Second)
	wrapped := &InvokeError{Cause: inner}
	if got := Classify(wrapped); got != KindCooldown {
		t.Errorf("Classify through InvokeError = %v, want cooldown", got)
	}
	if got := Unwrapped(wrapped); got != error(inner) {
		t.Errorf("Unwrapped: got %v", got)
	}
	// A plain error stays as-is
	plain := errors.New("x")
	if got := Unwrapped(plain); got != plain {
		t.Errorf("Unwrapped plain: got %v", got)
	}
}

func TestClassifyInternalInsideInvoke(t *testing.T) {
	wrapped := &InvokeError{Cause: errors.New("nil pointer dereference")}
	if got := Classify(wrapped); got != KindInternal {
		t.Errorf("Classify = %v, want internal", got)
	}
}

func TestExpectedKinds(t *testing.T) {
	expected := []Kind{
		KindUserInput, KindDisabledCommand, KindMaxConcurrency, KindCooldown,
		KindDMOnly, KindCommunityOnly, KindNotOwner, KindNSFWRequired, KindTooManyArguments,
	}
	for _, k := range expected {
		if !k.Expected() {
			t.Errorf("%v should be expected", k)
		}
	}
	for _, k := range []Kind{KindInternal, KindUnknownCommand, KindMissingArgument, KindCheckFailure, KindAccessDenied} {
		if k.Expected() {
			t.Errorf("%v should not be expected", k)
		}
	}
}

func TestCooldownCarriesRetryAfter(t *testing.T) {
	err := Cooldown(1500 * time.Millisecond)
	cmdErr, ok := AsCommandError(err)
	if !ok {
		t.Fatal("AsCommandError failed")
	}
	if cmdErr.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter: got %s", cmdErr.RetryAfter)
	}
}

func TestSignalsAreNotCommandErrors(t *testing.T) {
	sig := Signal(SignalLookupNotFound, "Chisato")
	if !IsSignal(sig) {
		t.Error("IsSignal should be true")
	}
	if _, ok := AsCommandError(sig); ok {
		t.Error("a signal must not satisfy AsCommandError")
	}
	if got := Classify(sig); got != KindInternal {
		// Signals are checked before classification by the router; Classify
		// treats them as unrecognised on purpose.
		t.Errorf("Classify(signal) = %v, want internal", got)
	}
	got, ok := AsSignal(sig)
	if !ok || got.Subject != "Chisato" {
		t.Errorf("AsSignal: ok=%v got=%+v", ok, got)
	}
}

func TestKindStringTotal(t *testing.T) {
	for k := KindInternal; k <= KindAccessDenied; k++ {
		if k.String() == "" {
			t.Errorf("kind %d has empty name", k)
		}
	}
}
