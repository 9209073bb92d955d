// Package failure defines the closed taxonomy of command failure conditions.
// Framework-raised conditions are CommandError values with a Kind tag; internal
// domain signals are SignalError values with a disjoint code space. Classification
// is a total mapping so the router can dispatch without type-check chains.
package failure

import (
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/discord-sentry/internal/storage"
)

// Kind enumerates every recognised framework failure condition.
type Kind int

const (
	KindInternal Kind = iota // unexpected; the only kind that is durably logged
	KindUnknownCommand
	KindMissingArgument
	KindMissingAttachment
	KindMissingPermissions
	KindBotMissingPermissions
	KindMissingRoles
	KindBotMissingRoles
	KindUserInput
	KindDisabledCommand
	KindMaxConcurrency
	KindCooldown
	KindDMOnly
	KindCommunityOnly
	KindNotOwner
	KindNSFWRequired
	KindTooManyArguments
	KindCheckFailure
	KindAccessDenied
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindUnknownCommand:        "unknown_command",
	KindMissingArgument:       "missing_argument",
	KindMissingAttachment:     "missing_attachment",
	KindMissingPermissions:    "missing_permissions",
	KindBotMissingPermissions: "bot_missing_permissions",
	KindMissingRoles:          "missing_roles",
	KindBotMissingRoles:       "bot_missing_roles",
	KindUserInput:             "user_input",
	KindDisabledCommand:       "disabled_command",
	KindMaxConcurrency:        "max_concurrency",
	KindCooldown:              "cooldown",
	KindDMOnly:                "dm_only",
	KindCommunityOnly:         "community_only",
	KindNotOwner:              "not_owner",
	KindNSFWRequired:          "nsfw_required",
	KindTooManyArguments:      "too_many_arguments",
	KindCheckFailure:          "check_failure",
	KindAccessDenied:          "access_denied",
}

// String returns the snake_case kind name used as a metric label.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Expected reports whether the kind carries its own user-facing message and is
// answered with a plain reply (spec taxonomy "expected" group 4.2/4).
func (k Kind) Expected() bool {
	switch k {
	case KindUserInput, KindDisabledCommand, KindMaxConcurrency, KindCooldown,
		KindDMOnly, KindCommunityOnly, KindNotOwner, KindNSFWRequired, KindTooManyArguments:
		return true
	}
	return false
}

// CommandError is a framework-raised failure condition.
type CommandError struct {
	kind        Kind
	msg         string
	ParamName   string        // missing argument/attachment
	DisplayName string        // missing argument/attachment
	Missing     []string      // permission names or role ids
	RetryAfter  time.Duration // cooldown / rate limited replies
	cause       error
}

func (e *CommandError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.kind.String()
}

func (e *CommandError) Unwrap() error { return e.cause }

// Kind returns the classified failure kind.
func (e *CommandError) Kind() Kind { return e.kind }

// ---- Constructors ----------------------------------------------------------

// UnknownCommand is raised when the invoked name resolves to no command.
func UnknownCommand(invoked string) *CommandError {
	return &CommandError{kind: KindUnknownCommand, msg: fmt.Sprintf("command %q is not found", invoked)}
}

// MissingArgument is raised when a required argument was not supplied.
func MissingArgument(name, display string) *CommandError {
	if display == "" {
		display = name
	}
	return &CommandError{
		kind:        KindMissingArgument,
		msg:         fmt.Sprintf("%s is a required argument that is missing", display),
		ParamName:   name,
		DisplayName: display,
	}
}

// MissingAttachment is raised when a required attachment was not supplied.
func MissingAttachment(name, display string) *CommandError {
	if display == "" {
		display = name
	}
	return &CommandError{
		kind:        KindMissingAttachment,
		msg:         fmt.Sprintf("%s is a required attachment that is missing", display),
		ParamName:   name,
		DisplayName: display,
	}
}

// MissingPermissions is raised when the invoking user lacks permissions.
func MissingPermissions(perms ...string) *CommandError {
	return &CommandError{kind: KindMissingPermissions, msg: "you are missing permissions", Missing: perms}
}

// BotMissingPermissions is raised when the bot itself lacks permissions.
func BotMissingPermissions(perms ...string) *CommandError {
	return &CommandError{kind: KindBotMissingPermissions, msg: "bot is missing permissions", Missing: perms}
}

// MissingRoles is raised when the invoking user lacks any of the given roles.
// Roles are either numeric ids (rendered as mentions) or literal names.
func MissingRoles(roles ...string) *CommandError {
	return &CommandError{kind: KindMissingRoles, msg: "you are missing roles", Missing: roles}
}

// BotMissingRoles is raised when the bot lacks any of the given roles.
func BotMissingRoles(roles ...string) *CommandError {
	return &CommandError{kind: KindBotMissingRoles, msg: "bot is missing roles", Missing: roles}
}

// UserInput is raised for malformed or unconvertible user input.
func UserInput(msg string) *CommandError {
	return &CommandError{kind: KindUserInput, msg: msg}
}

// ConversionFailed wraps a converter error as a user-input condition.
func ConversionFailed(display string, cause error) *CommandError {
	return &CommandError{
		kind:  KindUserInput,
		msg:   fmt.Sprintf("could not convert %s: %v", display, cause),
		cause: cause,
	}
}

// Disabled is raised when the command is globally disabled.
func Disabled(commandName string) *CommandError {
	return &CommandError{kind: KindDisabledCommand, msg: fmt.Sprintf("%s is currently disabled", commandName)}
}

// MaxConcurrency is raised when the per-command concurrency limit is reached.
func MaxConcurrency(commandName string) *CommandError {
	return &CommandError{kind: KindMaxConcurrency, msg: fmt.Sprintf("too many people are using %s right now, try again later", commandName)}
}

// Cooldown is raised when the command is rate limited; the reply auto-deletes
// after RetryAfter.
func Cooldown(retryAfter time.Duration) *CommandError {
	return &CommandError{
		kind:       KindCooldown,
		msg:        fmt.Sprintf("you are on cooldown, try again in %.2fs", retryAfter.Seconds()),
		RetryAfter: retryAfter,
	}
}

// DMOnly is raised when a private-message-only command runs in a community.
func DMOnly() *CommandError {
	return &CommandError{kind: KindDMOnly, msg: "this command can only be used in private messages"}
}

// CommunityOnly is raised when a community-only command runs in DMs.
func CommunityOnly() *CommandError {
	return &CommandError{kind: KindCommunityOnly, msg: "this command cannot be used in private messages"}
}

// NotOwner is raised when an owner-only command is invoked by someone else.
func NotOwner() *CommandError {
	return &CommandError{kind: KindNotOwner, msg: "you do not own this bot"}
}

// NSFWRequired is raised when an NSFW command runs in a regular channel.
func NSFWRequired() *CommandError {
	return &CommandError{kind: KindNSFWRequired, msg: "this command can only be used in NSFW channels"}
}

// TooManyArguments is raised when extra positional arguments were supplied.
func TooManyArguments(commandName string) *CommandError {
	return &CommandError{kind: KindTooManyArguments, msg: fmt.Sprintf("too many arguments passed to %s", commandName)}
}

// CheckFailure is raised by any other failed command check. The router drops
// these silently; the check is expected to have messaged the user already or
// to be intentionally quiet.
func CheckFailure(msg string) *CommandError {
	return &CommandError{kind: KindCheckFailure, msg: msg}
}

// ---- Access gate sentinel --------------------------------------------------

// AccessDeniedError is the gate's sentinel condition. The gate messages the
// principal itself; the router must never re-report it.
type AccessDeniedError struct {
	Restriction storage.Restriction
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %d: %s", e.Restriction.Snowflake, e.Restriction.Reason)
}

// ---- Invocation wrapping ---------------------------------------------------

// InvokeError wraps an error raised inside a command body, preserving the
// original for classification. Mirrors a one-level cause wrap.
type InvokeError struct {
	Cause error
}

func (e *InvokeError) Error() string { return fmt.Sprintf("command raised an exception: %v", e.Cause) }
func (e *InvokeError) Unwrap() error { return e.Cause }

// ---- Classification --------------------------------------------------------

// Classify unwraps at most one level of invocation wrapping and maps the
// condition to its Kind. Anything unrecognised is internal.
func Classify(err error) Kind {
	var invoke *InvokeError
	if errors.As(err, &invoke) {
		err = invoke.Cause
	}

	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return KindAccessDenied
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.kind
	}
	return KindInternal
}

// Unwrapped returns the condition with one level of invocation wrapping removed.
func Unwrapped(err error) error {
	var invoke *InvokeError
	if errors.As(err, &invoke) {
		return invoke.Cause
	}
	return err
}

// AsCommandError returns the CommandError inside err, if any.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
