// Package command is the seam to the host command framework: static command
// and parameter descriptors, a registry, and the dispatch pipeline the
// recovery flows re-enter when they force a re-invocation.
package command

import (
	"context"
	"fmt"
	"strings"
)

// ParamKind mirrors how a parameter may be passed on re-invocation.
type ParamKind int8

const (
	PositionalOnly ParamKind = iota
	PositionalOrKeyword
	KeywordOnly
)

// ConvertFunc turns raw user text into the parameter's value.
type ConvertFunc func(ctx context.Context, inv *Invocation, raw string) (any, error)

// Parameter is a static descriptor for one command argument.
type Parameter struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Default     any
	Kind        ParamKind
	Convert     ConvertFunc
}

// Label returns the display name, falling back to the parameter name.
func (p Parameter) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Check is a precondition run before the command body. It returns a
// failure condition when the invocation may not proceed.
type Check func(ctx context.Context, inv *Invocation) error

// Command is a registered chat command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Params      []Parameter
	Checks      []Check
	Run         func(ctx context.Context, inv *Invocation) error

	// HasErrorHandler marks commands that declare their own error handling;
	// the router skips these entirely.
	HasErrorHandler bool
}

// Param returns the named parameter, or nil.
func (c *Command) Param(name string) *Parameter {
	for i := range c.Params {
		if c.Params[i].Name == name {
			return &c.Params[i]
		}
	}
	return nil
}

// Signature renders a usage line like "ban <target> [reason=none]".
func (c *Command) Signature() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Params {
		b.WriteByte(' ')
		if p.Required {
			fmt.Fprintf(&b, "<%s>", p.Label())
		} else if p.Default != nil {
			fmt.Fprintf(&b, "[%s=%v]", p.Label(), p.Default)
		} else {
			fmt.Fprintf(&b, "[%s]", p.Label())
		}
	}
	return b.String()
}

// Invocation is one command attempt with everything the recovery layer needs
// to message the issuer and to re-invoke.
type Invocation struct {
	Command     *Command
	InvokedWith string

	UserID      int64
	CommunityID int64 // zero in private channels
	ChannelID   int64
	MessageID   int64
	OriginURL   string
	IsDM        bool

	// Args are converted positional values in declaration order; Kwargs are
	// converted keyword values. Both are partial when parsing failed midway.
	Args   []any
	Kwargs map[string]any
}

// MessageRefIDs returns the channel/message pair the invocation originated from.
func (inv *Invocation) MessageRefIDs() (channelID, messageID int64) {
	return inv.ChannelID, inv.MessageID
}

// BoundValue looks up the parameter's supplied value by declaration position
// or keyword. The second return is false when the caller never supplied it.
func (inv *Invocation) BoundValue(position int, name string) (any, bool) {
	if position < len(inv.Args) && inv.Args[position] != nil {
		return inv.Args[position], true
	}
	if inv.Kwargs != nil {
		if v, ok := inv.Kwargs[name]; ok {
			return v, true
		}
	}
	return nil, false
}
