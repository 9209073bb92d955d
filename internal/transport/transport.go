package transport

import (
	"context"
	"fmt"
	"time"
)

// Message is a delivered chat message.
type Message struct {
	ID        int64
	ChannelID int64
}

// MessageRef addresses an existing message.
type MessageRef struct {
	ChannelID int64
	MessageID int64
}

// ComponentType enumerates renderable interactive widgets.
type ComponentType int8

const (
	ComponentButton ComponentType = iota + 1
	ComponentSelect
)

// SelectOption is one entry in a select component.
type SelectOption struct {
	Label       string
	Value       string
	Description string
	Emoji       string
}

// Component is an interactive widget attached to a message. CustomID routes
// interaction events back to the owning flow.
type Component struct {
	Type        ComponentType
	CustomID    string
	Label       string
	Style       string // "primary", "secondary", "success", "danger"
	Placeholder string
	Options     []SelectOption
}

// TextInput is a single-line field inside a modal.
type TextInput struct {
	CustomID    string
	Label       string
	Placeholder string
	Required    bool
	MaxLength   int
}

// Modal is a modal-style text prompt.
type Modal struct {
	CustomID string
	Title    string
	Inputs   []TextInput
}

// Outgoing is a message to be sent or edited.
type Outgoing struct {
	Content     string
	Components  []Component
	Reference   *MessageRef   // reply target
	DeleteAfter time.Duration // schedule deletion after delivery
	Ephemeral   bool          // interaction responses only
}

// InteractionKind enumerates inbound interaction events.
type InteractionKind int8

const (
	InteractionButton InteractionKind = iota + 1
	InteractionSelect
	InteractionModalSubmit
)

// Interaction is one inbound interaction event, delivered by custom id.
type Interaction struct {
	ID        string // interaction token, used to respond or open a modal
	CustomID  string
	Kind      InteractionKind
	UserID    int64
	ChannelID int64
	MessageID int64
	Values    []string          // selected values (select)
	Fields    map[string]string // submitted inputs (modal)
}

// ChannelInfo describes a community channel for notice-channel resolution.
type ChannelInfo struct {
	ID       int64
	Name     string
	IsSystem bool
	CanSend  bool
}

// Messenger is the chat API seam. All methods accept context for deadline control.
type Messenger interface {
	Send(ctx context.Context, channelID int64, out Outgoing) (Message, error)
	Reply(ctx context.Context, ref MessageRef, out Outgoing) (Message, error)
	Edit(ctx context.Context, ref MessageRef, out Outgoing) error
	Delete(ctx context.Context, ref MessageRef) error

	// DirectMessage opens (or reuses) the one-to-one channel with the user
	// and sends there.
	DirectMessage(ctx context.Context, userID int64, out Outgoing) (Message, error)

	// Respond answers an interaction, typically ephemerally.
	Respond(ctx context.Context, interactionID string, out Outgoing) error
	// OpenModal presents a modal text prompt in response to an interaction.
	OpenModal(ctx context.Context, interactionID string, m Modal) error

	// CommunityChannels lists a community's text channels for notice routing.
	CommunityChannels(ctx context.Context, communityID int64) ([]ChannelInfo, error)

	// Session
	Ping(ctx context.Context) error
	Close() error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrForbidden is returned when the recipient cannot be reached (closed DMs,
// missing channel permission).
type ErrForbidden struct {
	Msg string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Msg)
}

// ErrNotFound is returned when a channel, message, or user does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the chat API signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}
