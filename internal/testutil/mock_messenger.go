package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/discord-sentry/internal/transport"
)

// SentMessage records one outbound channel message.
type SentMessage struct {
	ChannelID int64
	Out       transport.Outgoing
}

// SentDM records one outbound direct message.
type SentDM struct {
	UserID int64
	Out    transport.Outgoing
}

// SentEdit records one message edit.
type SentEdit struct {
	Ref transport.MessageRef
	Out transport.Outgoing
}

// SentResponse records one interaction response.
type SentResponse struct {
	InteractionID string
	Out           transport.Outgoing
}

// SentModal records one opened modal.
type SentModal struct {
	InteractionID string
	Modal         transport.Modal
}

// MockMessenger implements transport.Messenger, recording every call.
// All methods are safe for concurrent use.
type MockMessenger struct {
	mu     sync.Mutex
	nextID int64

	Sent      []SentMessage
	DMs       []SentDM
	Edits     []SentEdit
	Deletes   []transport.MessageRef
	Responses []SentResponse
	Modals    []SentModal

	// Channels returned by CommunityChannels, keyed by community id.
	Channels map[int64][]transport.ChannelInfo

	// DMErrors makes DirectMessage fail persistently for specific users
	// (unreachable recipients).
	DMErrors map[int64]error

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
}

// NewMockMessenger returns a zero-state MockMessenger ready for use.
func NewMockMessenger() *MockMessenger {
	return &MockMessenger{
		Channels: make(map[int64][]transport.ChannelInfo),
		DMErrors: make(map[int64]error),
		errors:   make(map[string]error),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockMessenger) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockMessenger) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockMessenger) Send(_ context.Context, channelID int64, out transport.Outgoing) (transport.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Send"); err != nil {
		return transport.Message{}, err
	}
	m.nextID++
	m.Sent = append(m.Sent, SentMessage{ChannelID: channelID, Out: out})
	return transport.Message{ID: m.nextID, ChannelID: channelID}, nil
}

func (m *MockMessenger) Reply(ctx context.Context, ref transport.MessageRef, out transport.Outgoing) (transport.Message, error) {
	out.Reference = &ref
	return m.Send(ctx, ref.ChannelID, out)
}

func (m *MockMessenger) Edit(_ context.Context, ref transport.MessageRef, out transport.Outgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Edit"); err != nil {
		return err
	}
	m.Edits = append(m.Edits, SentEdit{Ref: ref, Out: out})
	return nil
}

func (m *MockMessenger) Delete(_ context.Context, ref transport.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Delete"); err != nil {
		return err
	}
	m.Deletes = append(m.Deletes, ref)
	return nil
}

func (m *MockMessenger) DirectMessage(_ context.Context, userID int64, out transport.Outgoing) (transport.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DirectMessage"); err != nil {
		return transport.Message{}, err
	}
	if err := m.DMErrors[userID]; err != nil {
		return transport.Message{}, err
	}
	m.nextID++
	m.DMs = append(m.DMs, SentDM{UserID: userID, Out: out})
	return transport.Message{ID: m.nextID, ChannelID: -userID}, nil
}

func (m *MockMessenger) Respond(_ context.Context, interactionID string, out transport.Outgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Respond"); err != nil {
		return err
	}
	m.Responses = append(m.Responses, SentResponse{InteractionID: interactionID, Out: out})
	return nil
}

func (m *MockMessenger) OpenModal(_ context.Context, interactionID string, modal transport.Modal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("OpenModal"); err != nil {
		return err
	}
	m.Modals = append(m.Modals, SentModal{InteractionID: interactionID, Modal: modal})
	return nil
}

func (m *MockMessenger) CommunityChannels(_ context.Context, communityID int64) ([]transport.ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CommunityChannels"); err != nil {
		return nil, err
	}
	return m.Channels[communityID], nil
}

func (m *MockMessenger) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockMessenger) Close() error {
	return nil
}

// LastSent returns the most recent channel message, or nil.
func (m *MockMessenger) LastSent() *SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	cp := m.Sent[len(m.Sent)-1]
	return &cp
}

// LastDM returns the most recent direct message, or nil.
func (m *MockMessenger) LastDM() *SentDM {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.DMs) == 0 {
		return nil
	}
	cp := m.DMs[len(m.DMs)-1]
	return &cp
}
