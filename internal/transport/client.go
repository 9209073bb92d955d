package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing the chat API client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Debug   bool
}

// restClient implements Messenger against a Discord-compatible REST API.
type restClient struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger

	mu       sync.Mutex
	dmCache  map[int64]int64 // userID -> DM channel id
	stopped  bool
	deferred sync.WaitGroup // pending scheduled deletions
}

// NewClient constructs a Messenger over the chat REST API.
func NewClient(cfg ClientConfig, log zerolog.Logger) Messenger {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &restClient{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: timeout},
		log:     log,
		dmCache: make(map[int64]int64),
	}
}

// ---- Wire shapes -----------------------------------------------------------

type wireMessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type wireSelectOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
}

type wireComponent struct {
	Type        int                `json:"type"`
	CustomID    string             `json:"custom_id"`
	Label       string             `json:"label,omitempty"`
	Style       string             `json:"style,omitempty"`
	Placeholder string             `json:"placeholder,omitempty"`
	Options     []wireSelectOption `json:"options,omitempty"`
}

type wireOutgoing struct {
	Content    string          `json:"content"`
	Reference  *wireMessageRef `json:"message_reference,omitempty"`
	Components []wireComponent `json:"components,omitempty"`
	Ephemeral  bool            `json:"ephemeral,omitempty"`
}

type wireMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

type wireChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Permission evaluation is done server side; the API exposes the
	// computed flag for the bot principal.
	CanSend bool `json:"can_send"`
}

type wireCommunity struct {
	ID              string `json:"id"`
	SystemChannelID string `json:"system_channel_id"`
}

func encodeOutgoing(out Outgoing) wireOutgoing {
	w := wireOutgoing{Content: out.Content, Ephemeral: out.Ephemeral}
	if out.Reference != nil {
		w.Reference = &wireMessageRef{
			ChannelID: strconv.FormatInt(out.Reference.ChannelID, 10),
			MessageID: strconv.FormatInt(out.Reference.MessageID, 10),
		}
	}
	for _, c := range out.Components {
		w.Components = append(w.Components, wireComponent{
			Type:        int(c.Type),
			CustomID:    c.CustomID,
			Label:       c.Label,
			Style:       c.Style,
			Placeholder: c.Placeholder,
			Options:     encodeOptions(c.Options),
		})
	}
	return w
}

func encodeOptions(opts []SelectOption) []wireSelectOption {
	if len(opts) == 0 {
		return nil
	}
	wire := make([]wireSelectOption, 0, len(opts))
	for _, o := range opts {
		wire = append(wire, wireSelectOption(o))
	}
	return wire
}

func parseSnowflake(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// ---- HTTP plumbing ---------------------------------------------------------

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *restClient) apiDo(ctx context.Context, method, path, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.cfg.Debug {
		c.log.Debug().Str("method", method).Str("path", path).Msg("chat api request")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", method).Str("path", path).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("chat api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case http.StatusForbidden:
		return nil, &ErrForbidden{Msg: "HTTP 403"}
	case http.StatusNotFound:
		return nil, &ErrNotFound{ID: path}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: unexpected HTTP %d", endpoint, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// ---- Messenger -------------------------------------------------------------

func (c *restClient) Send(ctx context.Context, channelID int64, out Outgoing) (Message, error) {
	path := fmt.Sprintf("/channels/%d/messages", channelID)
	data, err := c.apiDo(ctx, http.MethodPost, path, "message_create", encodeOutgoing(out))
	if err != nil {
		return Message{}, err
	}
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	msg := Message{ID: parseSnowflake(wire.ID), ChannelID: parseSnowflake(wire.ChannelID)}
	if msg.ChannelID == 0 {
		msg.ChannelID = channelID
	}
	if out.DeleteAfter > 0 {
		c.scheduleDelete(MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}, out.DeleteAfter)
	}
	return msg, nil
}

func (c *restClient) Reply(ctx context.Context, ref MessageRef, out Outgoing) (Message, error) {
	out.Reference = &ref
	return c.Send(ctx, ref.ChannelID, out)
}

func (c *restClient) Edit(ctx context.Context, ref MessageRef, out Outgoing) error {
	path := fmt.Sprintf("/channels/%d/messages/%d", ref.ChannelID, ref.MessageID)
	_, err := c.apiDo(ctx, http.MethodPatch, path, "message_edit", encodeOutgoing(out))
	return err
}

func (c *restClient) Delete(ctx context.Context, ref MessageRef) error {
	path := fmt.Sprintf("/channels/%d/messages/%d", ref.ChannelID, ref.MessageID)
	_, err := c.apiDo(ctx, http.MethodDelete, path, "message_delete", nil)
	return err
}

func (c *restClient) DirectMessage(ctx context.Context, userID int64, out Outgoing) (Message, error) {
	channelID, err := c.dmChannel(ctx, userID)
	if err != nil {
		return Message{}, err
	}
	return c.Send(ctx, channelID, out)
}

func (c *restClient) dmChannel(ctx context.Context, userID int64) (int64, error) {
	c.mu.Lock()
	cached, ok := c.dmCache[userID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	body := map[string]string{"recipient_id": strconv.FormatInt(userID, 10)}
	data, err := c.apiDo(ctx, http.MethodPost, "/users/@me/channels", "dm_open", body)
	if err != nil {
		return 0, err
	}
	var wire wireChannel
	if err := json.Unmarshal(data, &wire); err != nil {
		return 0, fmt.Errorf("decode dm channel: %w", err)
	}
	channelID := parseSnowflake(wire.ID)
	if channelID == 0 {
		return 0, fmt.Errorf("dm channel for %d has no id", userID)
	}

	c.mu.Lock()
	c.dmCache[userID] = channelID
	c.mu.Unlock()
	return channelID, nil
}

func (c *restClient) Respond(ctx context.Context, interactionID string, out Outgoing) error {
	path := fmt.Sprintf("/interactions/%s/callback", interactionID)
	payload := map[string]any{
		"type": 4, // channel message with source
		"data": encodeOutgoing(out),
	}
	_, err := c.apiDo(ctx, http.MethodPost, path, "interaction_respond", payload)
	return err
}

func (c *restClient) OpenModal(ctx context.Context, interactionID string, m Modal) error {
	inputs := make([]map[string]any, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		inputs = append(inputs, map[string]any{
			"custom_id":   in.CustomID,
			"label":       in.Label,
			"placeholder": in.Placeholder,
			"required":    in.Required,
			"max_length":  in.MaxLength,
		})
	}
	path := fmt.Sprintf("/interactions/%s/callback", interactionID)
	payload := map[string]any{
		"type": 9, // modal
		"data": map[string]any{
			"custom_id":  m.CustomID,
			"title":      m.Title,
			"components": inputs,
		},
	}
	_, err := c.apiDo(ctx, http.MethodPost, path, "modal_open", payload)
	return err
}

func (c *restClient) CommunityChannels(ctx context.Context, communityID int64) ([]ChannelInfo, error) {
	commData, err := c.apiDo(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d", communityID), "community_get", nil)
	if err != nil {
		return nil, err
	}
	var community wireCommunity
	if err := json.Unmarshal(commData, &community); err != nil {
		return nil, fmt.Errorf("decode community: %w", err)
	}
	systemID := parseSnowflake(community.SystemChannelID)

	chData, err := c.apiDo(ctx, http.MethodGet, fmt.Sprintf("/guilds/%d/channels", communityID), "channel_list", nil)
	if err != nil {
		return nil, err
	}
	var wires []wireChannel
	if err := json.Unmarshal(chData, &wires); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	channels := make([]ChannelInfo, 0, len(wires))
	for _, w := range wires {
		id := parseSnowflake(w.ID)
		channels = append(channels, ChannelInfo{
			ID:       id,
			Name:     w.Name,
			IsSystem: systemID != 0 && id == systemID,
			CanSend:  w.CanSend,
		})
	}
	return channels, nil
}

func (c *restClient) Ping(ctx context.Context) error {
	_, err := c.apiDo(ctx, http.MethodGet, "/users/@me", "ping", nil)
	return err
}

func (c *restClient) Close() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.deferred.Wait()
	c.http.CloseIdleConnections()
	return nil
}

// scheduleDelete removes a message after the given delay (cooldown replies).
func (c *restClient) scheduleDelete(ref MessageRef, after time.Duration) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.deferred.Add(1)
	c.mu.Unlock()

	time.AfterFunc(after, func() {
		defer c.deferred.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Delete(ctx, ref); err != nil {
			c.log.Debug().Err(err).Int64("message", ref.MessageID).Msg("scheduled delete failed")
		}
	})
}
