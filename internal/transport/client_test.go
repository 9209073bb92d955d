package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestClient builds a *restClient against a test server.
func newTestClient(baseURL string) *restClient {
	c := NewClient(ClientConfig{
		BaseURL: baseURL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	}, zerolog.Nop())
	return c.(*restClient)
}

// TestApiDo_AuthHeader verifies the bot token is sent on every request.
func TestApiDo_AuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected Ping to succeed, got: %v", err)
	}
	if gotAuth != "Bot test-token" {
		t.Errorf("expected Authorization 'Bot test-token', got %q", gotAuth)
	}
}

// TestApiDo_ErrorTranslation verifies that HTTP status codes are translated
// into the appropriate typed errors.
func TestApiDo_ErrorTranslation(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		check      func(t *testing.T, err error)
	}{
		{"401 -> ErrUnauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var e *ErrUnauthorized
			if !errors.As(err, &e) {
				t.Errorf("expected *ErrUnauthorized, got %T: %v", err, err)
			}
		}},
		{"403 -> ErrForbidden", http.StatusForbidden, func(t *testing.T, err error) {
			var e *ErrForbidden
			if !errors.As(err, &e) {
				t.Errorf("expected *ErrForbidden, got %T: %v", err, err)
			}
		}},
		{"404 -> ErrNotFound", http.StatusNotFound, func(t *testing.T, err error) {
			var e *ErrNotFound
			if !errors.As(err, &e) {
				t.Errorf("expected *ErrNotFound, got %T: %v", err, err)
			}
		}},
		{"429 -> ErrRateLimit", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var e *ErrRateLimit
			if !errors.As(err, &e) {
				t.Errorf("expected *ErrRateLimit, got %T: %v", err, err)
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			_, gotErr := c.apiDo(context.Background(), http.MethodGet, "/test", "test", nil)
			if gotErr == nil {
				t.Fatalf("expected error for status %d, got nil", tc.statusCode)
			}
			tc.check(t, gotErr)
		})
	}

	t.Run("network error returns plain error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close() // close immediately so connections are refused

		c := newTestClient("http://" + addr)
		_, gotErr := c.apiDo(context.Background(), http.MethodGet, "/test", "test", nil)
		if gotErr == nil {
			t.Fatal("expected error on network failure, got nil")
		}
		var eUnauth *ErrUnauthorized
		var eNotFound *ErrNotFound
		var eRate *ErrRateLimit
		if errors.As(gotErr, &eUnauth) || errors.As(gotErr, &eNotFound) || errors.As(gotErr, &eRate) {
			t.Errorf("expected plain network error, got typed API error: %T", gotErr)
		}
	})
}

// TestApiDo_RetryAfterHeader verifies that a 429 with Retry-After "5" yields
// an ErrRateLimit with RetryAfter == 5 seconds.
func TestApiDo_RetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, gotErr := c.apiDo(context.Background(), http.MethodGet, "/test", "test", nil)

	var e *ErrRateLimit
	if !errors.As(gotErr, &e) {
		t.Fatalf("expected *ErrRateLimit, got %T: %v", gotErr, gotErr)
	}
	if want := 5 * time.Second; e.RetryAfter != want {
		t.Errorf("expected RetryAfter=%s, got %s", want, e.RetryAfter)
	}
}

// TestSend_PostsMessage verifies Send hits the channel messages endpoint and
// decodes the created message.
func TestSend_PostsMessage(t *testing.T) {
	var gotPath string
	var gotBody wireOutgoing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = io.WriteString(w, `{"id":"111","channel_id":"42"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	msg, err := c.Send(context.Background(), 42, Outgoing{Content: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotPath != "/channels/42/messages" {
		t.Errorf("expected path /channels/42/messages, got %s", gotPath)
	}
	if gotBody.Content != "hello" {
		t.Errorf("expected content 'hello', got %q", gotBody.Content)
	}
	if msg.ID != 111 || msg.ChannelID != 42 {
		t.Errorf("unexpected message decoded: %+v", msg)
	}
}

// TestReply_SetsReference verifies Reply attaches a message_reference.
func TestReply_SetsReference(t *testing.T) {
	var gotBody wireOutgoing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = io.WriteString(w, `{"id":"1","channel_id":"42"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ref := MessageRef{ChannelID: 42, MessageID: 99}
	if _, err := c.Reply(context.Background(), ref, Outgoing{Content: "re"}); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if gotBody.Reference == nil {
		t.Fatal("expected message_reference to be set")
	}
	if gotBody.Reference.MessageID != "99" || gotBody.Reference.ChannelID != "42" {
		t.Errorf("unexpected reference: %+v", gotBody.Reference)
	}
}

// TestDirectMessage_CachesChannel verifies the DM channel is opened once and
// reused on subsequent sends to the same user.
func TestDirectMessage_CachesChannel(t *testing.T) {
	opens := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/@me/channels" {
			opens++
			_, _ = io.WriteString(w, `{"id":"777"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"1","channel_id":"777"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.DirectMessage(context.Background(), 5, Outgoing{Content: "hi"}); err != nil {
			t.Fatalf("DirectMessage %d failed: %v", i, err)
		}
	}
	if opens != 1 {
		t.Errorf("expected 1 DM channel open, got %d", opens)
	}
}

// TestCommunityChannels_MarksSystemChannel verifies the system channel flag is
// derived from the community payload.
func TestCommunityChannels_MarksSystemChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/9":
			_, _ = io.WriteString(w, `{"id":"9","system_channel_id":"200"}`)
		case "/guilds/9/channels":
			_, _ = io.WriteString(w, `[{"id":"100","name":"general","can_send":true},{"id":"200","name":"welcome","can_send":false}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	channels, err := c.CommunityChannels(context.Background(), 9)
	if err != nil {
		t.Fatalf("CommunityChannels failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}
	if channels[0].IsSystem || !channels[1].IsSystem {
		t.Errorf("expected only channel 200 to be the system channel: %+v", channels)
	}
	if !channels[0].CanSend || channels[1].CanSend {
		t.Errorf("can_send flags not decoded: %+v", channels)
	}
}

// TestSend_DeleteAfter verifies a DeleteAfter message is deleted once the
// delay elapses.
func TestSend_DeleteAfter(t *testing.T) {
	deleted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted <- r.URL.Path
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.WriteString(w, `{"id":"55","channel_id":"7"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Send(context.Background(), 7, Outgoing{Content: "gone soon", DeleteAfter: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case path := <-deleted:
		if path != "/channels/7/messages/55" {
			t.Errorf("expected delete of /channels/7/messages/55, got %s", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not deleted after DeleteAfter elapsed")
	}
}
