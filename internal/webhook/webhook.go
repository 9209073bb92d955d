// Package webhook delivers incident summaries to an external feed.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/storage"
)

// traceLimit bounds the trace excerpt so the payload stays under the
// 2000-character message cap.
const traceLimit = 1500

// Client posts incident summaries to a webhook URL. Delivery is
// fire-and-forget from the caller's perspective; failures are reported for
// retry but never block command handling.
type Client struct {
	url  string
	http *http.Client
	log  zerolog.Logger
}

// New builds a webhook client. An empty URL yields a disabled client whose
// Emit is a no-op.
func New(url string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Enabled reports whether a feed URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Emit posts one incident to the feed.
func (c *Client) Emit(ctx context.Context, inc storage.Incident) error {
	if !c.Enabled() {
		return nil
	}

	payload := map[string]string{"content": formatIncident(inc)}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal feed payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post incident to feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}
	c.log.Debug().Uint64("incident", inc.ID).Msg("incident emitted to feed")
	return nil
}

func formatIncident(inc storage.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Error #%d** in the **%s** command\n", inc.ID, inc.Command)
	fmt.Fprintf(&b, "`%s`\n", inc.Signature)

	trace := inc.FullTrace
	if len(trace) > traceLimit {
		trace = trace[:traceLimit] + "\n[truncated]"
	}
	fmt.Fprintf(&b, "```\n%s\n```\n", trace)

	fmt.Fprintf(&b, "Triggered by `%d`", inc.UserID)
	if inc.CommunityID != 0 {
		fmt.Fprintf(&b, " in `%d`", inc.CommunityID)
	}
	fmt.Fprintf(&b, " at <t:%d:f>", inc.OccurredAt.Unix())
	if inc.OriginURL != "" {
		fmt.Fprintf(&b, "\nOrigin: %s", inc.OriginURL)
	}
	return b.String()
}
