// Package notify publishes run results to an ntfy topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	appLog "poolsync/internal/log"
)

// Ntfy posts the list of modified dates to server/topic.
type Ntfy struct {
	server string
	topic  string
	title  string
	client *http.Client
}

// NewNtfy returns a publisher. An empty topic yields a publisher whose Notify
// is a no-op.
func NewNtfy(server, topic, title string, client *http.Client) *Ntfy {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Ntfy{
		server: strings.TrimRight(server, "/"),
		topic:  topic,
		title:  title,
		client: client,
	}
}

// Enabled reports whether a topic is configured.
func (n *Ntfy) Enabled() bool {
	return n != nil && n.topic != ""
}

// Notify sends one message with the given dates, sorted, one ISO date per
// line. Nothing is sent when dates is empty.
func (n *Ntfy) Notify(ctx context.Context, dates []civil.Date) error {
	if !n.Enabled() || len(dates) == 0 {
		return nil
	}

	sorted := slices.Clone(dates)
	slices.SortFunc(sorted, func(a, b civil.Date) int { return a.Compare(b) })
	lines := make([]string, 0, len(sorted))
	for _, d := range sorted {
		lines = append(lines, d.String())
	}

	url := n.server + "/" + n.topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Title", n.title)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: post %s: unexpected status %s", url, resp.Status)
	}
	appLog.Info("notify: sent", "topic", n.topic, "dates", strings.Join(lines, ","))
	return nil
}
