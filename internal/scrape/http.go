package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	appLog "poolsync/internal/log"
	"poolsync/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

// Options configures the fetchers.
type Options struct {
	// URL is the facility hours page.
	URL string
	// FormID is the Drupal form_id posted with the date.
	FormID    string
	UserAgent string
	Timeout   time.Duration
}

// HTTPFetcher retrieves the hours fragment by posting the page's AJAX date
// filter form directly, the way the page's own HTMX request does.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client gets one with
// opts.Timeout (default 30s).
func NewHTTPFetcher(opts Options, client *http.Client) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPFetcher{client: client, opts: opts}
}

// ajaxCommand is one element of a Drupal AJAX response.
type ajaxCommand struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// Fragment posts the date filter and returns the HTML inserted by the first
// "insert" command.
func (f *HTTPFetcher) Fragment(ctx context.Context, date civil.Date) (string, error) {
	u, err := url.Parse(f.opts.URL)
	if err != nil {
		return "", fmt.Errorf("%w: bad source url: %w", model.ErrSourceUnavailable, err)
	}
	q := u.Query()
	q.Set("ajax_form", "1")
	u.RawQuery = q.Encode()

	form := url.Values{
		"date":    {date.String()},
		"form_id": {f.opts.FormID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("HX-Request", "true")
	req.Header.Set("Referer", f.opts.URL)

	appLog.Debug("hours fetch start", "date", date, "url", f.opts.URL)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", model.ErrSourceUnavailable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", model.ErrSourceUnavailable, err)
	}

	var commands []ajaxCommand
	if err := json.Unmarshal(body, &commands); err != nil {
		return "", fmt.Errorf("%w: decode ajax response: %w", model.ErrSourceUnavailable, err)
	}

	for _, c := range commands {
		if c.Command != "insert" {
			continue
		}
		var data string
		if err := json.Unmarshal(c.Data, &data); err != nil || strings.TrimSpace(data) == "" {
			return "", fmt.Errorf("%w: no data in the insert command", model.ErrSourceUnavailable)
		}
		appLog.Debug("hours fetch success", "date", date, "bytes", len(data))
		return data, nil
	}
	return "", fmt.Errorf("%w: no insert command in response", model.ErrSourceUnavailable)
}
