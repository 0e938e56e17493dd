package scrape

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/chromedp/chromedp"

	"poolsync/internal/model"
)

const (
	dateInputSelector = `input[name="date"]`

	// clearListsJS drops lists rendered for the initial date so polling only
	// sees the list returned for the requested one.
	clearListsJS = `document.querySelectorAll('div.item-list').forEach(e => e.remove())`
	changeDateJS = `document.querySelector('input[name="date"]').dispatchEvent(new Event('change', {bubbles: true}))`
	listHTMLJS   = `(() => { const l = document.querySelector('div.item-list'); return l ? l.outerHTML : null })()`
)

// BrowserFetcher drives headless Chromium via chromedp. It is slower than
// HTTPFetcher and only needed when the site rejects non-browser clients.
//
// Rendering-complete condition: after changing the date input the page
// replaces its results via AJAX; the fetcher polls until a div.item-list is
// present again. A closed day must still render a list (with a "Closed"
// badge) or the poll times out.
type BrowserFetcher struct {
	opts Options
}

// NewBrowserFetcher creates a BrowserFetcher.
func NewBrowserFetcher(opts Options) *BrowserFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &BrowserFetcher{opts: opts}
}

// Fragment loads the hours page, selects date and returns the list HTML.
func (f *BrowserFetcher) Fragment(parentCtx context.Context, date civil.Date) (string, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(f.opts.UserAgent))
	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, allocOpts...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Apply timeout to the entire fetch sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer timeoutCancel()

	var fragment string
	tasks := chromedp.Tasks{
		chromedp.Navigate(f.opts.URL),
		chromedp.WaitReady(dateInputSelector, chromedp.ByQuery),
		chromedp.Evaluate(clearListsJS, nil),
		chromedp.SetValue(dateInputSelector, date.String(), chromedp.ByQuery),
		chromedp.Evaluate(changeDateJS, nil),
		chromedp.Poll(listHTMLJS, &fragment, chromedp.WithPollingInterval(250*time.Millisecond)),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", fmt.Errorf("%w: chromedp run failed: %w", model.ErrSourceUnavailable, err)
	}
	return fragment, nil
}
