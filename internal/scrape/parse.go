package scrape

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"golang.org/x/net/html"

	"poolsync/internal/model"
)

const closedStatus = "Closed"

var (
	clockPattern = `(?:noon|midnight|\d{1,2}(?::\d{2})?\s*[ap]\.?\s*m\.?)`
	rangeRe      = regexp.MustCompile(`(?i)(` + clockPattern + `)\s*(?:-|–|—|to)\s*(` + clockPattern + `)`)
	clockRe      = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?([ap])m$`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// ParseFragment extracts schedule entries from the hours HTML fragment.
//
// The fragment holds a div.item-list whose li elements each carry a .badge
// (status) followed by a time range and a label, e.g.
//
//	<li><span class="badge">Open</span> 6:00am - 9:00am Lap Swim</li>
//
// An empty result means the facility is closed, which requires a list whose
// items are all bare "Closed" badges. A missing or empty list is reported as
// ErrSourceUnavailable.
func ParseFragment(fragment string) ([]model.Entry, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", model.ErrSourceUnavailable, err)
	}

	list := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "item-list")
	})
	if list == nil {
		return nil, fmt.Errorf("%w: item-list not found", model.ErrSourceUnavailable)
	}

	items := findAll(list, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "li"
	})
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item-list has no items", model.ErrSourceUnavailable)
	}

	var entries []model.Entry
	for _, li := range items {
		badge := findFirst(li, func(n *html.Node) bool {
			return n.Type == html.ElementNode && hasClass(n, "badge")
		})
		if badge == nil {
			return nil, fmt.Errorf("%w: item %q has no status badge", model.ErrMalformedEntry, clean(textOf(li, nil)))
		}
		status := clean(textOf(badge, nil))
		rest := clean(textOf(li, badge))

		entry, ok, err := parseItem(status, rest)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// parseItem turns one list item into an Entry. ok is false for a bare
// "Closed" item that carries no time range.
func parseItem(status, text string) (model.Entry, bool, error) {
	loc := rangeRe.FindStringSubmatchIndex(text)
	if loc == nil {
		if strings.EqualFold(status, closedStatus) {
			return model.Entry{}, false, nil
		}
		return model.Entry{}, false, fmt.Errorf("%w: no time range in %q", model.ErrMalformedEntry, text)
	}

	start, _, err := parseClock(text[loc[2]:loc[3]])
	if err != nil {
		return model.Entry{}, false, err
	}
	end, midnight, err := parseClock(text[loc[4]:loc[5]])
	if err != nil {
		return model.Entry{}, false, err
	}
	if midnight || end == (civil.Time{}) {
		// Closing at midnight (or 12am) ends the block at the last minute of
		// the day.
		end = civil.Time{Hour: 23, Minute: 59}
	}

	info := clean(text[:loc[0]] + " " + text[loc[1]:])
	info = strings.Trim(info, " :|-–—,")

	e := model.Entry{Status: status, Start: start, End: end, Info: info}
	if err := e.Validate(); err != nil {
		return model.Entry{}, false, err
	}
	return e, true, nil
}

// parseClock parses "6am", "6:30 PM", "9 a.m.", "noon" and "midnight".
func parseClock(s string) (civil.Time, bool, error) {
	norm := strings.ToLower(strings.NewReplacer(".", "", " ", "").Replace(s))
	switch norm {
	case "noon":
		return civil.Time{Hour: 12}, false, nil
	case "midnight":
		return civil.Time{}, true, nil
	}

	m := clockRe.FindStringSubmatch(norm)
	if m == nil {
		return civil.Time{}, false, fmt.Errorf("%w: bad time %q", model.ErrMalformedEntry, s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if hour < 1 || hour > 12 || minute > 59 {
		return civil.Time{}, false, fmt.Errorf("%w: bad time %q", model.ErrMalformedEntry, s)
	}
	hour %= 12
	if m[3] == "p" {
		hour += 12
	}
	return civil.Time{Hour: hour, Minute: minute}, false, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			out = append(out, c)
			continue
		}
		out = append(out, findAll(c, match)...)
	}
	return out
}

// textOf concatenates the text below n, skipping the subtree rooted at skip.
func textOf(n, skip *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n == skip {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func clean(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
