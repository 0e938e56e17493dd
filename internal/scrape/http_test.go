package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolsync/internal/model"
)

var testDate = civil.Date{Year: 2026, Month: 1, Day: 20}

func newHoursServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var seen http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		seen = *r.Clone(context.Background())
		seen.PostForm = form
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func testOptions(srvURL string) Options {
	return Options{URL: srvURL + "/aquatics", FormID: "hours_form", UserAgent: "poolsync-test"}
}

func TestHTTPFetcher_Fragment(t *testing.T) {
	body := `[
		{"command": "settings", "data": {"ajaxPageState": {}}},
		{"command": "insert", "method": "replaceWith", "data": "<div class=\"item-list\"></div>"}
	]`
	srv, seen := newHoursServer(t, http.StatusOK, body)

	f := NewHTTPFetcher(testOptions(srv.URL), nil)
	got, err := f.Fragment(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, `<div class="item-list"></div>`, got)

	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/aquatics", seen.URL.Path)
	assert.Equal(t, "1", seen.URL.Query().Get("ajax_form"))
	assert.Equal(t, "2026-01-20", seen.PostForm.Get("date"))
	assert.Equal(t, "hours_form", seen.PostForm.Get("form_id"))
	assert.Equal(t, "true", seen.Header.Get("HX-Request"))
	assert.Equal(t, "poolsync-test", seen.Header.Get("User-Agent"))
	assert.Equal(t, srv.URL+"/aquatics", seen.Header.Get("Referer"))
}

func TestHTTPFetcher_Failures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":    {http.StatusBadGateway, ""},
		"not json":        {http.StatusOK, "<html>challenge</html>"},
		"no insert":       {http.StatusOK, `[{"command": "settings"}]`},
		"empty insert":    {http.StatusOK, `[{"command": "insert", "data": ""}]`},
		"non-string data": {http.StatusOK, `[{"command": "insert", "data": {"x": 1}}]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := newHoursServer(t, tc.status, tc.body)
			_, err := NewHTTPFetcher(testOptions(srv.URL), nil).Fragment(context.Background(), testDate)
			assert.ErrorIs(t, err, model.ErrSourceUnavailable)
		})
	}
}

type fetcherFunc func(ctx context.Context, date civil.Date) (string, error)

func (f fetcherFunc) Fragment(ctx context.Context, date civil.Date) (string, error) {
	return f(ctx, date)
}

func TestSource_Entries(t *testing.T) {
	var asked []civil.Date
	src := NewSource(fetcherFunc(func(_ context.Context, d civil.Date) (string, error) {
		asked = append(asked, d)
		return `<div class="item-list"><ul><li><span class="badge">Open</span> 6am - 9am Lap Swim</li></ul></div>`, nil
	}), 0)

	entries, err := src.Entries(context.Background(), testDate)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Lap Swim", entries[0].Info)
	assert.Equal(t, []civil.Date{testDate}, asked)
}

func TestSource_FetchErrorIsNotClosed(t *testing.T) {
	boom := errors.New("connection reset")
	src := NewSource(fetcherFunc(func(context.Context, civil.Date) (string, error) {
		return "", errors.Join(model.ErrSourceUnavailable, boom)
	}), 0)

	entries, err := src.Entries(context.Background(), testDate)
	assert.Nil(t, entries)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestSource_CanceledWhileThrottled(t *testing.T) {
	src := NewSource(fetcherFunc(func(context.Context, civil.Date) (string, error) {
		t.Fatal("fetch after cancel")
		return "", nil
	}), 0.001)
	// Spend the single burst token.
	require.True(t, src.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Entries(ctx, testDate)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
}
