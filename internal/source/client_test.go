package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duedigest/internal/domain"
	"duedigest/internal/format"
	logx "duedigest/pkg/logx"
)

func newTestClient() *Client {
	return New(Config{RatePerSec: 1000}, StaticCredentials("tok"), logx.Nop())
}

func TestFetchSortsFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/users/self/todo?page=2>; rel="next", <%s/api/v1/users/self/todo?page=9>; rel="last"`, srvURL, srvURL))
			_, _ = w.Write([]byte(`[
				{"type":"submitting","course_id":101,"assignment":{"name":"B","due_at":"2026-02-20T10:00:00Z"}},
				{"type":"first","course_id":"102","assignment":{"name":"A","due_at":"2026-02-18T23:59:00Z"}},
				{"type":"submitting","course_id":101,"assignment":{"name":"undated","due_at":null}}
			]`))
		case "2":
			_, _ = w.Write([]byte(`[
				{"type":"second","course_id":102,"assignment":{"name":"A","due_at":"2026-02-18T23:59:00Z"}},
				{"type":"grading","course_id":103}
			]`))
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	items, err := newTestClient().Fetch(context.Background(), domain.Subject{ID: "s1", Domain: srv.URL})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "A", items[0].Title)
	assert.Equal(t, "first", items[0].Type)
	assert.Equal(t, "A", items[1].Title)
	assert.Equal(t, "second", items[1].Type)
	assert.Equal(t, "B", items[2].Title)
	assert.Equal(t, "101", items[2].GroupID)

	msg := format.Format(items, time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC), nil)
	assert.Less(t, strings.Index(msg, "Due: 2026-02-18"), strings.Index(msg, "Due: 2026-02-20"))
}

func TestSortItemsStable(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 18, 23, 59, 0, 0, time.UTC)
	items := []domain.DueItem{
		{Title: "B", DueAt: at.Add(34 * time.Hour)},
		{Title: "A", DueAt: at, Type: "x"},
		{Title: "A", DueAt: at, Type: "y"},
	}
	SortItems(items)
	assert.Equal(t, []string{"x", "y", ""}, []string{items[0].Type, items[1].Type, items[2].Type})
}

func TestFetchErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		header map[string]string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", 401, nil, func(t *testing.T, err error) {
			var ae *domain.AuthError
			assert.True(t, errors.As(err, &ae))
		}},
		{"forbidden", 403, nil, func(t *testing.T, err error) {
			var ae *domain.AuthError
			assert.True(t, errors.As(err, &ae))
		}},
		{"throttled", 429, map[string]string{"Retry-After": "30"}, func(t *testing.T, err error) {
			var rl *domain.RateLimitError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, 30*time.Second, rl.RetryAfter)
		}},
		{"unavailable", 503, nil, func(t *testing.T, err error) {
			var ne *domain.NetworkError
			assert.True(t, errors.As(err, &ne))
			assert.True(t, domain.IsRetryable(err))
		}},
		{"not found", 404, nil, func(t *testing.T, err error) {
			assert.False(t, domain.IsRetryable(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()
			_, err := newTestClient().Fetch(context.Background(), domain.Subject{Domain: srv.URL})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestFetchConnectionRefusedIsNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := newTestClient().Fetch(context.Background(), domain.Subject{Domain: addr})
	var ne *domain.NetworkError
	assert.True(t, errors.As(err, &ne))
}

func TestListGroups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/courses", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":101,"name":"English"},{"id":"102","name":"Math"},{"id":103,"name":""}]`))
	}))
	defer srv.Close()

	got, err := newTestClient().ListGroups(context.Background(), domain.Subject{Domain: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"101": "English", "102": "Math"}, got)
}

func TestEnvCredentials(t *testing.T) {
	t.Parallel()

	env := map[string]string{"DD_TOKEN_A": " secret "}
	creds := EnvCredentials{Prefix: "DD_", Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	tok, err := creds.Token(context.Background(), domain.Subject{CredentialRef: "TOKEN_A"})
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	_, err = creds.Token(context.Background(), domain.Subject{CredentialRef: "TOKEN_B"})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestNextLink(t *testing.T) {
	t.Parallel()

	h := `<https://x/a?page=1>; rel="current", <https://x/a?page=2>; rel="next"`
	assert.Equal(t, "https://x/a?page=2", nextLink(h))
	assert.Equal(t, "", nextLink(`<https://x/a?page=1>; rel="last"`))
}
