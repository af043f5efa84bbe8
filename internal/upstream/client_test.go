package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/util"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		BaseURL:       srv.URL,
		Version:       "1.0",
		HTTP:          srv.Client(),
		Policy:        util.Policy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		RetryStatuses: []int{429, 502, 503, 504},
		Log:           zerolog.Nop(),
	}
}

func TestFetchPageSendsParamsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1.0/ocdsReleasePackages", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "c1", q.Get("cursor"))
		assert.Equal(t, "tender", q.Get("stages"))
		assert.Equal(t, "2024-01-01T00:00:00", q.Get("updatedFrom"))
		fmt.Fprint(w, `{
			"uri": "https://up/api/1.0/ocdsReleasePackages?updatedTo=2024-02-01T00:00:00",
			"publishedDate": "2024-02-01T00:00:00Z",
			"releases": [{"ocid":"o-1","id":"r-1","date":"2024-01-05T00:00:00Z"},{"ocid":"o-2","id":7}],
			"links": {"next": "https://up/api/1.0/ocdsReleasePackages?cursor=c2&updatedTo=2024-02-01T00:00:00"}
		}`)
	}))
	defer srv.Close()

	page, err := testClient(srv).FetchPage(context.Background(), PageRequest{
		Cursor:  "c1",
		Limit:   50,
		Filters: Filters{Stages: "tender", UpdatedFrom: "2024-01-01T00:00:00"},
	})
	require.NoError(t, err)
	require.Len(t, page.Releases, 2)
	assert.Equal(t, "o-1", page.Releases[0].OCID)
	assert.Equal(t, "7", page.Releases[1].ID)
	assert.JSONEq(t, `{"ocid":"o-2","id":7}`, string(page.Releases[1].Raw))
	assert.Equal(t, "c2", page.NextCursor)
	assert.Equal(t, "2024-02-01T00:00:00", page.FrozenUpdatedTo())
	assert.False(t, page.End())
}

func TestFetchPageRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"releases":[],"nextCursor":""}`)
	}))
	defer srv.Close()

	page, err := testClient(srv).FetchPage(context.Background(), PageRequest{Limit: 1})
	require.NoError(t, err)
	assert.True(t, page.End())
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPageGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchPage(context.Background(), PageRequest{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Upstream))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPageDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad cursor", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchPage(context.Background(), PageRequest{Cursor: "zz"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Upstream))
	assert.Contains(t, err.Error(), "bad cursor")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPageMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"releases": [`)
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchPage(context.Background(), PageRequest{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Upstream))
}

func TestFetchNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/1.0/ocdsReleasePackages/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"releases":[{"ocid":"o-9"}]}`)
	}))
	defer srv.Close()

	c := testClient(srv)
	body, err := c.FetchNotice(context.Background(), "o-9")
	require.NoError(t, err)
	assert.Contains(t, string(body), "o-9")

	_, err = c.FetchNotice(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestFiltersValidate(t *testing.T) {
	require.NoError(t, Filters{}.Validate())
	require.NoError(t, Filters{Stages: "award", UpdatedFrom: "2024-01-01T00:00:00"}.Validate())
	assert.True(t, errs.Is(Filters{Stages: "contract"}.Validate(), errs.Validation))
	assert.True(t, errs.Is(Filters{UpdatedTo: "yesterday"}.Validate(), errs.Validation))
	assert.True(t, errs.Is(Filters{UpdatedFrom: "2024-02-01T00:00:00", UpdatedTo: "2024-01-01T00:00:00"}.Validate(), errs.Validation))
}

func TestFiltersInherit(t *testing.T) {
	frozen := Filters{Stages: "tender", UpdatedTo: "2024-02-01T00:00:00"}

	got, err := Filters{}.Inherit(frozen)
	require.NoError(t, err)
	assert.Equal(t, frozen, got)

	got, err = Filters{Stages: "tender"}.Inherit(frozen)
	require.NoError(t, err)
	assert.Equal(t, frozen, got)

	_, err = Filters{UpdatedFrom: "2024-01-01T00:00:00"}.Inherit(frozen)
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = Filters{Stages: "award"}.Inherit(frozen)
	assert.True(t, errs.Is(err, errs.Validation))
}
