package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/app"
	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/search"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

type feed struct{ n int }

func (f *feed) FetchPage(_ context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	end := min(start+req.Limit, f.n)
	page := &upstream.Page{PublishedDate: "2024-06-01T00:00:00Z"}
	for i := start; i < end; i++ {
		raw := fmt.Sprintf(`{"ocid":"o-%d","date":"2024-05-01T10:00:00Z","tag":["tender"],"tender":{"title":"24 hour care and support service %d"}}`, i, i)
		page.Releases = append(page.Releases, upstream.Release{OCID: fmt.Sprintf("o-%d", i), Raw: []byte(raw)})
	}
	if end < f.n {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// newServer builds an app whose pass-through routes hit upstreamURL and whose
// clone and ingest runs read from a feed of n releases.
func newServer(t *testing.T, n int, upstreamURL string) *httptest.Server {
	t.Helper()
	dir := filepath.ToSlash(t.TempDir())
	body := fmt.Sprintf(`
clone:
  data_dir: %[1]s/clones
ingest:
  data_dir: %[1]s/ingests
store:
  dsn: ":memory:"
storage:
  local:
    path: %[1]s/archives
upstream:
  base_url: %[2]q
  page_size: 2
  max_attempts: 1
`, dir, upstreamURL)
	path := filepath.Join(dir, "tmr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, zerolog.Nop(), metrics.New())
	require.NoError(t, err)
	a.SetFetcher(&feed{n: n})
	srv := httptest.NewServer(New(a, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return srv
}

func call(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCloneIngestSearchOverHTTP(t *testing.T) {
	srv := newServer(t, 6, "http://127.0.0.1:1")

	var st operation.Status
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/admin/clone_database?total=4", &st))
	assert.Equal(t, operation.Completed, st.State)

	var view app.CloneView
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/admin/clone_status/"+st.OperationID, &view))
	require.NotNil(t, view.Manifest)
	assert.Equal(t, 4, view.Manifest.Totals.Items)

	var ing operation.Status
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/admin/ingest?source=clone&total=-1&clone_id="+st.OperationID, &ing))
	assert.Equal(t, operation.Completed, ing.State)

	var got operation.Status
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/admin/operations/"+ing.OperationID, &got))
	assert.Equal(t, operation.KindIngest, got.Kind)

	var resp search.Response
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/search?q=care+and+support", &resp))
	assert.Equal(t, 4, resp.Count)

	var listed struct {
		Operations []operation.Status `json:"operations"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/admin/operations", &listed))
	assert.Len(t, listed.Operations, 2)
}

func TestBackgroundStartIsAccepted(t *testing.T) {
	srv := newServer(t, 4, "http://127.0.0.1:1")
	var st operation.Status
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, srv.URL+"/admin/ingest/first?limit=3", &st))
	assert.Equal(t, operation.Completed, st.State)

	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/admin/clone_database?background=true", &st))
	assert.Equal(t, operation.Queued, st.State)
	require.Eventually(t, func() bool {
		var view app.CloneView
		return call(t, http.MethodGet, srv.URL+"/admin/clone_status/"+st.OperationID, &view) == http.StatusOK &&
			view.State == operation.Completed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestErrorStatusCodes(t *testing.T) {
	srv := newServer(t, 2, "http://127.0.0.1:1")
	cases := []struct {
		name   string
		method string
		path   string
		code   int
		kind   errs.Kind
	}{
		{"bad total", http.MethodPost, "/admin/clone_database?total=abc", http.StatusBadRequest, errs.Validation},
		{"bad background", http.MethodPost, "/admin/ingest?background=maybe", http.StatusBadRequest, errs.Validation},
		{"ingest total too large", http.MethodPost, "/admin/ingest?total=5001", http.StatusBadRequest, errs.Validation},
		{"unknown clone", http.MethodGet, "/admin/clone_status/clone_missing", http.StatusNotFound, errs.NotFound},
		{"first limit", http.MethodPost, "/admin/ingest/first?limit=101", http.StatusBadRequest, errs.Validation},
		{"search too short", http.MethodGet, "/search?q=a", http.StatusBadRequest, errs.Validation},
		{"search bad mode", http.MethodGet, "/search?q=care&mode=fuzzy", http.StatusBadRequest, errs.Validation},
		{"search bad cpv", http.MethodGet, "/search?q=care&cpv=85x", http.StatusBadRequest, errs.Validation},
		{"search inverted dates", http.MethodGet, "/search?q=care&published_from=2024-02-01&published_to=2024-01-01", http.StatusBadRequest, errs.Validation},
		{"tenders limit", http.MethodGet, "/tenders?limit=500", http.StatusBadRequest, errs.Validation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorBody
			assert.Equal(t, tc.code, call(t, tc.method, srv.URL+tc.path, &body))
			assert.Equal(t, tc.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	srv := newServer(t, 2, "http://127.0.0.1:1")
	assert.Equal(t, http.StatusMethodNotAllowed, call(t, http.MethodGet, srv.URL+"/admin/clone_database", nil))
}

func TestTendersPassThrough(t *testing.T) {
	queries := make(chan string, 2)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"uri":"`+r.URL.Path+`","releases":[]}`)
	}))
	t.Cleanup(up.Close)
	srv := newServer(t, 0, up.URL)

	var page map[string]any
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/tenders?limit=3&stages=award", &page))
	assert.Equal(t, "/api/1.0/ocdsReleasePackages", page["uri"])
	got := <-queries
	assert.Contains(t, got, "limit=3")
	assert.Contains(t, got, "stages=award")

	var notice map[string]any
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/tenders/ocds-h6vhtk-0001", &notice))
	assert.Contains(t, notice["uri"], "ocds-h6vhtk-0001")
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, 0, "http://127.0.0.1:1")
	var health map[string]string
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	call(t, http.MethodGet, srv.URL+"/search?q=x", nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tmr_search_requests_total{mode="exact",outcome="rejected"} 1`)
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeMinimalConfig(t, dir))
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(a, zerolog.Nop()).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func writeMinimalConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf("store:\n  dsn: \":memory:\"\nclone:\n  data_dir: %[1]s/clones\ningest:\n  data_dir: %[1]s/ingests\nstorage:\n  local:\n    path: %[1]s/archives\n", filepath.ToSlash(dir))
	path := filepath.Join(dir, "tmr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
