package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/db"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/ocds"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

type feed struct {
	mu       sync.Mutex
	releases []string
	failAt   int
	calls    int
	requests []upstream.PageRequest
}

func (f *feed) FetchPage(_ context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errs.E(errs.Upstream, "upstream status 502")
	}
	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	end := min(start+req.Limit, len(f.releases))
	page := &upstream.Page{
		URI:           "https://up/api/1.0/ocdsReleasePackages?updatedTo=2024-06-01T00:00:00",
		PublishedDate: "2024-06-01T00:00:00Z",
	}
	for i, raw := range f.releases[start:end] {
		page.Releases = append(page.Releases, upstream.Release{OCID: fmt.Sprintf("o-%d", start+i), Raw: []byte(raw)})
	}
	if end < len(f.releases) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func releases(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`{"ocid":"o-%d","id":"r-%d","date":"2024-05-%02dT10:00:00Z","tag":["tender"],"tender":{"title":"cleaning contract %d"}}`, i, i, i+1, i)
	}
	return out
}

func newEngine(t *testing.T) (*Engine, *db.Store) {
	t.Helper()
	store, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &Engine{Store: store, Log: zerolog.Nop()}, store
}

func count(t *testing.T, s *db.Store) int {
	t.Helper()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunFromUpstream(t *testing.T) {
	e, store := newEngine(t)
	f := &feed{releases: releases(9)}
	var progress []Result
	res, err := e.Run(context.Background(), &UpstreamSource{Fetcher: f, Total: 5, PageSize: 2}, 2, func(r Result) {
		progress = append(progress, r)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.PagesFetched)
	assert.Equal(t, 3, res.PagesCommitted)
	assert.Equal(t, 5, res.ItemsSeen)
	assert.Equal(t, 5, res.ItemsUpserted)
	assert.Equal(t, 5, res.Inserted)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "5", res.NextCursor)
	assert.Equal(t, 5, count(t, store))
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[0].PagesCommitted)

	require.Len(t, f.requests, 3)
	assert.Equal(t, 1, f.requests[2].Limit)
	assert.Equal(t, "2024-06-01T00:00:00", f.requests[1].Filters.UpdatedTo)
}

func TestRunIsIdempotent(t *testing.T) {
	e, store := newEngine(t)
	src := func() Source { return &UpstreamSource{Fetcher: &feed{releases: releases(4)}, Total: clone.Unbounded, PageSize: 3} }

	_, err := e.Run(context.Background(), src(), 1, nil)
	require.NoError(t, err)
	before, err := store.Get(context.Background(), "o-2")
	require.NoError(t, err)

	res, err := e.Run(context.Background(), src(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Unchanged)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 4, count(t, store))
	after, err := store.Get(context.Background(), "o-2")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunSkipsUnkeyedReleases(t *testing.T) {
	e, store := newEngine(t)
	rels := releases(3)
	rels[1] = `{"id":"r-x","tender":{"title":"no ocid"}}`
	res, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{releases: rels}, Total: clone.Unbounded, PageSize: 5}, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "o-1", res.Skipped[0].OCID)
	assert.Equal(t, "r-x", res.Skipped[0].ReleaseID)
	assert.Equal(t, 2, count(t, store))
}

func TestRunStaleReleaseNotApplied(t *testing.T) {
	e, store := newEngine(t)
	newer := `{"ocid":"o-0","date":"2024-06-01T00:00:00Z","tender":{"title":"newer"}}`
	older := `{"ocid":"o-0","date":"2024-01-01T00:00:00Z","tender":{"title":"older"}}`
	res, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{releases: []string{newer, older}}, Total: clone.Unbounded, PageSize: 1}, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.ItemsUpserted)
	rec, err := store.Get(context.Background(), "o-0")
	require.NoError(t, err)
	assert.Equal(t, "newer", rec.Title)
}

func TestRunFailureKeepsCommittedPages(t *testing.T) {
	e, store := newEngine(t)
	res, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{releases: releases(9), failAt: 3}, Total: clone.Unbounded, PageSize: 2}, 1, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Upstream))
	assert.Equal(t, 2, res.PagesCommitted)
	assert.Equal(t, 4, count(t, store))
}

func TestRunFailureRollsBackOpenBatch(t *testing.T) {
	e, store := newEngine(t)
	res, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{releases: releases(9), failAt: 3}, Total: clone.Unbounded, PageSize: 2}, 3, nil)
	require.Error(t, err)
	assert.Zero(t, res.PagesCommitted)
	assert.Equal(t, 2, res.FailedPages)
	assert.Zero(t, count(t, store))
}

// gatedFeed holds the second fetch until release is closed.
type gatedFeed struct {
	*feed
	reached chan struct{}
	release chan struct{}
	once    sync.Once
	calls   int
}

func (g *gatedFeed) FetchPage(ctx context.Context, req upstream.PageRequest) (*upstream.Page, error) {
	g.calls++
	if g.calls == 2 {
		g.once.Do(func() { close(g.reached) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.feed.FetchPage(ctx, req)
}

func TestStoreReadableWhileBatchFetches(t *testing.T) {
	e, store := newEngine(t)
	_, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{releases: releases(2)}, Total: clone.Unbounded, PageSize: 2}, 1, nil)
	require.NoError(t, err)

	g := &gatedFeed{feed: &feed{releases: releases(12)}, reached: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), &UpstreamSource{Fetcher: g, Total: clone.Unbounded, PageSize: 2}, 5, nil)
		done <- err
	}()
	<-g.reached

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hits, err := store.Search(ctx, db.Query{Text: ocds.Fold("cleaning contract"), Mode: db.Exact, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	close(g.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingest did not finish")
	}
	assert.Equal(t, 12, count(t, store))
}

func TestFirstUsesSinglePage(t *testing.T) {
	e, store := newEngine(t)
	f := &feed{releases: releases(9)}
	res, err := e.First(context.Background(), f, upstream.Filters{}, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.PagesFetched)
	assert.Equal(t, 1, res.PagesCommitted)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, count(t, store))
	assert.Len(t, f.requests, 1)

	_, err = e.First(context.Background(), f, upstream.Filters{}, 0, nil)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestRunRejectsBadCommitEvery(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Run(context.Background(), &UpstreamSource{Fetcher: &feed{}}, 0, nil)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestRunFromClone(t *testing.T) {
	dir := t.TempDir()
	cl := &clone.Engine{DataDir: dir, RotateBytes: 1 << 20, PageSize: 2, Fetcher: &feed{releases: releases(5)}, Log: zerolog.Nop()}
	_, err := cl.Run(context.Background(), clone.Params{OperationID: "clone_a", Total: clone.Unbounded}, nil)
	require.NoError(t, err)

	e, store := newEngine(t)
	res, err := e.Run(context.Background(), &CloneSource{Layout: cl.Layout("clone_a"), Total: 4}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PagesCommitted)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, 4, count(t, store))

	rec, err := store.Get(context.Background(), "o-3")
	require.NoError(t, err)
	assert.Equal(t, "cleaning contract 3", rec.Title)
	assert.Equal(t, "tender", rec.Stage)

	_, err = e.Run(context.Background(), &CloneSource{Layout: cl.Layout("clone_missing"), Total: clone.Unbounded}, 1, nil)
	assert.True(t, errs.Is(err, errs.Validation))
}
