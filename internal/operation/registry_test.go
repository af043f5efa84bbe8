package operation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/util"
)

func newRegistry(t *testing.T, store *FileStore) *Registry {
	t.Helper()
	r := NewRegistry(Options{MaxBackground: 2, Store: store, Log: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitState(t *testing.T, r *Registry, id string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = r.Get(id)
		return err == nil && st.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestBackgroundLifecycle(t *testing.T) {
	r := newRegistry(t, nil)
	release := make(chan struct{})
	task := func(ctx context.Context, rep *Reporter) (any, error) {
		rep.Progress(Progress{Pages: 1, Items: 2})
		<-release
		return map[string]int{"items": 5}, nil
	}

	st, err := r.Start(context.Background(), Spec{ID: "op-1", Kind: KindClone, Background: true, Params: map[string]int{"total": 5}}, task)
	require.NoError(t, err)
	assert.Equal(t, Queued, st.State)
	assert.Equal(t, 1, st.Attempt)
	assert.JSONEq(t, `{"total":5}`, string(st.Params))

	require.Eventually(t, func() bool {
		s, _ := r.Get("op-1")
		return s.State == Running && s.Progress.Items == 2
	}, 5*time.Second, 5*time.Millisecond)

	_, err = r.Start(context.Background(), Spec{ID: "op-1", Kind: KindClone, Background: true}, task)
	assert.True(t, errs.Is(err, errs.Conflict))

	close(release)
	final, err := r.WaitFor(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, Completed, final.State)
	assert.JSONEq(t, `{"items":5}`, string(final.Result))
	require.NotNil(t, final.FinishedAt)
	assert.GreaterOrEqual(t, final.ElapsedSeconds(), 0.0)
}

func TestBackgroundLimit(t *testing.T) {
	r := newRegistry(t, nil)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context, rep *Reporter) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	for _, id := range []string{"a", "b"} {
		_, err := r.Start(context.Background(), Spec{ID: id, Kind: KindClone, Background: true}, block)
		require.NoError(t, err)
	}
	_, err := r.Start(context.Background(), Spec{ID: "c", Kind: KindClone, Background: true}, block)
	assert.True(t, errs.Is(err, errs.Conflict))

	// Foreground runs are not subject to the background limit.
	st, err := r.Start(context.Background(), Spec{ID: "d", Kind: KindIngest}, func(context.Context, *Reporter) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, Completed, st.State)
}

func TestFailureThenRetry(t *testing.T) {
	r := newRegistry(t, nil)
	fail := func(ctx context.Context, rep *Reporter) (any, error) {
		rep.Checkpoint(CheckpointRef{Cursor: "c2", Page: 2, ItemCount: 4})
		return nil, errs.E(errs.Upstream, "upstream status 503")
	}
	st, err := r.Start(context.Background(), Spec{ID: "op", Kind: KindClone}, fail)
	require.Error(t, err)
	assert.Equal(t, Failed, st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, errs.Upstream, st.Error.Kind)
	require.NotNil(t, st.Error.Checkpoint)
	assert.Equal(t, "c2", st.Error.Checkpoint.Cursor)

	st, err = r.Start(context.Background(), Spec{ID: "op", Kind: KindClone}, func(context.Context, *Reporter) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, Completed, st.State)
	assert.Equal(t, 2, st.Attempt)
	assert.True(t, st.Resumed)
	assert.Nil(t, st.Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	r := newRegistry(t, nil)
	_, err := r.Start(context.Background(), Spec{ID: "boom", Kind: KindIngest, Background: true}, func(context.Context, *Reporter) (any, error) {
		panic("nil map")
	})
	require.NoError(t, err)
	st := waitState(t, r, "boom", Failed)
	assert.Equal(t, errs.Internal, st.Error.Kind)
	assert.Contains(t, st.Error.Message, "nil map")
}

func TestDurableStatus(t *testing.T) {
	dir := t.TempDir()
	store := &FileStore{Dirs: map[Kind]string{KindClone: dir}}
	r := newRegistry(t, store)
	_, err := r.Start(context.Background(), Spec{ID: "kept", Kind: KindClone}, func(ctx context.Context, rep *Reporter) (any, error) {
		rep.Progress(Progress{Items: 3})
		return nil, nil
	})
	require.NoError(t, err)

	other := newRegistry(t, store)
	st, err := other.Get("kept")
	require.NoError(t, err)
	assert.Equal(t, Completed, st.State)
	assert.Equal(t, 3, st.Progress.Items)

	// A snapshot left running by a dead process reads back as failed.
	require.NoError(t, store.Save(&Status{OperationID: "orphan", Kind: KindClone, State: Running, Attempt: 1}))
	st, err = other.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)

	st, err = other.Start(context.Background(), Spec{ID: "orphan", Kind: KindClone}, func(context.Context, *Reporter) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempt)
	assert.True(t, st.Resumed)
	assert.FileExists(t, filepath.Join(dir, "orphan", "status.json"))
}

func TestGetUnknown(t *testing.T) {
	r := newRegistry(t, nil)
	_, err := r.Get("nope")
	assert.True(t, errs.Is(err, errs.NotFound))

	r = newRegistry(t, &FileStore{Dirs: map[Kind]string{KindClone: t.TempDir()}})
	_, err = r.Get("nope")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestInvalidID(t *testing.T) {
	r := newRegistry(t, nil)
	_, err := r.Start(context.Background(), Spec{ID: "a/b", Kind: KindClone}, nil)
	assert.True(t, errs.Is(err, errs.Validation))
	assert.False(t, util.ValidOperationID(".."))
}

func TestPruneAfterTTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	r := NewRegistry(Options{TTL: time.Hour, Log: zerolog.Nop(), Now: clock})

	_, err := r.Start(context.Background(), Spec{ID: "old", Kind: KindIngest}, func(context.Context, *Reporter) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Len(t, r.List(), 1)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	r.Prune()
	assert.Empty(t, r.List())
}

func TestShutdownCancelsBackground(t *testing.T) {
	r := NewRegistry(Options{MaxBackground: 1, Log: zerolog.Nop()})
	_, err := r.Start(context.Background(), Spec{ID: "long", Kind: KindClone, Background: true}, func(ctx context.Context, rep *Reporter) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	waitState(t, r, "long", Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	st, err := r.Get("long")
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)
	assert.Contains(t, st.Error.Message, "context canceled")
}
