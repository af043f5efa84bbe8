package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
)

func put(t *testing.T, st Storage, key, body string) {
	t.Helper()
	require.NoError(t, st.Put(context.Background(), key, strings.NewReader(body), -1, nil))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())
	put(t, st, "clones/op/a.tar.zst", "payload")

	r, err := st.Get(ctx, "clones/op/a.tar.zst")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	obj, err := st.Stat(ctx, "clones/op/a.tar.zst")
	require.NoError(t, err)
	assert.EqualValues(t, 7, obj.Size)
	assert.False(t, obj.IsManifest)

	ok, err := st.Exists(ctx, "clones/op/a.tar.zst")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.Delete(ctx, "clones/op/a.tar.zst"))
	require.NoError(t, st.Delete(ctx, "clones/op/a.tar.zst"))
	ok, err = st.Exists(ctx, "clones/op/a.tar.zst")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Get(ctx, "clones/op/a.tar.zst")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = st.Stat(ctx, "clones/op/a.tar.zst")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	st := NewLocal(t.TempDir())
	err := st.Put(context.Background(), "../outside", strings.NewReader("x"), 1, nil)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestLocalListMissingPrefix(t *testing.T) {
	st := NewLocal(t.TempDir())
	objects, err := st.List(context.Background(), "clones/none")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())
	m := Manifest{ID: "m1", Key: "clones/op/a.tar", OperationID: "op", Compression: "none", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Items: 3}
	require.NoError(t, WriteManifest(ctx, st, m))

	got, err := ReadManifest(ctx, st, "clones/op/a.tar")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	objects, err := st.List(ctx, "clones")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.True(t, objects[0].IsManifest)
}

func TestApplyRetention(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	st := NewLocal(base)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	for i, age := range []int{1, 5, 10, 20} {
		key := "clones/op/" + string(rune('a'+i)) + ".tar"
		put(t, st, key, "0123456789")
		require.NoError(t, WriteManifest(ctx, st, Manifest{Key: key}))
		when := now.AddDate(0, 0, -age)
		require.NoError(t, os.Chtimes(filepath.Join(base, filepath.FromSlash(key)), when, when))
	}

	deleted, err := ApplyRetention(ctx, st, "clones", config.Retention{KeepLast: 1, KeepDays: 7}, now)
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	assert.Equal(t, "clones/op/d.tar", deleted[0].Key)
	assert.Equal(t, "clones/op/c.tar", deleted[1].Key)

	ok, err := st.Exists(ctx, ManifestKey("clones/op/d.tar"))
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = ApplyRetention(ctx, st, "clones", config.Retention{MaxBytes: 10}, now)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "clones/op/b.tar", deleted[0].Key)

	deleted, err = ApplyRetention(ctx, st, "clones", config.Retention{}, now)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Backend: "ftp"})
	assert.True(t, errs.Is(err, errs.Validation))

	st, err := New(context.Background(), config.StorageConfig{Local: config.LocalStore{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, st)
}
