package app

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/compress"
	"github.com/rowjay/tender-mirror/internal/cryptoutil"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/lock"
	"github.com/rowjay/tender-mirror/internal/notify"
	"github.com/rowjay/tender-mirror/internal/storage"
	"github.com/rowjay/tender-mirror/internal/util"
	"github.com/rowjay/tender-mirror/internal/version"
)

const objectsEntry = "objects/sha256/"

type ArchiveResult struct {
	Manifest storage.Manifest `json:"manifest"`
	Key      string           `json:"key"`
	// Pruned lists archives removed by the retention policy.
	Pruned []storage.Object `json:"pruned,omitempty"`
}

// Archive packs the completed clone operationID into one tar stream,
// compresses and optionally encrypts it, and uploads it with a manifest.
func (a *App) Archive(ctx context.Context, operationID string) (res *ArchiveResult, err error) {
	start := a.now()
	var key string
	defer func() {
		ev := notify.Event{
			OperationID: operationID,
			Kind:        "archive",
			Status:      statusFromErr(err),
			Message:     fmt.Sprintf("archive %s", operationID),
			StartedAt:   start,
			EndedAt:     a.now(),
			Key:         key,
		}
		ev.Duration = ev.EndedAt.Sub(start).String()
		if res != nil {
			ev.Items = res.Manifest.Items
		}
		if err != nil {
			ev.Error = err.Error()
		}
		a.emit(ev)
	}()

	if !util.ValidOperationID(operationID) {
		return nil, errs.E(errs.Validation, "operation id %q is invalid", operationID)
	}
	layout := a.Clone.Layout(operationID)
	cm, err := clone.ReadManifest(layout.ManifestPath())
	if errs.Is(err, errs.NotFound) {
		return nil, errs.Wrap(errs.Validation, clone.ErrNotCompleted, "archive %s", operationID)
	}
	if err != nil {
		return nil, err
	}
	guard, err := lock.Acquire(layout.LockPath())
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	cfg := a.Cfg.Archive
	var encKey []byte
	if cfg.Encryption {
		if cfg.EncryptionKey == "" {
			return nil, errs.E(errs.Validation, "archive encryption is enabled but encryption_key is empty")
		}
		if encKey, err = cryptoutil.ParseKey(cfg.EncryptionKey); err != nil {
			return nil, errs.Wrap(errs.Validation, err, "archive encryption key")
		}
	}

	key = util.BuildArchiveKey(a.Cfg.Storage.Prefix, operationID, start, archiveExtension(cfg.Compression, cfg.Encryption))
	exists, err := a.Storage.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.E(errs.Conflict, "archive %s already exists", key)
	}

	files := 0
	pr, pw := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer pr.Close()
		return a.Storage.Put(egCtx, key, pr, -1, map[string]string{"tmr-archive": "true", "tmr-operation": operationID})
	})
	eg.Go(func() error {
		n, err := writeArchive(egCtx, pw, layout, a.Clone.SharedObjects, cfg.Compression, encKey)
		if err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		files = n
		return pw.Close()
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("archive %s: %w", operationID, err)
	}

	stat, err := a.Storage.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	m := storage.Manifest{
		ID:          newOperationID("archive", start),
		Key:         key,
		OperationID: operationID,
		Compression: cfg.Compression,
		Encryption:  cfg.Encryption,
		CreatedAt:   start,
		SizeBytes:   stat.Size,
		Files:       files,
		Items:       cm.Totals.Items,
		Objects:     cm.Totals.ObjectsWritten,
		ToolVersion: version.Version,
	}
	if err := storage.WriteManifest(ctx, a.Storage, m); err != nil {
		a.Log.Warn().Err(err).Str("key", key).Msg("failed to write archive manifest")
	}
	res = &ArchiveResult{Manifest: m, Key: key}

	pruned, err := storage.ApplyRetention(ctx, a.Storage, util.BuildArchivePrefix(a.Cfg.Storage.Prefix, ""), cfg.RetentionPolicy, a.now())
	if err != nil {
		a.Log.Warn().Err(err).Msg("archive retention failed")
	}
	res.Pruned = pruned
	a.Log.Info().Str("key", key).Int64("size", m.SizeBytes).Int("files", files).Msg("archive created")
	return res, nil
}

// writeArchive streams the operation directory as tar through compression
// and encryption into w. Shared objects referenced by the event log are
// included under objects/sha256/.
func writeArchive(ctx context.Context, w io.Writer, layout clone.Layout, shared bool, compression string, encKey []byte) (int, error) {
	closers := []io.Closer{}
	if encKey != nil {
		enc, err := cryptoutil.EncryptWriter(w, encKey)
		if err != nil {
			return 0, err
		}
		w = enc
		closers = append(closers, enc)
	}
	comp, err := compress.WrapWriter(compression, w)
	if err != nil {
		return 0, err
	}
	closers = append(closers, comp)
	tw := tar.NewWriter(comp)
	closers = append(closers, tw)

	files := 0
	add := func(name, src string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, name, src); err != nil {
			return err
		}
		files++
		return nil
	}

	err = filepath.WalkDir(layout.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == filepath.Base(layout.LockPath()) {
			return nil
		}
		rel, err := filepath.Rel(layout.Root, p)
		if err != nil {
			return err
		}
		return add(filepath.ToSlash(rel), p)
	})
	if err == nil && shared {
		hashes := map[string]struct{}{}
		err = clone.ReadEvents(layout.EventsDir(), func(ev clone.Event) error {
			hashes[ev.ContentHash] = struct{}{}
			return nil
		})
		sorted := make([]string, 0, len(hashes))
		for h := range hashes {
			sorted = append(sorted, h)
		}
		sort.Strings(sorted)
		for _, h := range sorted {
			if err != nil {
				break
			}
			name := h + ".json.gz"
			err = add(objectsEntry+name, filepath.Join(layout.ObjectsDir(), name))
		}
	}
	if err != nil {
		return files, err
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			return files, err
		}
	}
	return files, nil
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// ListArchives returns the archives of operationID, or of every clone when
// it is empty, newest first.
func (a *App) ListArchives(ctx context.Context, operationID string) ([]storage.Object, error) {
	if operationID != "" && !util.ValidOperationID(operationID) {
		return nil, errs.E(errs.Validation, "operation id %q is invalid", operationID)
	}
	objects, err := a.Storage.List(ctx, util.BuildArchivePrefix(a.Cfg.Storage.Prefix, operationID))
	if err != nil {
		return nil, err
	}
	out := objects[:0]
	for _, obj := range objects {
		if !obj.IsManifest {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified.After(out[j].Modified) })
	return out, nil
}

// RestoreArchive unpacks archive key into the clone data directory as
// operationID, or as the archived operation when operationID is empty. An
// existing operation directory is never overwritten.
func (a *App) RestoreArchive(ctx context.Context, key, operationID string) (string, error) {
	m, err := storage.ReadManifest(ctx, a.Storage, key)
	if err != nil {
		if !errs.Is(err, errs.NotFound) {
			return "", err
		}
		a.Log.Warn().Str("key", key).Msg("archive manifest missing, inferring format from key")
		m = inferManifest(key)
	}
	if operationID == "" {
		operationID = m.OperationID
	}
	if !util.ValidOperationID(operationID) {
		return "", errs.E(errs.Validation, "operation id %q is invalid; pass one explicitly", operationID)
	}
	layout := a.Clone.Layout(operationID)
	if _, err := os.Stat(layout.Root); err == nil {
		return "", errs.E(errs.Conflict, "clone directory %s already exists", layout.Root)
	}

	r, err := a.Storage.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()
	payload := io.Reader(r)
	if m.Encryption {
		if a.Cfg.Archive.EncryptionKey == "" {
			return "", errs.E(errs.Validation, "encryption key is required to restore an encrypted archive")
		}
		keyBytes, err := cryptoutil.ParseKey(a.Cfg.Archive.EncryptionKey)
		if err != nil {
			return "", errs.Wrap(errs.Validation, err, "archive encryption key")
		}
		if payload, err = cryptoutil.DecryptReader(payload, keyBytes); err != nil {
			return "", err
		}
	}
	dec, err := compress.WrapReader(m.Compression, payload)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(layout.Root), 0o750); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(filepath.Dir(layout.Root), "."+operationID+".restore-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(ctx, tar.NewReader(dec), staging, layout, a.Clone.SharedObjects); err != nil {
		return "", fmt.Errorf("restore %s: %w", key, err)
	}
	if err := os.Rename(staging, layout.Root); err != nil {
		return "", fmt.Errorf("move restored clone into place: %w", err)
	}
	a.Log.Info().Str("key", key).Str("operation_id", operationID).Msg("archive restored")
	return layout.Root, nil
}

func extractArchive(ctx context.Context, tr *tar.Reader, staging string, layout clone.Layout, shared bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return errs.E(errs.Validation, "archive entry %q escapes the clone directory", hdr.Name)
		}
		target := filepath.Join(staging, filepath.FromSlash(name))
		if shared && strings.HasPrefix(name, objectsEntry) {
			target = filepath.Join(layout.ObjectsDir(), path.Base(name))
			if _, err := os.Stat(target); err == nil {
				continue
			}
		}
		if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
			return err
		}
	}
}

func writeEntry(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// inferManifest guesses the format of an archive without a manifest from
// its key, e.g. clones/<id>/<ts>_clone.tar.zst.enc.
func inferManifest(key string) storage.Manifest {
	m := storage.Manifest{Key: key, Compression: compress.TypeNone}
	name := path.Base(key)
	if strings.HasSuffix(name, ".enc") {
		m.Encryption = true
		name = strings.TrimSuffix(name, ".enc")
	}
	switch path.Ext(name) {
	case ".gz":
		m.Compression = compress.TypeGzip
	case ".zst":
		m.Compression = compress.TypeZstd
	}
	if parts := strings.Split(key, "/"); len(parts) >= 3 && parts[len(parts)-3] == "clones" {
		m.OperationID = parts[len(parts)-2]
	}
	return m
}

func archiveExtension(compression string, encryption bool) string {
	ext := "tar"
	if c := compress.Extension(compression); c != "" {
		ext += "." + c
	}
	if encryption {
		ext += ".enc"
	}
	return ext
}
