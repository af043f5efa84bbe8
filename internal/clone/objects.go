package clone

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/klauspost/compress/gzip"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/util"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ObjectStore keeps one gzip file per distinct canonical payload.
type ObjectStore struct {
	Dir    string
	Verify bool
}

func (s *ObjectStore) path(hash string) string {
	return filepath.Join(s.Dir, hash+".json.gz")
}

// Has reports whether an object for hash exists.
func (s *ObjectStore) Has(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Put stores canonical under hash unless it is already present. A repeated
// or concurrent put of the same content is a no-op; when verification is on,
// an existing object whose content differs is a dedup conflict.
func (s *ObjectStore) Put(hash string, canonical []byte) (bool, error) {
	if !hashPattern.MatchString(hash) {
		return false, fmt.Errorf("object hash %q is malformed", hash)
	}
	target := s.path(hash)
	if _, err := os.Stat(target); err == nil {
		return false, s.verify(hash, canonical)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return false, err
	}
	if _, err := zw.Write(canonical); err != nil {
		return false, err
	}
	if err := zw.Close(); err != nil {
		return false, err
	}

	err = util.WriteFileOnce(target, buf.Bytes(), 0o640)
	if errors.Is(err, util.ErrExists) {
		return false, s.verify(hash, canonical)
	}
	if err != nil {
		return false, fmt.Errorf("write object %s: %w", hash, err)
	}
	return true, nil
}

// Get returns the canonical bytes stored under hash.
func (s *ObjectStore) Get(hash string) ([]byte, error) {
	f, err := os.Open(s.path(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.E(errs.NotFound, "object %s not found", hash)
		}
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", hash, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", hash, err)
	}
	return data, nil
}

func (s *ObjectStore) verify(hash string, canonical []byte) error {
	if !s.Verify {
		return nil
	}
	stored, err := s.Get(hash)
	if err != nil {
		return errs.Wrap(errs.DedupConflict, err, "object %s is unreadable", hash)
	}
	if !bytes.Equal(stored, canonical) {
		return errs.E(errs.DedupConflict, "object %s already stored with different content", hash)
	}
	return nil
}
