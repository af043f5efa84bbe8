package operation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/util"
)

const statusFile = "status.json"

// FileStore persists snapshots as <dir>/<operation_id>/status.json, one data
// directory per kind.
type FileStore struct {
	Dirs map[Kind]string
}

func (s *FileStore) path(kind Kind, id string) (string, bool) {
	dir, ok := s.Dirs[kind]
	if !ok || dir == "" {
		return "", false
	}
	return filepath.Join(dir, id, statusFile), true
}

// Save replaces the snapshot atomically.
func (s *FileStore) Save(st *Status) error {
	path, ok := s.path(st.Kind, st.OperationID)
	if !ok {
		return fmt.Errorf("no status directory for kind %q", st.Kind)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o640)
}

// Load finds the snapshot of id under any kind.
func (s *FileStore) Load(id string) (*Status, error) {
	for _, kind := range []Kind{KindClone, KindIngest} {
		path, ok := s.path(kind, id)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return &st, nil
	}
	return nil, errs.E(errs.NotFound, "operation %s not found", id)
}
