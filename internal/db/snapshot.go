package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot writes a consistent copy of the store to dest, which must not
// exist yet. The copy is taken inside SQLite so concurrent writers are safe.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if dest == "" {
		return errors.New("snapshot destination is required")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	return nil
}
