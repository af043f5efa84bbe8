package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/ocds"
)

type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	// Stale releases are older than the stored version and are not applied.
	Stale Outcome = "stale"
)

// Batch is one commit unit of the ingest engine.
type Batch struct {
	tx  *sql.Tx
	now func() time.Time
	seq int
}

// Begin opens a batch. Call Commit or Rollback exactly once.
func (s *Store) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{tx: tx, now: time.Now}, nil
}

func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Upsert applies t keyed by OCID. Each call is all-or-nothing: on error the
// release leaves no trace and the batch stays usable. Constraint violations
// are reported as errs.IngestConflict.
func (b *Batch) Upsert(ctx context.Context, t ocds.Tender) (outcome Outcome, err error) {
	if t.OCID == "" {
		return "", errs.E(errs.IngestConflict, "release has no ocid")
	}
	b.seq++
	sp := fmt.Sprintf("upsert_%d", b.seq)
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return "", fmt.Errorf("savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		}
		if _, relErr := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); relErr != nil && err == nil {
			err = fmt.Errorf("release savepoint: %w", relErr)
		}
		if isConstraint(err) {
			err = errs.Wrap(errs.IngestConflict, err, "upsert %s", t.OCID)
		}
	}()

	var storedHash string
	var storedPublished sql.NullString
	err = b.tx.QueryRowContext(ctx, `SELECT source_hash, published_at FROM tenders WHERE ocid = ?`, t.OCID).Scan(&storedHash, &storedPublished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		outcome = Inserted
	case err != nil:
		return "", fmt.Errorf("lookup %s: %w", t.OCID, err)
	case storedHash == t.SourceHash:
		return Unchanged, nil
	case storedPublished.Valid && t.PublishedAt != nil && storedPublished.String > formatTime(*t.PublishedAt):
		return Stale, nil
	default:
		outcome = Updated
	}

	now := formatTime(b.now())
	published := sql.NullString{}
	if t.PublishedAt != nil {
		published = sql.NullString{String: formatTime(*t.PublishedAt), Valid: true}
	}
	_, err = b.tx.ExecContext(ctx, `
INSERT INTO tenders (
    ocid, release_id, title, description, full_text, search_text, stage,
    published_at, url, source_hash, data, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ocid) DO UPDATE SET
    release_id = excluded.release_id,
    title = excluded.title,
    description = excluded.description,
    full_text = excluded.full_text,
    search_text = excluded.search_text,
    stage = excluded.stage,
    published_at = excluded.published_at,
    url = excluded.url,
    source_hash = excluded.source_hash,
    data = excluded.data,
    updated_at = excluded.updated_at`,
		t.OCID, nullable(t.ReleaseID), nullable(t.Title), nullable(t.Description), t.FullText, t.SearchText,
		nullable(t.Stage), published, nullable(t.URL), t.SourceHash, string(t.Data), now, now)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", t.OCID, err)
	}

	if _, err = b.tx.ExecContext(ctx, `DELETE FROM tender_cpv WHERE ocid = ?`, t.OCID); err != nil {
		return "", fmt.Errorf("clear cpv %s: %w", t.OCID, err)
	}
	for i, code := range t.CPV {
		if _, err = b.tx.ExecContext(ctx, `INSERT INTO tender_cpv (ocid, code, position) VALUES (?, ?, ?)`, t.OCID, code, i); err != nil {
			return "", fmt.Errorf("write cpv %s: %w", t.OCID, err)
		}
	}
	return outcome, nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
