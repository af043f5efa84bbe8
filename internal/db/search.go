package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rowjay/tender-mirror/internal/errs"
)

type Mode string

const (
	Exact Mode = "exact"
	Near  Mode = "near"
)

// Query is a validated search request. Text must already be folded.
type Query struct {
	Text          string
	Mode          Mode
	Limit         int
	Stage         string
	CPV           string
	From          *time.Time
	To            *time.Time
	NearThreshold float64
}

type Hit struct {
	OCID        string     `json:"ocid"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	CPV         []string   `json:"cpv,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Score       float64    `json:"score"`
}

// Record is a stored tender including its raw release.
type Record struct {
	Hit
	ReleaseID  string    `json:"release_id,omitempty"`
	SourceHash string    `json:"source_hash"`
	Data       string    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const hitColumns = `t.ocid, t.title, t.description, t.url, t.stage, t.published_at,
    (SELECT group_concat(code, ',') FROM (SELECT code FROM tender_cpv c WHERE c.ocid = t.ocid ORDER BY position))`

// Search runs q. Filters are applied before scoring; results are ordered by
// score, then newest publication, then ocid.
func (s *Store) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.Text == "" || q.Limit < 1 {
		return nil, errs.E(errs.Validation, "search query is empty")
	}
	where := []string{"1 = 1"}
	var args []any
	var score string
	switch q.Mode {
	case Exact:
		score = "similarity(t.search_text, ?)"
		where = append(where, "instr(t.search_text, ?) > 0")
	case Near:
		score = "word_similarity(?, t.search_text)"
	default:
		return nil, errs.E(errs.Validation, "unknown search mode %q", q.Mode)
	}
	args = append(args, q.Text)
	if q.Mode == Exact {
		args = append(args, " "+q.Text+" ")
	}
	if q.Stage != "" {
		where = append(where, "t.stage = ?")
		args = append(args, q.Stage)
	}
	if q.CPV != "" {
		where = append(where, "EXISTS (SELECT 1 FROM tender_cpv c WHERE c.ocid = t.ocid AND c.code LIKE ?)")
		args = append(args, strings.TrimSuffix(q.CPV, "%")+"%")
	}
	if q.From != nil {
		where = append(where, "t.published_at >= ?")
		args = append(args, formatTime(*q.From))
	}
	if q.To != nil {
		where = append(where, "t.published_at <= ?")
		args = append(args, formatTime(*q.To))
	}

	inner := fmt.Sprintf(`SELECT %s, %s AS score FROM tenders t WHERE %s`, hitColumns, score, strings.Join(where, " AND "))
	outer := `SELECT * FROM (` + inner + `)`
	if q.Mode == Near {
		outer += ` WHERE score >= ?`
		args = append(args, q.NearThreshold)
	}
	outer += ` ORDER BY score DESC, published_at IS NULL, published_at DESC, ocid LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, outer, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := scanHit(rows, &h, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHit(row scanner, h *Hit, extra ...any) error {
	var title, desc, url, stage, published, cpv sql.NullString
	dest := append([]any{&h.OCID, &title, &desc, &url, &stage, &published, &cpv}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	h.Title, h.Description, h.URL, h.Stage = title.String, desc.String, url.String, stage.String
	if cpv.Valid && cpv.String != "" {
		h.CPV = strings.Split(cpv.String, ",")
	}
	if published.Valid {
		if ts, err := time.Parse(timeLayout, published.String); err == nil {
			h.PublishedAt = &ts
		}
	}
	return nil
}

// Get returns the stored tender for ocid.
func (s *Store) Get(ctx context.Context, ocid string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hitColumns+`, t.release_id, t.source_hash, t.data, t.created_at, t.updated_at
FROM tenders t WHERE t.ocid = ?`, ocid)
	var r Record
	var releaseID sql.NullString
	var created, updated string
	err := scanHit(row, &r.Hit, &releaseID, &r.SourceHash, &r.Data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "tender %s not found", ocid)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ocid, err)
	}
	r.ReleaseID = releaseID.String
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &r, nil
}

// Count returns the number of stored tenders.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tenders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tenders: %w", err)
	}
	return n, nil
}
