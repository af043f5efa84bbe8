// Package ingest loads releases from the live feed or a completed clone into
// the optimized store in committed batches of pages.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/db"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/ocds"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

// Skipped names a release that was reported and left out.
type Skipped struct {
	ReleaseID string `json:"release_id,omitempty"`
	OCID      string `json:"ocid,omitempty"`
	Reason    string `json:"reason"`
}

type Result struct {
	PagesFetched   int       `json:"pages_fetched"`
	PagesCommitted int       `json:"pages_committed"`
	ItemsSeen      int       `json:"items_seen"`
	ItemsUpserted  int       `json:"items_upserted"`
	Inserted       int       `json:"inserted"`
	Updated        int       `json:"updated"`
	Unchanged      int       `json:"unchanged"`
	Stale          int       `json:"stale"`
	Skipped        []Skipped `json:"skipped"`
	// NextCursor is the live cursor after the last committed page.
	NextCursor string `json:"next_cursor,omitempty"`
	// FailedPages counts pages of a batch that was rolled back.
	FailedPages int `json:"failed_pages,omitempty"`
}

type Engine struct {
	Store   *db.Store
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Run ingests every page of src. Pages are projected in memory and written
// in one transaction every commitEvery pages and once more at the end, so no
// fetch ever runs while the store is locked. When an error stops the run the
// returned Result still describes the committed pages.
func (e *Engine) Run(ctx context.Context, src Source, commitEvery int, onProgress func(Result)) (*Result, error) {
	if commitEvery < 1 {
		return nil, errs.E(errs.Validation, "commit_every must be at least 1, got %d", commitEvery)
	}
	res := &Result{Skipped: []Skipped{}}
	var (
		items   []pendingRelease
		pending int
		cursor  string
		counts  Result
	)
	commit := func() error {
		if pending == 0 {
			return nil
		}
		if err := e.flush(ctx, items, &counts); err != nil {
			res.FailedPages = pending
			return err
		}
		res.PagesCommitted += pending
		res.ItemsUpserted += counts.ItemsUpserted
		res.Inserted += counts.Inserted
		res.Updated += counts.Updated
		res.Unchanged += counts.Unchanged
		res.Stale += counts.Stale
		res.Skipped = append(res.Skipped, counts.Skipped...)
		res.NextCursor = cursor
		items, pending, counts = nil, 0, Result{}
		e.Log.Debug().Int("pages_committed", res.PagesCommitted).Int("items_upserted", res.ItemsUpserted).Msg("batch committed")
		if onProgress != nil {
			onProgress(*res)
		}
		return nil
	}

	err := src.Pages(ctx, func(p SourcePage) error {
		res.PagesFetched++
		for _, rel := range p.Releases {
			res.ItemsSeen++
			if t, ok := e.project(rel, p.PublishedDate, &counts); ok {
				items = append(items, pendingRelease{tender: t, rel: rel})
			}
		}
		pending++
		cursor = p.NextCursor
		if pending >= commitEvery {
			return commit()
		}
		return nil
	})
	if err == nil {
		err = commit()
	}
	if err != nil {
		if pending > 0 {
			res.FailedPages = pending
		}
		return res, err
	}
	e.Log.Info().
		Int("pages", res.PagesCommitted).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("stale", res.Stale).
		Int("skipped", len(res.Skipped)).
		Msg("ingest completed")
	return res, nil
}

// pendingRelease is a projected release waiting for its batch to be written.
type pendingRelease struct {
	tender ocds.Tender
	rel    upstream.Release
}

// flush writes items in a single transaction. Nothing is kept on error.
func (e *Engine) flush(ctx context.Context, items []pendingRelease, counts *Result) error {
	batch, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := e.upsert(ctx, batch, it, counts); err != nil {
			if rbErr := batch.Rollback(); rbErr != nil {
				e.Log.Warn().Err(rbErr).Msg("rollback failed")
			}
			return err
		}
	}
	return batch.Commit()
}

// First ingests a single live page of at most limit releases through the
// same path as Run, committing it on its own.
func (e *Engine) First(ctx context.Context, fetcher clone.PageFetcher, filters upstream.Filters, limit int, onProgress func(Result)) (*Result, error) {
	if limit < 1 {
		return nil, errs.E(errs.Validation, "limit must be at least 1, got %d", limit)
	}
	src := &UpstreamSource{Fetcher: fetcher, Filters: filters, Total: limit, PageSize: limit, MaxPages: 1}
	return e.Run(ctx, src, 1, onProgress)
}

// skip records rel in counts.Skipped.
func (e *Engine) skip(rel upstream.Release, ocid, reason string, counts *Result) {
	id := rel.ID
	if id == "" {
		if m, err := ocds.ReadMeta(rel.Raw); err == nil {
			id = string(m.ID)
		}
	}
	counts.Skipped = append(counts.Skipped, Skipped{ReleaseID: id, OCID: ocid, Reason: reason})
	e.Metrics.IngestUpsert("skipped")
	e.Log.Warn().Str("ocid", ocid).Str("release_id", id).Str("reason", reason).Msg("release skipped")
}

// project turns rel into a tender row. Releases that cannot be keyed or
// decoded are skipped.
func (e *Engine) project(rel upstream.Release, pagePublished string, counts *Result) (ocds.Tender, bool) {
	canonical, err := clone.Canonicalize(rel.Raw)
	if err != nil {
		e.skip(rel, rel.OCID, err.Error(), counts)
		return ocds.Tender{}, false
	}
	t, err := ocds.Project(canonical, pagePublished, clone.ContentHash(canonical))
	if errors.Is(err, ocds.ErrMissingOCID) {
		e.skip(rel, rel.OCID, err.Error(), counts)
		return ocds.Tender{}, false
	}
	if err != nil {
		e.skip(rel, rel.OCID, fmt.Sprintf("decode release: %v", err), counts)
		return ocds.Tender{}, false
	}
	return t, true
}

// upsert writes one projected release into batch. A store constraint
// violation skips the release.
func (e *Engine) upsert(ctx context.Context, batch *db.Batch, it pendingRelease, counts *Result) error {
	outcome, err := batch.Upsert(ctx, it.tender)
	if errs.Is(err, errs.IngestConflict) {
		e.skip(it.rel, it.tender.OCID, err.Error(), counts)
		return nil
	}
	if err != nil {
		return err
	}
	e.Metrics.IngestUpsert(string(outcome))
	switch outcome {
	case db.Inserted:
		counts.Inserted++
	case db.Updated:
		counts.Updated++
	case db.Unchanged:
		counts.Unchanged++
	case db.Stale:
		counts.Stale++
		return nil
	}
	counts.ItemsUpserted++
	return nil
}
