// Package clone mirrors the upstream release feed into an immutable,
// content-addressed operation directory that can be resumed after a crash.
package clone

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/lock"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/upstream"
	"github.com/rowjay/tender-mirror/internal/util"
	"github.com/rowjay/tender-mirror/internal/version"
)

// Unbounded asks for every page until the upstream runs out.
const Unbounded = -1

// PageFetcher is the part of the upstream client the engine needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, req upstream.PageRequest) (*upstream.Page, error)
}

type Engine struct {
	DataDir       string
	RotateBytes   int64
	VerifyObjects bool
	SharedObjects bool
	PageSize      int
	Fetcher       PageFetcher
	Log           zerolog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Params struct {
	OperationID string           `json:"operation_id"`
	Total       int              `json:"total"`
	Filters     upstream.Filters `json:"filters"`
	PageSize    int              `json:"page_size,omitempty"`
}

// Progress is reported after every committed page.
type Progress struct {
	Page           int    `json:"pages"`
	Cursor         string `json:"cursor"`
	ReceivedRaw    int    `json:"received_raw"`
	Items          int    `json:"items"`
	EventsWritten  int    `json:"events_written"`
	ObjectsWritten int    `json:"objects_written"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Layout returns the directory layout of operation id.
func (e *Engine) Layout(operationID string) Layout {
	return NewLayout(e.DataDir, operationID, e.SharedObjects)
}

// Checkpoint loads the current snapshot of operation id, or nil.
func (e *Engine) Checkpoint(operationID string) (*Checkpoint, error) {
	return LoadCheckpoint(e.Layout(operationID).CheckpointPath())
}

// Run clones or resumes operation p.OperationID. The manifest is returned
// only on clean termination; an existing manifest is returned as is.
func (e *Engine) Run(ctx context.Context, p Params, onProgress func(Progress)) (*Manifest, error) {
	if !util.ValidOperationID(p.OperationID) {
		return nil, errs.E(errs.Validation, "operation id %q is invalid", p.OperationID)
	}
	if p.Total < Unbounded {
		return nil, errs.E(errs.Validation, "total must be -1 (unbounded) or a non-negative item cap, got %d", p.Total)
	}
	if err := p.Filters.Validate(); err != nil {
		return nil, err
	}
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = e.PageSize
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	layout := e.Layout(p.OperationID)
	if err := os.MkdirAll(layout.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create operation dir: %w", err)
	}
	guard, err := lock.Acquire(layout.LockPath())
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if m, err := ReadManifest(layout.ManifestPath()); err == nil {
		return m, nil
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	log := e.Log.With().Str("operation_id", p.OperationID).Logger()
	cp, err := LoadCheckpoint(layout.CheckpointPath())
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &Checkpoint{OperationID: p.OperationID, Filters: p.Filters, StartedAt: e.now()}
	} else {
		if cp.OperationID != p.OperationID {
			return nil, errs.E(errs.CheckpointCorruption, "checkpoint belongs to %q", cp.OperationID)
		}
		if cp.Filters, err = p.Filters.Inherit(cp.Filters); err != nil {
			return nil, err
		}
		log.Info().Int("page", cp.Page).Str("cursor", cp.Cursor).Int("items", cp.ItemCount).Msg("resuming clone from checkpoint")
	}

	objects := &ObjectStore{Dir: layout.ObjectsDir(), Verify: e.VerifyObjects}
	if err := os.MkdirAll(objects.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	resumed := cp.Page > 0
	if !resumed && !e.SharedObjects {
		if resumed, err = hasEntries(objects.Dir); err != nil {
			return nil, err
		}
	}
	events, err := OpenEventLog(layout.EventsDir(), e.RotateBytes, cp.Position)
	if err != nil {
		return nil, err
	}
	defer events.Close()

	// Objects of an interrupted page are already on disk when it is fetched
	// again; they are counted unless a committed event references them.
	var orphans *orphanSet
	if resumed {
		if orphans, err = loadOrphanSet(layout.EventsDir()); err != nil {
			return nil, err
		}
	}

	for !cp.Exhausted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		limit := pageSize
		if p.Total != Unbounded {
			remaining := p.Total - cp.ItemCount
			if remaining <= 0 {
				break
			}
			limit = min(limit, remaining)
		}

		page, err := e.Fetcher.FetchPage(ctx, upstream.PageRequest{Cursor: cp.Cursor, Limit: limit, Filters: cp.Filters})
		if err != nil {
			return nil, err
		}
		if cp.Page == 0 && cp.Filters.UpdatedTo == "" {
			cp.Filters.UpdatedTo = page.FrozenUpdatedTo()
		}
		if len(page.Releases) == 0 {
			cp.Exhausted = true
			cp.UpdatedAt = e.now()
			if err := SaveCheckpoint(layout.CheckpointPath(), cp); err != nil {
				return nil, err
			}
			break
		}

		created, err := e.storePage(cp, page, objects, events, limit, orphans)
		if err != nil {
			return nil, err
		}
		orphans = nil
		if err := events.Sync(); err != nil {
			return nil, fmt.Errorf("sync events: %w", err)
		}
		cp.Position = events.Position()
		cp.Cursor = page.NextCursor
		cp.Exhausted = page.NextCursor == ""
		cp.UpdatedAt = e.now()
		if err := SaveCheckpoint(layout.CheckpointPath(), cp); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}

		e.Metrics.ClonePage(min(len(page.Releases), limit), created)
		log.Debug().Int("page", cp.Page).Str("cursor", cp.Cursor).Int("items", cp.ItemCount).Int("objects", cp.ObjectsWritten).Msg("page stored")
		if onProgress != nil {
			onProgress(progressOf(cp))
		}
	}

	if err := events.Close(); err != nil {
		return nil, fmt.Errorf("close events: %w", err)
	}
	parts, err := ListParts(layout.EventsDir())
	if err != nil {
		return nil, err
	}
	finished := e.now()
	m := &Manifest{
		OperationID:    p.OperationID,
		Status:         "completed",
		StartedAt:      cp.StartedAt,
		FinishedAt:     finished,
		ElapsedSeconds: finished.Sub(cp.StartedAt).Seconds(),
		Params:         ManifestParams{Total: p.Total, PageSize: pageSize, Filters: cp.Filters},
		Totals: Totals{
			Pages:          cp.Page,
			ReceivedRaw:    cp.ReceivedRaw,
			Items:          cp.ItemCount,
			EventsWritten:  cp.EventsWritten,
			ObjectsWritten: cp.ObjectsWritten,
			EventParts:     len(parts),
		},
		Layout: ManifestLayout{
			Objects:    layout.ObjectsDir(),
			Events:     layout.EventsDir(),
			Checkpoint: layout.CheckpointPath(),
			Status:     layout.StatusPath(),
			Manifest:   layout.ManifestPath(),
		},
		ToolVersion: version.Version,
	}
	if err := WriteManifest(layout.ManifestPath(), m); err != nil {
		if errs.Is(err, errs.Conflict) {
			return ReadManifest(layout.ManifestPath())
		}
		return nil, err
	}
	log.Info().Int("pages", cp.Page).Int("items", cp.ItemCount).Int("objects", cp.ObjectsWritten).Msg("clone completed")
	return m, nil
}

// storePage writes at most limit releases of page and advances the counters
// in cp. It returns the number of new objects. A non-nil orphans set marks
// the first page after a resume.
func (e *Engine) storePage(cp *Checkpoint, page *upstream.Page, objects *ObjectStore, events *EventLog, limit int, orphans *orphanSet) (int, error) {
	cp.Page++
	cp.ReceivedRaw += len(page.Releases)
	releases := page.Releases
	if len(releases) > limit {
		releases = releases[:limit]
	}
	fetchedAt := e.now()
	created := 0
	for _, rel := range releases {
		canonical, err := Canonicalize(rel.Raw)
		if err != nil {
			return created, errs.Wrap(errs.Upstream, err, "release %s", rel.OCID)
		}
		hash := ContentHash(canonical)
		isNew, err := objects.Put(hash, canonical)
		if err != nil {
			return created, err
		}
		if orphans.claim(hash, isNew) {
			created++
			cp.ObjectsWritten++
		}
		ev := Event{
			FetchedAt:   fetchedAt,
			Source:      "api",
			Cursor:      cp.Cursor,
			Page:        cp.Page,
			ReleaseID:   rel.OCID,
			ContentHash: hash,
			UpstreamVersion: UpstreamVersion{
				ReleaseID:         rel.ID,
				ReleaseDate:       rel.Date,
				PagePublishedDate: page.PublishedDate,
			},
			PageURI: page.URI,
		}
		if err := events.Append(ev); err != nil {
			return created, err
		}
		cp.EventsWritten++
		cp.ItemCount++
	}
	return created, nil
}

func progressOf(cp *Checkpoint) Progress {
	return Progress{
		Page:           cp.Page,
		Cursor:         cp.Cursor,
		ReceivedRaw:    cp.ReceivedRaw,
		Items:          cp.ItemCount,
		EventsWritten:  cp.EventsWritten,
		ObjectsWritten: cp.ObjectsWritten,
	}
}


// orphanSet holds the hashes referenced by committed events of a resumed
// operation.
type orphanSet struct {
	committed map[string]struct{}
}

func loadOrphanSet(eventsDir string) (*orphanSet, error) {
	o := &orphanSet{committed: make(map[string]struct{})}
	err := ReadEvents(eventsDir, func(ev Event) error {
		o.committed[ev.ContentHash] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CheckpointCorruption, err, "read committed events")
	}
	return o, nil
}

// claim reports whether hash counts as an object written by this operation.
// Without a set only objects new on disk count.
func (o *orphanSet) claim(hash string, isNew bool) bool {
	if o == nil {
		return isNew
	}
	if _, ok := o.committed[hash]; ok {
		return false
	}
	o.committed[hash] = struct{}{}
	return true
}

func hasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read objects dir: %w", err)
	}
	return len(entries) > 0, nil
}
