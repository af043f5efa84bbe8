package app

import (
	"context"
	"path/filepath"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/ingest"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/upstream"
	"github.com/rowjay/tender-mirror/internal/util"
)

const (
	SourceUpstream = "upstream"
	SourceClone    = "clone"
)

// IngestRequest loads releases into the optimized store. With Source set to
// clone the releases are replayed from the completed clone CloneID.
type IngestRequest struct {
	Source      string           `json:"source"`
	CloneID     string           `json:"clone_id,omitempty"`
	Total       int              `json:"total"`
	CommitEvery int              `json:"commit_every"`
	Filters     upstream.Filters `json:"filters"`
	Background  bool             `json:"background"`
}

// StartIngest validates req and runs it through the registry under a new
// operation id.
func (a *App) StartIngest(ctx context.Context, req IngestRequest) (operation.Status, error) {
	req, src, err := a.ingestSource(req)
	if err != nil {
		return operation.Status{}, err
	}
	id := newOperationID("ingest", a.now())
	task := func(ctx context.Context, rep *operation.Reporter) (any, error) {
		ctx, cancel := a.withTimeout(ctx)
		defer cancel()
		return a.Ingest.Run(ctx, src, req.CommitEvery, reportIngest(rep))
	}
	spec := operation.Spec{
		ID:         id,
		Kind:       operation.KindIngest,
		Background: req.Background,
		Path:       filepath.Join(a.Cfg.Ingest.DataDir, id),
		Params:     req,
	}
	return a.Registry.Start(ctx, spec, a.notifying(operation.KindIngest, id, task))
}

// ingestSource applies defaults to req and builds its source.
func (a *App) ingestSource(req IngestRequest) (IngestRequest, ingest.Source, error) {
	if req.CommitEvery == 0 {
		req.CommitEvery = a.Cfg.Ingest.CommitEvery
	}
	if req.CommitEvery < 1 {
		return req, nil, errs.E(errs.Validation, "commit_every must be at least 1, got %d", req.CommitEvery)
	}
	if req.Total == 0 {
		req.Total = a.Cfg.Ingest.DefaultTotal
	}
	switch req.Source {
	case "", SourceUpstream:
		req.Source = SourceUpstream
		if req.Total < 1 || req.Total > a.Cfg.Ingest.MaxTotal {
			return req, nil, errs.E(errs.Validation, "total must be between 1 and %d, got %d", a.Cfg.Ingest.MaxTotal, req.Total)
		}
		if err := req.Filters.Validate(); err != nil {
			return req, nil, err
		}
		return req, &ingest.UpstreamSource{
			Fetcher:  a.Fetcher,
			Filters:  req.Filters,
			Total:    req.Total,
			PageSize: min(a.Cfg.Upstream.PageSize, req.Total),
		}, nil
	case SourceClone:
		if !util.ValidOperationID(req.CloneID) {
			return req, nil, errs.E(errs.Validation, "clone_id %q is invalid", req.CloneID)
		}
		if req.Total < clone.Unbounded {
			return req, nil, errs.E(errs.Validation, "total must be -1 (all) or positive, got %d", req.Total)
		}
		return req, &ingest.CloneSource{Layout: a.Clone.Layout(req.CloneID), Total: req.Total}, nil
	default:
		return req, nil, errs.E(errs.Validation, "source must be upstream or clone, got %q", req.Source)
	}
}

// IngestFirst ingests the first live page of at most limit releases as a
// foreground operation.
func (a *App) IngestFirst(ctx context.Context, limit int, filters upstream.Filters) (operation.Status, error) {
	if limit == 0 {
		limit = a.Cfg.Ingest.FirstPageLimit
	}
	if limit < 1 || limit > 100 {
		return operation.Status{}, errs.E(errs.Validation, "limit must be between 1 and 100, got %d", limit)
	}
	if err := filters.Validate(); err != nil {
		return operation.Status{}, err
	}
	id := newOperationID("ingest", a.now())
	task := func(ctx context.Context, rep *operation.Reporter) (any, error) {
		ctx, cancel := a.withTimeout(ctx)
		defer cancel()
		return a.Ingest.First(ctx, a.Fetcher, filters, limit, reportIngest(rep))
	}
	spec := operation.Spec{
		ID:     id,
		Kind:   operation.KindIngest,
		Path:   filepath.Join(a.Cfg.Ingest.DataDir, id),
		Params: map[string]any{"source": SourceUpstream, "first": true, "limit": limit, "filters": filters},
	}
	return a.Registry.Start(ctx, spec, a.notifying(operation.KindIngest, id, task))
}

// Operation returns the snapshot of any clone or ingest operation.
func (a *App) Operation(id string) (operation.Status, error) {
	if !util.ValidOperationID(id) {
		return operation.Status{}, errs.E(errs.Validation, "operation id %q is invalid", id)
	}
	return a.Registry.Get(id)
}

// Operations lists the operations known to this process, newest first.
func (a *App) Operations() []operation.Status {
	return a.Registry.List()
}

func reportIngest(rep *operation.Reporter) func(ingest.Result) {
	return func(r ingest.Result) {
		rep.Progress(operation.Progress{
			Pages:     r.PagesCommitted,
			Items:     r.ItemsSeen,
			Inserted:  r.Inserted,
			Updated:   r.Updated,
			Unchanged: r.Unchanged,
			Stale:     r.Stale,
			Skipped:   len(r.Skipped),
			Cursor:    r.NextCursor,
		})
		rep.Checkpoint(operation.CheckpointRef{Cursor: r.NextCursor, Page: r.PagesCommitted, ItemCount: r.ItemsSeen})
	}
}
