package app

import (
	"context"
	"os"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/upstream"
	"github.com/rowjay/tender-mirror/internal/util"
)

// CloneRequest starts a new clone or, with OperationID set, resumes one.
type CloneRequest struct {
	OperationID string           `json:"operation_id,omitempty"`
	Total       int              `json:"total"`
	Filters     upstream.Filters `json:"filters"`
	Background  bool             `json:"background"`
}

// CloneView is the clone status as served to pollers.
type CloneView struct {
	operation.Status
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Checkpoint     *clone.Checkpoint `json:"checkpoint,omitempty"`
	Manifest       *clone.Manifest   `json:"manifest,omitempty"`
}

// StartClone runs a clone through the registry. Background requests return
// the queued status at once; foreground requests return the terminal status
// and the run's error. A completed clone is never re-run.
func (a *App) StartClone(ctx context.Context, req CloneRequest) (operation.Status, error) {
	if req.Total < clone.Unbounded {
		return operation.Status{}, errs.E(errs.Validation, "total must be -1 (unbounded) or a non-negative item cap, got %d", req.Total)
	}
	if err := req.Filters.Validate(); err != nil {
		return operation.Status{}, err
	}
	window := util.Window{Start: a.Cfg.Schedule.WindowStart, End: a.Cfg.Schedule.WindowEnd, Timezone: a.Cfg.Schedule.Timezone}
	ok, err := window.Contains(a.now())
	if err != nil {
		return operation.Status{}, errs.Wrap(errs.Validation, err, "harvest window")
	}
	if !ok {
		return operation.Status{}, errs.E(errs.Validation, "current time is outside the harvest window %s-%s", window.Start, window.End)
	}

	id := req.OperationID
	if id == "" {
		id = newOperationID("clone", a.now())
	} else {
		if !util.ValidOperationID(id) {
			return operation.Status{}, errs.E(errs.Validation, "operation id %q is invalid", id)
		}
		if _, err := os.Stat(a.Clone.Layout(id).Root); os.IsNotExist(err) {
			return operation.Status{}, errs.E(errs.NotFound, "clone %s not found on disk", id)
		}
		if m, err := clone.ReadManifest(a.Clone.Layout(id).ManifestPath()); err == nil {
			return a.completedClone(id, m)
		}
	}

	params := clone.Params{OperationID: id, Total: req.Total, Filters: req.Filters}
	task := func(ctx context.Context, rep *operation.Reporter) (any, error) {
		ctx, cancel := a.withTimeout(ctx)
		defer cancel()
		if cp, err := a.Clone.Checkpoint(id); err == nil && cp != nil {
			rep.Checkpoint(operation.CheckpointRef{Cursor: cp.Cursor, Page: cp.Page, ItemCount: cp.ItemCount})
		}
		return a.Clone.Run(ctx, params, func(p clone.Progress) {
			rep.Progress(operation.Progress{
				Pages:          p.Page,
				ReceivedRaw:    p.ReceivedRaw,
				Items:          p.Items,
				EventsWritten:  p.EventsWritten,
				ObjectsWritten: p.ObjectsWritten,
				Cursor:         p.Cursor,
			})
			rep.Checkpoint(operation.CheckpointRef{Cursor: p.Cursor, Page: p.Page, ItemCount: p.Items})
		})
	}
	spec := operation.Spec{
		ID:         id,
		Kind:       operation.KindClone,
		Background: req.Background,
		Path:       a.Clone.Layout(id).Root,
		Params:     params,
	}
	return a.Registry.Start(ctx, spec, a.notifying(operation.KindClone, id, task))
}

// completedClone answers a start request for a clone that already finished.
func (a *App) completedClone(id string, m *clone.Manifest) (operation.Status, error) {
	if st, err := a.Registry.Get(id); err == nil && st.State == operation.Completed {
		return st, nil
	}
	st := operation.Status{
		OperationID: id,
		Kind:        operation.KindClone,
		State:       operation.Completed,
		Path:        a.Clone.Layout(id).Root,
		Progress: operation.Progress{
			Pages:          m.Totals.Pages,
			ReceivedRaw:    m.Totals.ReceivedRaw,
			Items:          m.Totals.Items,
			EventsWritten:  m.Totals.EventsWritten,
			ObjectsWritten: m.Totals.ObjectsWritten,
		},
		CreatedAt:  m.StartedAt,
		StartedAt:  &m.StartedAt,
		UpdatedAt:  m.FinishedAt,
		FinishedAt: &m.FinishedAt,
	}
	return st, nil
}

// CloneStatus combines the registry snapshot with the checkpoint and
// manifest on disk.
func (a *App) CloneStatus(id string) (*CloneView, error) {
	if !util.ValidOperationID(id) {
		return nil, errs.E(errs.Validation, "operation id %q is invalid", id)
	}
	layout := a.Clone.Layout(id)
	m, err := clone.ReadManifest(layout.ManifestPath())
	if err != nil && !errs.Is(err, errs.NotFound) {
		return nil, err
	}
	cp, cpErr := clone.LoadCheckpoint(layout.CheckpointPath())

	st, err := a.Registry.Get(id)
	switch {
	case err == nil:
	case !errs.Is(err, errs.NotFound):
		return nil, err
	case m != nil:
		st, _ = a.completedClone(id, m)
	case cp != nil:
		st = operation.Status{
			OperationID: id,
			Kind:        operation.KindClone,
			State:       operation.Failed,
			Path:        layout.Root,
			Error:       &operation.Failure{Kind: errs.Internal, Message: "operation is not running; resume it from its checkpoint"},
			CreatedAt:   cp.StartedAt,
			UpdatedAt:   cp.UpdatedAt,
		}
	default:
		return nil, err
	}
	if st.Kind != operation.KindClone {
		return nil, errs.E(errs.NotFound, "clone %s not found", id)
	}

	view := &CloneView{Status: st, ElapsedSeconds: st.ElapsedSeconds(), Manifest: m}
	if cpErr == nil {
		view.Checkpoint = cp
	}
	return view, nil
}
