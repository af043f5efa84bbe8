package clone

import (
	"context"
	"errors"
	"io"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

// ErrNotCompleted is returned when replaying an operation without a manifest.
var ErrNotCompleted = errors.New("clone has not completed")

// ReplayPage is one original upstream page rebuilt from events and objects.
type ReplayPage struct {
	Number   int
	Releases []upstream.Release
	// PublishedDate is the enclosing package date recorded at fetch time.
	PublishedDate string
}

// Replay walks a completed clone page by page in fetch order. It only reads
// from the operation directory. fn may return io.EOF to stop early.
func Replay(ctx context.Context, layout Layout, fn func(ReplayPage) error) error {
	if _, err := ReadManifest(layout.ManifestPath()); err != nil {
		if errs.Is(err, errs.NotFound) {
			return errs.Wrap(errs.Validation, ErrNotCompleted, "replay %s", layout.Root)
		}
		return err
	}
	objects := &ObjectStore{Dir: layout.ObjectsDir()}
	var cur *ReplayPage
	flush := func() error {
		if cur == nil {
			return nil
		}
		p := *cur
		cur = nil
		return fn(p)
	}
	err := ReadEvents(layout.EventsDir(), func(ev Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cur != nil && cur.Number != ev.Page {
			if err := flush(); err != nil {
				return err
			}
		}
		if cur == nil {
			cur = &ReplayPage{Number: ev.Page, PublishedDate: ev.UpstreamVersion.PagePublishedDate}
		}
		raw, err := objects.Get(ev.ContentHash)
		if err != nil {
			return err
		}
		cur.Releases = append(cur.Releases, upstream.Release{
			OCID: ev.ReleaseID,
			ID:   ev.UpstreamVersion.ReleaseID,
			Date: ev.UpstreamVersion.ReleaseDate,
			Raw:  raw,
		})
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return flush()
}
