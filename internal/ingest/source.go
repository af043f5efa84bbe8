package ingest

import (
	"context"
	"errors"
	"io"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

// SourcePage is one page of releases in source order.
type SourcePage struct {
	Number        int
	Releases      []upstream.Release
	PublishedDate string
	// NextCursor is where a live walk would continue; empty for replays.
	NextCursor string
}

// Source yields pages in order. fn may return io.EOF to stop early.
type Source interface {
	Pages(ctx context.Context, fn func(SourcePage) error) error
}

// UpstreamSource walks the live feed. Total caps the number of releases,
// clone.Unbounded means until the upstream runs out.
type UpstreamSource struct {
	Fetcher  clone.PageFetcher
	Filters  upstream.Filters
	Total    int
	PageSize int
	Cursor   string
	// MaxPages stops after that many pages when positive.
	MaxPages int
}

func (s *UpstreamSource) Pages(ctx context.Context, fn func(SourcePage) error) error {
	if s.Total < clone.Unbounded {
		return errs.E(errs.Validation, "total must be -1 (unbounded) or a non-negative item cap, got %d", s.Total)
	}
	if err := s.Filters.Validate(); err != nil {
		return err
	}
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	filters := s.Filters
	cursor := s.Cursor
	seen := 0
	for n := 1; s.MaxPages <= 0 || n <= s.MaxPages; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := pageSize
		if s.Total != clone.Unbounded {
			remaining := s.Total - seen
			if remaining <= 0 {
				return nil
			}
			limit = min(limit, remaining)
		}
		page, err := s.Fetcher.FetchPage(ctx, upstream.PageRequest{Cursor: cursor, Limit: limit, Filters: filters})
		if err != nil {
			return err
		}
		if n == 1 && filters.UpdatedTo == "" {
			filters.UpdatedTo = page.FrozenUpdatedTo()
		}
		if len(page.Releases) == 0 {
			return nil
		}
		releases := page.Releases
		if len(releases) > limit {
			releases = releases[:limit]
		}
		seen += len(releases)
		err = fn(SourcePage{Number: n, Releases: releases, PublishedDate: page.PublishedDate, NextCursor: page.NextCursor})
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
	return nil
}

// CloneSource replays a completed clone without touching the upstream.
type CloneSource struct {
	Layout clone.Layout
	Total  int
	// MaxPages stops after that many pages when positive.
	MaxPages int
}

func (s *CloneSource) Pages(ctx context.Context, fn func(SourcePage) error) error {
	if s.Total < clone.Unbounded {
		return errs.E(errs.Validation, "total must be -1 (unbounded) or a non-negative item cap, got %d", s.Total)
	}
	if s.Total == 0 {
		return nil
	}
	seen, pages := 0, 0
	err := clone.Replay(ctx, s.Layout, func(p clone.ReplayPage) error {
		releases := p.Releases
		last := false
		if s.Total != clone.Unbounded && seen+len(releases) >= s.Total {
			releases = releases[:s.Total-seen]
			last = true
		}
		seen += len(releases)
		pages++
		if err := fn(SourcePage{Number: p.Number, Releases: releases, PublishedDate: p.PublishedDate}); err != nil {
			return err
		}
		if last || (s.MaxPages > 0 && pages >= s.MaxPages) {
			return io.EOF
		}
		return nil
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
