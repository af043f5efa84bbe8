package app

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/db"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/search"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

// SearchTenders runs a validated search against the optimized store.
func (a *App) SearchTenders(ctx context.Context, req search.Request) (*search.Response, error) {
	return a.Search.Search(ctx, req)
}

// StoredTender returns one tender from the optimized store.
func (a *App) StoredTender(ctx context.Context, ocid string) (*db.Record, error) {
	return a.Store.Get(ctx, ocid)
}

// TenderPage proxies one page of the upstream feed untouched.
func (a *App) TenderPage(ctx context.Context, limit int, cursor string, filters upstream.Filters) (json.RawMessage, error) {
	if limit == 0 {
		limit = 5
	}
	if limit < 1 || limit > 100 {
		return nil, errs.E(errs.Validation, "limit must be between 1 and 100, got %d", limit)
	}
	if len(cursor) > 300 {
		return nil, errs.E(errs.Validation, "cursor is too long")
	}
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	body, err := a.Upstream.FetchPageRaw(ctx, upstream.PageRequest{Cursor: cursor, Limit: limit, Filters: filters})
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errs.E(errs.Upstream, "upstream page is not JSON")
	}
	return json.RawMessage(body), nil
}

// Tender proxies one notice from the upstream by notice id or ocid.
func (a *App) Tender(ctx context.Context, id string) (json.RawMessage, error) {
	return a.Upstream.FetchNotice(ctx, id)
}
