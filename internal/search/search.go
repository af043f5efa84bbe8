// Package search validates search requests and runs them against the
// optimized store.
package search

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/db"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/ocds"
)

var (
	cpvPattern = regexp.MustCompile(`^\d{2,8}(-\d)?$`)
	stages     = map[string]bool{"planning": true, "tender": true, "award": true}
)

// Request is a search as received from a caller.
type Request struct {
	Q             string `json:"q"`
	Mode          string `json:"mode,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Stage         string `json:"stage,omitempty"`
	CPV           string `json:"cpv,omitempty"`
	PublishedFrom string `json:"published_from,omitempty"`
	PublishedTo   string `json:"published_to,omitempty"`
}

type Response struct {
	Query   string   `json:"query"`
	Mode    db.Mode  `json:"mode"`
	Count   int      `json:"count"`
	Results []db.Hit `json:"results"`
}

// Store is the part of db.Store used for searching.
type Store interface {
	Search(ctx context.Context, q db.Query) ([]db.Hit, error)
}

type Service struct {
	Store   Store
	Limits  config.SearchConfig
	Metrics *metrics.Metrics
}

// Search validates req and runs it. Invalid requests fail with
// errs.Validation before the store is consulted.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	q, err := s.Parse(req)
	if err != nil {
		s.Metrics.SearchRequest(modeLabel(req.Mode), "rejected")
		return nil, err
	}
	hits, err := s.Store.Search(ctx, q)
	if err != nil {
		s.Metrics.SearchRequest(string(q.Mode), "error")
		return nil, err
	}
	s.Metrics.SearchRequest(string(q.Mode), "ok")
	if hits == nil {
		hits = []db.Hit{}
	}
	return &Response{Query: strings.TrimSpace(req.Q), Mode: q.Mode, Count: len(hits), Results: hits}, nil
}

// modeLabel bounds the metric label set to the known modes.
func modeLabel(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", string(db.Exact):
		return string(db.Exact)
	case string(db.Near):
		return string(db.Near)
	default:
		return "invalid"
	}
}

// Parse turns req into a store query, applying defaults.
func (s *Service) Parse(req Request) (db.Query, error) {
	lim := s.limits()
	text := strings.TrimSpace(req.Q)
	n := utf8.RuneCountInString(text)
	if n < lim.MinQuery {
		return db.Query{}, errs.E(errs.Validation, "query must be at least %d characters", lim.MinQuery)
	}
	if n > lim.MaxQuery {
		return db.Query{}, errs.E(errs.Validation, "query must be at most %d characters", lim.MaxQuery)
	}
	q := db.Query{Text: ocds.Fold(text), Limit: req.Limit, NearThreshold: lim.NearThreshold}
	if q.Text == "" {
		return db.Query{}, errs.E(errs.Validation, "query has no searchable characters")
	}

	switch mode := db.Mode(strings.ToLower(req.Mode)); mode {
	case "":
		q.Mode = db.Exact
	case db.Exact, db.Near:
		q.Mode = mode
	default:
		return db.Query{}, errs.E(errs.Validation, "mode must be exact or near, got %q", req.Mode)
	}

	if q.Limit == 0 {
		q.Limit = lim.DefaultLimit
	}
	if q.Limit < 1 || q.Limit > lim.MaxLimit {
		return db.Query{}, errs.E(errs.Validation, "limit must be between 1 and %d, got %d", lim.MaxLimit, q.Limit)
	}

	if req.Stage != "" {
		stage := strings.ToLower(req.Stage)
		if !stages[stage] {
			return db.Query{}, errs.E(errs.Validation, "stage must be planning, tender or award, got %q", req.Stage)
		}
		q.Stage = stage
	}
	if req.CPV != "" {
		if !cpvPattern.MatchString(req.CPV) {
			return db.Query{}, errs.E(errs.Validation, "cpv %q is not a CPV code or prefix", req.CPV)
		}
		// The check digit is not stored in the prefix match.
		q.CPV, _, _ = strings.Cut(req.CPV, "-")
	}

	var err error
	if q.From, err = parseDate(req.PublishedFrom, "published_from", false); err != nil {
		return db.Query{}, err
	}
	if q.To, err = parseDate(req.PublishedTo, "published_to", true); err != nil {
		return db.Query{}, err
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return db.Query{}, errs.E(errs.Validation, "published_from must not be after published_to")
	}
	return q, nil
}

func (s *Service) limits() config.SearchConfig {
	lim := s.Limits
	if lim.DefaultLimit <= 0 {
		lim.DefaultLimit = 25
	}
	if lim.MaxLimit <= 0 {
		lim.MaxLimit = 100
	}
	if lim.MinQuery <= 0 {
		lim.MinQuery = 2
	}
	if lim.MaxQuery <= 0 {
		lim.MaxQuery = 200
	}
	if lim.NearThreshold <= 0 {
		lim.NearThreshold = 0.3
	}
	return lim
}

// parseDate accepts RFC 3339 timestamps and plain dates. A plain date used as
// an upper bound covers the whole day.
func parseDate(v, field string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ts, ok := ocds.ParseTime(v)
	if !ok {
		return nil, errs.E(errs.Validation, "%s %q is not a date or timestamp", field, v)
	}
	if endOfDay && len(v) == len("2006-01-02") {
		ts = ts.Add(24*time.Hour - time.Millisecond)
	}
	return &ts, nil
}
