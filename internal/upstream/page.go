package upstream

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/ocds"
)

// Stages accepted by the notice API.
var Stages = []string{"planning", "tender", "award"}

// Filters narrow a page walk. Once a walk has started they are frozen.
type Filters struct {
	Stages      string `json:"stages,omitempty"`
	UpdatedFrom string `json:"updatedFrom,omitempty"`
	UpdatedTo   string `json:"updatedTo,omitempty"`
}

const filterTimeLayout = "2006-01-02T15:04:05"

// Validate checks the stage name and the timestamp shape the API accepts.
func (f Filters) Validate() error {
	if f.Stages != "" && !slices.Contains(Stages, f.Stages) {
		return errs.E(errs.Validation, "stages must be one of %s, got %q", strings.Join(Stages, ", "), f.Stages)
	}
	var from, to time.Time
	for _, p := range []struct {
		name string
		val  string
		dst  *time.Time
	}{{"updatedFrom", f.UpdatedFrom, &from}, {"updatedTo", f.UpdatedTo, &to}} {
		if p.val == "" {
			continue
		}
		ts, err := time.Parse(filterTimeLayout, p.val)
		if err != nil {
			return errs.E(errs.Validation, "%s must look like %s, got %q", p.name, filterTimeLayout, p.val)
		}
		*p.dst = ts
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return errs.E(errs.Validation, "updatedFrom %s is after updatedTo %s", f.UpdatedFrom, f.UpdatedTo)
	}
	return nil
}

// Inherit fills empty fields from frozen and rejects any field that was
// given with a different value.
func (f Filters) Inherit(frozen Filters) (Filters, error) {
	merge := func(name, given, stored string) (string, error) {
		switch {
		case given == "":
			return stored, nil
		case given == stored:
			return given, nil
		default:
			return "", errs.E(errs.Validation, "%s %q differs from checkpoint value %q", name, given, stored)
		}
	}
	var out Filters
	var err error
	if out.Stages, err = merge("stages", f.Stages, frozen.Stages); err != nil {
		return Filters{}, err
	}
	if out.UpdatedFrom, err = merge("updatedFrom", f.UpdatedFrom, frozen.UpdatedFrom); err != nil {
		return Filters{}, err
	}
	if out.UpdatedTo, err = merge("updatedTo", f.UpdatedTo, frozen.UpdatedTo); err != nil {
		return Filters{}, err
	}
	return out, nil
}

func (f Filters) apply(q url.Values) {
	if f.Stages != "" {
		q.Set("stages", f.Stages)
	}
	if f.UpdatedFrom != "" {
		q.Set("updatedFrom", f.UpdatedFrom)
	}
	if f.UpdatedTo != "" {
		q.Set("updatedTo", f.UpdatedTo)
	}
}

// PageRequest addresses one page of the release package feed.
type PageRequest struct {
	Cursor  string
	Limit   int
	Filters Filters
}

// Release is one upstream record: its raw object bytes plus the fields
// needed for events and indexing.
type Release struct {
	OCID string
	ID   string
	Date string
	Raw  json.RawMessage
}

type Page struct {
	URI           string
	PublishedDate string
	Releases      []Release
	NextCursor    string
	NextLink      string
}

// End reports whether the upstream signalled there is nothing after this page.
func (p *Page) End() bool {
	return p.NextCursor == "" || len(p.Releases) == 0
}

// FrozenUpdatedTo returns the upper bound the upstream applied to an
// open-ended walk.
func (p *Page) FrozenUpdatedTo() string {
	if v := queryParam(p.URI, "updatedTo"); v != "" {
		return v
	}
	return queryParam(p.NextLink, "updatedTo")
}

type wirePage struct {
	URI           string            `json:"uri"`
	PublishedDate string            `json:"publishedDate"`
	Releases      []json.RawMessage `json:"releases"`
	NextCursor    string            `json:"nextCursor"`
	Links         struct {
		Next string `json:"next"`
	} `json:"links"`
}

func decodePage(body []byte) (*Page, error) {
	var w wirePage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "decode release package")
	}
	p := &Page{
		URI:           w.URI,
		PublishedDate: w.PublishedDate,
		NextCursor:    w.NextCursor,
		NextLink:      w.Links.Next,
		Releases:      make([]Release, 0, len(w.Releases)),
	}
	if p.NextCursor == "" {
		p.NextCursor = queryParam(w.Links.Next, "cursor")
	}
	for i, raw := range w.Releases {
		meta, err := ocds.ReadMeta(raw)
		if err != nil {
			return nil, errs.Wrap(errs.Upstream, err, "decode release %d", i)
		}
		p.Releases = append(p.Releases, Release{OCID: meta.OCID, ID: string(meta.ID), Date: meta.Date, Raw: raw})
	}
	return p, nil
}

func queryParam(raw, name string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

func excerpt(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return fmt.Sprintf("%q", s)
}
