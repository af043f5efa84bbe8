package ocds

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrMissingOCID is returned for releases that cannot be keyed.
var ErrMissingOCID = errors.New("release has no ocid")

// Tender is the searchable projection of a release.
type Tender struct {
	OCID        string
	ReleaseID   string
	Title       string
	Description string
	FullText    string
	SearchText  string
	Stage       string
	CPV         []string
	PublishedAt *time.Time
	URL         string
	SourceHash  string
	Data        []byte
}

// Project builds the Tender for raw. pagePublished is the enclosing package's
// publishedDate, used when the release carries no date of its own. sourceHash
// must be computed over canonical bytes by the caller.
func Project(raw []byte, pagePublished, sourceHash string) (Tender, error) {
	var rel release
	if err := json.Unmarshal(raw, &rel); err != nil {
		return Tender{}, err
	}
	if strings.TrimSpace(string(rel.OCID)) == "" {
		return Tender{}, ErrMissingOCID
	}
	t := Tender{
		OCID:       string(rel.OCID),
		ReleaseID:  string(rel.ID),
		Stage:      StageOf(rel.Tag),
		SourceHash: sourceHash,
		Data:       raw,
	}
	if rel.Tender != nil {
		t.Title = rel.Tender.Title
		t.Description = rel.Tender.Description
		for _, d := range rel.Tender.Documents {
			if d.URL != "" {
				t.URL = d.URL
				break
			}
		}
	}
	t.FullText = fullText(&rel)
	t.SearchText = SearchText(t.FullText)
	t.CPV = cpvList(&rel)

	published := rel.Date
	if published == "" {
		published = pagePublished
	}
	if ts, ok := ParseTime(published); ok {
		t.PublishedAt = &ts
	}
	return t, nil
}

// ParseTime accepts the timestamp shapes the upstream emits.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func fullText(rel *release) string {
	parts := []string{string(rel.OCID)}
	if t := rel.Tender; t != nil {
		parts = append(parts, t.Title, t.Description, t.MainProcurementCategory)
		if c := t.Classification; c != nil {
			parts = append(parts, string(c.ID), c.Description)
		}
	}
	if rel.Buyer != nil {
		parts = append(parts, rel.Buyer.Name)
	}
	if t := rel.Tender; t != nil {
		for _, it := range t.Items {
			for _, c := range it.AdditionalClassifications {
				parts = append(parts, string(c.ID), c.Description)
			}
		}
		for _, l := range t.Lots {
			parts = append(parts, l.Title, l.Description)
		}
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func cpvList(rel *release) []string {
	t := rel.Tender
	if t == nil {
		return nil
	}
	var codes []string
	if t.Classification != nil {
		codes = append(codes, string(t.Classification.ID))
	}
	for _, c := range t.AdditionalClassifications {
		codes = append(codes, string(c.ID))
	}
	for _, it := range t.Items {
		for _, c := range it.AdditionalClassifications {
			codes = append(codes, string(c.ID))
		}
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
