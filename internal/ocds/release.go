// Package ocds extracts the handful of strongly typed fields the mirror needs
// from open-contracting release payloads. The payload itself stays opaque.
package ocds

import (
	"bytes"

	"github.com/goccy/go-json"
)

// FlexString accepts a JSON string or number. Upstream ids are not
// consistently typed.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Meta is the identifying subset of a release.
type Meta struct {
	OCID string     `json:"ocid"`
	ID   FlexString `json:"id"`
	Date string     `json:"date"`
	Tag  []string   `json:"tag"`
}

// ReadMeta decodes only the identifying fields of raw.
func ReadMeta(raw []byte) (Meta, error) {
	var m struct {
		OCID FlexString `json:"ocid"`
		ID   FlexString `json:"id"`
		Date string     `json:"date"`
		Tag  []string   `json:"tag"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, err
	}
	return Meta{OCID: string(m.OCID), ID: m.ID, Date: m.Date, Tag: m.Tag}, nil
}

type classification struct {
	Scheme      string     `json:"scheme"`
	ID          FlexString `json:"id"`
	Description string     `json:"description"`
}

type document struct {
	URL string `json:"url"`
}

type item struct {
	AdditionalClassifications []classification `json:"additionalClassifications"`
}

type lot struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type tender struct {
	Title                     string           `json:"title"`
	Description               string           `json:"description"`
	MainProcurementCategory   string           `json:"mainProcurementCategory"`
	Classification            *classification  `json:"classification"`
	AdditionalClassifications []classification `json:"additionalClassifications"`
	Items                     []item           `json:"items"`
	Lots                      []lot            `json:"lots"`
	Documents                 []document       `json:"documents"`
}

type party struct {
	Name string `json:"name"`
}

type release struct {
	OCID   FlexString `json:"ocid"`
	ID     FlexString `json:"id"`
	Date   string     `json:"date"`
	Tag    []string   `json:"tag"`
	Tender *tender    `json:"tender"`
	Buyer  *party     `json:"buyer"`
}

// StageOf picks the most advanced stage named by the release tags.
func StageOf(tags []string) string {
	rank := map[string]int{"planning": 1, "planningUpdate": 1, "tender": 2, "tenderAmendment": 2, "tenderUpdate": 2, "tenderCancellation": 2, "award": 3, "awardUpdate": 3, "awardCancellation": 3, "contract": 3}
	best, stage := 0, ""
	for _, t := range tags {
		r := rank[t]
		if r <= best {
			continue
		}
		best = r
		switch r {
		case 1:
			stage = "planning"
		case 2:
			stage = "tender"
		default:
			stage = "award"
		}
	}
	return stage
}
