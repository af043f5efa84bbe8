package clone

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/upstream"
	"github.com/rowjay/tender-mirror/internal/util"
)

// Manifest is the final summary of a successful clone. It is written once.
type Manifest struct {
	OperationID    string         `json:"operation_id"`
	Status         string         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	Params         ManifestParams `json:"params"`
	Totals         Totals         `json:"totals"`
	Layout         ManifestLayout `json:"layout"`
	ToolVersion    string         `json:"tool_version"`
}

type ManifestParams struct {
	Total    int              `json:"total"`
	PageSize int              `json:"page_size"`
	Filters  upstream.Filters `json:"filters"`
}

type Totals struct {
	Pages          int `json:"pages"`
	ReceivedRaw    int `json:"received_raw"`
	Items          int `json:"items"`
	EventsWritten  int `json:"events_written"`
	ObjectsWritten int `json:"objects_written"`
	EventParts     int `json:"event_parts"`
}

type ManifestLayout struct {
	Objects    string `json:"objects"`
	Events     string `json:"events"`
	Checkpoint string `json:"checkpoint"`
	Status     string `json:"status"`
	Manifest   string `json:"manifest"`
}

// WriteManifest creates the manifest. An existing one is never replaced.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileOnce(path, data, 0o640); err != nil {
		if errors.Is(err, util.ErrExists) {
			return errs.Wrap(errs.Conflict, err, "manifest already written")
		}
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest returns errs.NotFound when the operation has not completed.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.E(errs.NotFound, "manifest not found")
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}
