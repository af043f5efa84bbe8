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

// Checkpoint is the single resume snapshot of an operation. Cursor is the
// cursor of the next page to fetch.
type Checkpoint struct {
	OperationID    string           `json:"operation_id"`
	Cursor         string           `json:"cursor"`
	Page           int              `json:"page"`
	ItemCount      int              `json:"item_count"`
	ReceivedRaw    int              `json:"received_raw"`
	EventsWritten  int              `json:"events_written"`
	ObjectsWritten int              `json:"objects_written"`
	Filters        upstream.Filters `json:"filters"`
	Position
	Exhausted bool      `json:"exhausted"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects snapshots no run could have produced.
func (c *Checkpoint) Validate() error {
	switch {
	case c.OperationID == "":
		return errors.New("operation_id is empty")
	case c.Page < 0 || c.ItemCount < 0 || c.ReceivedRaw < 0 || c.ObjectsWritten < 0:
		return errors.New("negative counter")
	case c.ItemCount > c.ReceivedRaw:
		return fmt.Errorf("item_count %d exceeds received_raw %d", c.ItemCount, c.ReceivedRaw)
	case c.EventsWritten != c.ItemCount:
		return fmt.Errorf("events_written %d does not match item_count %d", c.EventsWritten, c.ItemCount)
	case c.ObjectsWritten > c.EventsWritten:
		return fmt.Errorf("objects_written %d exceeds events_written %d", c.ObjectsWritten, c.EventsWritten)
	case c.Page > 0 && c.Part < 1:
		return errors.New("event_part missing")
	case c.Offset < 0:
		return errors.New("negative event_offset")
	case c.Page > 0 && c.Cursor == "" && !c.Exhausted:
		return errors.New("cursor is empty but the walk is not exhausted")
	}
	return c.Filters.Validate()
}

// LoadCheckpoint returns nil when no checkpoint exists yet.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CheckpointCorruption, err, "read checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errs.Wrap(errs.CheckpointCorruption, err, "decode checkpoint")
	}
	if err := cp.Validate(); err != nil {
		return nil, errs.Wrap(errs.CheckpointCorruption, err, "invalid checkpoint")
	}
	return &cp, nil
}

// SaveCheckpoint replaces the snapshot atomically.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o640)
}
