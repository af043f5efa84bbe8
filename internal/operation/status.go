// Package operation tracks long-running clone and ingest runs. Each run is
// owned by one worker; pollers read immutable snapshots.
package operation

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/errs"
)

type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

type Kind string

const (
	KindClone  Kind = "clone"
	KindIngest Kind = "ingest"
)

// Progress carries the live counters of a running operation. Clone runs
// fill the fetch counters, ingest runs the upsert outcomes.
type Progress struct {
	Pages          int    `json:"pages"`
	ReceivedRaw    int    `json:"received_raw"`
	Items          int    `json:"item_count"`
	EventsWritten  int    `json:"events_written"`
	ObjectsWritten int    `json:"objects_written"`
	Inserted       int    `json:"inserted"`
	Updated        int    `json:"updated"`
	Unchanged      int    `json:"unchanged"`
	Stale          int    `json:"stale"`
	Skipped        int    `json:"skipped"`
	Cursor         string `json:"cursor,omitempty"`
}

// CheckpointRef is the last durable resume point known to the registry.
type CheckpointRef struct {
	Cursor    string `json:"cursor"`
	Page      int    `json:"page"`
	ItemCount int    `json:"item_count"`
}

type Failure struct {
	Kind       errs.Kind      `json:"kind"`
	Message    string         `json:"message"`
	Checkpoint *CheckpointRef `json:"checkpoint,omitempty"`
}

// Status is an immutable snapshot. Never mutate a Status obtained from the
// registry; it may be shared with other readers.
type Status struct {
	OperationID string          `json:"operation_id"`
	Kind        Kind            `json:"kind"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	Resumed     bool            `json:"resumed"`
	Background  bool            `json:"background"`
	Path        string          `json:"path,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Progress    Progress        `json:"progress"`
	Error       *Failure        `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ElapsedSeconds is measured from start to finish, or to the last update
// while running.
func (s Status) ElapsedSeconds() float64 {
	if s.StartedAt == nil {
		return 0
	}
	end := s.UpdatedAt
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	return end.Sub(*s.StartedAt).Seconds()
}
