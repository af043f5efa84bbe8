// Package errs defines the error taxonomy shared by the clone, ingest and
// search paths. Callers classify failures with KindOf instead of matching
// message text.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Upstream             Kind = "upstream"
	DedupConflict        Kind = "dedup_conflict"
	CheckpointCorruption Kind = "checkpoint_corruption"
	IngestConflict       Kind = "ingest_conflict"
	Validation           Kind = "validation"
	Conflict             Kind = "conflict"
	NotFound             Kind = "not_found"
	Internal             Kind = "internal"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error from a format string.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or Internal when none is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
