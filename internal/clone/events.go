package clone

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/errs"
)

// Event records one observation of a release. Events are never deduplicated.
type Event struct {
	FetchedAt       time.Time       `json:"fetched_at"`
	Source          string          `json:"source"`
	Cursor          string          `json:"cursor"`
	Page            int             `json:"page"`
	ReleaseID       string          `json:"release_id"`
	ContentHash     string          `json:"content_hash"`
	UpstreamVersion UpstreamVersion `json:"upstream_version"`
	PageURI         string          `json:"page_uri,omitempty"`
}

type UpstreamVersion struct {
	ReleaseID         string `json:"release_id,omitempty"`
	ReleaseDate       string `json:"release_date,omitempty"`
	PagePublishedDate string `json:"page_published_date,omitempty"`
}

// Position addresses the end of the committed event stream.
type Position struct {
	Part   int   `json:"event_part"`
	Offset int64 `json:"event_offset"`
}

var partPattern = regexp.MustCompile(`^part-(\d{6})\.ndjson$`)

func partName(n int) string {
	return fmt.Sprintf("part-%06d.ndjson", n)
}

// ListParts returns the event part numbers present in dir, ascending.
func ListParts(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var parts []int
	for _, e := range entries {
		m := partPattern.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		parts = append(parts, n)
	}
	sort.Ints(parts)
	return parts, nil
}

// EventLog appends newline-delimited events to size-rotated part files.
type EventLog struct {
	dir      string
	maxBytes int64
	part     int
	size     int64
	f        *os.File
	w        *bufio.Writer
}

// OpenEventLog positions the log at the committed end. Anything written past
// at (an interrupted page) is cut off and later parts are removed. A zero
// Position starts from an empty log.
func OpenEventLog(dir string, maxBytes int64, at Position) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	parts, err := ListParts(dir)
	if err != nil {
		return nil, err
	}
	part := at.Part
	if part == 0 {
		part = 1
	}
	for _, n := range parts {
		if n > part || (at.Part == 0 && n >= part) {
			if err := os.Remove(filepath.Join(dir, partName(n))); err != nil {
				return nil, fmt.Errorf("discard uncommitted part %d: %w", n, err)
			}
		}
	}

	path := filepath.Join(dir, partName(part))
	if at.Part > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errs.Wrap(errs.CheckpointCorruption, err, "checkpoint references missing event part %d", at.Part)
		}
		if info.Size() < at.Offset {
			return nil, errs.E(errs.CheckpointCorruption, "event part %d is %d bytes, checkpoint expects %d", at.Part, info.Size(), at.Offset)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(at.Offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate event part: %w", err)
	}
	if _, err := f.Seek(at.Offset, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &EventLog{dir: dir, maxBytes: maxBytes, part: part, size: at.Offset, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes ev as one line. The line goes to a fresh part when it would
// push the active part past the size threshold; lines are never split.
func (l *EventLog) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')
	if l.size > 0 && l.maxBytes > 0 && l.size+int64(len(line)) > l.maxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.w.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *EventLog) rotate() error {
	if err := l.Sync(); err != nil {
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	l.part++
	f, err := os.OpenFile(filepath.Join(l.dir, partName(l.part)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open event part %d: %w", l.part, err)
	}
	l.f, l.size = f, 0
	l.w.Reset(f)
	return nil
}

// Sync flushes buffered lines and fsyncs the active part.
func (l *EventLog) Sync() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Position is the committed end once Sync has returned.
func (l *EventLog) Position() Position {
	return Position{Part: l.part, Offset: l.size}
}

func (l *EventLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// ReadEvents calls fn for every event in dir in append order.
func ReadEvents(dir string, fn func(Event) error) error {
	parts, err := ListParts(dir)
	if err != nil {
		return err
	}
	for _, n := range parts {
		if err := readPart(filepath.Join(dir, partName(n)), fn); err != nil {
			return fmt.Errorf("%s: %w", partName(n), err)
		}
	}
	return nil
}

func readPart(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
