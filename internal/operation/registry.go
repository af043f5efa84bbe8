package operation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/util"
)

// Task performs the work of one attempt. It reports progress through rep
// and returns the value stored as the operation result.
type Task func(ctx context.Context, rep *Reporter) (any, error)

type Spec struct {
	ID         string
	Kind       Kind
	Background bool
	Path       string
	Params     any
}

type Options struct {
	MaxBackground int
	TTL           time.Duration
	// Store, when set, makes snapshots survive a restart.
	Store   *FileStore
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type entry struct {
	snap       atomic.Pointer[Status]
	done       chan struct{}
	checkpoint *CheckpointRef // owned by the worker
}

type Registry struct {
	opts    Options
	mu      sync.Mutex
	entries map[string]*entry
	active  int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxBackground < 1 {
		opts.MaxBackground = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{opts: opts, entries: map[string]*entry{}, ctx: ctx, cancel: cancel}
}

func (r *Registry) now() time.Time { return r.opts.Now().UTC() }

// Start registers a new attempt of spec.ID and runs task. In background mode
// it returns the queued snapshot immediately; otherwise it blocks until the
// attempt is terminal and returns the final snapshot with the task's error.
func (r *Registry) Start(ctx context.Context, spec Spec, task Task) (Status, error) {
	if !util.ValidOperationID(spec.ID) {
		return Status{}, errs.E(errs.Validation, "operation id %q is invalid", spec.ID)
	}
	params, err := json.Marshal(spec.Params)
	if err != nil {
		return Status{}, fmt.Errorf("encode params: %w", err)
	}

	r.mu.Lock()
	r.pruneLocked()
	prev, err := r.previousLocked(spec.ID)
	if err != nil {
		r.mu.Unlock()
		return Status{}, err
	}
	if prev != nil && !prev.State.Terminal() {
		r.mu.Unlock()
		return Status{}, errs.E(errs.Conflict, "operation %s is already %s", spec.ID, prev.State)
	}
	if spec.Background && r.active >= r.opts.MaxBackground {
		r.mu.Unlock()
		return Status{}, errs.E(errs.Conflict, "too many background operations running (limit %d)", r.opts.MaxBackground)
	}

	now := r.now()
	st := &Status{
		OperationID: spec.ID,
		Kind:        spec.Kind,
		State:       Queued,
		Attempt:     1,
		Background:  spec.Background,
		Path:        spec.Path,
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev != nil {
		st.Attempt = prev.Attempt + 1
		st.Resumed = prev.State == Failed
	}
	e := &entry{done: make(chan struct{})}
	e.snap.Store(st)
	r.entries[spec.ID] = e
	if spec.Background {
		r.active++
	}
	r.mu.Unlock()
	r.persist(st)

	if spec.Background {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = r.run(r.ctx, e, task)
		}()
		return *st, nil
	}
	runErr := r.run(ctx, e, task)
	return *e.snap.Load(), runErr
}

// previousLocked returns the last known snapshot of id from memory or disk.
func (r *Registry) previousLocked(id string) (*Status, error) {
	if e, ok := r.entries[id]; ok {
		return e.snap.Load(), nil
	}
	if r.opts.Store == nil {
		return nil, nil
	}
	st, err := r.opts.Store.Load(id)
	if errs.Is(err, errs.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return orphaned(st), nil
}

// orphaned marks a snapshot left non-terminal by a previous process as
// failed; no worker will ever finish it.
func orphaned(st *Status) *Status {
	if st.State.Terminal() {
		return st
	}
	cp := *st
	cp.State = Failed
	cp.Error = &Failure{Kind: errs.Internal, Message: "operation interrupted by process exit"}
	return &cp
}

func (r *Registry) run(ctx context.Context, e *entry, task Task) (err error) {
	kind := e.snap.Load().Kind
	done := r.opts.Metrics.OperationStarted(string(kind))
	log := r.opts.Log.With().Str("operation_id", e.snap.Load().OperationID).Str("kind", string(kind)).Logger()

	defer func() {
		if p := recover(); p != nil {
			err = errs.E(errs.Internal, "panic: %v", p)
			log.Error().Str("stack", string(debug.Stack())).Msg("operation panicked")
			r.finish(e, nil, err)
		}
		done()
		r.mu.Lock()
		if e.snap.Load().Background {
			r.active--
		}
		r.mu.Unlock()
		close(e.done)
	}()

	started := r.now()
	r.update(e, func(st *Status) {
		st.State = Running
		st.StartedAt = &started
	})
	log.Info().Int("attempt", e.snap.Load().Attempt).Bool("resumed", e.snap.Load().Resumed).Msg("operation started")

	result, err := task(ctx, &Reporter{r: r, e: e})
	r.finish(e, result, err)
	if err != nil {
		log.Error().Err(err).Str("error_kind", string(errs.KindOf(err))).Msg("operation failed")
	} else {
		log.Info().Msg("operation completed")
	}
	return err
}

func (r *Registry) finish(e *entry, result any, err error) {
	finished := r.now()
	var encoded json.RawMessage
	if err == nil && result != nil {
		if b, mErr := json.Marshal(result); mErr == nil {
			encoded = b
		} else {
			err = fmt.Errorf("encode result: %w", mErr)
		}
	}
	r.update(e, func(st *Status) {
		st.FinishedAt = &finished
		if err != nil {
			st.State = Failed
			st.Error = &Failure{Kind: errs.KindOf(err), Message: err.Error(), Checkpoint: e.checkpoint}
			return
		}
		st.State = Completed
		st.Result = encoded
	})
}

// update publishes a modified copy of the current snapshot.
func (r *Registry) update(e *entry, mutate func(*Status)) {
	next := *e.snap.Load()
	mutate(&next)
	next.UpdatedAt = r.now()
	e.snap.Store(&next)
	r.persist(&next)
}

func (r *Registry) persist(st *Status) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.Save(st); err != nil {
		r.opts.Log.Warn().Err(err).Str("operation_id", st.OperationID).Msg("persist status")
	}
}

// Get returns the latest snapshot of id.
func (r *Registry) Get(id string) (Status, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		return *e.snap.Load(), nil
	}
	if r.opts.Store != nil {
		st, err := r.opts.Store.Load(id)
		if err != nil {
			return Status{}, err
		}
		return *orphaned(st), nil
	}
	return Status{}, errs.E(errs.NotFound, "operation %s not found", id)
}

// WaitFor blocks until the current attempt of id is terminal.
func (r *Registry) WaitFor(ctx context.Context, id string) (Status, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return r.Get(id)
	}
	select {
	case <-e.done:
		return *e.snap.Load(), nil
	case <-ctx.Done():
		return *e.snap.Load(), ctx.Err()
	}
}

// List returns the in-memory snapshots, newest first.
func (r *Registry) List() []Status {
	r.mu.Lock()
	r.pruneLocked()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e.snap.Load())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune drops terminal entries older than the TTL from memory.
func (r *Registry) Prune() {
	r.mu.Lock()
	r.pruneLocked()
	r.mu.Unlock()
}

func (r *Registry) pruneLocked() {
	if r.opts.TTL <= 0 {
		return
	}
	cutoff := r.now().Add(-r.opts.TTL)
	for id, e := range r.entries {
		st := e.snap.Load()
		if st.State.Terminal() && st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}

// Wait blocks until every background task has returned.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels background tasks and waits for them. Interrupted clones
// keep their last checkpoint.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()
	return r.Wait(ctx)
}

// Reporter lets a task publish progress without touching the snapshot.
type Reporter struct {
	r *Registry
	e *entry
}

func (rep *Reporter) Progress(p Progress) {
	rep.r.update(rep.e, func(st *Status) { st.Progress = p })
}

// Checkpoint records the last durable resume point, reported on failure.
func (rep *Reporter) Checkpoint(c CheckpointRef) {
	rep.e.checkpoint = &c
}

// OperationID of the attempt being run.
func (rep *Reporter) OperationID() string {
	return rep.e.snap.Load().OperationID
}
