// Package app wires the clone, ingest, search and archive services together
// and exposes the operations the CLI and the HTTP surface call.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/db"
	"github.com/rowjay/tender-mirror/internal/ingest"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/notify"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/search"
	"github.com/rowjay/tender-mirror/internal/storage"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

type App struct {
	Cfg      *config.Config
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Upstream *upstream.Client
	// Fetcher feeds clone and ingest runs; it is Upstream unless replaced.
	Fetcher  clone.PageFetcher
	Store    *db.Store
	Clone    *clone.Engine
	Ingest   *ingest.Engine
	Search   *search.Service
	Registry *operation.Registry
	Storage  storage.Storage
	Notifier notify.Notifier
	Now      func() time.Time
}

// New opens the optimized store and builds every service from cfg.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*App, error) {
	store, err := db.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	archives, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		store.Close()
		return nil, err
	}
	client := upstream.New(cfg.Upstream, cfg.Global.UserAgent, log, m)

	var statuses *operation.FileStore
	if cfg.Operations.Durable {
		statuses = &operation.FileStore{Dirs: map[operation.Kind]string{
			operation.KindClone:  cfg.Clone.DataDir,
			operation.KindIngest: cfg.Ingest.DataDir,
		}}
	}

	a := &App{
		Cfg:      cfg,
		Log:      log,
		Metrics:  m,
		Upstream: client,
		Fetcher:  client,
		Store:    store,
		Clone: &clone.Engine{
			DataDir:       cfg.Clone.DataDir,
			RotateBytes:   cfg.Clone.RotateBytes,
			VerifyObjects: cfg.Clone.VerifyObjects,
			SharedObjects: cfg.Clone.SharedObjects,
			PageSize:      cfg.Upstream.PageSize,
			Fetcher:       client,
			Log:           log.With().Str("component", "clone").Logger(),
			Metrics:       m,
		},
		Ingest: &ingest.Engine{
			Store:   store,
			Log:     log.With().Str("component", "ingest").Logger(),
			Metrics: m,
		},
		Search: &search.Service{Store: store, Limits: cfg.Search, Metrics: m},
		Registry: operation.NewRegistry(operation.Options{
			MaxBackground: cfg.Operations.MaxBackground,
			TTL:           cfg.Operations.TTL,
			Store:         statuses,
			Log:           log.With().Str("component", "operations").Logger(),
			Metrics:       m,
		}),
		Storage:  archives,
		Notifier: notify.FromConfig(cfg.Notifications),
		Now:      time.Now,
	}
	return a, nil
}

// SetFetcher replaces the page source of clone and ingest runs.
func (a *App) SetFetcher(f clone.PageFetcher) {
	a.Fetcher = f
	a.Clone.Fetcher = f
}

func (a *App) now() time.Time {
	return a.Now().UTC()
}

// Close stops background operations, waiting up to the context deadline,
// and closes the store.
func (a *App) Close(ctx context.Context) error {
	shutdownErr := a.Registry.Shutdown(ctx)
	if err := a.Store.Close(); err != nil {
		return err
	}
	return shutdownErr
}

func newOperationID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", prefix, now.UTC().Format("20060102_150405"), suffix)
}

// withTimeout bounds one operation by global.operation_timeout when set.
func (a *App) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Cfg.Global.OperationTimeout > 0 {
		return context.WithTimeout(ctx, a.Cfg.Global.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// notifying wraps task so that its outcome is sent to the notifier.
func (a *App) notifying(kind operation.Kind, id string, task operation.Task) operation.Task {
	return func(ctx context.Context, rep *operation.Reporter) (any, error) {
		started := a.now()
		result, err := task(ctx, rep)
		ev := notify.Event{
			OperationID: id,
			Kind:        string(kind),
			Status:      statusFromErr(err),
			Message:     fmt.Sprintf("%s %s", kind, id),
			Items:       itemsOf(result),
			StartedAt:   started,
			EndedAt:     a.now(),
		}
		ev.Duration = ev.EndedAt.Sub(started).Round(time.Millisecond).String()
		if err != nil {
			ev.Error = err.Error()
		}
		a.emit(ev)
		return result, err
	}
}

func (a *App) emit(ev notify.Event) {
	if a.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Notifier.Notify(ctx, ev); err != nil {
		a.Log.Warn().Err(err).Str("operation_id", ev.OperationID).Msg("notification failed")
	}
}

func itemsOf(result any) int {
	switch r := result.(type) {
	case *clone.Manifest:
		if r != nil {
			return r.Totals.Items
		}
	case *ingest.Result:
		if r != nil {
			return r.ItemsUpserted
		}
	}
	return 0
}

func statusFromErr(err error) string {
	if err == nil {
		return string(operation.Completed)
	}
	return string(operation.Failed)
}
