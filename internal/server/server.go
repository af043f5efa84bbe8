// Package server exposes the admin, search and pass-through routes over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/app"
	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/search"
	"github.com/rowjay/tender-mirror/internal/upstream"
)

type Server struct {
	App *app.App
	Cfg config.ServerConfig
	Log zerolog.Logger
}

func New(a *app.App, log zerolog.Logger) *Server {
	return &Server{App: a, Cfg: a.Cfg.Server, Log: log.With().Str("component", "http").Logger()}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/clone_database", s.handleClone)
	mux.HandleFunc("GET /admin/clone_status/{id}", s.handleCloneStatus)
	mux.HandleFunc("GET /admin/operations", s.handleOperations)
	mux.HandleFunc("GET /admin/operations/{id}", s.handleOperation)
	mux.HandleFunc("POST /admin/ingest", s.handleIngest)
	mux.HandleFunc("POST /admin/ingest/first", s.handleIngestFirst)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /tenders", s.handleTenders)
	mux.HandleFunc("GET /tenders/{id}", s.handleTender)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.App.Metrics.Handler())
	return s.logRequests(mux)
}

// Run listens on Cfg.Addr until ctx is cancelled, then drains in-flight
// requests within Cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.Cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.Cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.Cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Log.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	total, err := intParam(q.Get("total"), "total", clone.Unbounded)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	background, err := boolParam(q.Get("background"), "background")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.App.StartClone(r.Context(), app.CloneRequest{
		OperationID: q.Get("operation_id"),
		Total:       total,
		Filters:     filtersFrom(r),
		Background:  background,
	})
	s.writeOperation(w, r, st, err)
}

func (s *Server) handleCloneStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.App.CloneStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	st, err := s.App.Operation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.App.Operations()})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	total, err := intParam(q.Get("total"), "total", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	commitEvery, err := intParam(q.Get("commit_every"), "commit_every", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	background, err := boolParam(q.Get("background"), "background")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.App.StartIngest(r.Context(), app.IngestRequest{
		Source:      q.Get("source"),
		CloneID:     q.Get("clone_id"),
		Total:       total,
		CommitEvery: commitEvery,
		Filters:     filtersFrom(r),
		Background:  background,
	})
	s.writeOperation(w, r, st, err)
}

func (s *Server) handleIngestFirst(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.App.IngestFirst(r.Context(), limit, filtersFrom(r))
	s.writeOperation(w, r, st, err)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.App.SearchTenders(r.Context(), search.Request{
		Q:             q.Get("q"),
		Mode:          q.Get("mode"),
		Limit:         limit,
		Stage:         q.Get("stage"),
		CPV:           q.Get("cpv"),
		PublishedFrom: q.Get("published_from"),
		PublishedTo:   q.Get("published_to"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTenders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.App.TenderPage(r.Context(), limit, q.Get("cursor"), filtersFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleTender(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if len(id) > 200 {
		s.writeError(w, r, errs.E(errs.Validation, "tender id is too long"))
		return
	}
	body, err := s.App.Tender(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.App.Store.Ping(ctx); err != nil {
		s.Log.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "up"})
}

// writeOperation answers a start request. A foreground run that failed still
// returns its terminal status alongside the error.
func (s *Server) writeOperation(w http.ResponseWriter, r *http.Request, st operation.Status, err error) {
	if err != nil && st.OperationID == "" {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.Log.Warn().Err(err).Str("operation_id", st.OperationID).Msg("operation failed")
		writeJSON(w, statusCode(err), st)
		return
	}
	code := http.StatusOK
	if st.State == operation.Queued || st.State == operation.Running {
		code = http.StatusAccepted
	}
	writeJSON(w, code, st)
}

type errorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	ev := s.Log.Warn()
	if code >= http.StatusInternalServerError {
		ev = s.Log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: errs.KindOf(err)})
}

func statusCode(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict:
		return http.StatusConflict
	case errs.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, code, body)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func filtersFrom(r *http.Request) upstream.Filters {
	q := r.URL.Query()
	return upstream.Filters{
		Stages:      q.Get("stages"),
		UpdatedFrom: q.Get("updatedFrom"),
		UpdatedTo:   q.Get("updatedTo"),
	}
}

func intParam(v, name string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.E(errs.Validation, "%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func boolParam(v, name string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.E(errs.Validation, "%s must be true or false, got %q", name, v)
	}
	return b, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
