package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/config"
	"github.com/jsherman999/domwatch/internal/datasource"
	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/exporter"
	"github.com/jsherman999/domwatch/internal/store"
	"github.com/jsherman999/domwatch/internal/watcher"
	"github.com/jsherman999/domwatch/internal/webui"
)

type InstanceStore interface {
	UpsertInstance(ctx context.Context, inst dom.Instance) (dom.Instance, bool, error)
	DeleteInstance(ctx context.Context, id uuid.UUID) (dom.Instance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (dom.Instance, error)
	ListInstances(ctx context.Context, q store.ListQuery) ([]dom.Instance, error)
}

type API struct {
	cfg    *config.Config
	store  InstanceStore
	watch  watcher.Registrar
	logger *zap.Logger
}

func New(cfg *config.Config, st InstanceStore, watch watcher.Registrar, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{cfg: cfg, store: st, watch: watch, logger: logger.With(zap.String("component", "api"))}
}

// incidents builds a data source for one request or stream. Data sources are
// cheap; they share the watcher.
func (a *API) incidents() *datasource.Incidents {
	return datasource.NewIncidents(a.store, a.watch, datasource.IncidentsOptions{
		Module:       a.cfg.Watcher.Module,
		DefinitionID: a.cfg.Watcher.DefinitionID,
		PageSize:     a.cfg.DataSource.PageSize,
		Logger:       a.logger,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad id", 400)
		return uuid.Nil, false
	}
	return id, true
}

func listQuery(r *http.Request) (store.ListQuery, error) {
	q := store.ListQuery{Module: r.URL.Query().Get("module")}
	if s := r.URL.Query().Get("definition_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return q, fmt.Errorf("bad definition_id")
		}
		q.DefinitionID = &id
	}
	if s := r.URL.Query().Get("cursor"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return q, fmt.Errorf("bad cursor")
		}
		q.After = &id
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("bad limit")
		}
		q.Limit = n
	}
	return q, nil
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// GET /instances?module=&definition_id=&limit=&cursor=
	r.Get("/instances", func(w http.ResponseWriter, r *http.Request) {
		q, err := listQuery(r)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		q.Limit = q.EffectiveLimit()
		insts, err := a.store.ListInstances(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		resp := map[string]any{"instances": insts}
		if len(insts) == q.Limit {
			resp["next_cursor"] = insts[len(insts)-1].ID.String()
		}
		if insts == nil {
			resp["instances"] = []dom.Instance{}
		}
		writeJSON(w, 200, resp)
	})

	r.Get("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		inst, err := a.store.GetInstance(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, 200, inst)
	})

	// PUT /instances/{id} {"definition_id":"...","module":"incidents","name":"inst42","fields":{"impact":3}}
	r.Put("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var inst dom.Instance
		if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		inst.ID = id
		if inst.Module == "" {
			http.Error(w, "module required", 400)
			return
		}
		saved, created, err := a.store.UpsertInstance(r.Context(), inst)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		status := 200
		if created {
			status = 201
		}
		writeJSON(w, status, saved)
	})

	r.Delete("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		_, err := a.store.DeleteInstance(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/incidents/columns", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, a.incidents().GetColumns())
	})

	// GET /incidents?cursor=
	r.Get("/incidents", func(w http.ResponseWriter, r *http.Request) {
		page, err := a.incidents().GetNextPage(r.Context(), datasource.PageRequest{Cursor: r.URL.Query().Get("cursor")})
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if page.Rows == nil {
			page.Rows = []datasource.Row{}
		}
		writeJSON(w, 200, page)
	})

	// SSE stream of incident row changes. Each client holds one listener on
	// the shared watcher for as long as it is connected.
	r.Get("/watch/incidents", a.streamIncidents)

	// GET /export?format=json|csv&module=&definition_id=&limit=
	r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		q, err := listQuery(r)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		limit := 10000
		if q.Limit > 0 {
			limit = q.Limit
		}

		var (
			b  []byte
			ct string
		)
		switch format {
		case "json":
			b, ct, err = exporter.ExportInstancesJSON(r.Context(), a.store, q, limit)
		case "csv":
			b, ct, err = exporter.ExportInstancesCSV(r.Context(), a.store, q, limit)
		default:
			http.Error(w, "unknown format", 400)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(200)
		_, _ = w.Write(b)
	})

	// Web UI
	ui, uiErr := webui.Handler()
	if uiErr == nil {
		r.Handle("/*", ui)
	}

	return r
}

func (a *API) streamIncidents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}

	ds := a.incidents()
	upd := newStreamUpdater(a.cfg.Watcher.StreamBuffer)
	if err := ds.StartUpdates(r.Context(), upd); err != nil {
		a.logger.Warn("stream not started", zap.Error(err))
		http.Error(w, "updates unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		// The request context is done by now.
		_ = ds.StopUpdates(context.Background())
	}()
	streamClients.Inc()
	defer streamClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send a comment to open stream
	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			if n := upd.dropped.Load(); n > 0 {
				a.logger.Info("stream closed with drops", zap.Int64("dropped", n))
			}
			return
		case f := <-upd.ch:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			flusher.Flush()
		}
	}
}
