// Package server exposes the worker over HTTP.
//
// Every request is intercepted by the worker except for the control routes:
//
//	GET  /metrics                            prometheus metrics
//	GET  /.worker/state                      lifecycle state of this generation
//	GET  /.worker/buckets                    URLs stored in each live bucket
//	POST /.worker/events/{kind}              dispatch a lifecycle event
//	GET  /.worker/clients                    websocket for open pages
//	GET  /.store/counts                      number of records per collection
//	GET  /.store/unsynced                    records not yet acknowledged remotely
//	POST /.store/{collection}/{key}/synced   mark a record as acknowledged
package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	offline "github.com/always-cache/offline"
	"github.com/always-cache/offline/cache"
	"github.com/always-cache/offline/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// maxEventBody bounds event payloads.
const maxEventBody = 64 * 1024

type Config struct {
	Worker *offline.Worker
	// Record store. The /.store routes answer 404 without it.
	Store *store.Manager
	// Websocket endpoint for open pages. Optional.
	Clients http.Handler
	// Origins allowed to call the control routes cross-origin. Empty allows all.
	AllowedOrigins []string
	// Event dispatches allowed per client IP and minute. Zero disables the limit.
	EventRate int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type handler struct {
	worker *offline.Worker
	store  *store.Manager
}

// NewRouter returns the HTTP handler for the worker and its control routes.
func NewRouter(config Config) http.Handler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	h := &handler{worker: config.Worker, store: config.Store}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	}))

	allowedOrigins := config.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/.worker", func(r chi.Router) {
		r.Use(corsHandler)
		r.Get("/state", h.state)
		r.Get("/buckets", h.buckets)
		r.Group(func(r chi.Router) {
			if config.EventRate > 0 {
				r.Use(httprate.LimitByIP(config.EventRate, time.Minute))
			}
			r.Post("/events/{kind}", h.dispatch)
		})
		if config.Clients != nil {
			r.Get("/clients", config.Clients.ServeHTTP)
		}
	})
	r.Route("/.store", func(r chi.Router) {
		r.Use(corsHandler)
		r.Get("/counts", h.counts)
		r.Get("/unsynced", h.unsynced)
		r.Post("/{collection}/{key}/synced", h.markSynced)
	})
	r.Handle("/*", config.Worker)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"state":   string(h.worker.State()),
		"version": cache.Version,
	})
}

func (h *handler) buckets(w http.ResponseWriter, r *http.Request) {
	cached, err := h.worker.Cached(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cached)
}

// dispatch turns the request into a lifecycle event.
// Push events take the raw body as payload; other events read a JSON body.
// Sync events default to the record sync tag.
func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	kind := offline.EventKind(chi.URLParam(r, "kind"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ev := offline.Event{Kind: kind}
	switch {
	case kind == offline.EventPush:
		ev.Data = body
	case len(body) > 0:
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		ev.Kind = kind
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		ev.Tag = tag
	}
	if kind == offline.EventSync && ev.Tag == "" {
		ev.Tag = offline.SyncTag
	}

	if err := h.worker.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, offline.ErrUnknownEvent) {
			writeError(w, r, http.StatusNotFound, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) counts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	counts := make(map[store.Collection]int)
	for _, c := range store.Collections() {
		n, err := h.store.Count(r.Context(), c)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		counts[c] = n
	}
	writeJSON(w, r, http.StatusOK, counts)
}

func (h *handler) unsynced(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	data, err := h.store.GetUnsyncedData(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

func (h *handler) markSynced(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	collection := store.Collection(chi.URLParam(r, "collection"))
	key := chi.URLParam(r, "key")
	err := h.store.MarkAsSynced(r.Context(), collection, key)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrUnknownCollection):
		writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, store.ErrStorageUnavailable), errors.Is(err, store.ErrNotReady):
		writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		writeError(w, r, http.StatusInternalServerError, err)
	}
}
