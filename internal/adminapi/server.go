// internal/adminapi/server.go
//
// Read-mostly operator HTTP surface.
//
// Context
// -------
// `farmctl serve` exposes a small chi router for operator tooling and
// scrapers: the farm index, individual wiki snapshots, the recent request
// queue, a cache-rebuild trigger, and Prometheus metrics.  This is not
// the wiki-serving path; it is trusted-operator only and sits behind the
// deployment's own access controls.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/cachegen"
	"github.com/wikigrove/farm/internal/registry"
)

// Server bundles the read dependencies for the admin router.
type Server struct {
	store *registry.Store
	cache *cachegen.Builder
}

func New(store *registry.Store, cache *cachegen.Builder) *Server {
	return &Server{store: store, cache: cache}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/wikis", s.listWikis)
	r.Get("/wikis/{dbname}", s.getWiki)
	r.Post("/wikis/{dbname}/rebuild", s.rebuildWiki)
	r.Get("/requests", s.listRequests)

	return r
}

func (s *Server) listWikis(w http.ResponseWriter, r *http.Request) {
	idx, err := s.cache.FarmIndex(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, idx)
}

func (s *Server) getWiki(w http.ResponseWriter, r *http.Request) {
	dbname := chi.URLParam(r, "dbname")
	view, err := s.cache.WikiView(r.Context(), dbname)
	if errors.Is(err, registry.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) rebuildWiki(w http.ResponseWriter, r *http.Request) {
	dbname := chi.URLParam(r, "dbname")
	view, err := s.cache.RegenerateWiki(r.Context(), dbname)
	if errors.Is(err, registry.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	// The admin surface is privileged; suppressed requests are visible.
	reqs, err := s.store.RecentRequests(r.Context(), registry.VisibilitySuppressed, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, reqs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorw("admin response encode failed", "err", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	zap.S().Errorw("admin request failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
