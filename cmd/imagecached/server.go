package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imagecache"
	"imagecache/internal/cachestats"
	"imagecache/internal/prefetch"
)

// server is the loopback control surface, grounded on the teacher's
// ControlServer: a concurrency-limiting chi router in front of one
// long-lived engine, minus the desktop-app token auth this library has no
// equivalent for (see DESIGN.md).
type server struct {
	mgr      *imagecache.Manager
	stats    *cachestats.Store
	registry *prometheus.Registry
	logger   *slog.Logger

	router     *chi.Mux
	activeReqs int64
	maxReqs    int64
}

func newServer(mgr *imagecache.Manager, stats *cachestats.Store, registry *prometheus.Registry, logger *slog.Logger) *server {
	s := &server{mgr: mgr, stats: stats, registry: registry, logger: logger, router: chi.NewRouter(), maxReqs: 64}
	s.routes()
	return s
}

func (s *server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.concurrencyLimit)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/stats", s.handleStats)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router.Post("/prefetch", s.handlePrefetch)
}

func (s *server) concurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > s.maxReqs {
			http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// dailyStatView renders one DailyStat with its byte counters humanized,
// finally giving github.com/dustin/go-humanize a home now that daily totals
// are something worth reading rather than just summing.
type dailyStatView struct {
	Date           string `json:"date"`
	MemoryHits     int64  `json:"memory_hits"`
	DiskHits       int64  `json:"disk_hits"`
	NetworkFetches int64  `json:"network_fetches"`
	Misses         int64  `json:"misses"`
	BytesFetched   string `json:"bytes_fetched"`
	BytesEvicted   string `json:"bytes_evicted"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 14
	rows, err := s.stats.History(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]dailyStatView, len(rows))
	for i, row := range rows {
		views[i] = dailyStatView{
			Date:           row.Date,
			MemoryHits:     row.MemoryHits,
			DiskHits:       row.DiskHits,
			NetworkFetches: row.NetworkFetches,
			Misses:         row.Misses,
			BytesFetched:   humanize.Bytes(uint64(row.BytesFetched)),
			BytesEvicted:   humanize.Bytes(uint64(row.BytesEvicted)),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// prefetchRequest names sources by URL only; this demo surface has no use
// for Provider-backed sources, which only make sense wired up in-process.
type prefetchRequest struct {
	URLs                   []string `json:"urls"`
	MaxConcurrentDownloads int      `json:"max_concurrent_downloads"`
	AlsoPrefetchToMemory   bool     `json:"also_prefetch_to_memory"`
}

type prefetchResponse struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

func (s *server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.URLs) == 0 {
		http.Error(w, "urls must not be empty", http.StatusBadRequest)
		return
	}

	sources := make([]imagecache.Source, len(req.URLs))
	for i, u := range req.URLs {
		sources[i] = imagecache.NetworkSource(u, "")
	}

	maxConcurrent := req.MaxConcurrentDownloads
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	cp := s.mgr.Prefetch(ctx, sources, imagecache.RetrieveOptions{BackgroundDecode: true}, prefetch.Config{
		MaxConcurrentDownloads: maxConcurrent,
		AlsoPrefetchToMemory:   req.AlsoPrefetchToMemory,
		Logger:                 s.logger,
	})

	json.NewEncoder(w).Encode(prefetchResponse{Completed: cp.Completed, Failed: cp.Failed, Skipped: cp.Skipped})
}
