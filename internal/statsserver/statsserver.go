// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package statsserver is the stats endpoint (component C12): a single
// unauthenticated HTTP server exposing the Fuzzer runtime's iteration
// counters, corpus size, and exec/sec rate as both a human-readable
// /stats page and a Prometheus-scrapeable /metrics page.
package statsserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the subset of runtime.Runtime's public surface this
// package depends on, kept narrow so statsserver does not import
// internal/runtime and create a cycle with anything runtime later
// grows to depend on for reporting.
type StatsSource interface {
	Stats() Snapshot
}

// Snapshot mirrors runtime.Stats; duplicated here rather than imported
// so this package has no compile-time dependency on internal/runtime.
// Fields mirror the campaign-summary a dashboard would report per run
// (corpus size, exec rate, crash count) without any of the storage or
// hosting machinery such a dashboard would also need.
type Snapshot struct {
	Iterations uint64
	Solutions  uint64
	CorpusSize int
	ExecPerSec float64
	Weights    map[string]float64
}

// Server owns the registered Prometheus collectors and the source of
// truth for the current snapshot.
type Server struct {
	src StatsSource

	iterations prometheus.CounterFunc
	solutions  prometheus.CounterFunc
	corpusSize prometheus.GaugeFunc
	execRate   prometheus.GaugeFunc

	registry *prometheus.Registry
}

// New builds a Server backed by src. Collectors read through src.Stats()
// on every scrape, so no separate update path is needed.
func New(src StatsSource) *Server {
	s := &Server{src: src, registry: prometheus.NewRegistry()}

	s.iterations = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "fuzzer",
		Name:      "iterations_total",
		Help:      "Total iterations executed by this Fuzzer instance.",
	}, func() float64 { return float64(s.src.Stats().Iterations) })

	s.solutions = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "fuzzer",
		Name:      "solutions_total",
		Help:      "Total solutions (crashes, hangs, assertions) detected.",
	}, func() float64 { return float64(s.src.Stats().Solutions) })

	s.corpusSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fuzzer",
		Name:      "corpus_size",
		Help:      "Number of distinct entries in the corpus.",
	}, func() float64 { return float64(s.src.Stats().CorpusSize) })

	s.execRate = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fuzzer",
		Name:      "exec_per_second",
		Help:      "Recent mean iterations per second.",
	}, func() float64 { return s.src.Stats().ExecPerSec })

	s.registry.MustRegister(s.iterations, s.solutions, s.corpusSize, s.execRate)
	return s
}

// Handler returns the composed mux: /metrics for Prometheus scraping,
// /stats for a human-readable JSON snapshot, wrapped in gorilla's gzip
// compression handler since a long-running campaign's /metrics body
// only grows.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", s.serveStats)
	return handlers.CompressHandler(mux)
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, fmt.Sprintf("statsserver: encode snapshot: %v", err), http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on addr; it blocks until the
// listener errors or is closed by the caller.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statsserver: listen on %s: %w", addr, err)
	}
	return http.Serve(listener, s.Handler())
}
