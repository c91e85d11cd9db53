// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package statsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct{ snap Snapshot }

func (f fakeSource) Stats() Snapshot { return f.snap }

func TestStatsEndpointReturnsJSONSnapshot(t *testing.T) {
	src := fakeSource{snap: Snapshot{
		Iterations: 42,
		Solutions:  1,
		CorpusSize: 7,
		ExecPerSec: 123.5,
		Weights:    map[string]float64{"havoc": 1.1},
	}}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, src.snap, got)
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	src := fakeSource{snap: Snapshot{Iterations: 10, CorpusSize: 3, ExecPerSec: 50}}
	srv := New(src)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "fuzzer_iterations_total 10")
	require.Contains(t, w.Body.String(), "fuzzer_corpus_size 3")
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	srv := New(fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsReflectsLiveSourceAcrossScrapes(t *testing.T) {
	src := &mutableSource{}
	srv := New(src)

	src.snap = Snapshot{Iterations: 1}
	w1 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(w1.Body.String(), "fuzzer_iterations_total 1"))

	src.snap = Snapshot{Iterations: 9}
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(w2.Body.String(), "fuzzer_iterations_total 9"))
}

type mutableSource struct{ snap Snapshot }

func (m *mutableSource) Stats() Snapshot { return m.snap }
