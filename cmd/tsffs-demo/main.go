// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command tsffs-demo wires the fuzzing core up against a mock
// simulator host for local smoke-testing: it exercises the full
// start -> iterate -> solution pipeline without a real cycle-accurate
// simulator attached.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/assetstore"
	"github.com/intel/tsffs/internal/config"
	"github.com/intel/tsffs/internal/corpus"
	"github.com/intel/tsffs/internal/harness"
	"github.com/intel/tsffs/internal/inject"
	"github.com/intel/tsffs/internal/magicabi"
	"github.com/intel/tsffs/internal/runtime"
	"github.com/intel/tsffs/internal/statsserver"
	"github.com/intel/tsffs/internal/tokenizer"
)

var (
	flagConfig     = flag.String("config", "", "path to a harness config YAML file (optional, falls back to built-in defaults)")
	flagIterations = flag.Uint64("iterations", 2000, "iterations to run before stopping")
	flagStatsAddr  = flag.String("stats_addr", "", "address to serve /metrics and /stats on, e.g. :9090 (empty disables)")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("tsffs-demo: %v", err)
		}
		cfg = loaded
	} else {
		cfg.CorpusDirectory = mustTempDir("tsffs-demo-corpus")
		cfg.SolutionsDirectory = mustTempDir("tsffs-demo-solutions")
		cfg.MagicStopIndices = map[uint64]bool{0: true}
		cfg.AllExceptionsAreSolutions = true
		cfg.GenerateRandomCorpus = true
		cfg.InitialRandomCorpusSize = 8
	}
	cfg.IterationLimit = flagIterations

	log.Printf("tsffs-demo: corpus=%s solutions=%s iterations=%d", cfg.CorpusDirectory, cfg.SolutionsDirectory, *flagIterations)

	host := newDemoHost()
	ad := arch.NewAdapter(host, arch.X86_64, 0)
	logger := mustLogger()

	h := harness.New(ad, cfg, logger)
	host.cb = h

	c := corpus.New(cfg.CorpusDirectory)
	if err := runtime.LoadInitialCorpus(c, cfg, rand.New(rand.NewSource(time.Now().UnixNano())), nil); err != nil {
		log.Fatalf("tsffs-demo: load initial corpus: %v", err)
	}

	tokens := tokenizer.NewSet()
	inj := inject.New(ad)
	rt := runtime.New(host, h, inj, c, tokens, logger, cfg, 1)

	if cfg.SolutionsMirrorBucket != "" {
		ctx := context.Background()
		backend, err := assetstore.NewGCSBackend(ctx, cfg.SolutionsMirrorBucket)
		if err != nil {
			log.Fatalf("tsffs-demo: gcs backend: %v", err)
		}
		rt.AttachMirror(backend)
	}

	statsAddr := cfg.StatsAddr
	if *flagStatsAddr != "" {
		statsAddr = *flagStatsAddr
	}
	if statsAddr != "" {
		srv := statsserver.New(runtimeStatsAdapter{rt})
		go func() {
			if err := srv.ListenAndServe(statsAddr); err != nil {
				log.Printf("tsffs-demo: stats server: %v", err)
			}
		}()
		log.Printf("tsffs-demo: stats endpoint on %s", statsAddr)
	}

	// Kick off the first magic-start, as the guest harness would. The
	// runtime logs its own campaign-end summary once this returns.
	host.triggerStart()
}

// runtimeStatsAdapter bridges runtime.Stats to statsserver.Snapshot so
// main does not need either package to know about the other.
type runtimeStatsAdapter struct{ rt *runtime.Runtime }

func (a runtimeStatsAdapter) Stats() statsserver.Snapshot {
	s := a.rt.Stats()
	return statsserver.Snapshot{
		Iterations: s.Iterations,
		Solutions:  s.Solutions,
		CorpusSize: s.CorpusSize,
		ExecPerSec: s.ExecPerSec,
		Weights:    s.Weights,
	}
}
