// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runtime is the Fuzzer runtime (component C8): the control
// loop that drives the harness controller through repeated iterations,
// picking a mutation stage via an epsilon-greedy bandit over
// havoc/splice/CmpLog-directed/token-dictionary-insertion stages,
// scoring each iteration's output by whether it found new coverage, and
// persisting both corpus growth and detected solutions. The loop shape
// (a single goroutine alternating "pick work" / "run it" / "record the
// result") is carried over from the Fuzzer.nextInput/Done split, here
// collapsed into one synchronous loop because the simulator callback
// dispatch is itself synchronous and cooperative: ContinueSimulation
// does not return until the guest has stopped for this iteration.
package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/intel/tsffs/internal/assetstore"
	"github.com/intel/tsffs/internal/config"
	"github.com/intel/tsffs/internal/corpus"
	"github.com/intel/tsffs/internal/harness"
	"github.com/intel/tsffs/internal/inject"
	"github.com/intel/tsffs/internal/learning"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/solution"
	"github.com/intel/tsffs/internal/tokenizer"
	"github.com/intel/tsffs/internal/tslog"
)

const (
	stageHavoc  = "havoc"
	stageSplice = "splice"
	stageCmpLog = "cmplog"
	stageTokens = "tokens"

	// defaultSyncEvery is how many iterations elapse between corpus
	// directory syncs, picking up seeds written by sibling Fuzzer
	// instances sharing the same corpus_directory.
	defaultSyncEvery = 500

	// maxInjectRetries bounds consecutive guest-memory (injection)
	// failures before the campaign aborts: restore snapshot and retry
	// with a fresh input, but give up after this many in a row.
	maxInjectRetries = 3
)

// Stats is a snapshot of the runtime's counters, exposed to the stats
// server (component C12).
type Stats struct {
	Iterations uint64
	Solutions  uint64
	CorpusSize int
	ExecPerSec float64
	Weights    map[string]float64
}

// Runtime ties the harness controller to the corpus, bandit, tokenizer
// and solution detector, driving iterations once the harness reports
// its injection point is ready.
type Runtime struct {
	host     simhost.Host
	h        *harness.Controller
	injector *inject.Injector
	corpus   *corpus.Corpus
	bandit   *learning.Bandit
	tokens   *tokenizer.Set
	log      *tslog.Logger
	dmp      *diffmatchpatch.DiffMatchPatch
	mirror   *assetstore.Mirror

	solutionsDir   string
	syncEvery      uint64
	iterationLimit *uint64
	timeoutSeconds float64
	keepAllCorpus  bool

	mu        sync.Mutex
	rnd       *rand.Rand
	hist      *gohistogram.NumericHistogram
	iteration uint64
	solutions uint64

	cpu   simhost.CPUID
	point inject.InjectionPoint
}

// New builds a Runtime. injector and tokens are built by the caller
// (the injector from the same arch.Adapter the harness uses; tokens
// from an Extractor run ahead of time) since both are reused across
// Fuzzer instances in a way Runtime should not own.
func New(host simhost.Host, h *harness.Controller, inj *inject.Injector, c *corpus.Corpus, tokens *tokenizer.Set, log *tslog.Logger, cfg config.HarnessConfig, seed int64) *Runtime {
	bandit := learning.NewBandit([]string{stageHavoc, stageSplice, stageCmpLog, stageTokens}, 0.05, 0.1)
	rt := &Runtime{
		host:           host,
		h:              h,
		injector:       inj,
		corpus:         c,
		bandit:         bandit,
		tokens:         tokens,
		log:            log,
		dmp:            diffmatchpatch.New(),
		mirror:         assetstore.New(),
		solutionsDir:   cfg.SolutionsDirectory,
		syncEvery:      defaultSyncEvery,
		iterationLimit: cfg.IterationLimit,
		timeoutSeconds: cfg.TimeoutSeconds,
		keepAllCorpus:  cfg.KeepAllCorpus,
		rnd:            rand.New(rand.NewSource(seed)),
		hist:           gohistogram.NewHistogram(80),
	}
	h.OnReady = rt.onReady
	h.OnIterationEnd = rt.onIterationEnd
	return rt
}

// AttachMirror wires a solutions mirror backend in, enabling upload of
// every newly detected solution alongside its local on-disk copy.
func (rt *Runtime) AttachMirror(backend assetstore.Backend) {
	rt.mirror.Attach(backend)
}

// onIterationEnd is registered with the harness controller so the
// verdict is available the instant OnStopped fires, ahead of
// ContinueSimulation returning control to step; step reads it back via
// LastVerdict rather than this callback's argument, since the two are
// always set in the same call.
func (rt *Runtime) onIterationEnd(v solution.Verdict) {}

// onReady is invoked once, by the harness controller, after the first
// recognized magic-start.
func (rt *Runtime) onReady(ctx context.Context, cpu simhost.CPUID, point inject.InjectionPoint) {
	rt.cpu = cpu
	rt.point = point
	rt.log.Logf(tslog.Info, "runtime: ready, starting iteration loop")
	rt.runLoop(ctx)
}

// runLoop drives iterations until the configured limit is reached or
// the context is canceled. The first iteration runs without a restore,
// since the guest is already paused exactly at the injection point the
// snapshot captured; every later iteration restores first.
func (rt *Runtime) runLoop(ctx context.Context) {
	defer rt.logCampaignSummary()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if rt.iterationLimit != nil && rt.iteration >= *rt.iterationLimit {
			rt.log.Logf(tslog.Info, "runtime: iteration limit %d reached, stopping", *rt.iterationLimit)
			return
		}
		if err := rt.step(ctx, rt.iteration > 0); err != nil {
			rt.log.Logf(tslog.Error, "runtime: iteration %d failed: %v", rt.iteration, err)
			return
		}
	}
}

// step runs exactly one iteration: restore (if requested), pick and
// inject a testcase, let the guest run, and record the result once
// OnStopped has delivered a verdict through onIterationEnd.
func (rt *Runtime) step(ctx context.Context, restore bool) error {
	if restore {
		if err := rt.h.RestoreSnapshot(ctx); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	rt.h.ResetIteration()

	action, parent, data, err := rt.injectWithRetry(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := rt.host.ContinueSimulation(ctx); err != nil {
		return fmt.Errorf("continue: %w", err)
	}
	elapsed := time.Since(start)
	if rt.timeoutSeconds > 0 {
		_ = rt.host.CancelVirtualTimeTimer(ctx)
	}

	verdict := rt.h.LastVerdict()
	rt.recordResult(ctx, action, parent, data, verdict, elapsed)
	rt.iteration++

	if rt.syncEvery > 0 && rt.iteration%rt.syncEvery == 0 {
		if n, err := rt.corpus.Sync(); err != nil {
			rt.log.Logf(tslog.Warn, "runtime: corpus sync failed: %v", err)
		} else if n > 0 {
			rt.log.Logf(tslog.Debug, "runtime: synced %d seeds from peers", n)
		}
	}
	return nil
}

// injectWithRetry picks a testcase and injects it at the captured
// injection point. A guest-memory error (injection failure) is fatal
// for the iteration, not the campaign: it restores the snapshot and
// retries with a freshly chosen input. Three consecutive failures abort
// the campaign.
func (rt *Runtime) injectWithRetry(ctx context.Context) (learning.Action, *corpus.Entry, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxInjectRetries; attempt++ {
		action, parent, data := rt.chooseInput()
		if rt.timeoutSeconds > 0 {
			if err := rt.host.ArmVirtualTimeTimer(ctx, rt.timeoutSeconds); err != nil {
				return action, parent, nil, fmt.Errorf("arm timer: %w", err)
			}
		}
		_, err := rt.injector.Inject(ctx, rt.cpu, rt.point, data)
		if err == nil {
			return action, parent, data, nil
		}
		lastErr = err
		if rt.timeoutSeconds > 0 {
			_ = rt.host.CancelVirtualTimeTimer(ctx)
		}
		rt.log.Logf(tslog.Warn, "runtime: inject failed (attempt %d/%d): %v", attempt, maxInjectRetries, err)
		if attempt == maxInjectRetries {
			break
		}
		if restoreErr := rt.h.RestoreSnapshot(ctx); restoreErr != nil {
			return action, parent, nil, fmt.Errorf("restore after inject failure: %w", restoreErr)
		}
		rt.h.ResetIteration()
	}
	return learning.Action{}, nil, nil, fmt.Errorf("inject: %d consecutive failures, aborting campaign: %w", maxInjectRetries, lastErr)
}

// chooseInput picks a mutation stage via the bandit and produces the
// next testcase to inject. A nil parent means the input was generated
// without a corpus seed: the chosen stage then runs over an empty base
// (havoc turns it into a single zero byte; splice yields an empty input).
func (rt *Runtime) chooseInput() (learning.Action, *corpus.Entry, []byte) {
	action := rt.bandit.Action(rt.rnd)
	parent := rt.corpus.Choose(rt.rnd)
	var base []byte
	if parent != nil {
		base = parent.Data
	}

	var data []byte
	switch action.Arm {
	case stageSplice:
		donor := rt.corpus.Choose(rt.rnd)
		donorData := base
		if donor != nil {
			donorData = donor.Data
		}
		data = splice(rt.rnd, base, donorData)
	case stageCmpLog:
		data = cmplogDirected(rt.rnd, base, rt.h.Tracer().CmpLog())
	case stageTokens:
		data = tokenInsert(rt.rnd, base, rt.tokens)
	default:
		data = havoc(rt.rnd, base)
	}
	return action, parent, data
}

// recordResult scores the bandit arm, grows the corpus on new coverage,
// and persists solutions.
func (rt *Runtime) recordResult(ctx context.Context, action learning.Action, parent *corpus.Entry, data []byte, v solution.Verdict, elapsed time.Duration) {
	newEdges := rt.h.Tracer().NewEdges()

	reward := 0.0
	if len(newEdges) > 0 {
		reward = 1.0
	}
	if v.State == solution.Solution {
		reward = 1.0
	}
	rt.mu.Lock()
	rt.bandit.SaveReward(action, reward)
	if elapsed > 0 {
		rt.hist.Add(1.0 / elapsed.Seconds())
	}
	rt.mu.Unlock()

	if len(newEdges) > 0 || rt.keepAllCorpus {
		if _, err := rt.corpus.Add(data, newEdges, len(newEdges)); err != nil {
			rt.log.Logf(tslog.Warn, "runtime: corpus add failed: %v", err)
		}
	}

	if v.State != solution.Solution {
		return
	}
	rt.mu.Lock()
	id := uint32(rt.solutions)
	rt.solutions++
	rt.mu.Unlock()
	path, err := solution.Store(rt.solutionsDir, data, id, v)
	if err != nil {
		rt.log.Logf(tslog.Error, "runtime: solution store failed: %v", err)
		return
	}
	rt.log.Logf(tslog.Info, "runtime: solution (%s, kind=%s) stored at %s", action.Arm, v.Kind, path)
	if parent != nil {
		rt.logDiff(parent.Data, data)
	}

	if !rt.mirror.Disabled() {
		hash := corpus.ContentHash(data)
		if _, err := rt.mirror.Upload(ctx, v.Kind.String(), hash, data); err != nil {
			rt.log.Logf(tslog.Warn, "runtime: solution mirror upload failed: %v", err)
		}
	}
}

// logDiff logs a short diff between a solution and the seed it was
// derived from, to help a human triage which mutation actually mattered.
func (rt *Runtime) logDiff(parent, mutated []byte) {
	diffs := rt.dmp.DiffMain(string(parent), string(mutated), false)
	rt.log.Logf(tslog.Debug, "runtime: solution diff from parent:\n%s", rt.dmp.DiffPrettyText(diffs))
}

// logCampaignSummary emits the campaign-end summary line, deferred from
// runLoop so it fires regardless of which exit path (iteration limit,
// canceled context, fatal iteration error) ended the loop.
func (rt *Runtime) logCampaignSummary() {
	s := rt.Stats()
	rt.log.LogSummary(tslog.Summary{
		Iterations: s.Iterations,
		CorpusSize: s.CorpusSize,
		Solutions:  int(s.Solutions),
		ExecPerSec: s.ExecPerSec,
	})
}

// Stats returns a point-in-time snapshot of the runtime's counters.
func (rt *Runtime) Stats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return Stats{
		Iterations: rt.iteration,
		Solutions:  rt.solutions,
		CorpusSize: rt.corpus.Len(),
		ExecPerSec: rt.hist.Mean(),
		Weights:    rt.bandit.Weights(),
	}
}

// LoadInitialCorpus seeds the shared corpus directory before the
// iteration loop starts: it syncs whatever is already on disk, and when
// the directory is empty and generate_random_corpus is set, fills it
// with initial_random_corpus_size random seeds. use_initial_as_corpus
// additionally seeds entry #0 from the captured injection-time buffer.
// Every seed added here is added with no covered edges, so it is
// persisted and counted by the corpus but is not returned by
// Corpus.Choose.
func LoadInitialCorpus(c *corpus.Corpus, cfg config.HarnessConfig, rnd *rand.Rand, seed0 []byte) error {
	if _, err := c.Sync(); err != nil {
		return fmt.Errorf("runtime: initial corpus sync: %w", err)
	}
	dirEmpty := c.Len() == 0
	if cfg.UseInitialAsCorpus && len(seed0) > 0 {
		if _, err := c.Add(seed0, nil, 0); err != nil {
			return fmt.Errorf("runtime: seed #0: %w", err)
		}
	}
	if !dirEmpty || !cfg.GenerateRandomCorpus {
		return nil
	}
	n := int(cfg.InitialRandomCorpusSize)
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		length := 1 + rnd.Intn(256)
		buf := make([]byte, length)
		rnd.Read(buf)
		if _, err := c.Add(buf, nil, 0); err != nil {
			return fmt.Errorf("runtime: generate random seed %d: %w", i, err)
		}
	}
	return nil
}

// readSeedFile is a small helper for cmd-level repro/seeding tools.
func readSeedFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Clean(path))
}

// Repro executes a single recorded testcase exactly once: no mutation,
// no bandit, no corpus growth, and no restore afterward, since a repro
// run is meant to leave the simulator sitting at the failure for
// further interactive inspection.
func (rt *Runtime) Repro(ctx context.Context, path string) (solution.Verdict, error) {
	data, err := readSeedFile(path)
	if err != nil {
		return solution.Verdict{}, fmt.Errorf("runtime: repro read %s: %w", path, err)
	}
	rt.h.ResetIteration()
	if rt.timeoutSeconds > 0 {
		if err := rt.host.ArmVirtualTimeTimer(ctx, rt.timeoutSeconds); err != nil {
			return solution.Verdict{}, fmt.Errorf("runtime: repro arm timer: %w", err)
		}
	}
	if _, err := rt.injector.Inject(ctx, rt.cpu, rt.point, data); err != nil {
		return solution.Verdict{}, fmt.Errorf("runtime: repro inject: %w", err)
	}
	if err := rt.host.ContinueSimulation(ctx); err != nil {
		return solution.Verdict{}, fmt.Errorf("runtime: repro continue: %w", err)
	}
	if rt.timeoutSeconds > 0 {
		_ = rt.host.CancelVirtualTimeTimer(ctx)
	}
	v := rt.h.LastVerdict()
	rt.log.Logf(tslog.Info, "runtime: repro of %s ended state=%s kind=%s", path, v.State, v.Kind)
	return v, nil
}

// Ready sets the cpu and injection point that Repro injects at, for a
// caller that invokes Repro directly without going through onReady.
func (rt *Runtime) Ready(cpu simhost.CPUID, point inject.InjectionPoint) {
	rt.cpu = cpu
	rt.point = point
}
