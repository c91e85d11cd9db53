// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runtime

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/config"
	"github.com/intel/tsffs/internal/corpus"
	"github.com/intel/tsffs/internal/harness"
	"github.com/intel/tsffs/internal/inject"
	"github.com/intel/tsffs/internal/magicabi"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/tokenizer"
	"github.com/intel/tsffs/internal/tslog"
)

func magicLeaf(cmd magicabi.Command) uint64 { return uint64(cmd)<<16 | magicabi.Magic }

// fakeHost drives the harness controller's callbacks itself, the way
// the simulator would: ContinueSimulation fires a scripted instruction
// then a scripted magic leaf before returning, so the whole loop (pick
// mutation, inject, run, record) can be exercised without a real
// simulator.
type fakeHost struct {
	regs map[string]uint64
	mem  map[uint64][]byte
	cb   simhost.Callbacks

	nextPC   uint64
	stopLeaf uint64

	// writeMemErr, when set, makes every WriteMemory call fail, so
	// injection can be forced to fail deterministically.
	writeMemErr error
	restoreCalls int
}

func (h *fakeHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return h.regs[name], nil
}
func (h *fakeHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.regs[name] = value
	return nil
}
func (h *fakeHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	data := h.mem[addr]
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}
func (h *fakeHost) WriteMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, data []byte, isVirtual bool) error {
	if h.writeMemErr != nil {
		return h.writeMemErr
	}
	h.mem[addr] = append([]byte(nil), data...)
	return nil
}
func (h *fakeHost) TakeSnapshot(ctx context.Context, name string) error { return nil }
func (h *fakeHost) RestoreSnapshot(ctx context.Context, name string) error {
	h.restoreCalls++
	return nil
}
func (h *fakeHost) DiscardFutureRevExec(ctx context.Context) error                { return nil }
func (h *fakeHost) ArmVirtualTimeTimer(ctx context.Context, seconds float64) error { return nil }
func (h *fakeHost) CancelVirtualTimeTimer(ctx context.Context) error               { return nil }
func (h *fakeHost) StopSimulation(ctx context.Context) error                      { return nil }
func (h *fakeHost) Disassemble(ctx context.Context, cpu simhost.CPUID, pc uint64) (simhost.Instruction, error) {
	return simhost.Instruction{}, nil
}
func (h *fakeHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return addr, nil
}
func (h *fakeHost) ContinueSimulation(ctx context.Context) error {
	h.nextPC += 0x10
	h.cb.OnInstruction(0, h.nextPC)
	h.cb.OnMagic(0, h.stopLeaf)
	h.cb.OnStopped(simhost.StopReasonMagic)
	return nil
}

func newFixture(t *testing.T, iterationLimit uint64) (*Runtime, *fakeHost, *harness.Controller) {
	h := &fakeHost{
		regs:     map[string]uint64{"rdi": 0, "rsi": 0x4000, "rdx": 64},
		mem:      map[uint64][]byte{},
		stopLeaf: magicLeaf(magicabi.CmdStopNormal),
	}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	cfg := config.Default()
	cfg.CorpusDirectory = t.TempDir()
	cfg.SolutionsDirectory = t.TempDir()
	cfg.MagicStopIndices = map[uint64]bool{0: true}
	cfg.IterationLimit = &iterationLimit

	log, err := tslog.New(tslog.Info, &bytes.Buffer{}, "")
	require.NoError(t, err)

	ctrl := harness.New(ad, cfg, log)
	h.cb = ctrl

	c := corpus.New(cfg.CorpusDirectory)
	tokens := tokenizer.NewSet()
	inj := inject.New(ad)

	rt := New(h, ctrl, inj, c, tokens, log, cfg, 42)
	return rt, h, ctrl
}

func TestRunLoopStopsAtIterationLimit(t *testing.T) {
	rt, h, ctrl := newFixture(t, 3)
	ctrl.OnMagic(0, magicLeaf(magicabi.CmdStartBufferPtrSizeVal))
	_ = h
	require.Equal(t, uint64(3), rt.Stats().Iterations)
}

func TestRunLoopGrowsCorpusOnNewCoverage(t *testing.T) {
	rt, _, ctrl := newFixture(t, 5)
	ctrl.OnMagic(0, magicLeaf(magicabi.CmdStartBufferPtrSizeVal))
	require.Greater(t, rt.Stats().CorpusSize, 0)
}

func TestLoadInitialCorpusGeneratesRandomSeedsWhenEmpty(t *testing.T) {
	c := corpus.New(t.TempDir())
	cfg := config.Default()
	cfg.GenerateRandomCorpus = true
	cfg.InitialRandomCorpusSize = 4
	rnd := rand.New(rand.NewSource(1))
	require.NoError(t, LoadInitialCorpus(c, cfg, rnd, nil))
	require.Equal(t, 4, c.Len())
}

func TestLoadInitialCorpusSeedsEntryZeroFromCapturedBuffer(t *testing.T) {
	c := corpus.New(t.TempDir())
	cfg := config.Default()
	cfg.UseInitialAsCorpus = true
	rnd := rand.New(rand.NewSource(1))
	require.NoError(t, LoadInitialCorpus(c, cfg, rnd, []byte("default-input")))
	require.Equal(t, 1, c.Len())
}

func TestLoadInitialCorpusSkipsGenerationWhenAlreadyPopulated(t *testing.T) {
	dir := t.TempDir()
	c := corpus.New(dir)
	_, err := c.Add([]byte("existing"), []uint32{1}, 1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.GenerateRandomCorpus = true
	cfg.InitialRandomCorpusSize = 10
	rnd := rand.New(rand.NewSource(1))
	require.NoError(t, LoadInitialCorpus(c, cfg, rnd, nil))
	require.Equal(t, 1, c.Len())
}

func TestInjectRetriesThenAbortsAfterThreeFailures(t *testing.T) {
	rt, h, ctrl := newFixture(t, 100)
	h.writeMemErr = errors.New("write fault")
	ctrl.OnMagic(0, magicLeaf(magicabi.CmdStartBufferPtrSizeVal))

	require.Equal(t, uint64(0), rt.Stats().Iterations, "campaign must abort before any iteration completes")
	require.Equal(t, 2, h.restoreCalls, "restore happens between attempts, not after the final failure")
}

func TestStatsReportsWeightsFromBandit(t *testing.T) {
	rt, _, ctrl := newFixture(t, 2)
	ctrl.OnMagic(0, magicLeaf(magicabi.CmdStartBufferPtrSizeVal))
	weights := rt.Stats().Weights
	require.Contains(t, weights, stageHavoc)
	require.Contains(t, weights, stageSplice)
	require.Contains(t, weights, stageCmpLog)
	require.Contains(t, weights, stageTokens)
}
