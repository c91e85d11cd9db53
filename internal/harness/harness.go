// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package harness is the harness controller (component C7): it
// registers the simulator callbacks, seals the configuration surface
// and captures the injection point on the first magic-start, and wires
// every subsequent callback to the tracer and solution detector. After
// the first start it hands control to the Fuzzer runtime (component
// C8), which drives all later iterations through ResetIteration and
// RestoreSnapshot.
package harness

import (
	"context"
	"fmt"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/config"
	"github.com/intel/tsffs/internal/inject"
	"github.com/intel/tsffs/internal/magicabi"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/snapshot"
	"github.com/intel/tsffs/internal/solution"
	"github.com/intel/tsffs/internal/tracer"
	"github.com/intel/tsffs/internal/tslog"
)

// Controller implements simhost.Callbacks and owns the lifecycle: it is
// registered with the simulator once at startup.
type Controller struct {
	surface  *config.Surface
	ad       *arch.Adapter
	decoder  *magicabi.Decoder
	tracer   *tracer.Tracer
	detector *solution.Detector
	snaps    *snapshot.Manager
	log      *tslog.Logger

	started     bool
	point       inject.InjectionPoint
	lastVerdict solution.Verdict

	// OnReady fires exactly once, after the first recognized magic-start:
	// the Fuzzer runtime registers this to take over the iteration loop.
	OnReady func(ctx context.Context, cpu simhost.CPUID, point inject.InjectionPoint)
	// OnIterationEnd fires on every simulator "stopped" callback, once
	// the solution detector has reached a terminal state.
	OnIterationEnd func(v solution.Verdict)
}

// initialSnapshotName is the single named snapshot (or micro-checkpoint
// label) captured at the first magic-start; use_snapshots and the
// micro-checkpoint backend both restore to this one name every
// iteration, so it never needs to vary per run.
const initialSnapshotName = "tsffs-initial"

// New builds a Controller. cfg must already reflect the validated
// HarnessConfig; the caller is responsible for loading it beforehand.
// The snapshot manager is built here, from ad's host and cfg's
// use_snapshots/checkpoint_path, and attached immediately: AttachSnapshotManager
// remains exported so a caller can swap it (e.g. a test double), but the
// default assembly no longer requires a separate wiring step.
func New(ad *arch.Adapter, cfg config.HarnessConfig, log *tslog.Logger) *Controller {
	surface := config.NewSurface(cfg)
	c := &Controller{
		surface: surface,
		ad:      ad,
		decoder: magicabi.NewDecoder(ad, log),
		tracer:  tracer.New(ad, cfg.CmpLog),
		detector: solution.NewDetector(solution.Config{
			StopOnHarness:              cfg.StopOnHarness,
			MagicStopIndices:           cfg.MagicStopIndices,
			MagicAssertIndices:         cfg.MagicAssertIndices,
			Exceptions:                 cfg.Exceptions,
			AllExceptionsAreSolutions:  cfg.AllExceptionsAreSolutions,
			Breakpoints:                cfg.Breakpoints,
			AllBreakpointsAreSolutions: cfg.AllBreakpointsAreSolutions,
		}),
		log: log,
	}
	c.AttachSnapshotManager(snapshot.New(ad.Host(), cfg.UseSnapshots, initialSnapshotName, cfg.CheckpointPath))
	return c
}

// AttachSnapshotManager wires the snapshot manager captured at the
// first magic-start. New attaches one built from the harness config by
// default; callers needing a different backend (tests, an alternate
// checkpoint strategy) can call this again to replace it before the
// first magic-start fires.
func (c *Controller) AttachSnapshotManager(m *snapshot.Manager) {
	c.snaps = m
}

// Tracer exposes the tracer so the runtime can read coverage/CmpLog
// between iterations.
func (c *Controller) Tracer() *tracer.Tracer { return c.tracer }

// Surface exposes the configuration surface for the scripting layer and
// for Seal() once the first snapshot is captured.
func (c *Controller) Surface() *config.Surface { return c.surface }

// InjectionPoint returns the point captured at the first magic-start.
// Only meaningful once Started reports true.
func (c *Controller) InjectionPoint() inject.InjectionPoint { return c.point }

// Started reports whether the first magic-start has been captured.
func (c *Controller) Started() bool { return c.started }

// ResetIteration clears the tracer's and detector's per-iteration state
// ahead of the runtime injecting the next testcase. The coverage map
// and the tracer's ever-seen edge table persist across iterations.
func (c *Controller) ResetIteration() {
	c.tracer.ResetIteration()
	c.detector.ResetIteration()
}

// RestoreSnapshot restores the attached snapshot manager, if any. It is
// a no-op when no snapshot manager was attached (use_snapshots and a
// checkpoint path are both optional).
func (c *Controller) RestoreSnapshot(ctx context.Context) error {
	if c.snaps == nil {
		return nil
	}
	return c.snaps.Restore(ctx)
}

// LastVerdict returns the verdict most recently delivered by OnStopped.
func (c *Controller) LastVerdict() solution.Verdict {
	return c.lastVerdict
}

// OnMagic implements simhost.Callbacks.
func (c *Controller) OnMagic(cpu simhost.CPUID, leaf uint64) {
	ctx := context.Background()
	cmd, ok, err := c.decoder.HandleMagic(ctx, cpu, leaf)
	if err != nil {
		c.log.Logf(tslog.Error, "harness: decode magic leaf failed: %v", err)
		return
	}
	if !ok {
		return
	}
	switch cmd {
	case magicabi.CmdStartBufferPtrSizePtr, magicabi.CmdStartBufferPtrSizeVal, magicabi.CmdStartBufferPtrSizePtrVal:
		c.handleStart(ctx, cpu, cmd)
	case magicabi.CmdStopNormal:
		args, err := c.decoder.ReadStopArgs(ctx, cpu)
		if err != nil {
			c.log.Logf(tslog.Error, "harness: read stop args: %v", err)
			return
		}
		c.detector.OnMagicStop(args.Index)
	case magicabi.CmdStopAssert:
		args, err := c.decoder.ReadStopArgs(ctx, cpu)
		if err != nil {
			c.log.Logf(tslog.Error, "harness: read assert args: %v", err)
			return
		}
		c.detector.OnMagicAssert(args.Index)
	}
}

func (c *Controller) handleStart(ctx context.Context, cpu simhost.CPUID, cmd magicabi.Command) {
	cfg := c.surface.Get()
	if !cfg.StartOnHarness {
		c.log.Logf(tslog.Warn, "harness: magic-start ignored, start_on_harness is false")
		return
	}
	if c.started {
		c.log.Logf(tslog.Warn, "harness: magic-start ignored, harness already started this binary")
		return
	}
	args, err := c.decoder.ReadStartArgs(ctx, cpu, cmd)
	if err != nil {
		c.log.Logf(tslog.Error, "harness: read start args: %v", err)
		return
	}
	if args.Index != cfg.MagicStartIndex {
		c.log.Logf(tslog.Warn, "harness: magic-start index %d does not match configured %d, ignoring", args.Index, cfg.MagicStartIndex)
		return
	}

	point := inject.InjectionPoint{
		TestcaseGuestAddr: args.BufferAddr,
		SizeGuestAddr:     args.SizeGuestAddr,
		MaxSize:           args.MaxSize,
	}
	if !args.HasMaxSizeLiteral {
		sizeBytes, err := c.ad.ReadMemory(ctx, cpu, args.SizeGuestAddr, c.ad.Architecture().PointerWidth(), false)
		if err != nil {
			c.log.Logf(tslog.Error, "harness: read *size_ptr at capture time: %v", err)
			return
		}
		point.MaxSize = decodeUint(sizeBytes)
	}
	c.point = point
	c.started = true

	// Capture is handed no serialized simulator state, so a configured
	// on-disk checkpoint is written with an empty payload.
	if c.snaps != nil {
		if err := c.snaps.Capture(ctx, nil); err != nil {
			c.log.Logf(tslog.Error, "harness: snapshot capture failed: %v", err)
			return
		}
	}
	c.surface.Seal()
	c.log.Logf(tslog.Info, "harness: started, injection point=%+v", point)

	if c.OnReady != nil {
		c.OnReady(ctx, cpu, point)
	}
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// OnInstruction implements simhost.Callbacks.
func (c *Controller) OnInstruction(cpu simhost.CPUID, pc uint64) {
	if err := c.tracer.ObserveInstruction(context.Background(), cpu, pc); err != nil {
		c.log.Logf(tslog.Error, "harness: tracer error: %v", err)
	}
}

// OnException implements simhost.Callbacks.
func (c *Controller) OnException(cpu simhost.CPUID, code int64) {
	c.detector.OnException(code)
}

// OnBreakpoint implements simhost.Callbacks.
func (c *Controller) OnBreakpoint(bpID uint64) {
	c.detector.OnBreakpoint(bpID)
}

// OnStopped implements simhost.Callbacks; it is the last callback of an
// iteration.
func (c *Controller) OnStopped(reason simhost.StopReason) {
	if reason == simhost.StopReasonTimeout {
		c.detector.OnTimeout()
	}
	c.lastVerdict = c.detector.Verdict()
	if c.OnIterationEnd != nil {
		c.OnIterationEnd(c.lastVerdict)
	}
}

var _ simhost.Callbacks = (*Controller)(nil)

func (c *Controller) String() string {
	return fmt.Sprintf("harness.Controller{started=%v}", c.started)
}
