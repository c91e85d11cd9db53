// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package solution is the solution detector (component C6): a per-
// iteration state machine that classifies how an iteration ended and,
// for terminal SOLUTION states, persists the triggering input to the
// solutions directory using the same content-hash, write-temp-then-
// rename discipline used for on-disk artifact storage.
package solution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/intel/tsffs/internal/tslog"
)

// metaMessageBegin/metaMessageEnd bound how much of an overlong manual
// message (a guest-memory dump attached via solution(id, msg)) is kept
// verbatim in the .meta sidecar; the rest is elided by tslog.Truncate.
const (
	metaMessageBegin = 4096
	metaMessageEnd   = 1024
)

// State is the detector's current classification.
type State int

const (
	Running State = iota
	NormalStop
	Solution
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case NormalStop:
		return "normal_stop"
	case Solution:
		return "solution"
	default:
		return "unknown"
	}
}

// Kind distinguishes the five ways a SOLUTION can arise.
type Kind int

const (
	KindNone Kind = iota
	KindAssertion
	KindException
	KindBreakpoint
	KindTimeout
	KindManual
)

func (k Kind) String() string {
	switch k {
	case KindAssertion:
		return "assertion"
	case KindException:
		return "exception"
	case KindBreakpoint:
		return "breakpoint"
	case KindTimeout:
		return "timeout"
	case KindManual:
		return "manual"
	default:
		return "none"
	}
}

// Display renders the kind the way the .meta sidecar's kind= line and
// human-facing log lines record it: the bare name for kinds with no
// payload, {value} appended for kinds that carry one.
func (v Verdict) Display() string {
	switch v.Kind {
	case KindAssertion:
		return "Assertion"
	case KindException:
		return fmt.Sprintf("Exception{%d}", v.ExceptionCode)
	case KindBreakpoint:
		return fmt.Sprintf("Breakpoint{%d}", v.BreakpointID)
	case KindTimeout:
		return "Timeout"
	case KindManual:
		return fmt.Sprintf("Manual{%s}", v.ManualID)
	default:
		return "None"
	}
}

// Verdict is the detector's final result for one iteration.
type Verdict struct {
	State State
	Kind  Kind

	// ExceptionCode is set when Kind == KindException.
	ExceptionCode int64
	// BreakpointID is set when Kind == KindBreakpoint.
	BreakpointID uint64
	// ManualID/ManualMsg are set when Kind == KindManual.
	ManualID  string
	ManualMsg string
}

// Config is the subset of HarnessConfig the detector needs; kept
// narrow so it does not import internal/config and create a cycle with
// the harness controller that owns both.
type Config struct {
	StopOnHarness              bool
	MagicStopIndices           map[uint64]bool
	MagicAssertIndices         map[uint64]bool
	Exceptions                 map[int64]bool
	AllExceptionsAreSolutions  bool
	Breakpoints                map[uint64]bool
	AllBreakpointsAreSolutions bool
}

// Detector runs the state machine for one iteration at a time.
// ResetIteration readies it for the next iteration in place, so one
// Detector serves a whole campaign without a per-iteration allocation.
type Detector struct {
	cfg   Config
	state State
	kind  Kind

	exceptionCode int64
	breakpointID  uint64
	manualID      string
	manualMsg     string
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, state: Running}
}

// ResetIteration reuses the Detector for a new iteration.
func (d *Detector) ResetIteration() {
	d.state = Running
	d.kind = KindNone
	d.exceptionCode = 0
	d.breakpointID = 0
	d.manualID = ""
	d.manualMsg = ""
}

func (d *Detector) Verdict() Verdict {
	return Verdict{
		State:         d.state,
		Kind:          d.kind,
		ExceptionCode: d.exceptionCode,
		BreakpointID:  d.breakpointID,
		ManualID:      d.manualID,
		ManualMsg:     d.manualMsg,
	}
}

func (d *Detector) Terminal() bool {
	return d.state != Running
}

// OnMagicStop handles a decoded STOP_NORMAL command.
func (d *Detector) OnMagicStop(index uint64) {
	if !d.Terminal() && d.cfg.StopOnHarness && d.cfg.MagicStopIndices[index] {
		d.state = NormalStop
	}
}

// OnMagicAssert handles a decoded STOP_ASSERT command.
func (d *Detector) OnMagicAssert(index uint64) {
	if !d.Terminal() && d.cfg.MagicAssertIndices[index] {
		d.state = Solution
		d.kind = KindAssertion
	}
}

// OnException handles the simulator's exception hook.
func (d *Detector) OnException(code int64) {
	if d.Terminal() {
		return
	}
	if d.cfg.AllExceptionsAreSolutions || d.cfg.Exceptions[code] {
		d.state = Solution
		d.kind = KindException
		d.exceptionCode = code
	}
}

// OnBreakpoint handles the simulator's breakpoint hook.
func (d *Detector) OnBreakpoint(id uint64) {
	if d.Terminal() {
		return
	}
	if d.cfg.AllBreakpointsAreSolutions || d.cfg.Breakpoints[id] {
		d.state = Solution
		d.kind = KindBreakpoint
		d.breakpointID = id
	}
}

// OnTimeout handles the virtual-time timeout firing.
func (d *Detector) OnTimeout() {
	if !d.Terminal() {
		d.state = Solution
		d.kind = KindTimeout
	}
}

// Stop handles an explicit configuration-interface stop() call.
func (d *Detector) Stop() {
	if !d.Terminal() {
		d.state = NormalStop
	}
}

// ManualSolution handles an explicit configuration-interface
// solution(id, msg) call.
func (d *Detector) ManualSolution(id, msg string) {
	if !d.Terminal() {
		d.state = Solution
		d.kind = KindManual
		d.manualID = id
		d.manualMsg = msg
	}
}

// Store writes a SOLUTION's triggering input to dir using a sha256
// content-hash filename, plus a sidecar .meta text file in the
// documented external format (id=<u32>\nkind=<name>\nmessage=<utf8>\n),
// both via write-temp-then-rename for atomicity ("writes are atomic").
// id is a campaign-wide monotonic counter the caller assigns; it has no
// bearing on the filename, which stays content-addressed.
func Store(dir string, data []byte, id uint32, v Verdict) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("solution: mkdir %s: %w", dir, err)
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	path := filepath.Join(dir, name)

	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("solution: write %s: %w", path, err)
	}

	message := ""
	if v.Kind == KindManual {
		message = string(tslog.Truncate([]byte(v.ManualMsg), metaMessageBegin, metaMessageEnd))
	}
	meta := fmt.Sprintf("id=%d\nkind=%s\nmessage=%s\n", id, v.Display(), message)
	if err := atomicWrite(path+".meta", []byte(meta)); err != nil {
		return "", fmt.Errorf("solution: write metadata %s: %w", path, err)
	}
	return path, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
