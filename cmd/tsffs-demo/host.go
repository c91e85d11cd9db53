// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/intel/tsffs/internal/magicabi"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/tslog"
)

func mustTempDir(prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		panic(fmt.Sprintf("tsffs-demo: mkdtemp: %v", err))
	}
	return dir
}

func mustLogger() *tslog.Logger {
	l, err := tslog.New(tslog.Info, os.Stderr, "")
	if err != nil {
		panic(fmt.Sprintf("tsffs-demo: logger: %v", err))
	}
	return l
}

const (
	demoBufferAddr = 0x1000
	demoMaxSize    = 256
)

// demoHost is a toy stand-in for a real cycle-accurate simulator: each
// ContinueSimulation call walks a pseudo-random number of synthetic
// instructions derived from the injected buffer's bytes, feeding the
// harness controller's callbacks exactly as a real simulator binding
// would, so the whole fuzzing pipeline can run end to end without one.
type demoHost struct {
	cb   simhost.Callbacks
	regs map[string]uint64
	mem  map[uint64][]byte
	rnd  *rand.Rand
}

func newDemoHost() *demoHost {
	return &demoHost{
		regs: map[string]uint64{},
		mem:  map[uint64][]byte{},
		rnd:  rand.New(rand.NewSource(7)),
	}
}

func (h *demoHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return h.regs[name], nil
}

func (h *demoHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.regs[name] = value
	return nil
}

func (h *demoHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	data := h.mem[addr]
	if len(data) > length {
		data = data[:length]
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

func (h *demoHost) WriteMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, data []byte, isVirtual bool) error {
	h.mem[addr] = append([]byte(nil), data...)
	return nil
}

func (h *demoHost) TakeSnapshot(ctx context.Context, name string) error    { return nil }
func (h *demoHost) RestoreSnapshot(ctx context.Context, name string) error { return nil }
func (h *demoHost) DiscardFutureRevExec(ctx context.Context) error         { return nil }

func (h *demoHost) ArmVirtualTimeTimer(ctx context.Context, seconds float64) error { return nil }
func (h *demoHost) CancelVirtualTimeTimer(ctx context.Context) error               { return nil }
func (h *demoHost) StopSimulation(ctx context.Context) error                      { return nil }

func (h *demoHost) Disassemble(ctx context.Context, cpu simhost.CPUID, pc uint64) (simhost.Instruction, error) {
	return simhost.Instruction{Class: simhost.ClassOther}, nil
}

func (h *demoHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return addr, nil
}

// magicLeaf packs a pseudo-hypercall command into the ABI's leaf
// encoding, the same convention decoded by internal/magicabi.
func magicLeaf(cmd magicabi.Command) uint64 {
	return uint64(cmd)<<16 | magicabi.Magic
}

// triggerStart fires the initial magic-start the guest harness would
// issue once at boot, handing control to the harness controller and,
// through it, the Fuzzer runtime's iteration loop.
func (h *demoHost) triggerStart() {
	h.regs["rdi"] = 0 // magic_start_index
	h.regs["rsi"] = demoBufferAddr
	h.regs["rdx"] = demoMaxSize
	h.cb.OnMagic(0, magicLeaf(magicabi.CmdStartBufferPtrSizeVal))
}

// ContinueSimulation walks a handful of synthetic instructions whose PCs
// are derived from the injected buffer, so different inputs produce
// different coverage, then ends the iteration: a buffer whose first four
// bytes are all 0xff "crashes" (an exception), otherwise the guest
// reaches its own normal stop.
func (h *demoHost) ContinueSimulation(ctx context.Context) error {
	buf := h.mem[demoBufferAddr]
	steps := 4 + h.rnd.Intn(12)
	pc := uint64(0x400000)
	crash := false
	for i := 0; i < steps; i++ {
		if len(buf) > 0 {
			pc += uint64(buf[i%len(buf)]) + 1
		} else {
			pc += uint64(h.rnd.Intn(16)) + 1
		}
		h.cb.OnInstruction(0, pc)
		if len(buf) >= 4 && buf[0] == 0xff && buf[1] == 0xff && buf[2] == 0xff && buf[3] == 0xff {
			crash = true
		}
	}
	if crash {
		h.cb.OnException(0, 6) // SIGABRT-equivalent code, arbitrary for the demo
	} else {
		h.regs["rdi"] = 0 // magic_stop_index
		h.cb.OnMagic(0, magicLeaf(magicabi.CmdStopNormal))
	}
	h.cb.OnStopped(simhost.StopReasonMagic)
	return nil
}
