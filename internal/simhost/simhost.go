// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package simhost defines the boundary between the fuzzing core and the
// cycle-accurate simulator it drives. The
// simulator itself is out of scope -- it is treated as an opaque host that offers
// memory/register access, snapshotting, and per-instruction callbacks.
// Everything in this package is an interface the embedding simulator
// binding implements; the fuzzer core never constructs a concrete
// simulator type.
package simhost

import "context"

// CPUID identifies one processor in the simulated system.
type CPUID uint32

// Host is everything the fuzzer core may call on the simulator
// (the set of fuzzer -> simulator calls required).
type Host interface {
	ReadRegister(ctx context.Context, cpu CPUID, name string) (uint64, error)
	WriteRegister(ctx context.Context, cpu CPUID, name string, value uint64) error

	ReadMemory(ctx context.Context, cpu CPUID, addr uint64, length int, isVirtual bool) ([]byte, error)
	WriteMemory(ctx context.Context, cpu CPUID, addr uint64, data []byte, isVirtual bool) error

	TakeSnapshot(ctx context.Context, name string) error
	RestoreSnapshot(ctx context.Context, name string) error
	DiscardFutureRevExec(ctx context.Context) error

	ArmVirtualTimeTimer(ctx context.Context, seconds float64) error
	CancelVirtualTimeTimer(ctx context.Context) error

	ContinueSimulation(ctx context.Context) error
	StopSimulation(ctx context.Context) error

	// Disassemble returns the decoded instruction at pc on cpu, used by
	// the tracer for CmpLog site classification (component C3).
	Disassemble(ctx context.Context, cpu CPUID, pc uint64) (Instruction, error)

	// VirtToPhys resolves a virtual address through cpu's current page
	// tables (component C2 / C5).
	VirtToPhys(ctx context.Context, cpu CPUID, addr uint64) (uint64, error)
}

// StopReason is the argument to the on_stopped callback.
type StopReason string

const (
	StopReasonMagic     StopReason = "magic"
	StopReasonException StopReason = "exception"
	StopReasonBreakpoint StopReason = "breakpoint"
	StopReasonTimeout   StopReason = "timeout"
	StopReasonManual    StopReason = "manual"
)

// Callbacks is everything the simulator invokes on the fuzzer core
// (the set of simulator -> fuzzer callbacks required). The
// harness controller (component C7) is the canonical implementer.
type Callbacks interface {
	OnMagic(cpu CPUID, leaf uint64)
	OnInstruction(cpu CPUID, pc uint64)
	OnException(cpu CPUID, code int64)
	OnBreakpoint(bpID uint64)
	OnStopped(reason StopReason)
}

// Instruction is a minimal decode result: enough for CmpLog site
// classification, not a full disassembler API.
type Instruction struct {
	Mnemonic string
	Class    InstructionClass
	Width    int // operand width in bytes: 1, 2, 4, or 8
	// Operands holds the raw operand descriptors (register name or
	// memory address expression) in disassembly order; the arch adapter
	// resolves these to concrete values via Host.
	Operands []Operand
}

// InstructionClass is the coarse classification the tracer needs: is
// this instruction comparison-capable (CmpLog) or not.
type InstructionClass int

const (
	ClassOther InstructionClass = iota
	ClassCompare
	ClassSub
	ClassTest
)

// Operand describes one operand of a decoded instruction.
type Operand struct {
	IsMemory bool
	Reg      string // register name if !IsMemory
	Addr     uint64 // resolved effective address if IsMemory
}
