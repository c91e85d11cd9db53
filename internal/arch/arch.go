// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package arch is the architecture adapter (component C2): it hides
// per-architecture register naming, the virtual/physical address
// distinction, and disassembly behind one capability set, polymorphic
// over the small fixed variant set {X86, X86_64, RiscV32, RiscV64}:
// a tagged variant with a fixed interface, not open-ended pluggability.
package arch

import (
	"context"
	"fmt"

	"github.com/intel/tsffs/internal/simhost"
)

// Architecture is the tagged variant of supported targets.
type Architecture int

const (
	X86 Architecture = iota
	X86_64
	RiscV32
	RiscV64
)

func (a Architecture) String() string {
	switch a {
	case X86:
		return "x86"
	case X86_64:
		return "x86-64"
	case RiscV32:
		return "riscv32"
	case RiscV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// FromTag parses an architecture_hints tag.
func FromTag(tag string) (Architecture, bool) {
	switch tag {
	case "x86":
		return X86, true
	case "x86-64":
		return X86_64, true
	case "riscv32":
		return RiscV32, true
	case "riscv64":
		return RiscV64, true
	default:
		return 0, false
	}
}

// ABIRegisters returns the arg0..arg3 register names in the
// architecture's documented magic-ABI order.
func (a Architecture) ABIRegisters() [4]string {
	switch a {
	case X86_64:
		return [4]string{"rdi", "rsi", "rdx", "rcx"}
	case X86:
		return [4]string{"edi", "esi", "edx", "ecx"}
	case RiscV32, RiscV64:
		return [4]string{"a0", "a1", "a2", "a3"}
	default:
		return [4]string{}
	}
}

// PCRegister returns the program-counter register name.
func (a Architecture) PCRegister() string {
	switch a {
	case X86_64:
		return "rip"
	case X86:
		return "eip"
	case RiscV32, RiscV64:
		return "pc"
	default:
		return ""
	}
}

// PointerWidth is the size in bytes of a guest pointer, used by the
// injector (component C5) to encode the size word.
func (a Architecture) PointerWidth() int {
	switch a {
	case X86_64, RiscV64:
		return 8
	default:
		return 4
	}
}

// Resolve picks the effective architecture for a CPU: an explicit
// architecture_hints override always wins over what the simulator model
// reports, since e.g. a CPU running in 32-bit compatibility mode may
// misreport itself as x86-64.
func Resolve(modelReported string, hint string, hasHint bool) (Architecture, error) {
	if hasHint {
		a, ok := FromTag(hint)
		if !ok {
			return 0, fmt.Errorf("arch: unknown architecture hint %q", hint)
		}
		return a, nil
	}
	a, ok := FromTag(modelReported)
	if !ok {
		return 0, fmt.Errorf("arch: unknown architecture reported by simulator model: %q", modelReported)
	}
	return a, nil
}

// Adapter implements the capability set {read_reg, write_reg, read_mem,
// write_mem, disassemble, get_pc, virt_to_phys} for one CPU's
// architecture, delegating the mechanism to simhost.Host and owning the
// bounded disassembly cache.
type Adapter struct {
	host  simhost.Host
	arch  Architecture
	cache *decodeCache
}

// NewAdapter builds an Adapter. cacheSize is the number of decoded
// instructions kept per adapter; 0 picks a 64k-entry default.
func NewAdapter(host simhost.Host, a Architecture, cacheSize int) *Adapter {
	if cacheSize <= 0 {
		cacheSize = 1 << 16
	}
	return &Adapter{host: host, arch: a, cache: newDecodeCache(cacheSize)}
}

func (ad *Adapter) Architecture() Architecture { return ad.arch }

// Host returns the simhost.Host backing this adapter, so callers that
// only hold an *Adapter (e.g. the harness controller, when building its
// snapshot manager) do not need the host threaded through separately.
func (ad *Adapter) Host() simhost.Host { return ad.host }

func (ad *Adapter) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return ad.host.ReadRegister(ctx, cpu, name)
}

func (ad *Adapter) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	return ad.host.WriteRegister(ctx, cpu, name, value)
}

func (ad *Adapter) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	return ad.host.ReadMemory(ctx, cpu, addr, length, isVirtual)
}

func (ad *Adapter) WriteMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, data []byte, isVirtual bool) error {
	return ad.host.WriteMemory(ctx, cpu, addr, data, isVirtual)
}

func (ad *Adapter) GetPC(ctx context.Context, cpu simhost.CPUID) (uint64, error) {
	return ad.host.ReadRegister(ctx, cpu, ad.arch.PCRegister())
}

func (ad *Adapter) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return ad.host.VirtToPhys(ctx, cpu, addr)
}

// ResolveAddress returns the physical address to act on, translating
// through the page tables only when isVirtual is set.
func (ad *Adapter) ResolveAddress(ctx context.Context, cpu simhost.CPUID, addr uint64, isVirtual bool) (uint64, error) {
	if !isVirtual {
		return addr, nil
	}
	return ad.VirtToPhys(ctx, cpu, addr)
}

// Disassemble returns the decoded instruction at pc, serving from the
// bounded per-PC cache before falling back to the simulator.
func (ad *Adapter) Disassemble(ctx context.Context, cpu simhost.CPUID, pc uint64) (simhost.Instruction, error) {
	if insn, ok := ad.cache.get(pc); ok {
		return insn, nil
	}
	insn, err := ad.host.Disassemble(ctx, cpu, pc)
	if err != nil {
		return simhost.Instruction{}, err
	}
	ad.cache.put(pc, insn)
	return insn, nil
}
