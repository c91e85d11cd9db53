// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command tsffs-repro replays a single recorded solution against the
// fuzzing core's harness controller: no mutation, no bandit, no corpus
// growth, just one iteration with the guest left paused at whatever
// terminal state it reaches.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/config"
	"github.com/intel/tsffs/internal/harness"
	"github.com/intel/tsffs/internal/inject"
	"github.com/intel/tsffs/internal/runtime"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/tslog"
)

var (
	flagConfig  = flag.String("config", "", "path to the harness config YAML used during the original campaign")
	flagSeedHex = flag.String("input", "", "path to the solution file to replay")
)

func main() {
	flag.Parse()
	if *flagConfig == "" || *flagSeedHex == "" {
		log.Fatal("tsffs-repro: -config and -input are required")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("tsffs-repro: %v", err)
	}

	logger, err := tslog.New(tslog.Info, os.Stderr, "")
	if err != nil {
		log.Fatalf("tsffs-repro: logger: %v", err)
	}

	host := &externalHost{}
	ad := arch.NewAdapter(host, arch.X86_64, 0)
	h := harness.New(ad, cfg, logger)
	host.cb = h

	inj := inject.New(ad)
	rt := runtime.New(host, h, inj, nil, nil, logger, cfg, 1)

	ctx := context.Background()
	verdict, err := rt.Repro(ctx, *flagSeedHex)
	if err != nil {
		log.Fatalf("tsffs-repro: %v", err)
	}
	log.Printf("tsffs-repro: state=%s kind=%s", verdict.State, verdict.Kind)
}

// externalHost is a placeholder simhost.Host: a real deployment embeds
// this binary's logic into the simulator process itself (the simulator
// calls into the fuzzing core, not the other way around), so standalone
// invocation has no live simulator to attach to. Every method that
// reads or changes guest state exits the process via log.Fatalf if
// actually invoked (the timer and stop methods are no-ops), documenting
// that tsffs-repro is meant to be linked into a simulator binding, not
// run against this stub.
type externalHost struct {
	cb simhost.Callbacks
}

func (h *externalHost) notImplemented(name string) {
	log.Fatalf("tsffs-repro: %s: no simulator attached; link this package into a real simhost.Host implementation", name)
}

func (h *externalHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	h.notImplemented("ReadRegister")
	return 0, nil
}

func (h *externalHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.notImplemented("WriteRegister")
	return nil
}

func (h *externalHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	h.notImplemented("ReadMemory")
	return nil, nil
}

func (h *externalHost) WriteMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, data []byte, isVirtual bool) error {
	h.notImplemented("WriteMemory")
	return nil
}

func (h *externalHost) TakeSnapshot(ctx context.Context, name string) error {
	h.notImplemented("TakeSnapshot")
	return nil
}

func (h *externalHost) RestoreSnapshot(ctx context.Context, name string) error {
	h.notImplemented("RestoreSnapshot")
	return nil
}

func (h *externalHost) DiscardFutureRevExec(ctx context.Context) error {
	h.notImplemented("DiscardFutureRevExec")
	return nil
}

func (h *externalHost) ArmVirtualTimeTimer(ctx context.Context, seconds float64) error {
	return nil
}

func (h *externalHost) CancelVirtualTimeTimer(ctx context.Context) error {
	return nil
}

func (h *externalHost) ContinueSimulation(ctx context.Context) error {
	h.notImplemented("ContinueSimulation")
	return nil
}

func (h *externalHost) StopSimulation(ctx context.Context) error {
	return nil
}

func (h *externalHost) Disassemble(ctx context.Context, cpu simhost.CPUID, pc uint64) (simhost.Instruction, error) {
	h.notImplemented("Disassemble")
	return simhost.Instruction{}, nil
}

func (h *externalHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	h.notImplemented("VirtToPhys")
	return addr, nil
}
