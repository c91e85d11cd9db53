// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshot is the snapshot manager (component C4): it picks
// between the simulator's named-snapshot facility and a
// micro-checkpoint/reverse-execution facility per use_snapshots, and
// optionally mirrors state to an xz-compressed on-disk checkpoint for
// fast cold starts, following an interface-per-backend shape so each
// strategy stays swappable independent of storage.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/intel/tsffs/internal/simhost"
)

// ErrNotCaptured is returned by Restore when Capture has not yet run;
// this is a fatal internal error: restore must never be attempted before capture.
var ErrNotCaptured = errors.New("snapshot: restore requested before any snapshot was captured")

// Backend is the capability a snapshot strategy must provide. Two
// concrete backends exist: the named-snapshot backend and the
// micro-checkpoint backend, selected by use_snapshots.
type Backend interface {
	capture(ctx context.Context) error
	restore(ctx context.Context) error
}

// Manager owns the active Backend and the optional on-disk checkpoint
// mirror. It refuses to restore before a capture has happened.
type Manager struct {
	host         simhost.Host
	backend      Backend
	captured     bool
	onDisk       *diskCheckpoint // nil if checkpoint_path is unset
}

// New builds a Manager. useSnapshots selects the named-snapshot backend
// when true, the micro-checkpoint backend otherwise. checkpointPath, if
// non-empty, enables the on-disk mirror written once before the first
// in-memory snapshot.
func New(host simhost.Host, useSnapshots bool, snapshotName string, checkpointPath string) *Manager {
	m := &Manager{host: host}
	if useSnapshots {
		m.backend = &snapshotBackend{host: host, name: snapshotName}
	} else {
		m.backend = &checkpointBackend{host: host}
	}
	if checkpointPath != "" {
		m.onDisk = &diskCheckpoint{path: checkpointPath}
	}
	return m
}

// Capture takes the first snapshot: the on-disk checkpoint, if
// configured, is written before the in-memory snapshot so a crash mid
// in-memory-capture still leaves a usable checkpoint on disk.
func (m *Manager) Capture(ctx context.Context, state []byte) error {
	if m.onDisk != nil && !m.captured {
		if err := m.onDisk.write(state); err != nil {
			return fmt.Errorf("snapshot: on-disk checkpoint write failed: %w", err)
		}
	}
	if err := m.backend.capture(ctx); err != nil {
		return fmt.Errorf("snapshot: capture failed: %w", err)
	}
	m.captured = true
	return nil
}

// Restore rolls the simulator back to the captured snapshot. Calling
// this before Capture is a programmer error, not a recoverable one.
func (m *Manager) Restore(ctx context.Context) error {
	if !m.captured {
		return ErrNotCaptured
	}
	return m.backend.restore(ctx)
}

// snapshotBackend is the "single named snapshot" strategy: capture
// takes it once, restore rolls back to it, repeatably.
type snapshotBackend struct {
	host simhost.Host
	name string
}

func (b *snapshotBackend) capture(ctx context.Context) error {
	return b.host.TakeSnapshot(ctx, b.name)
}

func (b *snapshotBackend) restore(ctx context.Context) error {
	return b.host.RestoreSnapshot(ctx, b.name)
}

// checkpointBackend is the micro-checkpoint / reverse-execution
// strategy: restoring must also discard future reverse-execution
// history, or a later restore could replay the previous iteration.
type checkpointBackend struct {
	host simhost.Host
	name string
}

const checkpointSnapshotName = "tsffs-micro-checkpoint"

func (b *checkpointBackend) capture(ctx context.Context) error {
	return b.host.TakeSnapshot(ctx, checkpointSnapshotName)
}

func (b *checkpointBackend) restore(ctx context.Context) error {
	if err := b.host.RestoreSnapshot(ctx, checkpointSnapshotName); err != nil {
		return err
	}
	return b.host.DiscardFutureRevExec(ctx)
}
