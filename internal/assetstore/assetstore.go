// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package assetstore is optional solutions mirroring (component C13):
// every solution the detector persists locally can additionally be
// uploaded to a GCS bucket, so a fleet of Fuzzer instances running on
// separate hosts can centralize crash triage without a shared
// filesystem.
package assetstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Backend.Remove for a path that is not
// (or no longer) present in the backend.
var ErrNotFound = fmt.Errorf("assetstore: object does not exist")

// Object describes one previously uploaded solution.
type Object struct {
	DownloadURL string
	CreatedAt   time.Time
}

// Backend is the storage mechanism a Mirror uploads through. Two
// implementations are provided: gcsBackend for a real gs:// bucket, and
// memoryBackend for tests and for local runs without GCS credentials. A
// campaign with no configured bucket attaches no backend at all.
type Backend interface {
	Upload(ctx context.Context, path string, r io.Reader) (Object, error)
	List(ctx context.Context) ([]Object, error)
	Remove(ctx context.Context, downloadURL string) error
}

// Mirror uploads solution bytes under a path derived from their
// content hash, so re-uploading the same solution twice is a no-op at
// the backend's discretion rather than this package's.
type Mirror struct {
	backend Backend
}

// New builds a Mirror with no backend attached; Disabled reports true
// until Attach is called, matching a campaign with no configured
// bucket running with mirroring entirely skipped.
func New() *Mirror {
	return &Mirror{}
}

// Attach wires backend into the mirror, enabling it.
func (m *Mirror) Attach(backend Backend) {
	m.backend = backend
}

// Disabled reports whether no backend has been attached.
func (m *Mirror) Disabled() bool {
	return m.backend == nil
}

// Upload mirrors one solution's bytes to the attached backend, under a
// path namespaced by kind (assertion, exception, breakpoint, timeout,
// manual) so a human browsing the bucket can triage by category
// without downloading every object.
func (m *Mirror) Upload(ctx context.Context, kind, hash string, data []byte) (Object, error) {
	if m.Disabled() {
		return Object{}, nil
	}
	path := fmt.Sprintf("%s/%s", kind, hash)
	obj, err := m.backend.Upload(ctx, path, bytes.NewReader(data))
	if err != nil {
		return Object{}, fmt.Errorf("assetstore: upload %s: %w", path, err)
	}
	return obj, nil
}

// List returns every object the backend currently holds.
func (m *Mirror) List(ctx context.Context) ([]Object, error) {
	if m.Disabled() {
		return nil, nil
	}
	return m.backend.List(ctx)
}

// Remove deletes a previously uploaded object, e.g. once local garbage
// collection has pruned the corresponding on-disk solution.
func (m *Mirror) Remove(ctx context.Context, downloadURL string) error {
	if m.Disabled() {
		return nil
	}
	return m.backend.Remove(ctx, downloadURL)
}
