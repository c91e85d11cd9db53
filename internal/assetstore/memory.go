// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package assetstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// memoryBackend is an in-process Backend, used by tests in place of a
// real bucket.
type memoryBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	created map[string]time.Time
	now     func() time.Time
}

// NewMemoryBackend builds a Backend that keeps every uploaded object in
// memory, for tests and for local smoke-testing without GCS
// credentials configured.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		objects: map[string][]byte{},
		created: map[string]time.Time{},
		now:     time.Now,
	}
}

func (b *memoryBackend) downloadURL(path string) string {
	return "memory://" + path
}

func (b *memoryBackend) Upload(ctx context.Context, path string, r io.Reader) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = data
	b.created[path] = b.now()
	return Object{DownloadURL: b.downloadURL(path), CreatedAt: b.created[path]}, nil
}

func (b *memoryBackend) List(ctx context.Context) ([]Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Object, 0, len(b.objects))
	for path := range b.objects {
		out = append(out, Object{DownloadURL: b.downloadURL(path), CreatedAt: b.created[path]})
	}
	return out, nil
}

func (b *memoryBackend) Remove(ctx context.Context, downloadURL string) error {
	path := downloadURL[len("memory://"):]
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[path]; !ok {
		return ErrNotFound
	}
	delete(b.objects, path)
	delete(b.created, path)
	return nil
}

// contents returns the raw bytes stored under path, for test assertions.
func (b *memoryBackend) contents(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	return bytes.Clone(data), ok
}
