// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package assetstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsBackend mirrors solutions into one GCS bucket.
type gcsBackend struct {
	client *storage.Client
	bucket string
}

// NewGCSBackend dials the default application-credentials GCS client
// and returns a Backend writing into bucket.
func NewGCSBackend(ctx context.Context, bucket string) (Backend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("assetstore: new GCS client: %w", err)
	}
	return &gcsBackend{client: client, bucket: bucket}, nil
}

func (b *gcsBackend) Upload(ctx context.Context, path string, r io.Reader) (Object, error) {
	obj := b.client.Bucket(b.bucket).Object(path)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return Object{}, err
	}
	if err := w.Close(); err != nil {
		return Object{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return Object{}, err
	}
	return Object{
		DownloadURL: b.downloadURL(path),
		CreatedAt:   attrs.Created,
	}, nil
}

func (b *gcsBackend) downloadURL(path string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucket, path)
}

func (b *gcsBackend) List(ctx context.Context) ([]Object, error) {
	var out []Object
	it := b.client.Bucket(b.bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Object{
			DownloadURL: b.downloadURL(attrs.Name),
			CreatedAt:   attrs.Created,
		})
	}
	return out, nil
}

func (b *gcsBackend) Remove(ctx context.Context, downloadURL string) error {
	prefix := fmt.Sprintf("https://storage.googleapis.com/%s/", b.bucket)
	if !strings.HasPrefix(downloadURL, prefix) {
		return fmt.Errorf("assetstore: %s is not a URL in bucket %s", downloadURL, b.bucket)
	}
	path := strings.TrimPrefix(downloadURL, prefix)
	err := b.client.Bucket(b.bucket).Object(path).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return ErrNotFound
	}
	return err
}
