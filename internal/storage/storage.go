// Package storage holds clone archives on a local directory or an S3
// compatible bucket.
package storage

import (
	"context"
	"io"
	"time"
)

// Object describes one stored archive or archive manifest.
type Object struct {
	Key        string            `json:"key"`
	Size       int64             `json:"size"`
	Modified   time.Time         `json:"modified"`
	ETag       string            `json:"etag,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IsManifest bool              `json:"is_manifest"`
}

// Storage is implemented by every backend. Get and Stat fail with
// errs.NotFound for missing keys. Put accepts size -1 when unknown.
type Storage interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
