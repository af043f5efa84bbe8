package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const ManifestSuffix = ".manifest.json"

// Manifest describes one clone archive. It is stored next to the archive.
type Manifest struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	OperationID string    `json:"operation_id"`
	Compression string    `json:"compression"`
	Encryption  bool      `json:"encryption"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	Files       int       `json:"files"`
	Items       int       `json:"items"`
	Objects     int       `json:"objects"`
	ToolVersion string    `json:"tool_version"`
}

func ManifestKey(objectKey string) string {
	return objectKey + ManifestSuffix
}

// WriteManifest stores m under ManifestKey(m.Key).
func WriteManifest(ctx context.Context, st Storage, m Manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return st.Put(ctx, ManifestKey(m.Key), bytes.NewReader(payload), int64(len(payload)), map[string]string{"tmr-manifest": "true"})
}

// ReadManifest loads the manifest stored next to archive key.
func ReadManifest(ctx context.Context, st Storage, key string) (Manifest, error) {
	r, err := st.Get(ctx, ManifestKey(key))
	if err != nil {
		return Manifest{}, err
	}
	defer r.Close()
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return m, nil
}
