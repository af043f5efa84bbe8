package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rowjay/tender-mirror/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Archive.Compression = "ZSTD"
	cfg.Storage.Backend = "Local"

	applyOverrides(cfg, &rootFlags{LogLevel: "debug"}, &overrideFlags{
		BaseURL:       "http://example.test/",
		StoreDSN:      "/tmp/t.db",
		S3Bucket:      "tenders",
		S3PathStyle:   "1",
		EncryptionKey: "abc",
	})

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "http://example.test", cfg.Upstream.BaseURL)
	assert.Equal(t, "/tmp/t.db", cfg.Store.DSN)
	assert.Equal(t, "tenders", cfg.Storage.S3.Bucket)
	assert.Equal(t, "tenders", cfg.Storage.AWS.Bucket)
	assert.True(t, cfg.Storage.S3.ForcePathStyle)
	assert.True(t, cfg.Storage.AWS.UsePathStyle)
	assert.True(t, cfg.Archive.Encryption)
	assert.Equal(t, "zstd", cfg.Archive.Compression)
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
