package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the settings the engines cannot recover from at runtime.
func (c *Config) Validate() error {
	var problems []error
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL))
	}
	if strings.TrimSpace(c.Upstream.APIVersion) == "" {
		problems = append(problems, errors.New("upstream.api_version is required"))
	}
	if c.Upstream.PageSize < 1 || c.Upstream.PageSize > 1000 {
		problems = append(problems, fmt.Errorf("upstream.page_size must be in 1..1000, got %d", c.Upstream.PageSize))
	}
	if c.Clone.DataDir == "" {
		problems = append(problems, errors.New("clone.data_dir is required"))
	}
	if c.Clone.RotateBytes < 1024 {
		problems = append(problems, fmt.Errorf("clone.rotate_size %q is too small", c.Clone.RotateSize))
	}
	if c.Store.DSN == "" {
		problems = append(problems, errors.New("store.dsn is required"))
	}
	if c.Search.NearThreshold <= 0 || c.Search.NearThreshold > 1 {
		problems = append(problems, fmt.Errorf("search.near_threshold must be in (0,1], got %v", c.Search.NearThreshold))
	}
	switch strings.ToLower(c.Archive.Compression) {
	case "", "none", "gzip", "zstd":
	default:
		problems = append(problems, fmt.Errorf("archive.compression %q is not supported", c.Archive.Compression))
	}
	if c.Archive.Encryption && c.Archive.EncryptionKey == "" {
		problems = append(problems, errors.New("archive.encryption is enabled but archive.encryption_key is empty"))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "local", "s3", "aws":
	default:
		problems = append(problems, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	return errors.Join(problems...)
}
