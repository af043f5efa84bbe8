package storage

import (
	"context"

	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
)

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.Local.Path == "" {
			return nil, errs.E(errs.Validation, "storage.local.path is required")
		}
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, errs.E(errs.Validation, "storage.s3 endpoint and bucket are required")
		}
		s3, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		return s3, nil
	case "aws":
		if cfg.AWS.Bucket == "" {
			return nil, errs.E(errs.Validation, "storage.aws.bucket is required")
		}
		a, err := NewAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, errs.E(errs.Validation, "unsupported storage backend %q", cfg.Backend)
	}
}
