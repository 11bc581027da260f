package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/config"
)

// ErrNotExist is returned by Open when no backend holds the key.
var ErrNotExist = errors.New("object does not exist")

// ObjectStore abstracts the backends holding speech profile samples.
type ObjectStore interface {
	// Save stores data under key. key format: speech_profiles/{uid}.wav
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the object, or ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if the object exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// New creates an ObjectStore based on config.
// Returns an error if S3 is configured but unreachable.
func New(ctx context.Context, cfg config.S3Config, dir string, log zerolog.Logger) (ObjectStore, error) {
	if !cfg.Enabled() {
		log.Info().Str("dir", dir).Msg("using local profile store")
		return NewLocalStore(dir), nil
	}

	s3store, err := NewS3Store(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	checkCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()
	if err := s3store.HeadBucket(checkCtx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil
	}
	return NewTieredStore(s3store, NewLocalStore(dir), log), nil
}
