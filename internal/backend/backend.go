// Package backend opens the document backend selected by configuration.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/docstore/memory"
	"github.com/larderhq/larder/internal/docstore/postgres"
	"github.com/larderhq/larder/internal/docstore/remote"
	"github.com/larderhq/larder/internal/docstore/s3"
	"github.com/larderhq/larder/internal/docstore/sqlite"
	"github.com/larderhq/larder/internal/logging"
)

// Open connects to the backend named by cfg.Backend. Loggers for the backend
// write to logOut with the backend name as prefix.
func Open(ctx context.Context, cfg *config.Config, logOut io.Writer) (docstore.Backend, error) {
	logger := logging.New(logOut, cfg.Backend)

	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(memory.Options{Logger: logger}), nil

	case config.BackendSQLite:
		b, err := sqlite.Open(cfg.SQLite.Path, sqlite.Options{
			WatchFiles: cfg.SQLite.WatchFiles,
			Debounce:   cfg.SQLite.Debounce,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return b, nil

	case config.BackendPostgres:
		b, err := postgres.Open(ctx, postgres.Options{
			DSN:     cfg.Postgres.DSN,
			Channel: cfg.Postgres.Channel,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres backend: %w", err)
		}
		return b, nil

	case config.BackendS3:
		b, err := s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PollInterval:    cfg.S3.PollInterval,
			Concurrency:     cfg.S3.Concurrency,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 backend: %w", err)
		}
		return b, nil

	case config.BackendRemote:
		b, err := remote.New(remote.Options{
			BaseURL:     cfg.Remote.URL,
			DialTimeout: cfg.Remote.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open remote backend: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
