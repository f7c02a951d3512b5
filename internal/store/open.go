package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/config"
)

// Open builds the ArtifactStore selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (ArtifactStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("Artifact store connected", zap.String("type", "postgres"))
		return s, nil
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}
