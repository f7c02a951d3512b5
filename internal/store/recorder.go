package store

import (
	"context"

	"go.uber.org/zap"
)

// RunRecorder persists a run's model exchanges. It satisfies the model
// client's exchange recorder; failures are logged, never returned.
type RunRecorder struct {
	store  ArtifactStore
	runID  string
	logger *zap.Logger
}

// NewRunRecorder binds store to runID.
func NewRunRecorder(store ArtifactStore, runID string, logger *zap.Logger) *RunRecorder {
	return &RunRecorder{store: store, runID: runID, logger: logger.Named("exchange_recorder")}
}

func (r *RunRecorder) RecordExchange(ctx context.Context, kind string, body []byte) {
	if err := r.store.SaveExchange(ctx, r.runID, kind, body); err != nil {
		r.logger.Warn("Failed to persist model exchange", zap.String("kind", kind), zap.Error(err))
	}
}
