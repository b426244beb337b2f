package qc

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, run *QCRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*QCRun, error)
	// ListRecent returns up to limit runs for a control level, newest first.
	ListRecent(ctx context.Context, testID, levelID string, limit int) ([]*QCRun, error)
	ListByTest(ctx context.Context, testID string, limit, offset int) ([]*QCRun, int, error)
}
