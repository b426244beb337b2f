package labresult

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *LabResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabResult, int, error)
	// GetMostRecentPrior returns the newest numeric result for the same
	// (patient, analyte) observed before the given time, or nil when the
	// patient has no usable history.
	GetMostRecentPrior(ctx context.Context, patientID uuid.UUID, analyteID string, before time.Time) (*LabResult, error)
}
