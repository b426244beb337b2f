package qc

import (
	"time"

	"github.com/google/uuid"
)

// QCRun maps to the qc_run table: one control measurement with its Westgard
// evaluation frozen at intake. Violations holds the evaluation outcome as
// JSONB so a run's verdict never changes when rules are retuned later.
type QCRun struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TestID       string    `db:"test_id" json:"test_id"`
	LevelID      string    `db:"level_id" json:"level_id"`
	Value        float64   `db:"value" json:"value"`
	ExpectedMean float64   `db:"expected_mean" json:"expected_mean"`
	ExpectedSD   float64   `db:"expected_sd" json:"expected_sd"`
	ZScore       float64   `db:"z_score" json:"z_score"`
	Passed       bool      `db:"passed" json:"passed"`
	Violations   []byte    `db:"violations" json:"-"`
	ObservedAt   time.Time `db:"observed_at" json:"observed_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
