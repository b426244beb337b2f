package labresult

import (
	"time"

	"github.com/google/uuid"
)

// LabResult maps to the lab_result table: one measurement as submitted, plus
// the pipeline's full annotation snapshot in the processed JSONB column.
// Exactly one of Value and CategoricalValue is set.
type LabResult struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	AnalyteID         string     `db:"analyte_id" json:"analyte_id"`
	AnalyteName       string     `db:"analyte_name" json:"analyte_name"`
	Value             *float64   `db:"value" json:"value,omitempty"`
	CategoricalValue  *string    `db:"categorical_value" json:"categorical_value,omitempty"`
	Unit              string     `db:"unit" json:"unit,omitempty"`
	SampleNumber      string     `db:"sample_number" json:"sample_number,omitempty"`
	SampleType        string     `db:"sample_type" json:"sample_type,omitempty"`
	CollectedAt       *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	InterpretedStatus string     `db:"interpreted_status" json:"interpreted_status"`
	Critical          bool       `db:"critical" json:"critical"`
	Processed         []byte     `db:"processed" json:"-"`
	ObservedAt        time.Time  `db:"observed_at" json:"observed_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}
