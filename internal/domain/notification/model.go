package notification

import (
	"time"

	"github.com/google/uuid"
)

// Status values for a notification request's delivery lifecycle. The
// pipeline only ever creates PENDING rows; the dispatcher owns the rest.
const (
	StatusPending    = "PENDING"
	StatusDispatched = "DISPATCHED"
	StatusFailed     = "FAILED"
)

// Notification maps to the notification table: one delivery request produced
// by a critical-value alert.
type Notification struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ResultID      uuid.UUID  `db:"result_id" json:"result_id"`
	AnalyteID     string     `db:"analyte_id" json:"analyte_id"`
	Kind          string     `db:"kind" json:"kind"`
	RecipientRole string     `db:"recipient_role" json:"recipient_role"`
	Message       string     `db:"message" json:"message"`
	Status        string     `db:"status" json:"status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	DispatchedAt  *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
}
