package labresult

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const cols = `id, patient_id, analyte_id, analyte_name, value, categorical_value, unit,
	sample_number, sample_type, collected_at, interpreted_status, critical, processed,
	observed_at, created_at`

func (r *repoPG) scan(row pgx.Row) (*LabResult, error) {
	var lr LabResult
	err := row.Scan(&lr.ID, &lr.PatientID, &lr.AnalyteID, &lr.AnalyteName, &lr.Value,
		&lr.CategoricalValue, &lr.Unit, &lr.SampleNumber, &lr.SampleType, &lr.CollectedAt,
		&lr.InterpretedStatus, &lr.Critical, &lr.Processed, &lr.ObservedAt, &lr.CreatedAt)
	return &lr, err
}

func (r *repoPG) Create(ctx context.Context, lr *LabResult) error {
	if lr.ID == uuid.Nil {
		lr.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_result (id, patient_id, analyte_id, analyte_name, value, categorical_value,
			unit, sample_number, sample_type, collected_at, interpreted_status, critical, processed, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		lr.ID, lr.PatientID, lr.AnalyteID, lr.AnalyteName, lr.Value, lr.CategoricalValue,
		lr.Unit, lr.SampleNumber, lr.SampleType, lr.CollectedAt, lr.InterpretedStatus,
		lr.Critical, lr.Processed, lr.ObservedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM lab_result WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabResult, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM lab_result WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM lab_result WHERE patient_id = $1 ORDER BY observed_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabResult
	for rows.Next() {
		lr, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, lr)
	}
	return items, total, nil
}

func (r *repoPG) GetMostRecentPrior(ctx context.Context, patientID uuid.UUID, analyteID string, before time.Time) (*LabResult, error) {
	lr, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+cols+` FROM lab_result
		WHERE patient_id = $1 AND analyte_id = $2 AND value IS NOT NULL AND observed_at < $3
		ORDER BY observed_at DESC LIMIT 1`,
		patientID, analyteID, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lr, nil
}
