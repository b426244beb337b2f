package qc

import (
	"context"

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

const cols = `id, test_id, level_id, value, expected_mean, expected_sd, z_score, passed, violations, observed_at, created_at`

func (r *repoPG) scan(row pgx.Row) (*QCRun, error) {
	var run QCRun
	err := row.Scan(&run.ID, &run.TestID, &run.LevelID, &run.Value, &run.ExpectedMean,
		&run.ExpectedSD, &run.ZScore, &run.Passed, &run.Violations, &run.ObservedAt, &run.CreatedAt)
	return &run, err
}

func (r *repoPG) Create(ctx context.Context, run *QCRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO qc_run (id, test_id, level_id, value, expected_mean, expected_sd, z_score, passed, violations, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.TestID, run.LevelID, run.Value, run.ExpectedMean, run.ExpectedSD,
		run.ZScore, run.Passed, run.Violations, run.ObservedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*QCRun, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM qc_run WHERE id = $1`, id))
}

func (r *repoPG) ListRecent(ctx context.Context, testID, levelID string, limit int) ([]*QCRun, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM qc_run WHERE test_id = $1 AND level_id = $2 ORDER BY observed_at DESC LIMIT $3`,
		testID, levelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QCRun
	for rows.Next() {
		run, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, run)
	}
	return items, nil
}

func (r *repoPG) ListByTest(ctx context.Context, testID string, limit, offset int) ([]*QCRun, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM qc_run WHERE test_id = $1`, testID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM qc_run WHERE test_id = $1 ORDER BY observed_at DESC LIMIT $2 OFFSET $3`,
		testID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*QCRun
	for rows.Next() {
		run, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, nil
}
