package notification

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

const cols = `id, result_id, analyte_id, kind, recipient_role, message, status, created_at, dispatched_at`

func (r *repoPG) scan(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.ResultID, &n.AnalyteID, &n.Kind, &n.RecipientRole,
		&n.Message, &n.Status, &n.CreatedAt, &n.DispatchedAt)
	return &n, err
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	if n.Status == "" {
		n.Status = StatusPending
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification (id, result_id, analyte_id, kind, recipient_role, message, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.ResultID, n.AnalyteID, n.Kind, n.RecipientRole, n.Message, n.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM notification WHERE id = $1`, id))
}

func (r *repoPG) ListPending(ctx context.Context, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification WHERE status = $1`, StatusPending).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM notification WHERE status = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		StatusPending, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, nil
}

func (r *repoPG) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM notification WHERE result_id = $1 ORDER BY created_at ASC`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification
		SET status = $2, dispatched_at = CASE WHEN $2 = 'DISPATCHED' THEN NOW() ELSE dispatched_at END
		WHERE id = $1`, id, status)
	return err
}
