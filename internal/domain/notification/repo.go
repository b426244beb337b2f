package notification

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListPending(ctx context.Context, limit, offset int) ([]*Notification, int, error)
	ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}
