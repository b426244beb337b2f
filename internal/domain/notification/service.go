package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/critical"
)

// Service owns the notification queue. It only records and transitions
// delivery requests; actual delivery (phone, email, pager, printer) is an
// external dispatcher's job.
type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

var validStatuses = map[string]bool{
	StatusPending: true, StatusDispatched: true, StatusFailed: true,
}

// EnqueuePlan persists one PENDING notification per action in a critical
// alert's plan.
func (s *Service) EnqueuePlan(ctx context.Context, resultID uuid.UUID, alert *critical.Alert) error {
	if alert == nil {
		return nil
	}
	if resultID == uuid.Nil {
		return fmt.Errorf("result_id is required")
	}
	for _, action := range alert.NotificationPlan {
		n := &Notification{
			ResultID:      resultID,
			AnalyteID:     alert.AnalyteID,
			Kind:          string(action.Kind),
			RecipientRole: action.RecipientRole,
			Message:       alert.Message,
			Status:        StatusPending,
		}
		if err := s.repo.Create(ctx, n); err != nil {
			return fmt.Errorf("enqueue %s notification: %w", action.Kind, err)
		}
		s.log.Info().
			Str("result_id", resultID.String()).
			Str("kind", n.Kind).
			Str("recipient_role", n.RecipientRole).
			Msg("notification queued")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListPending(ctx, limit, offset)
}

func (s *Service) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Notification, error) {
	return s.repo.ListByResult(ctx, resultID)
}

// MarkDispatched transitions a pending notification after the external
// dispatcher confirms delivery.
func (s *Service) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusDispatched)
}

// MarkFailed records a delivery failure; the dispatcher owns retries.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusFailed)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != StatusPending {
		return fmt.Errorf("notification %s is %s, only PENDING can transition", id, n.Status)
	}
	return s.repo.UpdateStatus(ctx, id, status)
}
