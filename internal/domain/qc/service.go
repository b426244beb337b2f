package qc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/westgard"
)

// priorWindow is how many prior runs are loaded for rule evaluation. The
// deepest rule (10-x) looks at the current run plus nine priors; the extra
// history also feeds trend detection and CV.
const priorWindow = 20

// Submission is one incoming control measurement.
type Submission struct {
	TestID       string    `json:"test_id"`
	LevelID      string    `json:"level_id"`
	Value        float64   `json:"value"`
	ExpectedMean float64   `json:"expected_mean"`
	ExpectedSD   float64   `json:"expected_sd"`
	ObservedAt   time.Time `json:"observed_at,omitempty"`
}

// Evaluated pairs the stored run with its full Westgard outcome.
type Evaluated struct {
	Run     *QCRun           `json:"run"`
	Outcome westgard.Outcome `json:"outcome"`
}

// Replacement is the control-material replacement recommendation for a level.
type Replacement struct {
	TestID  string `json:"test_id"`
	LevelID string `json:"level_id"`
	Replace bool   `json:"replace"`
	Reason  string `json:"reason,omitempty"`
	Runs    int    `json:"runs_considered"`
}

type Service struct {
	repo    Repository
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewService(repo Repository, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{repo: repo, metrics: m, log: logger}
}

func (sub *Submission) validate() error {
	if sub.TestID == "" {
		return fmt.Errorf("test_id is required")
	}
	if sub.LevelID == "" {
		return fmt.Errorf("level_id is required")
	}
	if sub.ExpectedSD <= 0 {
		return fmt.Errorf("expected_sd must be positive")
	}
	return nil
}

// Submit evaluates a control run against its level's recent history and
// persists it with the verdict.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Evaluated, error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}
	if sub.ObservedAt.IsZero() {
		sub.ObservedAt = time.Now()
	}

	history, err := s.repo.ListRecent(ctx, sub.TestID, sub.LevelID, priorWindow)
	if err != nil {
		return nil, fmt.Errorf("loading control history: %w", err)
	}

	current := westgard.Run{
		TestID:       sub.TestID,
		LevelID:      sub.LevelID,
		Value:        sub.Value,
		ExpectedMean: sub.ExpectedMean,
		ExpectedSD:   sub.ExpectedSD,
		ObservedAt:   sub.ObservedAt,
	}
	priors := make([]westgard.Run, 0, len(history))
	for _, h := range history {
		priors = append(priors, westgard.Run{
			TestID:       h.TestID,
			LevelID:      h.LevelID,
			Value:        h.Value,
			ExpectedMean: h.ExpectedMean,
			ExpectedSD:   h.ExpectedSD,
			ObservedAt:   h.ObservedAt,
		})
	}

	outcome, err := westgard.Evaluate(current, priors)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encoding qc outcome: %w", err)
	}
	run := &QCRun{
		TestID:       sub.TestID,
		LevelID:      sub.LevelID,
		Value:        sub.Value,
		ExpectedMean: sub.ExpectedMean,
		ExpectedSD:   sub.ExpectedSD,
		ZScore:       outcome.ZScore,
		Passed:       outcome.Passed,
		Violations:   payload,
		ObservedAt:   sub.ObservedAt,
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persisting qc run: %w", err)
	}

	if s.metrics != nil {
		for _, v := range outcome.Violations {
			s.metrics.QCViolations.WithLabelValues(v.RuleName).Inc()
		}
	}
	s.log.Info().
		Str("test_id", sub.TestID).
		Str("level_id", sub.LevelID).
		Float64("z_score", outcome.ZScore).
		Bool("passed", outcome.Passed).
		Int("violations", len(outcome.Violations)).
		Msg("qc run evaluated")

	return &Evaluated{Run: run, Outcome: outcome}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*QCRun, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByTest(ctx context.Context, testID string, limit, offset int) ([]*QCRun, int, error) {
	return s.repo.ListByTest(ctx, testID, limit, offset)
}

// Limits returns the Levey-Jennings chart band for a control level.
func (s *Service) Limits(mean, sd float64) (westgard.Limits, error) {
	if sd <= 0 {
		return westgard.Limits{}, fmt.Errorf("sd must be positive")
	}
	return westgard.ControlLimits(mean, sd), nil
}

// ReplacementAdvice inspects a level's recent history and recommends
// replacing the control material on excessive imprecision or a sustained
// trend.
func (s *Service) ReplacementAdvice(ctx context.Context, testID, levelID string) (*Replacement, error) {
	history, err := s.repo.ListRecent(ctx, testID, levelID, priorWindow)
	if err != nil {
		return nil, fmt.Errorf("loading control history: %w", err)
	}
	// History arrives newest first; trend detection wants chronological order.
	values := make([]float64, len(history))
	zscores := make([]float64, len(history))
	for i, h := range history {
		j := len(history) - 1 - i
		values[j] = h.Value
		zscores[j] = h.ZScore
	}
	replace, reason := westgard.ShouldReplaceControl(values, zscores)
	return &Replacement{
		TestID:  testID,
		LevelID: levelID,
		Replace: replace,
		Reason:  reason,
		Runs:    len(history),
	}, nil
}
