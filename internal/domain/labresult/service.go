package labresult

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/notification"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/pipeline"
	"github.com/lims/lims/internal/platform/westgard"
)

// Submission is one incoming measurement from an instrument interface or
// manual entry. Exactly one of Value and CategoricalValue must be set.
type Submission struct {
	PatientID        uuid.UUID      `json:"patient_id"`
	PatientAge       float64        `json:"patient_age,omitempty"`
	PatientGender    string         `json:"patient_gender,omitempty"`
	AnalyteID        string         `json:"analyte_id"`
	AnalyteName      string         `json:"analyte_name,omitempty"`
	Value            *float64       `json:"value,omitempty"`
	CategoricalValue *string        `json:"categorical_value,omitempty"`
	Unit             string         `json:"unit,omitempty"`
	SampleNumber     string         `json:"sample_number,omitempty"`
	SampleType       string         `json:"sample_type,omitempty"`
	CollectedAt      *time.Time     `json:"collected_at,omitempty"`
	ObservedAt       time.Time      `json:"observed_at,omitempty"`
	QC               []westgard.Run `json:"qc,omitempty"`
}

// Processed pairs the persisted row with the pipeline's annotation for the
// submitting client.
type Processed struct {
	Record   *LabResult               `json:"record"`
	Pipeline pipeline.ProcessedResult `json:"pipeline"`
}

// BatchItem is one entry of a batch response, in submission order. Error is
// set for items rejected before processing.
type BatchItem struct {
	Record   *LabResult                `json:"record,omitempty"`
	Pipeline *pipeline.ProcessedResult `json:"pipeline,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

type Service struct {
	repo          Repository
	cache         *PriorCache
	pipe          *pipeline.Pipeline
	notifications *notification.Service
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

// NewService wires the result intake. cache may be nil when Redis is not
// configured; prior lookups then always hit the database.
func NewService(repo Repository, cache *PriorCache, pipe *pipeline.Pipeline, notifications *notification.Service, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		cache:         cache,
		pipe:          pipe,
		notifications: notifications,
		metrics:       m,
		log:           logger,
	}
}

func (sub *Submission) validate() error {
	if sub.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if sub.AnalyteID == "" {
		return fmt.Errorf("analyte_id is required")
	}
	if (sub.Value == nil) == (sub.CategoricalValue == nil) {
		return fmt.Errorf("exactly one of value and categorical_value must be set")
	}
	return nil
}

// Process validates a submission, runs it through the pipeline against the
// patient's most recent prior, persists the annotated record, and enqueues
// any critical-value notifications.
func (s *Service) Process(ctx context.Context, sub Submission) (*Processed, error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}
	if sub.ObservedAt.IsZero() {
		sub.ObservedAt = time.Now()
	}

	in := s.buildInput(ctx, sub)

	start := time.Now()
	processed := s.pipe.ProcessResult(in)
	s.record(processed, time.Since(start))

	rec, err := s.persist(ctx, sub, processed)
	if err != nil {
		return nil, err
	}
	return &Processed{Record: rec, Pipeline: processed}, nil
}

// ProcessBatch processes independent submissions concurrently through the
// pipeline. The response preserves submission order; invalid items are
// reported in place without failing the batch.
func (s *Service) ProcessBatch(ctx context.Context, subs []Submission) ([]BatchItem, error) {
	items := make([]BatchItem, len(subs))
	inputs := make([]pipeline.Input, 0, len(subs))
	// positions[i] is the items index the i-th pipeline input belongs to.
	positions := make([]int, 0, len(subs))

	for i := range subs {
		if err := subs[i].validate(); err != nil {
			items[i].Error = err.Error()
			continue
		}
		if subs[i].ObservedAt.IsZero() {
			subs[i].ObservedAt = time.Now()
		}
		inputs = append(inputs, s.buildInput(ctx, subs[i]))
		positions = append(positions, i)
	}

	start := time.Now()
	results := s.pipe.ProcessBatch(inputs)
	elapsed := time.Since(start)

	for i, processed := range results {
		pos := positions[i]
		s.record(processed, elapsed/time.Duration(len(results)))
		rec, err := s.persist(ctx, subs[pos], processed)
		if err != nil {
			items[pos].Error = err.Error()
			continue
		}
		p := processed
		items[pos] = BatchItem{Record: rec, Pipeline: &p}
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabResult, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// buildInput assembles the pipeline input, resolving the prior through the
// cache with a database fallback. Prior lookup failures degrade to no delta
// check rather than rejecting the result.
func (s *Service) buildInput(ctx context.Context, sub Submission) pipeline.Input {
	res := pipeline.AnalyteResult{
		AnalyteID:   sub.AnalyteID,
		AnalyteName: sub.AnalyteName,
		Unit:        sub.Unit,
	}
	if sub.Value != nil {
		res.Value = *sub.Value
	} else {
		res.CategoricalValue = *sub.CategoricalValue
		res.Categorical = true
	}

	in := pipeline.Input{
		Result: res,
		Patient: pipeline.PatientContext{
			ID:     sub.PatientID.String(),
			Age:    sub.PatientAge,
			Gender: sub.PatientGender,
		},
		Sample: pipeline.SampleContext{
			Number: sub.SampleNumber,
			Type:   sub.SampleType,
		},
		QC: sub.QC,
	}
	if sub.CollectedAt != nil {
		in.Sample.CollectedAt = *sub.CollectedAt
	}
	if !res.Categorical {
		in.Prior = s.lookupPrior(ctx, sub)
	}
	return in
}

func (s *Service) lookupPrior(ctx context.Context, sub Submission) *pipeline.PriorResult {
	if s.cache != nil {
		prior, err := s.cache.Get(ctx, sub.PatientID, sub.AnalyteID)
		if err != nil {
			s.log.Warn().Err(err).Str("analyte_id", sub.AnalyteID).Msg("prior cache lookup failed, falling back to database")
		} else if prior != nil && prior.ObservedAt.Before(sub.ObservedAt) {
			return prior
		}
	}
	rec, err := s.repo.GetMostRecentPrior(ctx, sub.PatientID, sub.AnalyteID, sub.ObservedAt)
	if err != nil {
		s.log.Warn().Err(err).Str("analyte_id", sub.AnalyteID).Msg("prior lookup failed, skipping delta check")
		return nil
	}
	if rec == nil || rec.Value == nil {
		return nil
	}
	return &pipeline.PriorResult{Value: *rec.Value, ObservedAt: rec.ObservedAt}
}

func (s *Service) persist(ctx context.Context, sub Submission, processed pipeline.ProcessedResult) (*LabResult, error) {
	payload, err := json.Marshal(processed)
	if err != nil {
		return nil, fmt.Errorf("encoding processed result: %w", err)
	}
	rec := &LabResult{
		PatientID:         sub.PatientID,
		AnalyteID:         sub.AnalyteID,
		AnalyteName:       sub.AnalyteName,
		Value:             sub.Value,
		CategoricalValue:  sub.CategoricalValue,
		Unit:              sub.Unit,
		SampleNumber:      sub.SampleNumber,
		SampleType:        sub.SampleType,
		CollectedAt:       sub.CollectedAt,
		InterpretedStatus: string(processed.InterpretedStatus),
		Critical:          processed.CriticalAlert != nil,
		Processed:         payload,
		ObservedAt:        sub.ObservedAt,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting result: %w", err)
	}

	if s.cache != nil && sub.Value != nil {
		prior := pipeline.PriorResult{Value: *sub.Value, ObservedAt: sub.ObservedAt}
		if err := s.cache.SetIfNewer(ctx, sub.PatientID, sub.AnalyteID, prior); err != nil {
			s.log.Warn().Err(err).Str("analyte_id", sub.AnalyteID).Msg("prior cache update failed")
		}
	}

	if processed.CriticalAlert != nil && s.notifications != nil {
		if err := s.notifications.EnqueuePlan(ctx, rec.ID, processed.CriticalAlert); err != nil {
			// The result is saved and the alert is in its processed payload;
			// a queue failure must not void the record.
			s.log.Error().Err(err).Str("result_id", rec.ID.String()).Msg("failed to enqueue critical notifications")
		}
	}
	return rec, nil
}

func (s *Service) record(processed pipeline.ProcessedResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ResultsProcessed.WithLabelValues(string(processed.InterpretedStatus)).Inc()
	s.metrics.ProcessingDuration.Observe(elapsed.Seconds())
	if processed.CriticalAlert != nil {
		s.metrics.CriticalAlerts.Inc()
	}
	s.metrics.ReflexOrders.Add(float64(len(processed.ReflexOrders)))
	for _, e := range processed.Errors {
		s.metrics.StageErrors.WithLabelValues(e.Step).Inc()
	}
	if processed.QCOutcome != nil {
		for _, v := range processed.QCOutcome.Violations {
			s.metrics.QCViolations.WithLabelValues(v.RuleName).Inc()
		}
	}
}
