package threshold

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/critical"
	"github.com/lims/lims/internal/platform/pipeline"
)

// Service administers the pipeline's panic-threshold table. Updates build a
// modified copy and swap it in atomically; in-flight results keep the table
// they started with. The mutex serializes the read-modify-write so two
// concurrent updates cannot drop each other; table reads stay lock-free.
type Service struct {
	pipe *pipeline.Pipeline
	mu   sync.Mutex
	log  zerolog.Logger
}

func NewService(pipe *pipeline.Pipeline, logger zerolog.Logger) *Service {
	return &Service{pipe: pipe, log: logger}
}

var validPriorities = map[critical.Priority]bool{
	critical.PriorityStat:    true,
	critical.PriorityUrgent:  true,
	critical.PriorityRoutine: true,
}

func validate(th critical.Threshold) error {
	if th.AnalyteID == "" {
		return fmt.Errorf("analyte_id is required")
	}
	if !validPriorities[th.Priority] {
		return fmt.Errorf("invalid priority: %s", th.Priority)
	}
	if th.Low == nil && th.High == nil && len(th.CategoricalCriticalValues) == 0 {
		return fmt.Errorf("threshold must define a bound or categorical critical values")
	}
	if th.Low != nil && th.High != nil && *th.Low >= *th.High {
		return fmt.Errorf("low bound %v must be below high bound %v", *th.Low, *th.High)
	}
	return nil
}

// List returns the active thresholds sorted by analyte.
func (s *Service) List() []critical.Threshold {
	ths := s.pipe.Table().Thresholds()
	sort.Slice(ths, func(i, j int) bool { return ths[i].AnalyteID < ths[j].AnalyteID })
	return ths
}

func (s *Service) Get(analyteID string) (critical.Threshold, bool) {
	return s.pipe.Table().Lookup(analyteID)
}

// Upsert replaces or adds one analyte's threshold and swaps the new table
// into the pipeline.
func (s *Service) Upsert(th critical.Threshold) error {
	if err := validate(th); err != nil {
		return err
	}
	s.mu.Lock()
	s.pipe.SwapTable(s.pipe.Table().WithThreshold(th))
	s.mu.Unlock()
	s.log.Info().
		Str("analyte_id", th.AnalyteID).
		Str("priority", string(th.Priority)).
		Msg("panic threshold replaced")
	return nil
}
