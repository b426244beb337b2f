package pipeline

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/critical"
	"github.com/lims/lims/internal/platform/delta"
	"github.com/lims/lims/internal/platform/formula"
	"github.com/lims/lims/internal/platform/reflex"
	"github.com/lims/lims/internal/platform/westgard"
)

// AnalyteResult is the raw measurement entering the pipeline. Exactly one of
// Value or CategoricalValue carries the result; Categorical is true for
// qualitative results.
type AnalyteResult struct {
	AnalyteID        string  `json:"analyte_id"`
	AnalyteName      string  `json:"analyte_name"`
	Value            float64 `json:"value"`
	CategoricalValue string  `json:"categorical_value,omitempty"`
	Categorical      bool    `json:"categorical"`
	Unit             string  `json:"unit,omitempty"`
}

// PatientContext is read-only caller-owned demographic input.
type PatientContext struct {
	ID        string    `json:"id"`
	Age       float64   `json:"age"`
	Gender    string    `json:"gender"`
	BirthDate time.Time `json:"birth_date,omitempty"`
}

// Female reports whether the demographic sex is recorded as female, for the
// formula multipliers.
func (p PatientContext) Female() bool {
	return p.Gender == "F" || p.Gender == "female"
}

// SampleContext is read-only specimen input.
type SampleContext struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	Type        string    `json:"type"`
	CollectedAt time.Time `json:"collected_at"`
	ReceivedAt  time.Time `json:"received_at"`
}

// PriorResult is the single most recent prior value for the same
// (patient, analyte) pair. Absence means no delta check is possible.
type PriorResult struct {
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// ProcessingError records one failed pipeline stage. Recoverable errors
// leave the other stages' outputs intact.
type ProcessingError struct {
	Step        string `json:"step"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Status is the range interpretation of a numeric result.
type Status string

const (
	StatusNormal   Status = "NORMAL"
	StatusLow      Status = "LOW"
	StatusHigh     Status = "HIGH"
	StatusCritical Status = "CRITICAL"
)

// ProcessedResult is the merged pipeline output: the original result plus
// every engine's annotation and the side-effect requests for the caller to
// execute.
type ProcessedResult struct {
	Result                 AnalyteResult                 `json:"result"`
	DerivedValues          map[string]formula.Result     `json:"derived_values,omitempty"`
	DeltaAlert             *delta.Result                 `json:"delta_alert,omitempty"`
	CriticalAlert          *critical.Alert               `json:"critical_alert,omitempty"`
	ReflexOrders           []reflex.Order                `json:"reflex_orders"`
	ReflexRequiresApproval bool                          `json:"reflex_requires_approval"`
	QCOutcome              *westgard.Outcome             `json:"qc_outcome,omitempty"`
	InterpretedStatus      Status                        `json:"interpreted_status"`
	Notifications          []critical.NotificationAction `json:"notifications,omitempty"`
	ComplianceLog          []string                      `json:"compliance_log"`
	Errors                 []ProcessingError             `json:"errors,omitempty"`
	ProcessedAt            time.Time                     `json:"processed_at"`
}

// Input is one unit of pipeline work.
type Input struct {
	Result  AnalyteResult
	Patient PatientContext
	Sample  SampleContext
	Prior   *PriorResult
	QC      []westgard.Run
}

// RefRange is the non-panic reference interval used for LOW/HIGH/NORMAL
// interpretation.
type RefRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// defaultRefRanges covers the analytes with default panic thresholds.
// Status interpretation for anything else reports NORMAL.
var defaultRefRanges = map[string]RefRange{
	"HGB":  {12.0, 17.5},
	"HCT":  {36.0, 52.0},
	"PLT":  {150, 450},
	"WBC":  {4.0, 11.0},
	"K":    {3.5, 5.1},
	"NA":   {135, 145},
	"GLU":  {70, 140},
	"CA":   {8.5, 10.5},
	"CREA": {0.6, 1.3},
}

// Pipeline composes the five engines into one ordered flow per result. The
// threshold table is swappable at runtime through an atomic pointer so
// administrative replacement never blocks processing.
type Pipeline struct {
	deltas  *delta.Registry
	table   atomic.Pointer[critical.Table]
	reflexe *reflex.Engine
	ranges  map[string]RefRange
	log     zerolog.Logger
	now     func() time.Time
}

// New builds a pipeline from explicit collaborators.
func New(logger zerolog.Logger, deltas *delta.Registry, table *critical.Table, reflexEngine *reflex.Engine, ranges map[string]RefRange) *Pipeline {
	if ranges == nil {
		ranges = defaultRefRanges
	}
	p := &Pipeline{
		deltas:  deltas,
		reflexe: reflexEngine,
		ranges:  ranges,
		log:     logger,
		now:     time.Now,
	}
	p.table.Store(table)
	return p
}

// NewDefault builds a pipeline with the stock delta rules, panic thresholds,
// and reflex cascades.
func NewDefault(logger zerolog.Logger) (*Pipeline, error) {
	eng, err := reflex.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("building reflex engine: %w", err)
	}
	return New(logger, delta.NewRegistry(), critical.DefaultTable(), eng, nil), nil
}

// Table returns the current threshold table.
func (p *Pipeline) Table() *critical.Table {
	return p.table.Load()
}

// SwapTable atomically replaces the threshold table. In-flight results keep
// the table they started with.
func (p *Pipeline) SwapTable(t *critical.Table) {
	p.table.Store(t)
}

// stage runs fn with panic isolation: a panic becomes a recoverable
// ProcessingError on the output instead of aborting the remaining stages.
func (p *Pipeline) stage(out *ProcessedResult, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("step", name).Interface("panic", r).Msg("pipeline stage failed")
			out.Errors = append(out.Errors, ProcessingError{
				Step:        name,
				Message:     fmt.Sprint(r),
				Recoverable: true,
			})
		}
	}()
	fn()
}

func (p *Pipeline) stageErr(out *ProcessedResult, name string, fn func() error) {
	p.stage(out, name, func() {
		if err := fn(); err != nil {
			out.Errors = append(out.Errors, ProcessingError{
				Step:        name,
				Message:     err.Error(),
				Recoverable: true,
			})
		}
	})
}

// ProcessResult runs the full pipeline for one result. A ProcessedResult is
// always returned for well-formed input; stage failures degrade it to a
// partially annotated record.
func (p *Pipeline) ProcessResult(in Input) ProcessedResult {
	out := ProcessedResult{
		Result:            in.Result,
		ReflexOrders:      []reflex.Order{},
		ComplianceLog:     []string{},
		InterpretedStatus: StatusNormal,
		ProcessedAt:       p.now(),
	}
	table := p.table.Load()

	// 1. Derived values: best-effort, no applicable formula is not an error.
	p.stage(&out, "formula", func() {
		out.DerivedValues = deriveValues(in.Result, in.Patient)
	})

	// 2. Delta check against the most recent prior.
	if in.Prior != nil && !in.Result.Categorical {
		p.stage(&out, "delta", func() {
			d := p.deltas.Check(delta.Input{
				AnalyteID:       in.Result.AnalyteID,
				Current:         in.Result.Value,
				Prior:           in.Prior.Value,
				PriorObservedAt: in.Prior.ObservedAt,
				Now:             out.ProcessedAt,
			})
			out.DeltaAlert = &d
		})
	}

	// 3. Critical-value classification.
	p.stage(&out, "critical", func() {
		var cls critical.Classification
		var display string
		if in.Result.Categorical {
			cls = table.ClassifyCategorical(in.Result.AnalyteID, in.Result.CategoricalValue)
			display = in.Result.CategoricalValue
		} else {
			cls = table.Classify(in.Result.AnalyteID, in.Result.Value)
			display = strconv.FormatFloat(in.Result.Value, 'f', -1, 64)
		}
		out.CriticalAlert = critical.BuildAlert(cls, in.Result.AnalyteID, in.Result.AnalyteName, display)
	})

	// 4. Reflex rules.
	p.stageErr(&out, "reflex", func() error {
		flags := map[string]string{}
		if in.Result.Categorical {
			flags["abnormalFlag"] = in.Result.CategoricalValue
		}
		ro, err := p.reflexe.Check(in.Result.AnalyteID, in.Result.Value, flags)
		if err != nil {
			return err
		}
		out.ReflexOrders = ro.Orders
		if out.ReflexOrders == nil {
			out.ReflexOrders = []reflex.Order{}
		}
		out.ReflexRequiresApproval = ro.RequiresApproval
		return nil
	})

	// 5. QC against instrument-control data.
	if len(in.QC) > 0 {
		p.stageErr(&out, "qc", func() error {
			current, priors := splitQC(in.QC)
			qc, err := westgard.Evaluate(current, priors)
			if err != nil {
				return err
			}
			out.QCOutcome = &qc
			return nil
		})
	}

	// 6. Range interpretation; a critical classification supersedes it.
	p.stage(&out, "interpretation", func() {
		if out.CriticalAlert != nil {
			out.InterpretedStatus = StatusCritical
			return
		}
		out.InterpretedStatus = p.interpret(in.Result)
	})

	// 7. Compliance log of every automated decision that fired.
	p.stage(&out, "compliance", func() {
		out.ComplianceLog = complianceEntries(out)
	})

	// 8. Notification requests. Constructed only, never dispatched here.
	if out.CriticalAlert != nil {
		out.Notifications = out.CriticalAlert.NotificationPlan
	}

	p.log.Info().
		Str("analyte_id", in.Result.AnalyteID).
		Str("patient_id", in.Patient.ID).
		Str("status", string(out.InterpretedStatus)).
		Bool("critical", out.CriticalAlert != nil).
		Int("reflex_orders", len(out.ReflexOrders)).
		Int("stage_errors", len(out.Errors)).
		Msg("result processed")

	return out
}

// ProcessBatch runs independent results concurrently. Output order matches
// input order. A panic escaping one item's processing aborts that item only.
func (p *Pipeline) ProcessBatch(items []Input) []ProcessedResult {
	results := make([]ProcessedResult, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = ProcessedResult{
						Result:        items[i].Result,
						ReflexOrders:  []reflex.Order{},
						ComplianceLog: []string{},
						ProcessedAt:   p.now(),
						Errors: []ProcessingError{{
							Step:        "pipeline",
							Message:     fmt.Sprint(r),
							Recoverable: false,
						}},
					}
				}
			}()
			results[i] = p.ProcessResult(items[i])
		}(i)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) interpret(r AnalyteResult) Status {
	if r.Categorical {
		return StatusNormal
	}
	rng, ok := p.ranges[r.AnalyteID]
	if !ok {
		return StatusNormal
	}
	switch {
	case r.Value < rng.Low:
		return StatusLow
	case r.Value > rng.High:
		return StatusHigh
	default:
		return StatusNormal
	}
}

// splitQC picks the newest run as current and the rest as priors.
func splitQC(runs []westgard.Run) (westgard.Run, []westgard.Run) {
	latest := 0
	for i := 1; i < len(runs); i++ {
		if runs[i].ObservedAt.After(runs[latest].ObservedAt) {
			latest = i
		}
	}
	priors := make([]westgard.Run, 0, len(runs)-1)
	for i, r := range runs {
		if i != latest {
			priors = append(priors, r)
		}
	}
	return runs[latest], priors
}

func complianceEntries(out ProcessedResult) []string {
	entries := []string{}
	if len(out.DerivedValues) > 0 {
		entries = append(entries, fmt.Sprintf("derived %d value(s) automatically", len(out.DerivedValues)))
	}
	if out.DeltaAlert != nil && out.DeltaAlert.Triggered {
		entries = append(entries, fmt.Sprintf("delta check triggered (%s): %s", out.DeltaAlert.Severity, out.DeltaAlert.Message))
	}
	if out.CriticalAlert != nil {
		entries = append(entries, fmt.Sprintf("critical value detected (%s), %d notification(s) requested",
			out.CriticalAlert.ThresholdExceeded, len(out.CriticalAlert.NotificationPlan)))
	}
	if len(out.ReflexOrders) > 0 {
		entries = append(entries, fmt.Sprintf("%d reflex order(s) generated, approval required: %v",
			len(out.ReflexOrders), out.ReflexRequiresApproval))
	}
	if out.QCOutcome != nil {
		entries = append(entries, fmt.Sprintf("qc evaluated: passed=%v, %d violation(s)",
			out.QCOutcome.Passed, len(out.QCOutcome.Violations)))
	}
	for _, e := range out.Errors {
		entries = append(entries, fmt.Sprintf("stage %s failed: %s", e.Step, e.Message))
	}
	return entries
}

// deriveValues computes the analyte-specific derived values. Unknown
// analytes derive nothing.
func deriveValues(r AnalyteResult, patient PatientContext) map[string]formula.Result {
	if r.Categorical {
		return nil
	}
	out := map[string]formula.Result{}
	switch r.AnalyteID {
	case "HGB":
		out["estimated_hct"] = formula.HctFromHb(r.Value)
	case "HCT":
		out["estimated_hgb"] = formula.HbFromHct(r.Value)
	case "CREA":
		if patient.Age > 0 {
			out["egfr_mdrd"] = formula.EGFRMDRD(r.Value, patient.Age, patient.Female())
			out["egfr_ckd_epi"] = formula.EGFRCKDEPI(r.Value, patient.Age, patient.Female())
		}
	case "HBA1C":
		out["estimated_average_glucose"] = formula.EstimatedAverageGlucose(r.Value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
