package delta

import (
	"fmt"
	"math"
	"time"
)

// Severity grades a triggered delta check.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Input is one delta comparison: the new value against the patient's most
// recent prior value for the same analyte.
type Input struct {
	AnalyteID       string
	Current         float64
	Prior           float64
	PriorObservedAt time.Time
	Now             time.Time
}

// Result is the outcome of a delta check. ChangePercent and ChangeAbsolute
// are always populated, even when no rule triggers.
type Result struct {
	Triggered      bool     `json:"triggered"`
	Severity       Severity `json:"severity,omitempty"`
	ChangeAbsolute float64  `json:"change_absolute"`
	ChangePercent  float64  `json:"change_percent"`
	DaysElapsed    int      `json:"days_elapsed"`
	Message        string   `json:"message,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Rule is a pure delta-check function for one analyte.
type Rule func(in Input) Result

// PercentChange computes (current-prior)/prior*100 with the documented
// special cases: 100 when prior is zero and current is not, 0 when both are
// zero.
func PercentChange(current, prior float64) float64 {
	if prior == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return (current - prior) / prior * 100
}

// DaysElapsed returns ceil(|now-prior| / 24h).
func DaysElapsed(now, prior time.Time) int {
	hours := math.Abs(now.Sub(prior).Hours())
	return int(math.Ceil(hours / 24))
}

func base(in Input) Result {
	return Result{
		ChangeAbsolute: in.Current - in.Prior,
		ChangePercent:  PercentChange(in.Current, in.Prior),
		DaysElapsed:    DaysElapsed(in.Now, in.PriorObservedAt),
	}
}

// ---------------------------------------------------------------------------
// Analyte-specific rules
// ---------------------------------------------------------------------------

// HemoglobinRule flags a drop of more than 2 g/dL in any window as CRITICAL
// (possible bleed or specimen mix-up), and a rise of more than 1 g/dL within
// a single day as WARNING (hemoconcentration or wrong patient).
func HemoglobinRule(in Input) Result {
	r := base(in)
	drop := in.Prior - in.Current
	rise := in.Current - in.Prior
	switch {
	case drop > 2:
		r.Triggered = true
		r.Severity = SeverityCritical
		r.Message = fmt.Sprintf("hemoglobin dropped %.1f g/dL over %d day(s)", drop, r.DaysElapsed)
		r.Recommendation = "Verify specimen identity and assess for acute blood loss."
	case rise > 1 && r.DaysElapsed <= 1:
		r.Triggered = true
		r.Severity = SeverityWarning
		r.Message = fmt.Sprintf("hemoglobin rose %.1f g/dL within one day", rise)
		r.Recommendation = "Confirm patient identity; consider hemoconcentration."
	}
	return r
}

// PotassiumRule triggers on a change above 25 percent. Severity escalates to
// CRITICAL only when the new value is itself outside 2.5–6.5 mmol/L,
// regardless of how large the percent change is.
func PotassiumRule(in Input) Result {
	r := base(in)
	if math.Abs(r.ChangePercent) <= 25 {
		return r
	}
	r.Triggered = true
	if in.Current < 2.5 || in.Current > 6.5 {
		r.Severity = SeverityCritical
		r.Recommendation = "Rule out hemolysis and repeat immediately; notify physician."
	} else {
		r.Severity = SeverityWarning
		r.Recommendation = "Rule out hemolysis; correlate with clinical status."
	}
	r.Message = fmt.Sprintf("potassium changed %.1f%% over %d day(s)", r.ChangePercent, r.DaysElapsed)
	return r
}

// SodiumRule flags rapid sodium shifts: more than 10 mmol/L within a day is
// CRITICAL (osmotic demyelination risk on correction), more than 5 is a
// WARNING.
func SodiumRule(in Input) Result {
	r := base(in)
	shift := math.Abs(r.ChangeAbsolute)
	if r.DaysElapsed > 1 {
		return r
	}
	switch {
	case shift > 10:
		r.Triggered = true
		r.Severity = SeverityCritical
		r.Message = fmt.Sprintf("sodium shifted %.0f mmol/L within one day", shift)
		r.Recommendation = "Confirm result and review correction rate with physician."
	case shift > 5:
		r.Triggered = true
		r.Severity = SeverityWarning
		r.Message = fmt.Sprintf("sodium shifted %.0f mmol/L within one day", shift)
	}
	return r
}

// CreatinineRule applies the acute-kidney-injury screen: a rise of 0.3 mg/dL
// within two days is a WARNING, and a rise above 50 percent is CRITICAL.
func CreatinineRule(in Input) Result {
	r := base(in)
	rise := in.Current - in.Prior
	switch {
	case r.ChangePercent > 50:
		r.Triggered = true
		r.Severity = SeverityCritical
		r.Message = fmt.Sprintf("creatinine rose %.0f%% over %d day(s)", r.ChangePercent, r.DaysElapsed)
		r.Recommendation = "Assess for acute kidney injury; review nephrotoxic medications."
	case rise >= 0.3 && r.DaysElapsed <= 2:
		r.Triggered = true
		r.Severity = SeverityWarning
		r.Message = fmt.Sprintf("creatinine rose %.2f mg/dL within %d day(s)", rise, r.DaysElapsed)
		r.Recommendation = "Repeat to confirm; monitor renal function."
	}
	return r
}

// PlateletRule flags falling platelet counts: a drop above 50 percent is
// CRITICAL, above 30 percent a WARNING.
func PlateletRule(in Input) Result {
	r := base(in)
	drop := -r.ChangePercent
	switch {
	case drop > 50:
		r.Triggered = true
		r.Severity = SeverityCritical
		r.Message = fmt.Sprintf("platelets dropped %.0f%% over %d day(s)", drop, r.DaysElapsed)
		r.Recommendation = "Exclude platelet clumping; consider HIT or consumption."
	case drop > 30:
		r.Triggered = true
		r.Severity = SeverityWarning
		r.Message = fmt.Sprintf("platelets dropped %.0f%% over %d day(s)", drop, r.DaysElapsed)
	}
	return r
}

// Generic builds the fallback rule: triggered when the absolute percent
// change exceeds percentThreshold, or — when absoluteThreshold is positive —
// the absolute change exceeds it.
func Generic(percentThreshold, absoluteThreshold float64) Rule {
	return func(in Input) Result {
		r := base(in)
		byPercent := math.Abs(r.ChangePercent) > percentThreshold
		byAbsolute := absoluteThreshold > 0 && math.Abs(r.ChangeAbsolute) > absoluteThreshold
		if !byPercent && !byAbsolute {
			return r
		}
		r.Triggered = true
		r.Severity = SeverityWarning
		r.Message = fmt.Sprintf("%s changed %.1f%% (%+.2f) over %d day(s)",
			in.AnalyteID, r.ChangePercent, r.ChangeAbsolute, r.DaysElapsed)
		r.Recommendation = "Verify specimen identity before releasing the result."
		return r
	}
}

// DefaultPercentThreshold is the generic rule's percent trigger.
const DefaultPercentThreshold = 25

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry dispatches delta checks by analyte id, falling back to the
// generic rule. It is frozen after construction and safe for concurrent use.
type Registry struct {
	rules   map[string]Rule
	generic Rule
}

// NewRegistry returns a registry with the analyte-specific default rules
// registered and the standard generic fallback.
func NewRegistry() *Registry {
	r := &Registry{
		rules:   make(map[string]Rule),
		generic: Generic(DefaultPercentThreshold, 0),
	}
	r.rules["HGB"] = HemoglobinRule
	r.rules["K"] = PotassiumRule
	r.rules["NA"] = SodiumRule
	r.rules["CREA"] = CreatinineRule
	r.rules["PLT"] = PlateletRule
	return r
}

// Register adds or replaces the rule for an analyte. Intended for startup
// configuration only; the registry must not be mutated once checks run.
func (r *Registry) Register(analyteID string, rule Rule) {
	r.rules[analyteID] = rule
}

// Check runs the rule for the input's analyte, or the generic fallback when
// no analyte-specific rule exists.
func (r *Registry) Check(in Input) Result {
	if rule, ok := r.rules[in.AnalyteID]; ok {
		return rule(in)
	}
	return r.generic(in)
}
