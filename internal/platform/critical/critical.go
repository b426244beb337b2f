package critical

import (
	"fmt"
	"strings"
)

// Priority orders how fast a panic value must reach a clinician.
type Priority string

const (
	PriorityStat    Priority = "STAT"
	PriorityUrgent  Priority = "URGENT"
	PriorityRoutine Priority = "ROUTINE"
)

// Exceeded names which bound a critical value crossed.
type Exceeded string

const (
	ExceededLow         Exceeded = "LOW"
	ExceededHigh        Exceeded = "HIGH"
	ExceededCategorical Exceeded = "CATEGORICAL"
)

// NotificationKind is a delivery channel for a panic-value notification.
type NotificationKind string

const (
	NotifyPhoneCall NotificationKind = "PHONE_CALL"
	NotifyEmail     NotificationKind = "EMAIL"
	NotifyPage      NotificationKind = "PAGE"
	NotifyPrint     NotificationKind = "PRINT"
)

// NotificationAction is a delivery request. The engine only constructs these;
// dispatch, retries, and status transitions belong to the caller.
type NotificationAction struct {
	Kind          NotificationKind `json:"kind"`
	RecipientRole string           `json:"recipient_role"`
	Status        string           `json:"status"`
}

// StatusPending is the only status the engine ever assigns.
const StatusPending = "PENDING"

// Threshold defines the panic bounds for one analyte. Low and High are
// optional; a nil bound is never crossed. CategoricalCriticalValues lists
// qualitative results (matched case-insensitively) that are critical on
// their own.
type Threshold struct {
	AnalyteID                 string   `json:"analyte_id"`
	Low                       *float64 `json:"low,omitempty"`
	High                      *float64 `json:"high,omitempty"`
	CategoricalCriticalValues []string `json:"categorical_critical_values,omitempty"`
	Priority                  Priority `json:"priority"`
	RequiresPhoneCall         bool     `json:"requires_phone_call"`
	RequiresFollowup          bool     `json:"requires_followup"`
}

// Classification is the outcome of a threshold lookup. Threshold is nil when
// the analyte has no configured threshold.
type Classification struct {
	IsCritical        bool
	ThresholdExceeded Exceeded
	Threshold         *Threshold
}

// Alert is the full panic-value package handed back to the orchestrator:
// what crossed, what to tell the clinician, and which notifications to
// request.
type Alert struct {
	AnalyteID         string               `json:"analyte_id"`
	AnalyteName       string               `json:"analyte_name"`
	Value             string               `json:"value"`
	ThresholdExceeded Exceeded             `json:"threshold_exceeded"`
	Priority          Priority             `json:"priority"`
	RequiresPhoneCall bool                 `json:"requires_phone_call"`
	Message           string               `json:"message"`
	Recommendation    string               `json:"recommendation"`
	NotificationPlan  []NotificationAction `json:"notification_plan"`
}

// ---------------------------------------------------------------------------
// Threshold table
// ---------------------------------------------------------------------------

// Table is an immutable analyte→threshold lookup. Build it once at startup;
// WithThreshold returns a modified copy, the receiver is never changed, so a
// Table may be shared across goroutines freely.
type Table struct {
	thresholds map[string]Threshold
}

// NewTable builds a table from the given thresholds. Registering the same
// analyte id twice keeps the last entry.
func NewTable(thresholds ...Threshold) *Table {
	m := make(map[string]Threshold, len(thresholds))
	for _, th := range thresholds {
		m[th.AnalyteID] = th
	}
	return &Table{thresholds: m}
}

// WithThreshold returns a copy of the table with one threshold added or
// replaced.
func (t *Table) WithThreshold(th Threshold) *Table {
	m := make(map[string]Threshold, len(t.thresholds)+1)
	for k, v := range t.thresholds {
		m[k] = v
	}
	m[th.AnalyteID] = th
	return &Table{thresholds: m}
}

// Lookup returns the threshold for an analyte, if configured.
func (t *Table) Lookup(analyteID string) (Threshold, bool) {
	th, ok := t.thresholds[analyteID]
	return th, ok
}

// Thresholds returns the table contents as a slice, for the admin listing
// endpoint. The slice is a copy.
func (t *Table) Thresholds() []Threshold {
	out := make([]Threshold, 0, len(t.thresholds))
	for _, th := range t.thresholds {
		out = append(out, th)
	}
	return out
}

// Classify checks a numeric value against the analyte's threshold. Bounds are
// strict: a value exactly equal to low or high is not critical.
func (t *Table) Classify(analyteID string, value float64) Classification {
	th, ok := t.thresholds[analyteID]
	if !ok {
		return Classification{}
	}
	if th.Low != nil && value < *th.Low {
		return Classification{IsCritical: true, ThresholdExceeded: ExceededLow, Threshold: &th}
	}
	if th.High != nil && value > *th.High {
		return Classification{IsCritical: true, ThresholdExceeded: ExceededHigh, Threshold: &th}
	}
	return Classification{Threshold: &th}
}

// ClassifyCategorical checks a qualitative value against the analyte's
// critical value list, case-insensitively.
func (t *Table) ClassifyCategorical(analyteID, value string) Classification {
	th, ok := t.thresholds[analyteID]
	if !ok {
		return Classification{}
	}
	for _, cv := range th.CategoricalCriticalValues {
		if strings.EqualFold(cv, value) {
			return Classification{IsCritical: true, ThresholdExceeded: ExceededCategorical, Threshold: &th}
		}
	}
	return Classification{Threshold: &th}
}

// ---------------------------------------------------------------------------
// Alert assembly
// ---------------------------------------------------------------------------

// recommendations holds the static per-analyte clinical advice attached to
// alerts. Anything not listed falls back to the generic text.
var recommendations = map[string]string{
	"HGB":  "Assess for active bleeding; type and crossmatch; consider transfusion.",
	"K":    "Obtain ECG; rule out hemolysis; repeat immediately if unexpected.",
	"NA":   "Review fluid status and correction rate; avoid rapid correction.",
	"GLU":  "Confirm with bedside glucose; treat per hypo/hyperglycemia protocol.",
	"CA":   "Obtain ionized calcium; review albumin and ECG.",
	"PLT":  "Exclude platelet clumping on smear; assess bleeding risk.",
	"WBC":  "Review smear for blasts; consider hematology consult.",
	"CREA": "Assess renal function and urine output; review nephrotoxic medications.",
	"TROP": "Activate chest pain pathway; notify cardiology immediately.",
	"INR":  "Hold anticoagulation and assess bleeding; consider reversal.",
}

const genericRecommendation = "Notify ordering physician immediately and document the read-back."

// Recommendation returns the advisory text for an analyte.
func Recommendation(analyteID string) string {
	if r, ok := recommendations[analyteID]; ok {
		return r
	}
	return genericRecommendation
}

// BuildAlert turns a critical classification into a full alert with its
// notification plan. Returns nil when the classification is not critical.
//
// The plan is fixed policy: phone call when the threshold demands it, email
// to the lab director and a printed chart copy always, and a supervisor page
// for STAT thresholds.
func BuildAlert(cls Classification, analyteID, analyteName, value string) *Alert {
	if !cls.IsCritical || cls.Threshold == nil {
		return nil
	}
	th := cls.Threshold

	var bound string
	switch cls.ThresholdExceeded {
	case ExceededLow:
		bound = fmt.Sprintf("below critical low %v", *th.Low)
	case ExceededHigh:
		bound = fmt.Sprintf("above critical high %v", *th.High)
	case ExceededCategorical:
		bound = "a critical qualitative result"
	}

	plan := make([]NotificationAction, 0, 4)
	if th.RequiresPhoneCall {
		plan = append(plan, NotificationAction{Kind: NotifyPhoneCall, RecipientRole: "ordering-physician", Status: StatusPending})
	}
	plan = append(plan,
		NotificationAction{Kind: NotifyEmail, RecipientRole: "lab-director", Status: StatusPending},
		NotificationAction{Kind: NotifyPrint, RecipientRole: "lab-station", Status: StatusPending},
	)
	if th.Priority == PriorityStat {
		plan = append(plan, NotificationAction{Kind: NotifyPage, RecipientRole: "supervisor", Status: StatusPending})
	}

	return &Alert{
		AnalyteID:         analyteID,
		AnalyteName:       analyteName,
		Value:             value,
		ThresholdExceeded: cls.ThresholdExceeded,
		Priority:          th.Priority,
		RequiresPhoneCall: th.RequiresPhoneCall,
		Message:           fmt.Sprintf("Critical value: %s %s is %s", analyteName, value, bound),
		Recommendation:    Recommendation(analyteID),
		NotificationPlan:  plan,
	}
}

// ---------------------------------------------------------------------------
// Compound pattern detection
// ---------------------------------------------------------------------------

var hematologyAnalytes = map[string]bool{
	"HGB": true,
	"HCT": true,
	"PLT": true,
	"WBC": true,
	"RBC": true,
}

// DetectPatterns scans a batch of alerts for compound clinical patterns and
// returns advisory messages. It never creates new alerts.
func DetectPatterns(alerts []Alert) []string {
	var patterns []string

	heme := 0
	seen := map[string]bool{}
	for _, a := range alerts {
		seen[a.AnalyteID] = true
		if hematologyAnalytes[a.AnalyteID] {
			heme++
		}
	}

	if heme >= 3 {
		patterns = append(patterns,
			fmt.Sprintf("%d simultaneous critical hematology results: consider DIC or TTP workup", heme))
	}
	if seen["K"] && seen["CREA"] {
		patterns = append(patterns,
			"simultaneous critical potassium and creatinine: consider acute renal failure")
	}
	return patterns
}

// ---------------------------------------------------------------------------
// Default thresholds
// ---------------------------------------------------------------------------

func f(v float64) *float64 { return &v }

// DefaultTable returns the standard panic-value table. Deployments replace
// individual entries through the admin endpoint; the defaults follow common
// published critical ranges.
func DefaultTable() *Table {
	return NewTable(
		Threshold{AnalyteID: "HGB", Low: f(7.0), High: f(20.0), Priority: PriorityStat, RequiresPhoneCall: true, RequiresFollowup: true},
		Threshold{AnalyteID: "HCT", Low: f(20.0), High: f(60.0), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "PLT", Low: f(20.0), High: f(1000.0), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "WBC", Low: f(2.0), High: f(50.0), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "K", Low: f(2.5), High: f(6.5), Priority: PriorityStat, RequiresPhoneCall: true, RequiresFollowup: true},
		Threshold{AnalyteID: "NA", Low: f(120.0), High: f(160.0), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "GLU", Low: f(40.0), High: f(500.0), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "CA", Low: f(6.0), High: f(13.0), Priority: PriorityUrgent, RequiresPhoneCall: true},
		Threshold{AnalyteID: "CREA", High: f(7.4), Priority: PriorityUrgent, RequiresPhoneCall: true},
		Threshold{AnalyteID: "INR", High: f(5.0), Priority: PriorityUrgent, RequiresPhoneCall: true},
		Threshold{AnalyteID: "TROP", High: f(0.5), Priority: PriorityStat, RequiresPhoneCall: true},
		Threshold{AnalyteID: "BLOOD-CX", CategoricalCriticalValues: []string{"POSITIVE"}, Priority: PriorityStat, RequiresPhoneCall: true, RequiresFollowup: true},
		Threshold{AnalyteID: "MALARIA", CategoricalCriticalValues: []string{"POSITIVE", "DETECTED"}, Priority: PriorityStat, RequiresPhoneCall: true},
	)
}
