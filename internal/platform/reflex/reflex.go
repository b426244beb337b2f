package reflex

import (
	"fmt"
	"math"

	"github.com/lims/lims/internal/platform/expr"
)

// Order is one follow-up test request produced by a triggered reflex rule.
// Priority runs 1 (most urgent) to 4.
type Order struct {
	TestID   string  `json:"test_id"`
	TestName string  `json:"test_name"`
	Priority int     `json:"priority"`
	Reason   string  `json:"reason"`
	ETAHours float64 `json:"eta_hours,omitempty"`
}

// Outcome is the reflex decision for one result. RequiresApproval marks
// orders that need clinician sign-off before release because the triggering
// value is itself at panic level.
type Outcome struct {
	Orders           []Order `json:"orders"`
	RequiresApproval bool    `json:"requires_approval"`
	MatchedClause    string  `json:"matched_clause,omitempty"`
}

// Clause is one numeric-range step of a cascade: it matches values in
// [Low, High), with a nil bound open-ended. Clauses carry their own orders
// and approval flag.
type Clause struct {
	Name             string
	Low              *float64
	High             *float64
	RequiresApproval bool
	Orders           []Order
}

func (c Clause) matches(value float64) bool {
	if c.Low != nil && value < *c.Low {
		return false
	}
	if c.High != nil && value >= *c.High {
		return false
	}
	return true
}

func (c Clause) low() float64 {
	if c.Low == nil {
		return math.Inf(-1)
	}
	return *c.Low
}

func (c Clause) high() float64 {
	if c.High == nil {
		return math.Inf(1)
	}
	return *c.High
}

// Cascade is an ordered clause list for one analyte, most critical clause
// first. Ranges must be mutually exclusive; NewCascade enforces that so
// first-match-wins and match-anywhere agree.
type Cascade struct {
	AnalyteID string
	Clauses   []Clause
}

// NewCascade builds a cascade, rejecting overlapping clause ranges.
func NewCascade(analyteID string, clauses ...Clause) (Cascade, error) {
	for i := range clauses {
		if clauses[i].high() <= clauses[i].low() {
			return Cascade{}, fmt.Errorf("cascade %s clause %q: empty range [%v, %v)",
				analyteID, clauses[i].Name, clauses[i].low(), clauses[i].high())
		}
		for j := i + 1; j < len(clauses); j++ {
			lo := math.Max(clauses[i].low(), clauses[j].low())
			hi := math.Min(clauses[i].high(), clauses[j].high())
			if lo < hi {
				return Cascade{}, fmt.Errorf("cascade %s: clauses %q and %q overlap on [%v, %v)",
					analyteID, clauses[i].Name, clauses[j].Name, lo, hi)
			}
		}
	}
	return Cascade{AnalyteID: analyteID, Clauses: clauses}, nil
}

// Evaluate returns the first matching clause's orders, or an empty outcome.
func (c Cascade) Evaluate(value float64) Outcome {
	for _, cl := range c.Clauses {
		if cl.matches(value) {
			return Outcome{
				Orders:           append([]Order(nil), cl.Orders...),
				RequiresApproval: cl.RequiresApproval,
				MatchedClause:    cl.Name,
			}
		}
	}
	return Outcome{}
}

// GenericRule is a condition-string rule for analytes without a hard-coded
// cascade, e.g. "value > 100" or "abnormalFlag == 'HIGH'".
type GenericRule struct {
	Condition        string
	RequiresApproval bool
	Orders           []Order
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine dispatches reflex checks: a hard-coded cascade when one exists for
// the analyte, otherwise any registered generic condition rules, first match
// wins. Frozen after construction and safe for concurrent use.
type Engine struct {
	cascades map[string]Cascade
	generic  map[string][]GenericRule
}

// NewEngine returns an engine loaded with the default cascades.
func NewEngine() (*Engine, error) {
	e := &Engine{
		cascades: make(map[string]Cascade),
		generic:  make(map[string][]GenericRule),
	}
	for _, build := range defaultCascades {
		c, err := build()
		if err != nil {
			return nil, err
		}
		e.cascades[c.AnalyteID] = c
	}
	return e, nil
}

// RegisterCascade adds or replaces the cascade for an analyte. Startup
// configuration only.
func (e *Engine) RegisterCascade(c Cascade) {
	e.cascades[c.AnalyteID] = c
}

// RegisterGeneric adds condition-string rules for an analyte without a
// cascade.
func (e *Engine) RegisterGeneric(analyteID string, rules ...GenericRule) {
	e.generic[analyteID] = append(e.generic[analyteID], rules...)
}

// Check evaluates the reflex rules for one result. flags carries categorical
// attributes (e.g. abnormalFlag) for generic condition rules. A malformed
// condition string surfaces as an error.
func (e *Engine) Check(analyteID string, value float64, flags map[string]string) (Outcome, error) {
	if c, ok := e.cascades[analyteID]; ok {
		return c.Evaluate(value), nil
	}
	for _, rule := range e.generic[analyteID] {
		match, err := expr.EvaluateCondition(rule.Condition, map[string]float64{"value": value}, flags)
		if err != nil {
			return Outcome{}, fmt.Errorf("reflex rule %q for %s: %w", rule.Condition, analyteID, err)
		}
		if match {
			return Outcome{
				Orders:           append([]Order(nil), rule.Orders...),
				RequiresApproval: rule.RequiresApproval,
				MatchedClause:    rule.Condition,
			}, nil
		}
	}
	return Outcome{}, nil
}

// ---------------------------------------------------------------------------
// Default cascades
// ---------------------------------------------------------------------------

func f(v float64) *float64 { return &v }

var defaultCascades = []func() (Cascade, error){
	func() (Cascade, error) {
		return NewCascade("HGB",
			Clause{
				Name: "hgb-severe", High: f(7.0), RequiresApproval: true,
				Orders: []Order{
					{TestID: "RETIC", TestName: "Reticulocyte Count", Priority: 1, Reason: "severe anemia workup", ETAHours: 2},
					{TestID: "SMEAR", TestName: "Peripheral Blood Smear", Priority: 1, Reason: "severe anemia workup", ETAHours: 4},
				},
			},
			Clause{
				Name: "hgb-moderate", Low: f(7.0), High: f(8.0),
				Orders: []Order{
					{TestID: "RETIC", TestName: "Reticulocyte Count", Priority: 2, Reason: "moderate anemia workup", ETAHours: 4},
					{TestID: "IRON", TestName: "Iron Studies", Priority: 2, Reason: "moderate anemia workup", ETAHours: 24},
				},
			},
			Clause{
				Name: "hgb-mild", Low: f(8.0), High: f(10.0),
				Orders: []Order{
					{TestID: "RETIC", TestName: "Reticulocyte Count", Priority: 3, Reason: "mild anemia workup", ETAHours: 24},
				},
			},
		)
	},
	func() (Cascade, error) {
		return NewCascade("WBC",
			Clause{
				Name: "wbc-leukopenia", High: f(1.0), RequiresApproval: true,
				Orders: []Order{
					{TestID: "SMEAR", TestName: "Peripheral Blood Smear", Priority: 1, Reason: "severe leukopenia", ETAHours: 4},
				},
			},
			Clause{
				Name: "wbc-leukocytosis", Low: f(50.0), RequiresApproval: true,
				Orders: []Order{
					{TestID: "SMEAR", TestName: "Peripheral Blood Smear", Priority: 1, Reason: "marked leukocytosis, blast review", ETAHours: 4},
					{TestID: "FLOW", TestName: "Flow Cytometry", Priority: 2, Reason: "marked leukocytosis, blast review", ETAHours: 48},
				},
			},
		)
	},
	func() (Cascade, error) {
		return NewCascade("PLT",
			Clause{
				Name: "plt-severe", High: f(20.0), RequiresApproval: true,
				Orders: []Order{
					{TestID: "SMEAR", TestName: "Peripheral Blood Smear", Priority: 1, Reason: "exclude platelet clumping", ETAHours: 2},
					{TestID: "PLT-CIT", TestName: "Platelet Count (Citrate)", Priority: 1, Reason: "exclude EDTA pseudothrombocytopenia", ETAHours: 4},
				},
			},
			Clause{
				Name: "plt-moderate", Low: f(20.0), High: f(50.0),
				Orders: []Order{
					{TestID: "SMEAR", TestName: "Peripheral Blood Smear", Priority: 2, Reason: "exclude platelet clumping", ETAHours: 8},
				},
			},
		)
	},
	func() (Cascade, error) {
		return NewCascade("TSH",
			Clause{
				Name: "tsh-suppressed", High: f(0.1),
				Orders: []Order{
					{TestID: "FT4", TestName: "Free T4", Priority: 2, Reason: "suppressed TSH", ETAHours: 24},
					{TestID: "FT3", TestName: "Free T3", Priority: 2, Reason: "suppressed TSH", ETAHours: 24},
				},
			},
			Clause{
				Name: "tsh-elevated", Low: f(10.0),
				Orders: []Order{
					{TestID: "FT4", TestName: "Free T4", Priority: 3, Reason: "elevated TSH", ETAHours: 24},
				},
			},
		)
	},
	func() (Cascade, error) {
		return NewCascade("GLU",
			Clause{
				Name: "glu-elevated", Low: f(200.0),
				Orders: []Order{
					{TestID: "HBA1C", TestName: "Hemoglobin A1c", Priority: 3, Reason: "hyperglycemia follow-up", ETAHours: 24},
				},
			},
		)
	},
}
