package formula

import (
	"fmt"
	"math"

	"github.com/lims/lims/internal/platform/expr"
)

// Result is the tagged outcome of every calculator in this package. Domain
// violations (negative hemoglobin, zero creatinine, …) come back as
// Valid=false with a human-readable Reason; calculators never panic and
// never return an error for bad clinical input.
type Result struct {
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Formula string  `json:"formula"`
	Valid   bool    `json:"valid"`
	Reason  string  `json:"reason,omitempty"`
}

func valid(formula string, value float64, unit string) Result {
	return Result{Value: value, Unit: unit, Formula: formula, Valid: true}
}

func invalid(formula, reason string) Result {
	return Result{Formula: formula, Valid: false, Reason: reason}
}

// round rounds to a fixed number of decimal places. Rounding is part of each
// formula's contract: golden-value tests depend on it.
func round(x float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(x*shift) / shift
}

// hbHctRatio is the conventional hemoglobin-to-hematocrit conversion factor.
const hbHctRatio = 3.0

// HctFromHb estimates hematocrit (%) from hemoglobin (g/dL).
func HctFromHb(hb float64) Result {
	const name = "hct-from-hb"
	if hb <= 0 {
		return invalid(name, "hemoglobin must be greater than zero")
	}
	return valid(name, round(hb*hbHctRatio, 1), "%")
}

// HbFromHct estimates hemoglobin (g/dL) from hematocrit (%).
func HbFromHct(hct float64) Result {
	const name = "hb-from-hct"
	if hct <= 0 {
		return invalid(name, "hematocrit must be greater than zero")
	}
	return valid(name, round(hct/hbHctRatio, 1), "g/dL")
}

// MCHC computes mean corpuscular hemoglobin concentration (g/dL) from
// hemoglobin (g/dL) and hematocrit (%).
func MCHC(hb, hct float64) Result {
	const name = "mchc"
	if hb <= 0 {
		return invalid(name, "hemoglobin must be greater than zero")
	}
	if hct <= 0 {
		return invalid(name, "hematocrit must be greater than zero")
	}
	return valid(name, round(hb/hct*100, 1), "g/dL")
}

// MCV computes mean corpuscular volume (fL) from hematocrit (%) and the red
// cell count (10^6/µL).
func MCV(hct, rbc float64) Result {
	const name = "mcv"
	if hct <= 0 {
		return invalid(name, "hematocrit must be greater than zero")
	}
	if rbc <= 0 {
		return invalid(name, "red cell count must be greater than zero")
	}
	return valid(name, round(hct/rbc*10, 1), "fL")
}

// CorrectedWBC adjusts a white cell count (10^3/µL) for circulating nucleated
// red cells reported per 100 WBC.
func CorrectedWBC(wbc, nrbcPer100 float64) Result {
	const name = "corrected-wbc"
	if wbc <= 0 {
		return invalid(name, "white cell count must be greater than zero")
	}
	if nrbcPer100 < 0 {
		return invalid(name, "nucleated red cell count cannot be negative")
	}
	return valid(name, round(wbc*100/(100+nrbcPer100), 2), "10^3/uL")
}

// EGFRMDRD estimates glomerular filtration rate with the 4-variable MDRD
// study equation. Creatinine in mg/dL, age in years.
func EGFRMDRD(creatinine, age float64, female bool) Result {
	const name = "egfr-mdrd"
	if creatinine <= 0 {
		return invalid(name, "creatinine must be greater than zero")
	}
	if age <= 0 {
		return invalid(name, "age must be greater than zero")
	}
	egfr := 175 * math.Pow(creatinine, -1.154) * math.Pow(age, -0.203)
	if female {
		egfr *= 0.742
	}
	return valid(name, round(egfr, 1), "mL/min/1.73m2")
}

// EGFRCKDEPI estimates glomerular filtration rate with the 2009 CKD-EPI
// equation. The race multiplier is fixed at 1 here: it is deliberately
// disabled.
func EGFRCKDEPI(creatinine, age float64, female bool) Result {
	const name = "egfr-ckd-epi"
	if creatinine <= 0 {
		return invalid(name, "creatinine must be greater than zero")
	}
	if age <= 0 {
		return invalid(name, "age must be greater than zero")
	}
	kappa, alpha, sexFactor := 0.9, -0.411, 1.0
	if female {
		kappa, alpha, sexFactor = 0.7, -0.329, 1.018
	}
	ratio := creatinine / kappa
	egfr := 141 *
		math.Pow(math.Min(ratio, 1), alpha) *
		math.Pow(math.Max(ratio, 1), -1.209) *
		math.Pow(0.993, age) *
		sexFactor
	return valid(name, round(egfr, 1), "mL/min/1.73m2")
}

// BUNCreatinineRatio computes the BUN/creatinine ratio (both mg/dL).
func BUNCreatinineRatio(bun, creatinine float64) Result {
	const name = "bun-creatinine-ratio"
	if bun < 0 {
		return invalid(name, "BUN cannot be negative")
	}
	if creatinine <= 0 {
		return invalid(name, "creatinine must be greater than zero")
	}
	return valid(name, round(bun/creatinine, 1), "ratio")
}

// Osmolality computes calculated serum osmolality (mOsm/kg) from sodium
// (mmol/L), glucose (mg/dL), and BUN (mg/dL).
func Osmolality(sodium, glucose, bun float64) Result {
	const name = "calculated-osmolality"
	if sodium <= 0 {
		return invalid(name, "sodium must be greater than zero")
	}
	if glucose < 0 {
		return invalid(name, "glucose cannot be negative")
	}
	if bun < 0 {
		return invalid(name, "BUN cannot be negative")
	}
	return valid(name, round(2*sodium+glucose/18+bun/2.8, 1), "mOsm/kg")
}

// AnionGap computes the anion gap (mmol/L) without potassium.
func AnionGap(sodium, chloride, bicarbonate float64) Result {
	const name = "anion-gap"
	if sodium <= 0 {
		return invalid(name, "sodium must be greater than zero")
	}
	if chloride <= 0 {
		return invalid(name, "chloride must be greater than zero")
	}
	if bicarbonate <= 0 {
		return invalid(name, "bicarbonate must be greater than zero")
	}
	return valid(name, round(sodium-(chloride+bicarbonate), 1), "mmol/L")
}

// CorrectedCalcium adjusts total calcium (mg/dL) for albumin (g/dL).
func CorrectedCalcium(calcium, albumin float64) Result {
	const name = "corrected-calcium"
	if calcium <= 0 {
		return invalid(name, "calcium must be greater than zero")
	}
	if albumin <= 0 {
		return invalid(name, "albumin must be greater than zero")
	}
	return valid(name, round(calcium+0.8*(4.0-albumin), 2), "mg/dL")
}

// BMI computes body mass index from weight (kg) and height (cm).
func BMI(weightKg, heightCm float64) Result {
	const name = "bmi"
	if weightKg <= 0 {
		return invalid(name, "weight must be greater than zero")
	}
	if heightCm <= 0 {
		return invalid(name, "height must be greater than zero")
	}
	m := heightCm / 100
	return valid(name, round(weightKg/(m*m), 1), "kg/m2")
}

// BSAMosteller computes body surface area (m²) with the Mosteller formula
// from weight (kg) and height (cm).
func BSAMosteller(weightKg, heightCm float64) Result {
	const name = "bsa-mosteller"
	if weightKg <= 0 {
		return invalid(name, "weight must be greater than zero")
	}
	if heightCm <= 0 {
		return invalid(name, "height must be greater than zero")
	}
	return valid(name, round(math.Sqrt(heightCm*weightKg/3600), 2), "m2")
}

// EstimatedAverageGlucose converts HbA1c (%) to estimated average glucose
// (mg/dL) per the ADAG equation.
func EstimatedAverageGlucose(hba1c float64) Result {
	const name = "estimated-average-glucose"
	if hba1c <= 0 {
		return invalid(name, "HbA1c must be greater than zero")
	}
	return valid(name, round(28.7*hba1c-46.7, 1), "mg/dL")
}

// ExecuteCustomCalculation evaluates a user-supplied arithmetic expression
// against a name→value map. The expression runs through the restricted
// evaluator only: malformed input, unknown identifiers, and non-finite
// results are reported as invalid, never raised and never executed.
func ExecuteCustomCalculation(expression string, vars map[string]float64) Result {
	const name = "custom"
	if expression == "" {
		return invalid(name, "expression is empty")
	}
	v, err := expr.EvaluateNumber(expression, vars)
	if err != nil {
		return invalid(name, fmt.Sprintf("expression is not a valid numeric formula: %v", err))
	}
	return valid(name, round(v, 3), "")
}
