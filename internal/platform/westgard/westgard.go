package westgard

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Severity grades a Westgard rule violation.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Run is one calibration-control measurement for a (test, control level)
// pair, carrying the level's assigned mean and standard deviation.
type Run struct {
	TestID       string    `json:"test_id"`
	LevelID      string    `json:"level_id"`
	Value        float64   `json:"value"`
	ExpectedMean float64   `json:"expected_mean"`
	ExpectedSD   float64   `json:"expected_sd"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Violation is one triggered rule for a run.
type Violation struct {
	RuleName          string   `json:"rule_name"`
	Severity          Severity `json:"severity"`
	RequiresAction    bool     `json:"requires_action"`
	RecommendedAction string   `json:"recommended_action"`
}

// Outcome is the full evaluation of one control run.
type Outcome struct {
	Passed          bool        `json:"passed"`
	ZScore          float64     `json:"z_score"`
	Violations      []Violation `json:"violations"`
	Recommendations []string    `json:"recommendations"`
}

// ZScore returns (value-mean)/sd. A zero standard deviation is a domain
// error: the control material is misconfigured, not perfect.
func ZScore(value, mean, sd float64) (float64, error) {
	if sd == 0 {
		return 0, fmt.Errorf("expected SD is zero for mean %v: control limits are not configured", mean)
	}
	return (value - mean) / sd, nil
}

// zSeries builds [current, most recent prior, next prior, ...]. Priors are
// re-sorted newest first; the caller's ordering is not trusted.
func zSeries(run Run, priors []Run) ([]float64, error) {
	sorted := make([]Run, len(priors))
	copy(sorted, priors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.After(sorted[j].ObservedAt)
	})

	zs := make([]float64, 0, len(sorted)+1)
	z, err := ZScore(run.Value, run.ExpectedMean, run.ExpectedSD)
	if err != nil {
		return nil, err
	}
	zs = append(zs, z)
	for _, p := range sorted {
		pz, err := ZScore(p.Value, p.ExpectedMean, p.ExpectedSD)
		if err != nil {
			return nil, err
		}
		zs = append(zs, pz)
	}
	return zs, nil
}

// Evaluate applies the six Westgard rules to the current run given its
// prior runs for the same control level. Rules that need more history than
// is available are skipped, not failed. A 1-3s violation suppresses 1-2s for
// the same run.
func Evaluate(run Run, priors []Run) (Outcome, error) {
	zs, err := zSeries(run, priors)
	if err != nil {
		return Outcome{}, err
	}
	z := zs[0]

	var violations []Violation
	add := func(name string, sev Severity, action string) {
		violations = append(violations, Violation{
			RuleName:          name,
			Severity:          sev,
			RequiresAction:    sev == SeverityCritical,
			RecommendedAction: action,
		})
	}

	// 1-3s supersedes 1-2s for the same run.
	switch {
	case math.Abs(z) > 3:
		add("1-3s", SeverityCritical, "Reject the run; recalibrate and rerun controls before releasing patient results.")
	case math.Abs(z) > 2:
		add("1-2s", SeverityWarning, "Review the run; inspect other control levels before accepting.")
	}

	// 2-2s: current and immediately prior both past the same 2SD limit.
	if len(zs) >= 2 {
		if (zs[0] > 2 && zs[1] > 2) || (zs[0] < -2 && zs[1] < -2) {
			add("2-2s", SeverityCritical, "Systematic error suspected; recalibrate the instrument.")
		}
	}

	// R-4s: range between current and prior exceeds 4SD.
	if len(zs) >= 2 && math.Abs(zs[0]-zs[1]) > 4 {
		add("R-4s", SeverityCritical, "Random error suspected; check pipetting and reagent mixing, then rerun.")
	}

	// 4-1s: four consecutive runs past the same 1SD limit.
	if len(zs) >= 4 {
		if allBeyond(zs[:4], 1) {
			add("4-1s", SeverityCritical, "Systematic bias detected; perform calibration verification.")
		}
	}

	// 10-x: ten consecutive runs on the same side of the mean.
	if len(zs) >= 10 {
		if sameSide(zs[:10]) {
			add("10-x", SeverityCritical, "Persistent shift detected; recalibrate and review reagent lot.")
		}
	}

	out := Outcome{
		Passed:     len(violations) == 0,
		ZScore:     z,
		Violations: violations,
	}
	for _, v := range violations {
		out.Recommendations = append(out.Recommendations, v.RecommendedAction)
	}
	return out, nil
}

// allBeyond reports whether every z sits past +limit or every z sits past
// -limit.
func allBeyond(zs []float64, limit float64) bool {
	high, low := true, true
	for _, z := range zs {
		if z <= limit {
			high = false
		}
		if z >= -limit {
			low = false
		}
	}
	return high || low
}

// sameSide reports whether every z is strictly positive or every z strictly
// negative. A run exactly on the mean breaks the streak.
func sameSide(zs []float64) bool {
	pos, neg := true, true
	for _, z := range zs {
		if z <= 0 {
			pos = false
		}
		if z >= 0 {
			neg = false
		}
	}
	return pos || neg
}

// ---------------------------------------------------------------------------
// Charting and maintenance helpers
// ---------------------------------------------------------------------------

// Limits is the ±1/2/3 SD band around the expected mean, for Levey-Jennings
// charting.
type Limits struct {
	Mean    float64 `json:"mean"`
	SD1Low  float64 `json:"sd1_low"`
	SD1High float64 `json:"sd1_high"`
	SD2Low  float64 `json:"sd2_low"`
	SD2High float64 `json:"sd2_high"`
	SD3Low  float64 `json:"sd3_low"`
	SD3High float64 `json:"sd3_high"`
}

// ControlLimits computes the chart band for a control level.
func ControlLimits(mean, sd float64) Limits {
	return Limits{
		Mean:    mean,
		SD1Low:  mean - sd, SD1High: mean + sd,
		SD2Low:  mean - 2*sd, SD2High: mean + 2*sd,
		SD3Low:  mean - 3*sd, SD3High: mean + 3*sd,
	}
}

// MovingAverage smooths a value series with a trailing window. Positions
// before a full window average what is available.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 || len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		n := i + 1
		if n > window {
			sum -= values[i-window]
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// trendLength is the minimum monotonic run length treated as a trend.
const trendLength = 6

// DetectTrend reports whether the series ends in a monotonic run of at least
// six values (non-decreasing or non-increasing).
func DetectTrend(zs []float64) bool {
	if len(zs) < trendLength {
		return false
	}
	up, down := 1, 1
	for i := 1; i < len(zs); i++ {
		if zs[i] >= zs[i-1] {
			up++
		} else {
			up = 1
		}
		if zs[i] <= zs[i-1] {
			down++
		} else {
			down = 1
		}
		if up >= trendLength || down >= trendLength {
			return true
		}
	}
	return false
}

// CV returns the coefficient of variation (%) of a value series, using the
// sample standard deviation. Errors when fewer than two values or the mean
// is zero.
func CV(values []float64) (float64, error) {
	if len(values) < 2 {
		return 0, fmt.Errorf("coefficient of variation needs at least 2 values, got %d", len(values))
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0, fmt.Errorf("coefficient of variation is undefined for zero mean")
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(values)-1))
	return sd / mean * 100, nil
}

// cvReplaceThreshold is the CV% above which a control lot should be
// replaced.
const cvReplaceThreshold = 5

// ShouldReplaceControl recommends replacing the control material when its
// observed CV exceeds 5% or its z-score series shows a trend. Returns the
// reason alongside the recommendation.
func ShouldReplaceControl(values, zscores []float64) (bool, string) {
	if cv, err := CV(values); err == nil && cv > cvReplaceThreshold {
		return true, fmt.Sprintf("observed CV %.1f%% exceeds %d%%", cv, cvReplaceThreshold)
	}
	if DetectTrend(zscores) {
		return true, "monotonic trend detected in control values"
	}
	return false, ""
}
