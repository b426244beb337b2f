package expr

import (
	"strings"
	"testing"
)

func TestEvaluateNumber(t *testing.T) {
	tests := []struct {
		name string
		expr string
		vars map[string]float64
		want float64
	}{
		{"plain arithmetic", "2 + 3 * 4", nil, 14},
		{"parentheses", "(2 + 3) * 4", nil, 20},
		{"division", "glucose * 2 / 18", map[string]float64{"glucose": 180}, 20},
		{"unary minus", "-5 + 10", nil, 5},
		{"variable substitution", "na - cl - hco3", map[string]float64{"na": 140, "cl": 104, "hco3": 24}, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateNumber(tt.expr, tt.vars)
			if err != nil {
				t.Fatalf("EvaluateNumber(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateNumber(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateNumberErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		vars map[string]float64
	}{
		{"unknown identifier", "glucose * 2", nil},
		{"injection payload", "glucose; process.exit()", map[string]float64{"glucose": 180}},
		{"division by zero", "1 / 0", nil},
		{"boolean result", "1 > 0", nil},
		{"empty", "", nil},
		{"unclosed paren", "(1 + 2", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EvaluateNumber(tt.expr, tt.vars); err == nil {
				t.Errorf("EvaluateNumber(%q) expected error, got none", tt.expr)
			}
		})
	}
}

func TestWholeWordSubstitution(t *testing.T) {
	// K must not match inside CK.
	got := Substitute("K + CK", map[string]float64{"K": 4.1, "CK": 200}, nil)
	if got != "4.1 + 200" {
		t.Errorf("Substitute = %q, want %q", got, "4.1 + 200")
	}

	v, err := EvaluateNumber("K + CK", map[string]float64{"K": 4.1, "CK": 200})
	if err != nil {
		t.Fatalf("EvaluateNumber error: %v", err)
	}
	if v != 204.1 {
		t.Errorf("EvaluateNumber = %v, want 204.1", v)
	}
}

func TestRewriteBetween(t *testing.T) {
	got := RewriteBetween("value BETWEEN 50 AND 100")
	want := "(value >= 50 && value <= 100)"
	if got != want {
		t.Errorf("RewriteBetween = %q, want %q", got, want)
	}

	// Case-insensitive keywords.
	got = RewriteBetween("value between 1 and 2")
	if !strings.Contains(got, ">=") || !strings.Contains(got, "<=") {
		t.Errorf("lowercase between not rewritten: %q", got)
	}

	// A negative literal first operand stays inside the comparison form.
	got = RewriteBetween("-3 BETWEEN 50 AND 100")
	want = "(-3 >= 50 && -3 <= 100)"
	if got != want {
		t.Errorf("RewriteBetween = %q, want %q", got, want)
	}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name string
		expr string
		nums map[string]float64
		strs map[string]string
		want bool
	}{
		{"greater than true", "value > 100", map[string]float64{"value": 150}, nil, true},
		{"greater than false", "value > 100", map[string]float64{"value": 50}, nil, false},
		{"between inside", "value BETWEEN 50 AND 100", map[string]float64{"value": 75}, nil, true},
		{"between lower bound", "value BETWEEN 50 AND 100", map[string]float64{"value": 50}, nil, true},
		{"between outside", "value BETWEEN 50 AND 100", map[string]float64{"value": 101}, nil, false},
		{"between negative value", "value BETWEEN 50 AND 100", map[string]float64{"value": -3}, nil, false},
		{"between negative bounds", "baseExcess BETWEEN -2 AND 2", map[string]float64{"baseExcess": -1.5}, nil, true},
		{"string equality", "abnormalFlag == 'HIGH'", nil, map[string]string{"abnormalFlag": "HIGH"}, true},
		{"string equality case-insensitive", "abnormalFlag == 'high'", nil, map[string]string{"abnormalFlag": "HIGH"}, true},
		{"string inequality", "abnormalFlag != 'HIGH'", nil, map[string]string{"abnormalFlag": "LOW"}, true},
		{"conjunction", "value > 10 && value < 20", map[string]float64{"value": 15}, nil, true},
		{"disjunction", "value < 10 || value > 20", map[string]float64{"value": 25}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.expr, tt.nums, tt.strs)
			if err != nil {
				t.Fatalf("EvaluateCondition(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	if _, err := EvaluateCondition("value + 1", map[string]float64{"value": 1}, nil); err == nil {
		t.Error("numeric result as condition should be an error")
	}
	if _, err := EvaluateCondition("flag > 'HIGH'", nil, map[string]string{"flag": "LOW"}); err == nil {
		t.Error("ordering comparison on strings should be an error")
	}
	if _, err := EvaluateCondition("missing == 'X'", nil, nil); err == nil {
		t.Error("unresolved identifier should be an error")
	}
}
