package qc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/westgard"
)

type mockRepo struct {
	runs []*QCRun
}

func (m *mockRepo) Create(_ context.Context, run *QCRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*QCRun, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockRepo) ListRecent(_ context.Context, testID, levelID string, limit int) ([]*QCRun, error) {
	var out []*QCRun
	for _, r := range m.runs {
		if r.TestID == testID && r.LevelID == levelID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) ListByTest(_ context.Context, testID string, limit, offset int) ([]*QCRun, int, error) {
	var out []*QCRun
	for _, r := range m.runs {
		if r.TestID == testID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func newTestService() (*Service, *mockRepo) {
	repo := &mockRepo{}
	return NewService(repo, metrics.New(), zerolog.Nop()), repo
}

func submission(value float64, at time.Time) Submission {
	return Submission{
		TestID:       "GLU",
		LevelID:      "LEVEL-1",
		Value:        value,
		ExpectedMean: 100,
		ExpectedSD:   5,
		ObservedAt:   at,
	}
}

func TestSubmit_InControl(t *testing.T) {
	svc, repo := newTestService()

	out, err := svc.Submit(context.Background(), submission(100, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Outcome.Passed {
		t.Errorf("run at the mean should pass, got violations %+v", out.Outcome.Violations)
	}
	if out.Outcome.ZScore != 0 {
		t.Errorf("z-score = %v, want 0", out.Outcome.ZScore)
	}
	if len(repo.runs) != 1 {
		t.Fatalf("expected 1 persisted run, got %d", len(repo.runs))
	}
	if !repo.runs[0].Passed || repo.runs[0].ZScore != 0 {
		t.Errorf("persisted verdict mismatch: %+v", repo.runs[0])
	}

	var stored westgard.Outcome
	if err := json.Unmarshal(repo.runs[0].Violations, &stored); err != nil {
		t.Fatalf("stored outcome is not valid JSON: %v", err)
	}
	if !stored.Passed {
		t.Error("stored outcome should record the pass")
	}
}

func TestSubmit_TwoTwoSAgainstHistory(t *testing.T) {
	svc, _ := newTestService()
	now := time.Now()

	// First run at +2.2SD: a lone 1-2s warning.
	first, err := svc.Submit(context.Background(), submission(111, now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Outcome.Violations) != 1 || first.Outcome.Violations[0].RuleName != "1-2s" {
		t.Fatalf("expected a single 1-2s warning, got %+v", first.Outcome.Violations)
	}
	if first.Outcome.Passed {
		t.Error("a 1-2s warning still fails the run")
	}

	// Second consecutive run past the same 2SD limit: 2-2s fires.
	second, err := svc.Submit(context.Background(), submission(111, now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := map[string]bool{}
	for _, v := range second.Outcome.Violations {
		names[v.RuleName] = true
	}
	if !names["1-2s"] || !names["2-2s"] {
		t.Errorf("expected 1-2s and 2-2s, got %+v", second.Outcome.Violations)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _ := newTestService()
	cases := []struct {
		name string
		sub  Submission
	}{
		{"missing test", Submission{LevelID: "L1", ExpectedMean: 100, ExpectedSD: 5}},
		{"missing level", Submission{TestID: "GLU", ExpectedMean: 100, ExpectedSD: 5}},
		{"zero sd", Submission{TestID: "GLU", LevelID: "L1", ExpectedMean: 100}},
		{"negative sd", Submission{TestID: "GLU", LevelID: "L1", ExpectedMean: 100, ExpectedSD: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Submit(context.Background(), tc.sub); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSubmit_HistoryScopedToLevel(t *testing.T) {
	svc, _ := newTestService()
	now := time.Now()

	// A +2.2SD run on a different level must not pair into 2-2s.
	other := submission(111, now.Add(-time.Hour))
	other.LevelID = "LEVEL-2"
	if _, err := svc.Submit(context.Background(), other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := svc.Submit(context.Background(), submission(111, now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range out.Outcome.Violations {
		if v.RuleName == "2-2s" {
			t.Error("2-2s must not pair runs across control levels")
		}
	}
}

func TestLimits(t *testing.T) {
	svc, _ := newTestService()

	limits, err := svc.Limits(100, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limits.SD2Low != 90 || limits.SD2High != 110 || limits.SD3Low != 85 || limits.SD3High != 115 {
		t.Errorf("unexpected limits: %+v", limits)
	}

	if _, err := svc.Limits(100, 0); err == nil {
		t.Error("expected error for zero sd")
	}
}

func TestReplacementAdvice_Trend(t *testing.T) {
	svc, _ := newTestService()
	now := time.Now()

	// Seven runs drifting steadily upward: a monotonic z-score trend.
	for i := 0; i < 7; i++ {
		sub := submission(100+float64(i), now.Add(time.Duration(i)*time.Hour))
		if _, err := svc.Submit(context.Background(), sub); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	advice, err := svc.ReplacementAdvice(context.Background(), "GLU", "LEVEL-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !advice.Replace {
		t.Errorf("expected a replacement recommendation, got %+v", advice)
	}
	if advice.Runs != 7 {
		t.Errorf("runs considered = %d, want 7", advice.Runs)
	}
}

func TestReplacementAdvice_StableControl(t *testing.T) {
	svc, _ := newTestService()
	now := time.Now()

	values := []float64{100, 101, 99, 100, 102, 98, 100}
	for i, v := range values {
		if _, err := svc.Submit(context.Background(), submission(v, now.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	advice, err := svc.ReplacementAdvice(context.Background(), "GLU", "LEVEL-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advice.Replace {
		t.Errorf("stable control should not be flagged: %+v", advice)
	}
}
