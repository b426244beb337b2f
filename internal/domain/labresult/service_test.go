package labresult

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/notification"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/pipeline"
)

type mockRepo struct {
	store  map[uuid.UUID]*LabResult
	priors map[string]*LabResult // keyed by patient|analyte
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		store:  make(map[uuid.UUID]*LabResult),
		priors: make(map[string]*LabResult),
	}
}

func priorMapKey(patientID uuid.UUID, analyteID string) string {
	return patientID.String() + "|" + analyteID
}

func (m *mockRepo) Create(_ context.Context, r *LabResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.store[r.ID] = r
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*LabResult, error) {
	r, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return r, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*LabResult, int, error) {
	var out []*LabResult
	for _, r := range m.store {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) GetMostRecentPrior(_ context.Context, patientID uuid.UUID, analyteID string, before time.Time) (*LabResult, error) {
	return m.priors[priorMapKey(patientID, analyteID)], nil
}

type mockNotifRepo struct {
	created []*notification.Notification
}

func (m *mockNotifRepo) Create(_ context.Context, n *notification.Notification) error {
	n.ID = uuid.New()
	m.created = append(m.created, n)
	return nil
}
func (m *mockNotifRepo) GetByID(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	return nil, fmt.Errorf("not found")
}
func (m *mockNotifRepo) ListPending(_ context.Context, limit, offset int) ([]*notification.Notification, int, error) {
	return m.created, len(m.created), nil
}
func (m *mockNotifRepo) ListByResult(_ context.Context, resultID uuid.UUID) ([]*notification.Notification, error) {
	return nil, nil
}
func (m *mockNotifRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	return nil
}

func newTestService(t *testing.T, cache *PriorCache) (*Service, *mockRepo, *mockNotifRepo) {
	t.Helper()
	pipe, err := pipeline.NewDefault(zerolog.Nop())
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}
	repo := newMockRepo()
	notifRepo := &mockNotifRepo{}
	notifSvc := notification.NewService(notifRepo, zerolog.Nop())
	svc := NewService(repo, cache, pipe, notifSvc, metrics.New(), zerolog.Nop())
	return svc, repo, notifRepo
}

func newTestCache(t *testing.T) *PriorCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewPriorCache(client, 5*time.Minute)
}

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }

func TestProcess_CriticalResultQueuesNotifications(t *testing.T) {
	svc, repo, notifRepo := newTestService(t, nil)
	patientID := uuid.New()
	now := time.Now()
	repo.priors[priorMapKey(patientID, "HGB")] = &LabResult{
		PatientID:  patientID,
		AnalyteID:  "HGB",
		Value:      f64(12.5),
		ObservedAt: now.Add(-7 * 24 * time.Hour),
	}

	out, err := svc.Process(context.Background(), Submission{
		PatientID:   patientID,
		AnalyteID:   "HGB",
		AnalyteName: "Hemoglobin",
		Value:       f64(6.5),
		Unit:        "g/dL",
		ObservedAt:  now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !out.Record.Critical {
		t.Error("record should be flagged critical")
	}
	if out.Record.InterpretedStatus != string(pipeline.StatusCritical) {
		t.Errorf("interpreted status = %q, want CRITICAL", out.Record.InterpretedStatus)
	}
	if out.Pipeline.DeltaAlert == nil || !out.Pipeline.DeltaAlert.Triggered {
		t.Error("expected a triggered delta alert for a 6 g/dL drop")
	}
	if len(out.Record.Processed) == 0 {
		t.Error("processed payload should be persisted")
	}
	if _, ok := repo.store[out.Record.ID]; !ok {
		t.Error("record was not persisted")
	}
	// HGB is a STAT phone-call threshold: phone + email + print + page.
	if len(notifRepo.created) != 4 {
		t.Errorf("expected 4 queued notifications, got %d", len(notifRepo.created))
	}
	for _, n := range notifRepo.created {
		if n.ResultID != out.Record.ID {
			t.Errorf("notification result_id = %v, want %v", n.ResultID, out.Record.ID)
		}
	}
}

func TestProcess_NormalResult(t *testing.T) {
	svc, _, notifRepo := newTestService(t, nil)

	out, err := svc.Process(context.Background(), Submission{
		PatientID: uuid.New(),
		AnalyteID: "K",
		Value:     f64(4.2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Record.Critical {
		t.Error("normal potassium should not be critical")
	}
	if out.Record.InterpretedStatus != string(pipeline.StatusNormal) {
		t.Errorf("interpreted status = %q, want NORMAL", out.Record.InterpretedStatus)
	}
	if len(notifRepo.created) != 0 {
		t.Errorf("no notifications expected, got %d", len(notifRepo.created))
	}
}

func TestProcess_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	cases := []struct {
		name string
		sub  Submission
	}{
		{"missing patient", Submission{AnalyteID: "K", Value: f64(4.2)}},
		{"missing analyte", Submission{PatientID: uuid.New(), Value: f64(4.2)}},
		{"no value", Submission{PatientID: uuid.New(), AnalyteID: "K"}},
		{"both values", Submission{PatientID: uuid.New(), AnalyteID: "BLOOD-CX", Value: f64(1), CategoricalValue: str("POSITIVE")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Process(context.Background(), tc.sub); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestProcess_PriorFromCache(t *testing.T) {
	cache := newTestCache(t)
	svc, _, _ := newTestService(t, cache)
	patientID := uuid.New()
	now := time.Now()

	err := cache.Set(context.Background(), patientID, "K", pipeline.PriorResult{
		Value:      3.0,
		ObservedAt: now.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	// 3.0 -> 4.2 is a 40% change: the delta check needs the cached prior,
	// since the repo has no history.
	out, err := svc.Process(context.Background(), Submission{
		PatientID:  patientID,
		AnalyteID:  "K",
		Value:      f64(4.2),
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Pipeline.DeltaAlert == nil || !out.Pipeline.DeltaAlert.Triggered {
		t.Fatal("expected delta alert driven by the cached prior")
	}
}

func TestProcess_CacheUpdatedAfterPersist(t *testing.T) {
	cache := newTestCache(t)
	svc, _, _ := newTestService(t, cache)
	patientID := uuid.New()
	now := time.Now()

	_, err := svc.Process(context.Background(), Submission{
		PatientID:  patientID,
		AnalyteID:  "NA",
		Value:      f64(140),
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prior, err := cache.Get(context.Background(), patientID, "NA")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if prior == nil || prior.Value != 140 {
		t.Errorf("cache should hold the new value, got %+v", prior)
	}
}

func TestProcess_BackfillDoesNotRegressCachedPrior(t *testing.T) {
	cache := newTestCache(t)
	svc, _, _ := newTestService(t, cache)
	patientID := uuid.New()
	now := time.Now()

	_, err := svc.Process(context.Background(), Submission{
		PatientID:  patientID,
		AnalyteID:  "NA",
		Value:      f64(140),
		ObservedAt: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Backfill an older measurement; the cached prior must stay at the most
	// recent observation or later delta checks compare against stale data.
	_, err = svc.Process(context.Background(), Submission{
		PatientID:  patientID,
		AnalyteID:  "NA",
		Value:      f64(128),
		ObservedAt: now.Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prior, err := cache.Get(context.Background(), patientID, "NA")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if prior == nil || prior.Value != 140 {
		t.Errorf("cache should keep the newer prior, got %+v", prior)
	}
}

func TestProcess_CategoricalSkipsCacheAndDelta(t *testing.T) {
	cache := newTestCache(t)
	svc, _, notifRepo := newTestService(t, cache)
	patientID := uuid.New()

	out, err := svc.Process(context.Background(), Submission{
		PatientID:        patientID,
		AnalyteID:        "BLOOD-CX",
		AnalyteName:      "Blood Culture",
		CategoricalValue: str("POSITIVE"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Pipeline.DeltaAlert != nil {
		t.Error("categorical results have no delta check")
	}
	if !out.Record.Critical {
		t.Error("positive blood culture should be critical")
	}
	if len(notifRepo.created) == 0 {
		t.Error("critical categorical result should queue notifications")
	}
	prior, err := cache.Get(context.Background(), patientID, "BLOOD-CX")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if prior != nil {
		t.Error("categorical results must not enter the prior cache")
	}
}

func TestProcessBatch_PreservesOrderAndIsolatesInvalid(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	patientID := uuid.New()

	items, err := svc.ProcessBatch(context.Background(), []Submission{
		{PatientID: patientID, AnalyteID: "K", Value: f64(4.2)},
		{PatientID: uuid.Nil, AnalyteID: "NA", Value: f64(140)},
		{PatientID: patientID, AnalyteID: "GLU", Value: f64(300)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Error != "" || items[0].Record.AnalyteID != "K" {
		t.Errorf("item 0 should be the processed potassium, got %+v", items[0])
	}
	if items[1].Error == "" || items[1].Record != nil {
		t.Errorf("item 1 should carry the validation error, got %+v", items[1])
	}
	if items[2].Error != "" || items[2].Record.AnalyteID != "GLU" {
		t.Errorf("item 2 should be the processed glucose, got %+v", items[2])
	}
	// Glucose 300 reflexes to HbA1c.
	if len(items[2].Pipeline.ReflexOrders) != 1 || items[2].Pipeline.ReflexOrders[0].TestID != "HBA1C" {
		t.Errorf("expected HBA1C reflex order, got %+v", items[2].Pipeline.ReflexOrders)
	}
	if len(repo.store) != 2 {
		t.Errorf("expected 2 persisted records, got %d", len(repo.store))
	}
}
