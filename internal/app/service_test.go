package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"votes/analytics/internal/config"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/queue"
	"votes/analytics/internal/store"
)

type fakeStore struct {
	pingFn                func(context.Context) error
	getBreakdownFn        func(context.Context, int64) (store.Breakdown, error)
	getClusterFn          func(context.Context, int64) (store.ClusterAssignment, error)
	listOverridesFn       func(context.Context) ([]store.ClusterAssignment, error)
	setOverrideFn         func(context.Context, int64, string, string) error
	resetOverrideFn       func(context.Context, string, int64) (bool, error)
	listPersonAlignmentFn func(context.Context, int64, string) ([]store.AlignmentDistribution, error)
	listUpdatesFn         func(context.Context, int) ([]store.Update, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetBreakdown(ctx context.Context, decisionID int64) (store.Breakdown, error) {
	if f.getBreakdownFn != nil {
		return f.getBreakdownFn(ctx, decisionID)
	}
	return store.Breakdown{}, sql.ErrNoRows
}

func (f *fakeStore) GetClusterAssignment(ctx context.Context, decisionID int64) (store.ClusterAssignment, error) {
	if f.getClusterFn != nil {
		return f.getClusterFn(ctx, decisionID)
	}
	return store.ClusterAssignment{}, sql.ErrNoRows
}

func (f *fakeStore) ListClusterOverrides(ctx context.Context) ([]store.ClusterAssignment, error) {
	if f.listOverridesFn != nil {
		return f.listOverridesFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) SetClusterOverride(ctx context.Context, decisionID int64, cluster, description string) error {
	if f.setOverrideFn != nil {
		return f.setOverrideFn(ctx, decisionID, cluster, description)
	}
	return nil
}

func (f *fakeStore) ResetClusterOverride(ctx context.Context, model string, decisionID int64) (bool, error) {
	if f.resetOverrideFn != nil {
		return f.resetOverrideFn(ctx, model, decisionID)
	}
	return false, nil
}

func (f *fakeStore) ListPersonAlignment(ctx context.Context, personID int64, periodSlug string) ([]store.AlignmentDistribution, error) {
	if f.listPersonAlignmentFn != nil {
		return f.listPersonAlignmentFn(ctx, personID, periodSlug)
	}
	return nil, nil
}

func (f *fakeStore) ListUpdates(ctx context.Context, limit int) ([]store.Update, error) {
	if f.listUpdatesFn != nil {
		return f.listUpdatesFn(ctx, limit)
	}
	return nil, nil
}

type fakeQueue struct {
	enqueueFn func(context.Context, pipeline.Request, string) (store.Update, bool, error)
	drainFn   func(context.Context) (queue.DrainResult, error)
	checkFn   func(context.Context, queue.ChangeSource) (bool, error)

	enqueued []pipeline.Request
	via      []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, req pipeline.Request, createdVia string) (store.Update, bool, error) {
	f.enqueued = append(f.enqueued, req)
	f.via = append(f.via, createdVia)
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, req, createdVia)
	}
	return store.Update{ID: "u1", CreatedVia: createdVia}, true, nil
}

func (f *fakeQueue) Drain(ctx context.Context) (queue.DrainResult, error) {
	if f.drainFn != nil {
		return f.drainFn(ctx)
	}
	return queue.DrainResult{}, nil
}

func (f *fakeQueue) CheckForUpdates(ctx context.Context, src queue.ChangeSource) (bool, error) {
	if f.checkFn != nil {
		return f.checkFn(ctx, src)
	}
	return false, nil
}

type fakeChangeSource struct{}

func (fakeChangeSource) LatestDecisionChange(context.Context) (time.Time, bool, error) {
	return time.Now(), true, nil
}

func (fakeChangeSource) LatestCompletedUpdate(context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func newTestService(fs *fakeStore, fq *fakeQueue) *Service {
	return New(config.Config{WebhookToken: "secret"}, fs, fq, pipeline.Options{}, dynamics.Default(), "cluster_analysis")
}

func TestWebhookRequestMapping(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    pipeline.Request
	}{
		{name: "empty", payload: "", want: pipeline.Request{Shortcut: queue.DetectorShortcut}},
		{name: "unrelated", payload: `{"event":"import.finished"}`, want: pipeline.Request{Shortcut: queue.DetectorShortcut}},
		{name: "since", payload: `{"since":"2024-03-01"}`, want: pipeline.Request{All: true, UpdateSince: "2024-03-01"}},
		{name: "nested since", payload: `{"data":{"since":"2024-03-02"}}`, want: pipeline.Request{All: true, UpdateSince: "2024-03-02"}},
		{name: "instructions", payload: `{"instructions":{"group":"policycalc","update_last":3},"since":"2020-01-01"}`, want: pipeline.Request{Group: "policycalc", UpdateLast: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := WebhookRequest([]byte(tc.payload))
			if err != nil {
				t.Fatalf("WebhookRequest: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestWebhookRequestRejectsInvalidJSON(t *testing.T) {
	_, err := WebhookRequest([]byte(`{"since":`))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected 400 domain error, got %v", err)
	}
}

func TestWebhookChecksToken(t *testing.T) {
	fq := &fakeQueue{}
	svc := newTestService(&fakeStore{}, fq)

	_, _, err := svc.Webhook(context.Background(), "ingest", "wrong", nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
	if len(fq.enqueued) != 0 {
		t.Fatalf("unauthenticated webhook enqueued %d updates", len(fq.enqueued))
	}

	if _, created, err := svc.Webhook(context.Background(), "ingest", "secret", nil); err != nil || !created {
		t.Fatalf("Webhook: created=%v err=%v", created, err)
	}
	if fq.via[0] != "webhook:ingest" {
		t.Fatalf("created_via = %q", fq.via[0])
	}
}

func TestWebhookDisabledWithoutToken(t *testing.T) {
	svc := New(config.Config{}, &fakeStore{}, &fakeQueue{}, pipeline.Options{}, dynamics.Default(), "cluster_analysis")
	_, _, err := svc.Webhook(context.Background(), "ingest", "", nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "WEBHOOKS_DISABLED" {
		t.Fatalf("expected WEBHOOKS_DISABLED, got %v", err)
	}
}

func TestRequestUpdateMapsConfigError(t *testing.T) {
	fq := &fakeQueue{
		enqueueFn: func(context.Context, pipeline.Request, string) (store.Update, bool, error) {
			return store.Update{}, false, &pipeline.ConfigError{Message: "unknown group \"nope\""}
		},
	}
	svc := newTestService(&fakeStore{}, fq)
	_, _, err := svc.RequestUpdate(context.Background(), pipeline.Request{Group: "nope"}, "api")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 400 || domainErr.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestSetOverrideRejectsUnknownCluster(t *testing.T) {
	called := false
	fs := &fakeStore{
		setOverrideFn: func(context.Context, int64, string, string) error {
			called = true
			return nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})
	_, err := svc.SetOverride(context.Background(), 7, "not_a_cluster")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "UNKNOWN_CLUSTER" {
		t.Fatalf("expected UNKNOWN_CLUSTER, got %v", err)
	}
	if called {
		t.Fatal("store written for unknown cluster")
	}
}

func TestResetOverrideClearsClassifierFingerprints(t *testing.T) {
	var gotModel string
	fs := &fakeStore{
		resetOverrideFn: func(_ context.Context, model string, decisionID int64) (bool, error) {
			gotModel = model
			return decisionID == 7, nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})
	if err := svc.ResetOverride(context.Background(), 7); err != nil {
		t.Fatalf("ResetOverride: %v", err)
	}
	if gotModel != "cluster_analysis" {
		t.Fatalf("reset used model %q", gotModel)
	}
	err := svc.ResetOverride(context.Background(), 8)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 for missing override, got %v", err)
	}
}

func TestPersonAlignmentDefaultsPeriod(t *testing.T) {
	var gotPeriod string
	fs := &fakeStore{
		listPersonAlignmentFn: func(_ context.Context, _ int64, period string) ([]store.AlignmentDistribution, error) {
			gotPeriod = period
			return nil, nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})
	if _, err := svc.PersonAlignment(context.Background(), 1, " "); err != nil {
		t.Fatalf("PersonAlignment: %v", err)
	}
	if gotPeriod != "all_time" {
		t.Fatalf("period = %q", gotPeriod)
	}
}

func TestProcessQueueChecksBeforeDraining(t *testing.T) {
	var order []string
	fq := &fakeQueue{
		checkFn: func(context.Context, queue.ChangeSource) (bool, error) {
			order = append(order, "check")
			return true, nil
		},
		drainFn: func(context.Context) (queue.DrainResult, error) {
			order = append(order, "drain")
			return queue.DrainResult{Completed: 1}, nil
		},
	}
	svc := newTestService(&fakeStore{}, fq)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc.processQueue(context.Background(), logger, fakeChangeSource{})
	if len(order) != 2 || order[0] != "check" || order[1] != "drain" {
		t.Fatalf("order = %v", order)
	}

	order = nil
	svc.processQueue(context.Background(), logger, nil)
	if len(order) != 1 || order[0] != "drain" {
		t.Fatalf("order without source = %v", order)
	}
}
