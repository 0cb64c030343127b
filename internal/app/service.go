package app

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"votes/analytics/internal/config"
	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/queue"
	"votes/analytics/internal/store"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetBreakdown(ctx context.Context, decisionID int64) (store.Breakdown, error)
	GetClusterAssignment(ctx context.Context, decisionID int64) (store.ClusterAssignment, error)
	ListClusterOverrides(ctx context.Context) ([]store.ClusterAssignment, error)
	SetClusterOverride(ctx context.Context, decisionID int64, cluster, description string) error
	ResetClusterOverride(ctx context.Context, model string, decisionID int64) (bool, error)
	ListPersonAlignment(ctx context.Context, personID int64, periodSlug string) ([]store.AlignmentDistribution, error)
	ListUpdates(ctx context.Context, limit int) ([]store.Update, error)
}

type updateQueue interface {
	Enqueue(ctx context.Context, req pipeline.Request, createdVia string) (store.Update, bool, error)
	Drain(ctx context.Context) (queue.DrainResult, error)
	CheckForUpdates(ctx context.Context, src queue.ChangeSource) (bool, error)
}

type Service struct {
	cfg          config.Config
	store        dataStore
	queue        updateQueue
	options      pipeline.Options
	classifier   *dynamics.Classifier
	clusterModel string
}

// New wires the read API. clusterModel names the classifier model whose
// fingerprints an override reset clears.
func New(cfg config.Config, dataStore dataStore, q updateQueue, options pipeline.Options, classifier *dynamics.Classifier, clusterModel string) *Service {
	return &Service{
		cfg:          cfg,
		store:        dataStore,
		queue:        q,
		options:      options,
		classifier:   classifier,
		clusterModel: clusterModel,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Options() pipeline.Options {
	return s.options
}

func (s *Service) Breakdown(ctx context.Context, decisionID int64) (store.Breakdown, error) {
	b, err := s.store.GetBreakdown(ctx, decisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Breakdown{}, domainError(http.StatusNotFound, "NOT_FOUND", "No breakdown for this decision", nil)
	}
	return b, err
}

func (s *Service) Cluster(ctx context.Context, decisionID int64) (store.ClusterAssignment, error) {
	c, err := s.store.GetClusterAssignment(ctx, decisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ClusterAssignment{}, domainError(http.StatusNotFound, "NOT_FOUND", "No cluster assignment for this decision", nil)
	}
	return c, err
}

func (s *Service) Overrides(ctx context.Context) ([]store.ClusterAssignment, error) {
	return s.store.ListClusterOverrides(ctx)
}

// SetOverride pins decisionID to cluster until ResetOverride.
func (s *Service) SetOverride(ctx context.Context, decisionID int64, cluster string) (store.ClusterAssignment, error) {
	cl, ok := s.classifier.Lookup(cluster)
	if !ok {
		return store.ClusterAssignment{}, domainError(http.StatusBadRequest, "UNKNOWN_CLUSTER", fmt.Sprintf("Unknown cluster %q", cluster), nil)
	}
	if err := s.store.SetClusterOverride(ctx, decisionID, cl.Slug, cl.Description); err != nil {
		return store.ClusterAssignment{}, err
	}
	ctxlog.FromContext(ctx).Info("cluster override set", "decision_id", decisionID, "cluster", cl.Slug)
	return s.store.GetClusterAssignment(ctx, decisionID)
}

func (s *Service) ResetOverride(ctx context.Context, decisionID int64) error {
	removed, err := s.store.ResetClusterOverride(ctx, s.clusterModel, decisionID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No override for this decision", nil)
	}
	ctxlog.FromContext(ctx).Info("cluster override reset", "decision_id", decisionID)
	return nil
}

const defaultPeriod = "all_time"

func (s *Service) PersonAlignment(ctx context.Context, personID int64, period string) ([]store.AlignmentDistribution, error) {
	if strings.TrimSpace(period) == "" {
		period = defaultPeriod
	}
	return s.store.ListPersonAlignment(ctx, personID, period)
}

func (s *Service) Updates(ctx context.Context, limit int) ([]store.Update, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListUpdates(ctx, limit)
}

func (s *Service) RequestUpdate(ctx context.Context, req pipeline.Request, createdVia string) (store.Update, bool, error) {
	update, created, err := s.queue.Enqueue(ctx, req, createdVia)
	if err != nil {
		return store.Update{}, false, requestError(err)
	}
	return update, created, nil
}

// WebhookRequest maps a webhook payload onto a pipeline request. A payload
// may carry explicit "instructions", or a "since" date (top level or under
// "data"); anything else refreshes recent data.
func WebhookRequest(payload []byte) (pipeline.Request, error) {
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return pipeline.Request{}, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	if instr := gjson.GetBytes(payload, "instructions"); instr.IsObject() {
		var req pipeline.Request
		if err := json.Unmarshal([]byte(instr.Raw), &req); err != nil {
			return pipeline.Request{}, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid instructions", nil)
		}
		return req, nil
	}
	for _, path := range []string{"since", "data.since"} {
		if since := gjson.GetBytes(payload, path); since.Exists() && since.String() != "" {
			return pipeline.Request{All: true, UpdateSince: since.String()}, nil
		}
	}
	return pipeline.Request{Shortcut: queue.DetectorShortcut}, nil
}

// Webhook authenticates an external trigger and enqueues it.
func (s *Service) Webhook(ctx context.Context, source, token string, payload []byte) (store.Update, bool, error) {
	if s.cfg.WebhookToken == "" {
		return store.Update{}, false, domainError(http.StatusNotFound, "WEBHOOKS_DISABLED", "Webhooks are not configured", nil)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WebhookToken)) != 1 {
		return store.Update{}, false, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	req, err := WebhookRequest(payload)
	if err != nil {
		return store.Update{}, false, err
	}
	return s.RequestUpdate(ctx, req, "webhook:"+source)
}

// RunQueue drains the queue every interval until ctx is done. With src set,
// each tick first checks for new ingestion data.
func (s *Service) RunQueue(ctx context.Context, interval time.Duration, src queue.ChangeSource) {
	logger := ctxlog.FromContext(ctx).With("component", "queue")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.processQueue(ctx, logger, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) processQueue(ctx context.Context, logger *slog.Logger, src queue.ChangeSource) {
	if src != nil {
		if queued, err := s.queue.CheckForUpdates(ctx, src); err != nil {
			logger.Error("check for updates", "error", err)
		} else if queued {
			logger.Info("new data detected, refresh queued")
		}
	}
	res, err := s.queue.Drain(ctx)
	if err != nil {
		logger.Error("queue drain stopped", "error", err, "completed", res.Completed, "failed", res.Failed)
		return
	}
	if res != (queue.DrainResult{}) {
		logger.Info("queue drained", "completed", res.Completed, "skipped", res.Skipped, "failed", res.Failed, "removed", res.Removed)
	}
}
