// Package queue turns trigger events into durable updates and drains them
// through the pipeline, one scope at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/lock"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/store"
	"votes/analytics/internal/telemetry"
	"votes/analytics/internal/util"
)

// ErrScopeBusy means another run holds at least one group of the plan.
var ErrScopeBusy = errors.New("scope busy")

type Store interface {
	CreateUpdate(ctx context.Context, u store.Update) (store.Update, bool, error)
	ListPendingUpdates(ctx context.Context) ([]store.Update, error)
	ListInProgressUpdates(ctx context.Context) ([]store.Update, error)
	MarkUpdateStarted(ctx context.Context, id string) (bool, error)
	MarkUpdateCompleted(ctx context.Context, id string) error
	MarkUpdateFailed(ctx context.Context, id, message string) error
	DeleteUpdate(ctx context.Context, id string) error
}

type Planner interface {
	Resolve(req pipeline.Request, now time.Time) (pipeline.Plan, error)
}

type Executor interface {
	Execute(ctx context.Context, plan pipeline.Plan) (pipeline.Report, error)
}

type Queue struct {
	store    Store
	planner  Planner
	executor Executor
	locker   lock.Locker
	lockTTL  time.Duration
	now      func() time.Time
}

func New(s Store, planner Planner, executor Executor, locker lock.Locker, lockTTL time.Duration) *Queue {
	if lockTTL <= 0 {
		lockTTL = 6 * time.Hour
	}
	return &Queue{
		store:    s,
		planner:  planner,
		executor: executor,
		locker:   locker,
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

// InstructionKey is the identity used to deduplicate updates. Output
// verbosity does not change what a run computes, so Quiet is left out of
// the key.
func InstructionKey(req pipeline.Request) (json.RawMessage, string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("encode instructions: %w", err)
	}
	req.Quiet = false
	keyed, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("encode instructions: %w", err)
	}
	return raw, fingerprint.Of(string(keyed)), nil
}

// reclaim fails updates that were started longer ago than the lock TTL and
// never finished, and returns the ones still running. The scope lock of
// such an update has expired, so whoever started it is gone.
func (q *Queue) reclaim(ctx context.Context) ([]store.Update, error) {
	running, err := q.store.ListInProgressUpdates(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := q.now().Add(-q.lockTTL)
	live := running[:0]
	for _, u := range running {
		if u.StartedAt == nil || u.StartedAt.After(cutoff) {
			live = append(live, u)
			continue
		}
		cause := fmt.Errorf("abandoned: started %s and never finished", u.StartedAt.UTC().Format(time.RFC3339))
		if err := q.fail(ctx, u.ID, cause); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// Enqueue validates req and stores it unless an identical unfinished update
// exists. created is false when an existing update was returned.
func (q *Queue) Enqueue(ctx context.Context, req pipeline.Request, createdVia string) (update store.Update, created bool, err error) {
	if _, err := q.planner.Resolve(req, q.now()); err != nil {
		return store.Update{}, false, err
	}
	if _, err := q.reclaim(ctx); err != nil {
		return store.Update{}, false, err
	}
	raw, key, err := InstructionKey(req)
	if err != nil {
		return store.Update{}, false, err
	}
	update, created, err = q.store.CreateUpdate(ctx, store.Update{
		ID:             util.NewID("upd"),
		Instructions:   raw,
		InstructionKey: key,
		CreatedVia:     createdVia,
	})
	if err != nil {
		return store.Update{}, false, err
	}
	outcome := "deduplicated"
	if created {
		outcome = "enqueued"
	}
	telemetry.QueueUpdates.WithLabelValues(outcome).Inc()
	ctxlog.FromContext(ctx).Info("update "+outcome, "update_id", update.ID, "created_via", createdVia)
	return update, created, nil
}

func lockKeys(plan pipeline.Plan) []string {
	groups := plan.Groups()
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = "scope:" + g
	}
	return keys
}

// Run executes plan immediately while holding its scope locks.
func (q *Queue) Run(ctx context.Context, plan pipeline.Plan, token string) (pipeline.Report, error) {
	keys := lockKeys(plan)
	ok, err := q.locker.Claim(ctx, keys, token, q.lockTTL)
	if err != nil {
		return pipeline.Report{}, err
	}
	if !ok {
		return pipeline.Report{}, fmt.Errorf("%w: %s", ErrScopeBusy, plan.Scope)
	}
	defer func() {
		if err := q.locker.Release(context.WithoutCancel(ctx), keys, token); err != nil {
			ctxlog.FromContext(ctx).Warn("release scope lock", "error", err)
		}
	}()
	return q.executor.Execute(ctx, plan)
}

type DrainResult struct {
	Completed int
	Failed    int
	Skipped   int
	Removed   int
}

// Drain runs pending updates oldest first. Duplicates of an earlier pending
// update are deleted; updates whose instructions are already in progress or
// whose scope is locked stay pending. In-progress updates older than the
// lock TTL are marked failed first. Drain stops at the first failed run.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	logger := ctxlog.FromContext(ctx)

	pending, err := q.store.ListPendingUpdates(ctx)
	if err != nil {
		return res, err
	}
	running, err := q.reclaim(ctx)
	if err != nil {
		return res, err
	}
	inProgress := make(map[string]bool, len(running))
	for _, u := range running {
		inProgress[u.InstructionKey] = true
	}

	seen := map[string]bool{}
	for _, u := range pending {
		if seen[u.InstructionKey] {
			if err := q.store.DeleteUpdate(ctx, u.ID); err != nil {
				return res, err
			}
			res.Removed++
			continue
		}
		seen[u.InstructionKey] = true

		if inProgress[u.InstructionKey] {
			logger.Info("similar update in progress, leaving queued", "update_id", u.ID)
			res.Skipped++
			continue
		}

		var req pipeline.Request
		if err := json.Unmarshal(u.Instructions, &req); err != nil {
			if err := q.fail(ctx, u.ID, fmt.Errorf("decode instructions: %w", err)); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		plan, err := q.planner.Resolve(req, q.now())
		if err != nil {
			if err := q.fail(ctx, u.ID, err); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}

		started, runErr := q.runUpdate(ctx, u, plan)
		switch {
		case errors.Is(runErr, ErrScopeBusy) || (!started && runErr == nil):
			logger.Info("scope busy, leaving update queued", "update_id", u.ID, "scope", plan.Scope)
			telemetry.QueueUpdates.WithLabelValues("busy").Inc()
			res.Skipped++
		case runErr != nil:
			if err := q.fail(ctx, u.ID, runErr); err != nil {
				return res, errors.Join(runErr, err)
			}
			res.Failed++
			return res, runErr
		default:
			if err := q.store.MarkUpdateCompleted(ctx, u.ID); err != nil {
				return res, err
			}
			telemetry.QueueUpdates.WithLabelValues("completed").Inc()
			res.Completed++
		}
	}
	return res, nil
}

// runUpdate claims the scope, marks u started and executes plan. started
// is false when u was left untouched.
func (q *Queue) runUpdate(ctx context.Context, u store.Update, plan pipeline.Plan) (started bool, err error) {
	keys := lockKeys(plan)
	ok, err := q.locker.Claim(ctx, keys, u.ID, q.lockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrScopeBusy
	}
	defer func() {
		if err := q.locker.Release(context.WithoutCancel(ctx), keys, u.ID); err != nil {
			ctxlog.FromContext(ctx).Warn("release scope lock", "update_id", u.ID, "error", err)
		}
	}()

	claimed, err := q.store.MarkUpdateStarted(ctx, u.ID)
	if err != nil || !claimed {
		return false, err
	}
	_, err = q.executor.Execute(ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("update_id", u.ID)), plan)
	return true, err
}

func (q *Queue) fail(ctx context.Context, id string, cause error) error {
	telemetry.QueueUpdates.WithLabelValues("failed").Inc()
	ctxlog.FromContext(ctx).Error("update failed", "update_id", id, "error", cause)
	return q.store.MarkUpdateFailed(ctx, id, cause.Error())
}
