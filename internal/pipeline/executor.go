package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/telemetry"
	"votes/analytics/internal/util"
)

// Markers reads the "since last run" marker each model records when it
// commits.
type Markers interface {
	LastModelRun(ctx context.Context, model string) (time.Time, bool, error)
}

type ExecutorOptions struct {
	Workers        int
	MaxAttempts    uint
	InitialBackoff time.Duration
}

type Executor struct {
	registry *Registry
	markers  Markers
	opts     ExecutorOptions
	tracer   trace.Tracer
	now      func() time.Time
}

func NewExecutor(registry *Registry, markers Markers, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Executor{
		registry: registry,
		markers:  markers,
		opts:     opts,
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
}

type ModelResult struct {
	Model    string
	Group    string
	Units    int
	Attempts int
	Duration time.Duration
	Err      error
}

type Report struct {
	RunID   string
	Scope   string
	Results []ModelResult
}

func (r Report) Units() int {
	total := 0
	for _, res := range r.Results {
		total += res.Units
	}
	return total
}

// Execute runs plan group by group. A group starts only after every model
// of the previous group has committed; the first model that keeps failing
// stops the plan with a *RunError.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Report, error) {
	report := Report{RunID: util.NewID("run"), Scope: plan.Scope}
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("run.scope", plan.Scope),
		attribute.String("run.window", plan.Window.String()),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx).With("run_id", report.RunID, "scope", plan.Scope)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("pipeline run starting", "window", plan.Window.String(), "groups", len(plan.Stages))

	var completed []string
	for _, stage := range plan.Stages {
		results, err := e.runStage(ctx, report.RunID, plan, stage)
		report.Results = append(report.Results, results...)
		if err != nil {
			runErr := &RunError{RunID: report.RunID, Scope: plan.Scope, CompletedGroups: completed, Err: err}
			var mf *modelFailure
			if errors.As(err, &mf) {
				runErr.Model = mf.model
				runErr.Err = mf.err
			}
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			logger.Error("pipeline run failed", "model", runErr.Model, "completed_groups", completed, "error", runErr.Err)
			return report, runErr
		}
		completed = append(completed, stage.Group)
	}
	logger.Info("pipeline run complete", "units", report.Units())
	return report, nil
}

type modelFailure struct {
	model string
	err   error
}

func (m *modelFailure) Error() string { return m.model + ": " + m.err.Error() }
func (m *modelFailure) Unwrap() error { return m.err }

func (e *Executor) runStage(ctx context.Context, runID string, plan Plan, stage Stage) ([]ModelResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var mu sync.Mutex
	results := make([]ModelResult, 0, len(stage.Models))
	for _, name := range stage.Models {
		g.Go(func() error {
			res := e.runModel(gctx, runID, plan, stage.Group, name)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			if res.Err != nil {
				return &modelFailure{model: name, err: res.Err}
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func (e *Executor) runModel(ctx context.Context, runID string, plan Plan, group, name string) ModelResult {
	res := ModelResult{Model: name, Group: group}
	model, ok := e.registry.Model(name)
	if !ok {
		res.Err = configErrorf("unknown model %q", name)
		return res
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.model", trace.WithAttributes(
		attribute.String("model.name", name),
		attribute.String("model.kind", string(model.Kind())),
		attribute.String("model.group", group),
	))
	defer span.End()
	logger := ctxlog.FromContext(ctx).With("model", name)
	ctx = ctxlog.WithLogger(ctx, logger)

	since, err := e.since(ctx, plan.Window, name)
	if err != nil {
		res.Err = err
		return res
	}

	started := e.now()
	req := RunRequest{RunID: runID, Scope: plan.Scope, StartedAt: started, Since: since, Quiet: plan.Request.Quiet}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	op := func() (int, error) {
		res.Attempts++
		n, err := model.Run(ctx, req)
		if err == nil {
			return n, nil
		}
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) || errors.Is(err, context.Canceled) {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.ModelAttempts.WithLabelValues(name).Inc()
		logger.Warn("model attempt failed, retrying", "attempt", res.Attempts, "wait", wait, "error", err)
	}

	n, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.opts.MaxAttempts),
		backoff.WithNotify(notify),
	)
	res.Duration = e.now().Sub(started)
	if err != nil {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.ModelRuns.WithLabelValues(name, "failed").Inc()
		return res
	}

	res.Units = n
	span.SetAttributes(attribute.Int("model.units", n))
	telemetry.ModelRuns.WithLabelValues(name, "ok").Inc()
	telemetry.UnitsRecomputed.WithLabelValues(name).Add(float64(n))
	telemetry.ModelDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	if !plan.Request.Quiet {
		logger.Info("model complete", "units", n, "attempts", res.Attempts, "duration", res.Duration)
	}
	return res
}

func (e *Executor) since(ctx context.Context, w Window, model string) (*time.Time, error) {
	if !w.SinceLastRun {
		return w.Since, nil
	}
	last, ok, err := e.markers.LastModelRun(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("load last run of %s: %w", model, err)
	}
	if !ok {
		// Never ran: everything is new.
		return nil, nil
	}
	return &last, nil
}
