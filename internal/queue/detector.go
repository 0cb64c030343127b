package queue

import (
	"context"
	"fmt"
	"time"

	"votes/analytics/internal/pipeline"
)

// ChangeSource reports when ingestion last touched decisions and when the
// newest completed update was queued.
type ChangeSource interface {
	LatestDecisionChange(ctx context.Context) (time.Time, bool, error)
	LatestCompletedUpdate(ctx context.Context) (time.Time, bool, error)
}

const DetectorShortcut = "refresh_recent"

// CheckForUpdates enqueues a refresh when decisions changed after the last
// completed update was created. It reports whether an update is queued.
func (q *Queue) CheckForUpdates(ctx context.Context, src ChangeSource) (bool, error) {
	changed, ok, err := src.LatestDecisionChange(ctx)
	if err != nil {
		return false, fmt.Errorf("check decisions: %w", err)
	}
	if !ok {
		return false, nil
	}
	last, ran, err := src.LatestCompletedUpdate(ctx)
	if err != nil {
		return false, fmt.Errorf("check updates: %w", err)
	}
	if ran && !changed.After(last) {
		return false, nil
	}
	if _, _, err := q.Enqueue(ctx, pipeline.Request{Shortcut: DetectorShortcut}, "update detector"); err != nil {
		return false, err
	}
	return true, nil
}
