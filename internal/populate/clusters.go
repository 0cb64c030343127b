package populate

import (
	"context"
	"errors"

	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/store"
)

// ClusterModel assigns every breakdown to its nearest voting-dynamics
// cluster. Manual overrides are left alone but still fingerprinted, so a
// reset is the only thing that brings a decision back into scope.
type ClusterModel struct {
	model
	classifier *dynamics.Classifier
}

func (m *ClusterModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)

	breakdowns, err := m.store.ListBreakdowns(ctx)
	if err != nil {
		return 0, err
	}
	existing, err := m.store.ListClusterAssignments(ctx)
	if err != nil {
		return 0, err
	}
	manual := map[int64]bool{}
	for _, a := range existing {
		if a.Manual {
			manual[a.DecisionID] = true
		}
	}

	version := m.classifier.Version()
	byID := make(map[int64]store.Breakdown, len(breakdowns))
	candidates := make([]fingerprint.Unit, 0, len(breakdowns))
	for _, b := range breakdowns {
		byID[b.DecisionID] = b
		candidates = append(candidates, fingerprint.Unit{
			ID:   unitID(b.DecisionID),
			Date: b.Date,
			Hash: fingerprint.New().
				AddInt(int64(b.GovFor), int64(b.GovAgainst), int64(b.GovAbsent)).
				AddInt(int64(b.OppFor), int64(b.OppAgainst), int64(b.OppAbsent)).
				Add(version).
				Sum(),
		})
	}

	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}

	var rows []store.ClusterAssignment
	var stale []int64
	for _, u := range changed {
		id := decisionIDOf(u.ID)
		if manual[id] {
			continue
		}
		b := byID[id]
		got, err := m.classifier.Classify(dynamics.Breakdown{
			GovFor: b.GovFor, GovAgainst: b.GovAgainst, GovAbsent: b.GovAbsent,
			OppFor: b.OppFor, OppAgainst: b.OppAgainst, OppAbsent: b.OppAbsent,
		})
		if errors.Is(err, dynamics.ErrDegenerateInput) {
			logger.Debug("no cluster for decision", "decision_id", id, "error", err)
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		rows = append(rows, store.ClusterAssignment{
			DecisionID:  id,
			Cluster:     got.Cluster,
			Distance:    got.Distance,
			IsOutlier:   got.IsOutlier,
			Description: m.classifier.Describe(got.Cluster, got.IsOutlier),
		})
	}

	// Assignments whose breakdown disappeared are stale.
	for _, a := range existing {
		if _, ok := byID[a.DecisionID]; !ok && !a.Manual {
			stale = append(stale, a.DecisionID)
		}
	}

	err = m.commit(ctx, req, candidates, changed, func(tx store.Tx) error {
		if err := tx.UpsertClusterAssignments(ctx, rows); err != nil {
			return err
		}
		return tx.DeleteAutomatedClusterAssignments(ctx, stale)
	})
	if err != nil {
		return 0, err
	}
	logger.Debug("cluster assignments written", "rows", len(rows), "cleared", len(stale))
	return len(changed), nil
}
