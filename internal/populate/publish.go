package populate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/export"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/search"
	"votes/analytics/internal/store"
)

// SearchIndexModel pushes changed cluster and alignment rows to the search
// index. Units are undated, so only content changes select them once a
// window is set.
type SearchIndexModel struct {
	model
	indexer search.Indexer
}

func contentHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return fingerprint.Of(string(raw)), nil
}

func (m *SearchIndexModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)
	if m.indexer == nil {
		logger.Info("search index not configured, skipping")
		return 0, nil
	}

	assignments, err := m.store.ListClusterAssignments(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := m.store.ListAlignment(ctx)
	if err != nil {
		return 0, err
	}

	var candidates []fingerprint.Unit
	clusters := map[string]search.ClusterRecord{}
	for _, a := range assignments {
		rec := search.ClusterRecordFrom(a)
		hash, err := contentHash(rec)
		if err != nil {
			return 0, fmt.Errorf("hash cluster record: %w", err)
		}
		clusters[rec.ID] = rec
		candidates = append(candidates, fingerprint.Unit{ID: rec.ID, Hash: hash})
	}
	scores := map[string]search.AlignmentRecord{}
	for _, a := range rows {
		rec := search.AlignmentRecordFrom(a)
		hash, err := contentHash(rec)
		if err != nil {
			return 0, fmt.Errorf("hash alignment record: %w", err)
		}
		scores[rec.ID] = rec
		candidates = append(candidates, fingerprint.Unit{ID: rec.ID, Hash: hash})
	}

	recorded, err := m.store.Fingerprints(ctx, m.name)
	if err != nil {
		return 0, fmt.Errorf("load indexed documents: %w", err)
	}
	var removedClusters, removedScores []string
	for id := range recorded {
		_, isCluster := clusters[id]
		_, isScore := scores[id]
		switch {
		case isCluster || isScore:
		case search.IsClusterID(id):
			removedClusters = append(removedClusters, id)
		default:
			removedScores = append(removedScores, id)
		}
	}
	sort.Strings(removedClusters)
	sort.Strings(removedScores)

	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}
	var clusterBatch []search.ClusterRecord
	var scoreBatch []search.AlignmentRecord
	for _, u := range changed {
		if rec, ok := clusters[u.ID]; ok {
			clusterBatch = append(clusterBatch, rec)
		} else {
			scoreBatch = append(scoreBatch, scores[u.ID])
		}
	}
	if err := m.indexer.IndexClusters(ctx, clusterBatch); err != nil {
		return 0, err
	}
	if err := m.indexer.IndexAlignment(ctx, scoreBatch); err != nil {
		return 0, err
	}
	if err := m.indexer.DeleteClusters(ctx, removedClusters); err != nil {
		return 0, err
	}
	if err := m.indexer.DeleteAlignment(ctx, removedScores); err != nil {
		return 0, err
	}
	if n := len(removedClusters) + len(removedScores); n > 0 {
		logger.Debug("search documents removed", "count", n)
	}

	if err := m.commit(ctx, req, candidates, changed, nil); err != nil {
		return 0, err
	}
	return len(changed), nil
}

// ExportModel publishes a JSON lines snapshot of each derived table whose
// content changed since it was last published.
type ExportModel struct {
	model
	publisher Publisher
}

func (m *ExportModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)
	if m.publisher == nil {
		logger.Info("object storage not configured, skipping export")
		return 0, nil
	}

	breakdowns, err := m.store.ListBreakdowns(ctx)
	if err != nil {
		return 0, err
	}
	clusters, err := m.store.ListClusterAssignments(ctx)
	if err != nil {
		return 0, err
	}
	scores, err := m.store.ListAlignment(ctx)
	if err != nil {
		return 0, err
	}

	bodies := map[string][]byte{}
	var encErr error
	if bodies[export.SnapshotBreakdowns], encErr = export.JSONLines(breakdowns); encErr != nil {
		return 0, fmt.Errorf("encode breakdowns: %w", encErr)
	}
	if bodies[export.SnapshotClusters], encErr = export.JSONLines(withoutTimestamps(clusters)); encErr != nil {
		return 0, fmt.Errorf("encode cluster assignments: %w", encErr)
	}
	if bodies[export.SnapshotAlignment], encErr = export.JSONLines(scores); encErr != nil {
		return 0, fmt.Errorf("encode alignment: %w", encErr)
	}

	names := []string{export.SnapshotBreakdowns, export.SnapshotClusters, export.SnapshotAlignment}
	candidates := make([]fingerprint.Unit, 0, len(names))
	for _, name := range names {
		candidates = append(candidates, fingerprint.Unit{ID: name, Hash: fingerprint.Of(string(bodies[name]))})
	}
	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}
	for _, u := range changed {
		key, err := m.publisher.Publish(ctx, u.ID, bodies[u.ID])
		if err != nil {
			return 0, err
		}
		logger.Info("snapshot published", "snapshot", u.ID, "key", key, "bytes", len(bodies[u.ID]))
	}

	if err := m.commit(ctx, req, candidates, changed, nil); err != nil {
		return 0, err
	}
	return len(changed), nil
}

// withoutTimestamps drops updated_at so a snapshot only changes with content.
func withoutTimestamps(rows []store.ClusterAssignment) []store.ClusterAssignment {
	out := make([]store.ClusterAssignment, len(rows))
	for i, r := range rows {
		r.UpdatedAt = time.Time{}
		out[i] = r
	}
	return out
}
