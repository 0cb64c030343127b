// Package populate holds the pipeline models that materialize derived
// tables. Every model follows the same shape: build candidate units with
// fingerprints, ask the diff engine which changed, recompute those, then
// commit rows, fingerprints and the run marker in one transaction.
package populate

import (
	"context"
	"fmt"
	"time"

	"votes/analytics/internal/bulk"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/policyrepo"
	"votes/analytics/internal/search"
	"votes/analytics/internal/store"
)

// Store is the canonical and derived data the models read, plus the
// transactional write path.
type Store interface {
	fingerprint.Store
	ListDecisions(ctx context.Context) ([]store.Decision, error)
	ListVotes(ctx context.Context, decisionIDs []int64) ([]store.Vote, error)
	ListGovernmentParties(ctx context.Context) ([]store.GovernmentParty, error)
	ListMemberships(ctx context.Context) ([]store.Membership, error)
	ListPeriods(ctx context.Context) ([]store.Period, error)
	ListPolicies(ctx context.Context) ([]store.Policy, error)
	ListBreakdowns(ctx context.Context) ([]store.Breakdown, error)
	ListClusterAssignments(ctx context.Context) ([]store.ClusterAssignment, error)
	ListAlignment(ctx context.Context) ([]store.AlignmentDistribution, error)
	DecisionIDsByKey(ctx context.Context, keys []string) (map[string]int64, error)
	InTx(ctx context.Context, fn func(store.Tx) error) error
}

type PolicySource interface {
	Load(revision string) (policyrepo.Snapshot, error)
}

type Publisher interface {
	Publish(ctx context.Context, name string, body []byte) (string, error)
}

// Deps wires models to their collaborators. Policies, Indexer and Publisher
// are optional; models that need a missing one skip with zero units.
type Deps struct {
	Store          Store
	Bulk           *bulk.Engine
	Classifier     *dynamics.Classifier
	Policies       PolicySource
	PolicyRevision string
	Indexer        search.Indexer
	Publisher      Publisher
	BatchSize      int
}

const defaultBatchSize = 500

// Factories is the lookup table from model kind to constructor.
func Factories(d Deps) map[pipeline.Kind]pipeline.Factory {
	if d.BatchSize <= 0 {
		d.BatchSize = defaultBatchSize
	}
	if d.Classifier == nil {
		d.Classifier = dynamics.Default()
	}
	diff := fingerprint.NewEngine(d.Store)
	base := func(spec pipeline.ModelSpec) model {
		return model{name: spec.Name, kind: spec.Kind, store: d.Store, diff: diff}
	}
	return map[pipeline.Kind]pipeline.Factory{
		pipeline.KindBreakdown: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			if d.Bulk == nil {
				return nil, fmt.Errorf("model %s: bulk engine not configured", spec.Name)
			}
			return &BreakdownModel{model: base(spec), bulk: d.Bulk, batchSize: d.BatchSize}, nil
		},
		pipeline.KindClassifier: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			return &ClusterModel{model: base(spec), classifier: d.Classifier}, nil
		},
		pipeline.KindPolicySync: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			return &PolicySyncModel{model: base(spec), source: d.Policies, revision: d.PolicyRevision}, nil
		},
		pipeline.KindScorer: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			return &ScoringModel{model: base(spec)}, nil
		},
		pipeline.KindIndexer: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			return &SearchIndexModel{model: base(spec), indexer: d.Indexer}, nil
		},
		pipeline.KindExporter: func(spec pipeline.ModelSpec) (pipeline.Model, error) {
			return &ExportModel{model: base(spec), publisher: d.Publisher}, nil
		},
	}
}

type model struct {
	name  string
	kind  pipeline.Kind
	store Store
	diff  *fingerprint.Engine
}

func (m model) Name() string        { return m.name }
func (m model) Kind() pipeline.Kind { return m.kind }

// commit runs write and then records fingerprints and the run marker in
// the same transaction. Fingerprints of units missing from candidates are
// dropped, so a unit that comes back is always recomputed.
func (m model) commit(ctx context.Context, req pipeline.RunRequest, candidates, units []fingerprint.Unit, write func(store.Tx) error) error {
	keep := make([]string, 0, len(candidates))
	for _, u := range candidates {
		keep = append(keep, u.ID)
	}
	return m.store.InTx(ctx, func(tx store.Tx) error {
		if write != nil {
			if err := write(tx); err != nil {
				return err
			}
		}
		if err := tx.PruneFingerprints(ctx, m.name, keep); err != nil {
			return err
		}
		if err := tx.SaveFingerprints(ctx, m.name, fingerprint.Hashes(units)); err != nil {
			return err
		}
		return tx.RecordModelRun(ctx, store.ModelRun{
			RunID:     req.RunID,
			Model:     m.name,
			StartedAt: req.StartedAt,
			Units:     len(units),
		})
	})
}

func unitID(id int64) string {
	return fmt.Sprint(id)
}

func endOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
