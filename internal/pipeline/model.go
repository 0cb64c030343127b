package pipeline

import (
	"context"
	"time"
)

// Kind is the closed set of model variants a pipeline definition may name.
type Kind string

const (
	KindBreakdown  Kind = "breakdown"
	KindClassifier Kind = "classifier"
	KindScorer     Kind = "scorer"
	KindPolicySync Kind = "policy_sync"
	KindIndexer    Kind = "indexer"
	KindExporter   Kind = "exporter"
)

var kinds = []Kind{KindBreakdown, KindClassifier, KindScorer, KindPolicySync, KindIndexer, KindExporter}

func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", configErrorf("unknown model kind %q", s)
}

// RunRequest is what a model receives for one execution.
type RunRequest struct {
	RunID     string
	Scope     string
	StartedAt time.Time
	// Since limits date-scoped refresh; nil means recompute every unit.
	Since *time.Time
	Quiet bool
}

// Model is one unit of pipeline work. Run returns the number of units it
// recomputed and must commit its output, fingerprints included, atomically.
type Model interface {
	Name() string
	Kind() Kind
	Run(ctx context.Context, req RunRequest) (int, error)
}

// Factory builds the model for spec. Factories are looked up by Kind.
type Factory func(spec ModelSpec) (Model, error)
