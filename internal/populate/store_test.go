package populate

import (
	"context"
	"sort"
	"sync"
	"time"

	"votes/analytics/internal/store"
)

// memStore is an in-memory Store. Writes made through InTx are buffered and
// applied only when the callback succeeds.
type memStore struct {
	mu sync.Mutex

	decisions   []store.Decision
	votes       []store.Vote
	gov         []store.GovernmentParty
	memberships []store.Membership
	periods     []store.Period

	policies     map[int64]store.Policy
	breakdowns   map[int64]store.Breakdown
	clusters     map[int64]store.ClusterAssignment
	alignment    map[string]store.AlignmentDistribution
	fingerprints map[string]map[string]string
	runs         []store.ModelRun

	inTxFn func() error
}

func newMemStore() *memStore {
	return &memStore{
		policies:     map[int64]store.Policy{},
		breakdowns:   map[int64]store.Breakdown{},
		clusters:     map[int64]store.ClusterAssignment{},
		alignment:    map[string]store.AlignmentDistribution{},
		fingerprints: map[string]map[string]string{},
	}
}

func (s *memStore) ListDecisions(context.Context) ([]store.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Decision(nil), s.decisions...), nil
}

func (s *memStore) ListVotes(_ context.Context, ids []int64) ([]store.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []store.Vote
	for _, v := range s.votes {
		if want[v.DecisionID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) ListGovernmentParties(context.Context) ([]store.GovernmentParty, error) {
	return append([]store.GovernmentParty(nil), s.gov...), nil
}

func (s *memStore) ListMemberships(context.Context) ([]store.Membership, error) {
	return append([]store.Membership(nil), s.memberships...), nil
}

func (s *memStore) ListPeriods(context.Context) ([]store.Period, error) {
	return append([]store.Period(nil), s.periods...), nil
}

func (s *memStore) ListPolicies(context.Context) ([]store.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListBreakdowns(context.Context) ([]store.Breakdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Breakdown, 0, len(s.breakdowns))
	for _, b := range s.breakdowns {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionID < out[j].DecisionID })
	return out, nil
}

func (s *memStore) ListClusterAssignments(context.Context) ([]store.ClusterAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ClusterAssignment, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionID < out[j].DecisionID })
	return out, nil
}

func (s *memStore) ListAlignment(context.Context) ([]store.AlignmentDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.alignment))
	for k := range s.alignment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]store.AlignmentDistribution, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.alignment[k])
	}
	return out, nil
}

func (s *memStore) DecisionIDsByKey(_ context.Context, keys []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, k := range keys {
		for _, d := range s.decisions {
			if d.Key == k {
				out[k] = d.ID
			}
		}
	}
	return out, nil
}

func (s *memStore) Fingerprints(_ context.Context, model string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.fingerprints[model] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) LastModelRun(_ context.Context, model string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, r := range s.runs {
		if r.Model == model && (!found || r.StartedAt.After(last)) {
			last, found = r.StartedAt, true
		}
	}
	return last, found, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}
	if s.inTxFn != nil {
		if err := s.inTxFn(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		op(s)
	}
	return nil
}

func alignmentKey(a store.AlignmentDistribution) string {
	return a.EntityKind + ":" + unitID(a.EntityID) + ":" + unitID(a.PolicyID) + ":" + unitID(a.PeriodID)
}

type memTx struct {
	ops []func(s *memStore)
}

func (t *memTx) UpsertBreakdowns(_ context.Context, rows []store.Breakdown) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, b := range rows {
			s.breakdowns[b.DecisionID] = b
		}
	})
	return nil
}

func (t *memTx) DeleteBreakdowns(_ context.Context, ids []int64) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, id := range ids {
			delete(s.breakdowns, id)
		}
	})
	return nil
}

func (t *memTx) UpsertClusterAssignments(_ context.Context, rows []store.ClusterAssignment) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, c := range rows {
			if existing, ok := s.clusters[c.DecisionID]; ok && existing.Manual {
				continue
			}
			s.clusters[c.DecisionID] = c
		}
	})
	return nil
}

func (t *memTx) DeleteAutomatedClusterAssignments(_ context.Context, ids []int64) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, id := range ids {
			if c, ok := s.clusters[id]; ok && !c.Manual {
				delete(s.clusters, id)
			}
		}
	})
	return nil
}

func (t *memTx) UpsertPolicies(_ context.Context, policies []store.Policy) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, p := range policies {
			s.policies[p.ID] = p
		}
	})
	return nil
}

func (t *memTx) UpsertAlignment(_ context.Context, rows []store.AlignmentDistribution) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, a := range rows {
			s.alignment[alignmentKey(a)] = a
		}
	})
	return nil
}

func (t *memTx) DeleteAlignment(_ context.Context, keys []store.AlignmentKey) error {
	t.ops = append(t.ops, func(s *memStore) {
		for _, k := range keys {
			delete(s.alignment, k.EntityKind+":"+unitID(k.EntityID)+":"+unitID(k.PolicyID)+":"+unitID(k.PeriodID))
		}
	})
	return nil
}

func (t *memTx) PruneFingerprints(_ context.Context, model string, keep []string) error {
	t.ops = append(t.ops, func(s *memStore) {
		wanted := make(map[string]bool, len(keep))
		for _, id := range keep {
			wanted[id] = true
		}
		for id := range s.fingerprints[model] {
			if !wanted[id] {
				delete(s.fingerprints[model], id)
			}
		}
	})
	return nil
}

func (t *memTx) SaveFingerprints(_ context.Context, model string, hashes map[string]string) error {
	t.ops = append(t.ops, func(s *memStore) {
		if s.fingerprints[model] == nil {
			s.fingerprints[model] = map[string]string{}
		}
		for k, v := range hashes {
			s.fingerprints[model][k] = v
		}
	})
	return nil
}

func (t *memTx) RecordModelRun(_ context.Context, run store.ModelRun) error {
	t.ops = append(t.ops, func(s *memStore) {
		s.runs = append(s.runs, run)
	})
	return nil
}
