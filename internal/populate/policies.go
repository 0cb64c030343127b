package populate

import (
	"context"
	"fmt"

	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/store"
)

// PolicySyncModel loads policy definitions from the policy repository and
// resolves their decision keys. Links to unknown decisions are dropped
// until ingestion catches up; the policy hash changes once they resolve.
type PolicySyncModel struct {
	model
	source   PolicySource
	revision string
}

// PolicyHash summarizes a policy's chamber and decision links.
func PolicyHash(chamber string, links []store.PolicyDecision) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, fmt.Sprintf("%d:%s:%s", l.DecisionID, l.Direction, l.Strength))
	}
	return fingerprint.Of(chamber, fingerprint.Sorted(parts))
}

func (m *PolicySyncModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)
	if m.source == nil {
		logger.Warn("policy repository not configured, skipping")
		return 0, nil
	}

	snap, err := m.source.Load(m.revision)
	if err != nil {
		return 0, fmt.Errorf("load policy definitions: %w", err)
	}

	var keys []string
	for _, def := range snap.Definitions {
		for _, link := range def.Decisions {
			keys = append(keys, link.Key)
		}
	}
	ids, err := m.store.DecisionIDsByKey(ctx, keys)
	if err != nil {
		return 0, err
	}

	byUnit := map[string]store.Policy{}
	candidates := make([]fingerprint.Unit, 0, len(snap.Definitions))
	for _, def := range snap.Definitions {
		p := store.Policy{
			ID:      def.ID,
			Name:    def.Name,
			Chamber: def.Chamber,
			Status:  def.Status,
			Version: snap.Revision,
		}
		for _, link := range def.Decisions {
			id, ok := ids[link.Key]
			if !ok {
				logger.Warn("policy links unknown decision", "policy_id", def.ID, "key", link.Key)
				continue
			}
			p.Decisions = append(p.Decisions, store.PolicyDecision{DecisionID: id, Direction: link.Direction, Strength: link.Strength})
		}
		p.Hash = PolicyHash(p.Chamber, p.Decisions)

		u := fingerprint.Unit{ID: unitID(def.ID), Hash: fingerprint.Of(p.Hash, p.Name, p.Status)}
		byUnit[u.ID] = p
		candidates = append(candidates, u)
	}

	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}
	policies := make([]store.Policy, 0, len(changed))
	for _, u := range changed {
		policies = append(policies, byUnit[u.ID])
	}

	err = m.commit(ctx, req, candidates, changed, func(tx store.Tx) error {
		return tx.UpsertPolicies(ctx, policies)
	})
	if err != nil {
		return 0, err
	}
	logger.Debug("policies synced", "revision", snap.Revision, "changed", len(policies), "total", len(candidates))
	return len(changed), nil
}
