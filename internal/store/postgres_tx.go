package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) UpsertBreakdowns(ctx context.Context, rows []Breakdown) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO breakdowns (decision_id, gov_for, gov_against, gov_absent, opp_for, opp_against, opp_absent, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (decision_id) DO UPDATE
		SET gov_for=EXCLUDED.gov_for, gov_against=EXCLUDED.gov_against, gov_absent=EXCLUDED.gov_absent,
			opp_for=EXCLUDED.opp_for, opp_against=EXCLUDED.opp_against, opp_absent=EXCLUDED.opp_absent, updated_at=NOW()
		WHERE (breakdowns.gov_for, breakdowns.gov_against, breakdowns.gov_absent, breakdowns.opp_for, breakdowns.opp_against, breakdowns.opp_absent)
			IS DISTINCT FROM (EXCLUDED.gov_for, EXCLUDED.gov_against, EXCLUDED.gov_absent, EXCLUDED.opp_for, EXCLUDED.opp_against, EXCLUDED.opp_absent)
	`)
	if err != nil {
		return fmt.Errorf("prepare breakdown upsert: %w", err)
	}
	defer stmt.Close()
	for _, b := range rows {
		if _, err := stmt.ExecContext(ctx, b.DecisionID, b.GovFor, b.GovAgainst, b.GovAbsent, b.OppFor, b.OppAgainst, b.OppAbsent); err != nil {
			return fmt.Errorf("upsert breakdown %d: %w", b.DecisionID, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteBreakdowns(ctx context.Context, decisionIDs []int64) error {
	if len(decisionIDs) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM breakdowns WHERE decision_id = ANY($1)`, decisionIDs); err != nil {
		return fmt.Errorf("delete breakdowns: %w", err)
	}
	return nil
}

// UpsertClusterAssignments writes automated results. Manual rows are never
// touched.
func (t *pgTx) UpsertClusterAssignments(ctx context.Context, rows []ClusterAssignment) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO cluster_assignments (decision_id, cluster, distance, is_outlier, description, manual, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		ON CONFLICT (decision_id) DO UPDATE
		SET cluster=EXCLUDED.cluster, distance=EXCLUDED.distance, is_outlier=EXCLUDED.is_outlier,
			description=EXCLUDED.description, updated_at=NOW()
		WHERE cluster_assignments.manual = FALSE
			AND (cluster_assignments.cluster, cluster_assignments.distance, cluster_assignments.is_outlier, cluster_assignments.description)
				IS DISTINCT FROM (EXCLUDED.cluster, EXCLUDED.distance, EXCLUDED.is_outlier, EXCLUDED.description)
	`)
	if err != nil {
		return fmt.Errorf("prepare cluster upsert: %w", err)
	}
	defer stmt.Close()
	for _, c := range rows {
		if c.Manual {
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.DecisionID, c.Cluster, c.Distance, c.IsOutlier, c.Description); err != nil {
			return fmt.Errorf("upsert cluster assignment %d: %w", c.DecisionID, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteAutomatedClusterAssignments(ctx context.Context, decisionIDs []int64) error {
	if len(decisionIDs) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cluster_assignments WHERE decision_id = ANY($1) AND manual = FALSE`, decisionIDs); err != nil {
		return fmt.Errorf("delete cluster assignments: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertPolicies(ctx context.Context, policies []Policy) error {
	for _, p := range policies {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO policies (id, name, chamber, status, version, policy_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (id) DO UPDATE
			SET name=EXCLUDED.name, chamber=EXCLUDED.chamber, status=EXCLUDED.status,
				version=EXCLUDED.version, policy_hash=EXCLUDED.policy_hash, updated_at=NOW()
			WHERE (policies.name, policies.chamber, policies.status, policies.policy_hash)
				IS DISTINCT FROM (EXCLUDED.name, EXCLUDED.chamber, EXCLUDED.status, EXCLUDED.policy_hash)
		`, p.ID, p.Name, p.Chamber, p.Status, p.Version, p.Hash)
		if err != nil {
			return fmt.Errorf("upsert policy %d: %w", p.ID, err)
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM policy_decisions WHERE policy_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clear policy decisions %d: %w", p.ID, err)
		}
		for _, link := range p.Decisions {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO policy_decisions (policy_id, decision_id, direction, strength)
				VALUES ($1, $2, $3, $4)
			`, p.ID, link.DecisionID, link.Direction, link.Strength); err != nil {
				return fmt.Errorf("insert policy decision %d/%d: %w", p.ID, link.DecisionID, err)
			}
		}
	}
	return nil
}

func (t *pgTx) UpsertAlignment(ctx context.Context, rows []AlignmentDistribution) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO alignment_distributions (`+alignmentColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())
		ON CONFLICT (entity_kind, entity_id, policy_id, period_id) DO UPDATE
		SET chamber=EXCLUDED.chamber, party_id=EXCLUDED.party_id, status=EXCLUDED.status, score=EXCLUDED.score,
			party_score=EXCLUDED.party_score, distance_from_party=EXCLUDED.distance_from_party,
			strong_total=EXCLUDED.strong_total, strong_agreed=EXCLUDED.strong_agreed, strong_disagreed=EXCLUDED.strong_disagreed,
			strong_abstained=EXCLUDED.strong_abstained, strong_absent=EXCLUDED.strong_absent,
			weak_total=EXCLUDED.weak_total, weak_agreed=EXCLUDED.weak_agreed, weak_disagreed=EXCLUDED.weak_disagreed,
			verbose=EXCLUDED.verbose, updated_at=NOW()
		WHERE (alignment_distributions.party_id, alignment_distributions.status, alignment_distributions.score,
				alignment_distributions.party_score, alignment_distributions.strong_total, alignment_distributions.strong_absent,
				alignment_distributions.weak_total, alignment_distributions.verbose)
			IS DISTINCT FROM (EXCLUDED.party_id, EXCLUDED.status, EXCLUDED.score, EXCLUDED.party_score,
				EXCLUDED.strong_total, EXCLUDED.strong_absent, EXCLUDED.weak_total, EXCLUDED.verbose)
	`)
	if err != nil {
		return fmt.Errorf("prepare alignment upsert: %w", err)
	}
	defer stmt.Close()
	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx, a.EntityKind, a.EntityID, a.PolicyID, a.PeriodID, a.Chamber, a.PartyID, a.Status,
			a.Score, a.PartyScore, a.DistanceFromParty, a.StrongTotal, a.StrongAgreed, a.StrongDisagreed, a.StrongAbstained,
			a.StrongAbsent, a.WeakTotal, a.WeakAgreed, a.WeakDisagreed, a.Verbose); err != nil {
			return fmt.Errorf("upsert alignment %s/%d/%d/%d: %w", a.EntityKind, a.EntityID, a.PolicyID, a.PeriodID, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteAlignment(ctx context.Context, keys []AlignmentKey) error {
	if len(keys) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		DELETE FROM alignment_distributions
		WHERE entity_kind = $1 AND entity_id = $2 AND policy_id = $3 AND period_id = $4
	`)
	if err != nil {
		return fmt.Errorf("prepare alignment delete: %w", err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.EntityKind, k.EntityID, k.PolicyID, k.PeriodID); err != nil {
			return fmt.Errorf("delete alignment %s/%d/%d/%d: %w", k.EntityKind, k.EntityID, k.PolicyID, k.PeriodID, err)
		}
	}
	return nil
}

func (t *pgTx) PruneFingerprints(ctx context.Context, model string, keep []string) error {
	if keep == nil {
		keep = []string{}
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM unit_fingerprints WHERE model = $1 AND NOT (unit = ANY($2))`, model, keep); err != nil {
		return fmt.Errorf("prune fingerprints %s: %w", model, err)
	}
	return nil
}

func (t *pgTx) SaveFingerprints(ctx context.Context, model string, hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO unit_fingerprints (model, unit, hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (model, unit) DO UPDATE
		SET hash=EXCLUDED.hash, updated_at=NOW()
		WHERE unit_fingerprints.hash <> EXCLUDED.hash
	`)
	if err != nil {
		return fmt.Errorf("prepare fingerprint upsert: %w", err)
	}
	defer stmt.Close()

	units := make([]string, 0, len(hashes))
	for unit := range hashes {
		units = append(units, unit)
	}
	// Stable order keeps row locks acquired consistently across runs.
	sort.Strings(units)
	for _, unit := range units {
		if _, err := stmt.ExecContext(ctx, model, unit, hashes[unit]); err != nil {
			return fmt.Errorf("save fingerprint %s/%s: %w", model, unit, err)
		}
	}
	return nil
}

func (t *pgTx) RecordModelRun(ctx context.Context, run ModelRun) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO model_runs (run_id, model, started_at, completed_at, units)
		VALUES ($1, $2, $3, NOW(), $4)
	`, run.RunID, run.Model, run.StartedAt, run.Units)
	if err != nil {
		return fmt.Errorf("record model run: %w", err)
	}
	return nil
}
