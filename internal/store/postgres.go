package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, kind, chamber, decision_date, decision_number, title, result, fingerprint, updated_at
		FROM decisions
		ORDER BY decision_date, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Key, &d.Kind, &d.Chamber, &d.Date, &d.Number, &d.Title, &d.Result, &d.Fingerprint, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListVotes(ctx context.Context, decisionIDs []int64) ([]Vote, error) {
	if len(decisionIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, person_id, COALESCE(party_id, 0), vote
		FROM votes
		WHERE decision_id = ANY($1)
		ORDER BY decision_id, person_id
	`, decisionIDs)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DecisionID, &v.PersonID, &v.PartyID, &v.Vote); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListGovernmentParties(ctx context.Context) ([]GovernmentParty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chamber, party_id, start_date, end_date
		FROM government_parties
		ORDER BY chamber, start_date, party_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list government parties: %w", err)
	}
	defer rows.Close()

	var out []GovernmentParty
	for rows.Next() {
		var g GovernmentParty
		if err := rows.Scan(&g.Chamber, &g.PartyID, &g.Start, &g.End); err != nil {
			return nil, fmt.Errorf("scan government party: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMemberships(ctx context.Context) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person_id, COALESCE(party_id, 0), chamber, start_date, end_date
		FROM memberships
		ORDER BY person_id, start_date
	`)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.PersonID, &m.PartyID, &m.Chamber, &m.Start, &m.End); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPeriods(ctx context.Context) ([]Period, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slug, description, start_date, end_date FROM periods ORDER BY start_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var out []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.ID, &p.Slug, &p.Description, &p.Start, &p.End); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, chamber, status, version, policy_hash FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	index := map[int64]int{}
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.Chamber, &p.Status, &p.Version, &p.Hash); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links, err := s.db.QueryContext(ctx, `SELECT policy_id, decision_id, direction, strength FROM policy_decisions ORDER BY policy_id, decision_id`)
	if err != nil {
		return nil, fmt.Errorf("list policy decisions: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var policyID int64
		var link PolicyDecision
		if err := links.Scan(&policyID, &link.DecisionID, &link.Direction, &link.Strength); err != nil {
			return nil, fmt.Errorf("scan policy decision: %w", err)
		}
		if i, ok := index[policyID]; ok {
			out[i].Decisions = append(out[i].Decisions, link)
		}
	}
	return out, links.Err()
}

const breakdownColumns = `b.decision_id, d.chamber, d.decision_date, b.gov_for, b.gov_against, b.gov_absent, b.opp_for, b.opp_against, b.opp_absent`

func scanBreakdown(row interface{ Scan(...any) error }) (Breakdown, error) {
	var b Breakdown
	err := row.Scan(&b.DecisionID, &b.Chamber, &b.Date, &b.GovFor, &b.GovAgainst, &b.GovAbsent, &b.OppFor, &b.OppAgainst, &b.OppAbsent)
	return b, err
}

func (s *PostgresStore) ListBreakdowns(ctx context.Context) ([]Breakdown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+breakdownColumns+`
		FROM breakdowns b
		JOIN decisions d ON d.id = b.decision_id
		ORDER BY d.decision_date, b.decision_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list breakdowns: %w", err)
	}
	defer rows.Close()

	var out []Breakdown
	for rows.Next() {
		b, err := scanBreakdown(rows)
		if err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBreakdown(ctx context.Context, decisionID int64) (Breakdown, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+breakdownColumns+`
		FROM breakdowns b
		JOIN decisions d ON d.id = b.decision_id
		WHERE b.decision_id = $1
	`, decisionID)
	b, err := scanBreakdown(row)
	if err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

const clusterColumns = `decision_id, cluster, distance, is_outlier, description, manual, updated_at`

func scanCluster(row interface{ Scan(...any) error }) (ClusterAssignment, error) {
	var c ClusterAssignment
	err := row.Scan(&c.DecisionID, &c.Cluster, &c.Distance, &c.IsOutlier, &c.Description, &c.Manual, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) ListClusterAssignments(ctx context.Context) ([]ClusterAssignment, error) {
	return s.queryClusters(ctx, `SELECT `+clusterColumns+` FROM cluster_assignments ORDER BY decision_id`)
}

// ListClusterOverrides returns the manual assignments only.
func (s *PostgresStore) ListClusterOverrides(ctx context.Context) ([]ClusterAssignment, error) {
	return s.queryClusters(ctx, `SELECT `+clusterColumns+` FROM cluster_assignments WHERE manual = TRUE ORDER BY decision_id`)
}

func (s *PostgresStore) queryClusters(ctx context.Context, query string) ([]ClusterAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cluster assignments: %w", err)
	}
	defer rows.Close()

	var out []ClusterAssignment
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster assignment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetClusterAssignment(ctx context.Context, decisionID int64) (ClusterAssignment, error) {
	c, err := scanCluster(s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM cluster_assignments WHERE decision_id = $1`, decisionID))
	if err != nil {
		return ClusterAssignment{}, err
	}
	return c, nil
}

// SetClusterOverride pins a decision to cluster. Automated runs leave the
// row alone until ResetClusterOverride removes it.
func (s *PostgresStore) SetClusterOverride(ctx context.Context, decisionID int64, cluster, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_assignments (decision_id, cluster, distance, is_outlier, description, manual, updated_at)
		VALUES ($1, $2, 0, FALSE, $3, TRUE, NOW())
		ON CONFLICT (decision_id) DO UPDATE
		SET cluster=EXCLUDED.cluster, distance=0, is_outlier=FALSE, description=EXCLUDED.description, manual=TRUE, updated_at=NOW()
	`, decisionID, cluster, description)
	if err != nil {
		return fmt.Errorf("set cluster override: %w", err)
	}
	return nil
}

// ResetClusterOverride drops a manual assignment and the unit fingerprint
// of model, so the next run classifies the decision again.
func (s *PostgresStore) ResetClusterOverride(ctx context.Context, model string, decisionID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reset override: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM cluster_assignments WHERE decision_id = $1 AND manual = TRUE`, decisionID)
	if err != nil {
		return false, fmt.Errorf("delete cluster override: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count deleted overrides: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_fingerprints WHERE model = $1 AND unit = $2`, model, fmt.Sprint(decisionID)); err != nil {
		return false, fmt.Errorf("clear cluster fingerprint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reset override: %w", err)
	}
	return affected > 0, nil
}

const alignmentColumns = `entity_kind, entity_id, policy_id, period_id, chamber, party_id, status, score, party_score, distance_from_party,
	strong_total, strong_agreed, strong_disagreed, strong_abstained, strong_absent, weak_total, weak_agreed, weak_disagreed, verbose`

func scanAlignment(row interface{ Scan(...any) error }) (AlignmentDistribution, error) {
	var a AlignmentDistribution
	err := row.Scan(&a.EntityKind, &a.EntityID, &a.PolicyID, &a.PeriodID, &a.Chamber, &a.PartyID, &a.Status, &a.Score, &a.PartyScore, &a.DistanceFromParty,
		&a.StrongTotal, &a.StrongAgreed, &a.StrongDisagreed, &a.StrongAbstained, &a.StrongAbsent, &a.WeakTotal, &a.WeakAgreed, &a.WeakDisagreed, &a.Verbose)
	return a, err
}

func (s *PostgresStore) ListAlignment(ctx context.Context) ([]AlignmentDistribution, error) {
	return s.queryAlignment(ctx, `SELECT `+alignmentColumns+` FROM alignment_distributions ORDER BY entity_kind, entity_id, policy_id, period_id`)
}

// ListPersonAlignment returns the person's rows for periodSlug. Each row
// carries the party baseline it was compared against.
func (s *PostgresStore) ListPersonAlignment(ctx context.Context, personID int64, periodSlug string) ([]AlignmentDistribution, error) {
	return s.queryAlignment(ctx, `
		SELECT `+alignmentColumns+`
		FROM alignment_distributions
		WHERE period_id = (SELECT id FROM periods WHERE slug = $2)
			AND entity_kind = 'person' AND entity_id = $1
		ORDER BY policy_id
	`, personID, periodSlug)
}

func (s *PostgresStore) queryAlignment(ctx context.Context, query string, args ...any) ([]AlignmentDistribution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alignment: %w", err)
	}
	defer rows.Close()

	var out []AlignmentDistribution
	for rows.Next() {
		a, err := scanAlignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DecisionIDsByKey(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, id FROM decisions WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("resolve decision keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan decision key: %w", err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) Fingerprints(ctx context.Context, model string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit, hash FROM unit_fingerprints WHERE model = $1`, model)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var unit, hash string
		if err := rows.Scan(&unit, &hash); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[unit] = hash
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastModelRun(ctx context.Context, model string) (time.Time, bool, error) {
	var started time.Time
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM model_runs WHERE model = $1 ORDER BY started_at DESC LIMIT 1`, model).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last run of %s: %w", model, err)
	}
	return started, true, nil
}

// InTx runs fn in one transaction and commits only if fn succeeds.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
