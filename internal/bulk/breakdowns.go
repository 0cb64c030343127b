package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type VoteRow struct {
	DecisionID int64
	PersonID   int64
	PartyID    int64
	Chamber    string
	Date       time.Time
	Cast       string
}

// GovernmentRow marks a party as part of the government of a chamber. A zero
// End is open-ended.
type GovernmentRow struct {
	Chamber string
	PartyID int64
	Start   time.Time
	End     time.Time
}

type BreakdownRow struct {
	DecisionID int64
	GovFor     int
	GovAgainst int
	GovAbsent  int
	OppFor     int
	OppAgainst int
	OppAbsent  int
}

const openEnded = "9999-12-31"

const stageSchema = `
CREATE TEMP TABLE staged_votes (
	decision_id INTEGER NOT NULL,
	person_id INTEGER NOT NULL,
	party_id INTEGER NOT NULL,
	chamber TEXT NOT NULL,
	vote_date TEXT NOT NULL,
	vote TEXT NOT NULL
);
CREATE TEMP TABLE staged_government (
	chamber TEXT NOT NULL,
	party_id INTEGER NOT NULL,
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL
);
CREATE INDEX temp.staged_government_lookup ON staged_government (chamber, party_id);
`

const breakdownQuery = `
WITH sided AS (
	SELECT v.decision_id, v.vote,
		EXISTS (
			SELECT 1 FROM staged_government g
			WHERE g.chamber = v.chamber
			  AND g.party_id = v.party_id
			  AND v.vote_date >= g.start_date
			  AND v.vote_date <= g.end_date
		) AS is_gov
	FROM staged_votes v
)
SELECT decision_id,
	SUM(CASE WHEN is_gov = 1 AND vote = 'aye' THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_gov = 1 AND vote = 'no' THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_gov = 1 AND vote IN ('absent', 'abstain') THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_gov = 0 AND vote = 'aye' THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_gov = 0 AND vote = 'no' THEN 1 ELSE 0 END),
	SUM(CASE WHEN is_gov = 0 AND vote IN ('absent', 'abstain') THEN 1 ELSE 0 END)
FROM sided
GROUP BY decision_id
ORDER BY decision_id`

// Breakdowns tallies votes per decision into government and opposition
// sides. Decisions without staged votes produce no row.
func (e *Engine) Breakdowns(ctx context.Context, votes []VoteRow, government []GovernmentRow) ([]BreakdownRow, error) {
	var out []BreakdownRow
	err := e.Transform(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stageSchema); err != nil {
			return fmt.Errorf("create staging tables: %w", err)
		}
		if err := stageGovernment(ctx, tx, government); err != nil {
			return err
		}
		if err := stageVotes(ctx, tx, votes); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, breakdownQuery)
		if err != nil {
			return fmt.Errorf("aggregate breakdowns: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var row BreakdownRow
			if err := rows.Scan(&row.DecisionID, &row.GovFor, &row.GovAgainst, &row.GovAbsent, &row.OppFor, &row.OppAgainst, &row.OppAbsent); err != nil {
				return fmt.Errorf("scan breakdown: %w", err)
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stageGovernment(ctx context.Context, tx *sql.Tx, government []GovernmentRow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_government (chamber, party_id, start_date, end_date) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare government staging: %w", err)
	}
	defer stmt.Close()
	for _, g := range government {
		end := openEnded
		if !g.End.IsZero() {
			end = g.End.Format(time.DateOnly)
		}
		if _, err := stmt.ExecContext(ctx, g.Chamber, g.PartyID, g.Start.Format(time.DateOnly), end); err != nil {
			return fmt.Errorf("stage government party %d: %w", g.PartyID, err)
		}
	}
	return nil
}

func stageVotes(ctx context.Context, tx *sql.Tx, votes []VoteRow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_votes (decision_id, person_id, party_id, chamber, vote_date, vote) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare vote staging: %w", err)
	}
	defer stmt.Close()
	for _, v := range votes {
		if _, err := stmt.ExecContext(ctx, v.DecisionID, v.PersonID, v.PartyID, v.Chamber, v.Date.Format(time.DateOnly), v.Cast); err != nil {
			return fmt.Errorf("stage vote %d/%d: %w", v.DecisionID, v.PersonID, err)
		}
	}
	return nil
}
