package populate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"votes/analytics/internal/bulk"
	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/store"
)

// BreakdownModel tallies each division's votes into government and
// opposition counts. A unit is one division; its fingerprint covers the
// decision's content fingerprint and the chamber's government history.
type BreakdownModel struct {
	model
	bulk      *bulk.Engine
	batchSize int
}

func governmentHashes(gov []store.GovernmentParty) map[string]string {
	parts := map[string][]string{}
	for _, g := range gov {
		parts[g.Chamber] = append(parts[g.Chamber], fingerprint.New().
			AddInt(g.PartyID).
			AddDate(g.Start, endOrZero(g.End)).
			Sum())
	}
	out := make(map[string]string, len(parts))
	for chamber, p := range parts {
		out[chamber] = fingerprint.Sorted(p)
	}
	return out
}

func (m *BreakdownModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)

	decisions, err := m.store.ListDecisions(ctx)
	if err != nil {
		return 0, err
	}
	gov, err := m.store.ListGovernmentParties(ctx)
	if err != nil {
		return 0, err
	}
	govHash := governmentHashes(gov)

	byID := map[int64]store.Decision{}
	var candidates []fingerprint.Unit
	for _, d := range decisions {
		if d.Kind != store.KindDivision {
			continue
		}
		byID[d.ID] = d
		candidates = append(candidates, fingerprint.Unit{
			ID:   unitID(d.ID),
			Date: d.Date,
			Hash: fingerprint.Of(d.Fingerprint, d.Chamber, govHash[d.Chamber]),
		})
	}

	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}

	govRows := make([]bulk.GovernmentRow, 0, len(gov))
	for _, g := range gov {
		govRows = append(govRows, bulk.GovernmentRow{Chamber: g.Chamber, PartyID: g.PartyID, Start: g.Start, End: endOrZero(g.End)})
	}

	var rows []store.Breakdown
	var empty []int64
	for _, batch := range batches(changed, m.batchSize) {
		ids := make([]int64, 0, len(batch))
		for _, u := range batch {
			ids = append(ids, decisionIDOf(u.ID))
		}
		votes, err := m.store.ListVotes(ctx, ids)
		if err != nil {
			return 0, err
		}
		staged := make([]bulk.VoteRow, 0, len(votes))
		for _, v := range votes {
			d := byID[v.DecisionID]
			staged = append(staged, bulk.VoteRow{
				DecisionID: v.DecisionID,
				PersonID:   v.PersonID,
				PartyID:    v.PartyID,
				Chamber:    d.Chamber,
				Date:       d.Date,
				Cast:       v.Vote,
			})
		}
		tallies, err := m.bulk.Breakdowns(ctx, staged, govRows)
		if err != nil {
			return 0, fmt.Errorf("tally batch: %w", err)
		}

		seen := make(map[int64]bool, len(tallies))
		for _, t := range tallies {
			d := byID[t.DecisionID]
			seen[t.DecisionID] = true
			rows = append(rows, store.Breakdown{
				DecisionID: t.DecisionID,
				Chamber:    d.Chamber,
				Date:       d.Date,
				GovFor:     t.GovFor,
				GovAgainst: t.GovAgainst,
				GovAbsent:  t.GovAbsent,
				OppFor:     t.OppFor,
				OppAgainst: t.OppAgainst,
				OppAbsent:  t.OppAbsent,
			})
		}
		for _, id := range ids {
			if !seen[id] {
				empty = append(empty, id)
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DecisionID < rows[j].DecisionID })

	err = m.commit(ctx, req, candidates, changed, func(tx store.Tx) error {
		if err := tx.UpsertBreakdowns(ctx, rows); err != nil {
			return err
		}
		return tx.DeleteBreakdowns(ctx, empty)
	})
	if err != nil {
		return 0, err
	}
	logger.Debug("breakdowns written", "rows", len(rows), "without_votes", len(empty))
	return len(changed), nil
}

// decisionIDOf reverses unitID.
func decisionIDOf(unit string) int64 {
	id, _ := strconv.ParseInt(unit, 10, 64)
	return id
}
