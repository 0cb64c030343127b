package populate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"votes/analytics/internal/alignment"
	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/fingerprint"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/store"
)

// ScoringModel computes alignment distributions for every person and party
// that sat in a policy's chamber during a comparison period. A unit's
// fingerprint covers the policy hash, the period, the person's memberships
// and the content fingerprints of the policy's decisions in the period, so
// an unchanged unit keeps its stored row verbatim.
type ScoringModel struct {
	model
}

type scoreUnit struct {
	unit        fingerprint.Unit
	entity      alignment.Entity
	policy      *store.Policy
	period      store.Period
	memberships []alignment.Span
}

func scoreUnitID(kind string, entityID, policyID, periodID int64) string {
	return fmt.Sprintf("%s:%d:policy:%d:period:%d", kind, entityID, policyID, periodID)
}

func overlaps(m store.Membership, p store.Period) bool {
	if !p.End.IsZero() && m.Start.After(p.End) {
		return false
	}
	return m.End == nil || !m.End.Before(p.Start)
}

func (m *ScoringModel) Run(ctx context.Context, req pipeline.RunRequest) (int, error) {
	logger := ctxlog.FromContext(ctx)

	policies, err := m.store.ListPolicies(ctx)
	if err != nil {
		return 0, err
	}
	periods, err := m.store.ListPeriods(ctx)
	if err != nil {
		return 0, err
	}
	memberships, err := m.store.ListMemberships(ctx)
	if err != nil {
		return 0, err
	}
	all, err := m.store.ListDecisions(ctx)
	if err != nil {
		return 0, err
	}
	decisions := make(map[int64]store.Decision, len(all))
	for _, d := range all {
		decisions[d.ID] = d
	}

	var units []scoreUnit
	for i := range policies {
		units = append(units, m.policyUnits(&policies[i], periods, memberships, decisions)...)
	}
	candidates := make([]fingerprint.Unit, len(units))
	byID := make(map[string]scoreUnit, len(units))
	for i, u := range units {
		candidates[i] = u.unit
		byID[u.unit.ID] = u
	}

	changed, err := m.diff.ChangedUnits(ctx, m.name, candidates, req.Since)
	if err != nil {
		return 0, err
	}

	// Votes are loaded once per policy that has changed units.
	votesByPolicy := map[int64]map[int64][]alignment.Vote{}
	rows := make([]store.AlignmentDistribution, 0, len(changed))
	for _, cu := range changed {
		u := byID[cu.ID]
		votes, ok := votesByPolicy[u.policy.ID]
		if !ok {
			votes, err = m.policyVotes(ctx, u.policy, decisions)
			if err != nil {
				return 0, err
			}
			votesByPolicy[u.policy.ID] = votes
		}
		rows = append(rows, distribution(u, alignment.Score(alignment.Input{
			Entity:      u.entity,
			Period:      alignment.Span{Start: u.period.Start, End: u.period.End},
			Memberships: u.memberships,
			Decisions:   policyDecisions(u.policy, decisions),
			Votes:       votes,
		})))
	}

	// Rows whose entity, policy or period no longer forms a unit are stale.
	existing, err := m.store.ListAlignment(ctx)
	if err != nil {
		return 0, err
	}
	var stale []store.AlignmentKey
	for _, a := range existing {
		if _, ok := byID[scoreUnitID(a.EntityKind, a.EntityID, a.PolicyID, a.PeriodID)]; !ok {
			stale = append(stale, a.Key())
		}
	}

	err = m.commit(ctx, req, candidates, changed, func(tx store.Tx) error {
		if err := tx.UpsertAlignment(ctx, rows); err != nil {
			return err
		}
		return tx.DeleteAlignment(ctx, stale)
	})
	if err != nil {
		return 0, err
	}
	logger.Debug("alignment scored", "units", len(changed), "candidates", len(candidates), "removed", len(stale))
	return len(changed), nil
}

// policyUnits builds the person and party units of one policy.
func (m *ScoringModel) policyUnits(p *store.Policy, periods []store.Period, memberships []store.Membership, decisions map[int64]store.Decision) []scoreUnit {
	var out []scoreUnit
	for _, period := range periods {
		span := alignment.Span{Start: period.Start, End: period.End}

		var fps []string
		var latest time.Time
		for _, link := range p.Decisions {
			d, ok := decisions[link.DecisionID]
			if !ok || d.Chamber != p.Chamber || !span.Contains(d.Date) {
				continue
			}
			fps = append(fps, fmt.Sprintf("%d:%s", d.ID, d.Fingerprint))
			if d.Date.After(latest) {
				latest = d.Date
			}
		}
		decisionHash := fingerprint.Sorted(fps)
		periodHash := fingerprint.New().AddInt(period.ID).AddDate(period.Start, period.End).Sum()

		type person struct {
			party      int64
			partyStart time.Time
			spans      []alignment.Span
			hashes     []string
		}
		people := map[int64]*person{}
		parties := map[int64]bool{}
		for _, mem := range memberships {
			if mem.Chamber != p.Chamber || !overlaps(mem, period) {
				continue
			}
			pr, ok := people[mem.PersonID]
			if !ok {
				pr = &person{}
				people[mem.PersonID] = pr
			}
			end := endOrZero(mem.End)
			pr.spans = append(pr.spans, alignment.Span{Start: mem.Start, End: end})
			pr.hashes = append(pr.hashes, fingerprint.New().AddInt(mem.PartyID).AddDate(mem.Start, end).Sum())
			// The comparison party is the one from the most recent membership.
			if !mem.Start.Before(pr.partyStart) {
				pr.party, pr.partyStart = mem.PartyID, mem.Start
			}
			if mem.PartyID != 0 {
				parties[mem.PartyID] = true
			}
		}

		for id, pr := range people {
			out = append(out, scoreUnit{
				unit: fingerprint.Unit{
					ID:   scoreUnitID(string(alignment.KindPerson), id, p.ID, period.ID),
					Date: latest,
					Hash: fingerprint.New().
						Add(string(alignment.KindPerson), p.Hash, periodHash, decisionHash, fingerprint.Sorted(pr.hashes)).
						AddInt(id, pr.party).
						Sum(),
				},
				entity:      alignment.Entity{Kind: alignment.KindPerson, ID: id, PartyID: pr.party},
				policy:      p,
				period:      period,
				memberships: pr.spans,
			})
		}
		for id := range parties {
			out = append(out, scoreUnit{
				unit: fingerprint.Unit{
					ID:   scoreUnitID(string(alignment.KindParty), id, p.ID, period.ID),
					Date: latest,
					Hash: fingerprint.New().
						Add(string(alignment.KindParty), p.Hash, periodHash, decisionHash).
						AddInt(id).
						Sum(),
				},
				entity: alignment.Entity{Kind: alignment.KindParty, ID: id},
				policy: p,
				period: period,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unit.ID < out[j].unit.ID })
	return out
}

func policyDecisions(p *store.Policy, decisions map[int64]store.Decision) []alignment.Decision {
	out := make([]alignment.Decision, 0, len(p.Decisions))
	for _, link := range p.Decisions {
		d, ok := decisions[link.DecisionID]
		if !ok || d.Chamber != p.Chamber {
			continue
		}
		out = append(out, alignment.Decision{
			ID:        d.ID,
			Date:      d.Date,
			Direction: alignment.Direction(link.Direction),
			Strength:  alignment.Strength(link.Strength),
		})
	}
	return out
}

func (m *ScoringModel) policyVotes(ctx context.Context, p *store.Policy, decisions map[int64]store.Decision) (map[int64][]alignment.Vote, error) {
	ids := make([]int64, 0, len(p.Decisions))
	for _, link := range p.Decisions {
		if d, ok := decisions[link.DecisionID]; ok && d.Chamber == p.Chamber {
			ids = append(ids, d.ID)
		}
	}
	votes, err := m.store.ListVotes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load votes for policy %d: %w", p.ID, err)
	}
	out := make(map[int64][]alignment.Vote, len(ids))
	for _, v := range votes {
		out[v.DecisionID] = append(out[v.DecisionID], alignment.Vote{
			PersonID: v.PersonID,
			PartyID:  v.PartyID,
			Cast:     alignment.Cast(v.Vote),
		})
	}
	return out, nil
}

func distribution(u scoreUnit, res alignment.Result) store.AlignmentDistribution {
	row := store.AlignmentDistribution{
		EntityKind:        string(u.entity.Kind),
		EntityID:          u.entity.ID,
		PolicyID:          u.policy.ID,
		PeriodID:          u.period.ID,
		Chamber:           u.policy.Chamber,
		Status:            string(res.Status),
		Score:             res.Score,
		PartyScore:        res.PartyScore,
		DistanceFromParty: res.DistanceFromParty,
		StrongTotal:       res.Strong.Total,
		StrongAgreed:      res.Strong.Agreed,
		StrongDisagreed:   res.Strong.Disagreed,
		StrongAbstained:   res.Strong.Abstained,
		StrongAbsent:      res.Strong.Absent,
		WeakTotal:         res.Weak.Total,
		WeakAgreed:        res.Weak.Agreed,
		WeakDisagreed:     res.Weak.Disagreed,
		Verbose:           res.Verbose,
	}
	party := u.entity.PartyID
	if u.entity.Kind == alignment.KindParty {
		party = u.entity.ID
	}
	if party != 0 {
		row.PartyID = &party
	}
	return row
}
