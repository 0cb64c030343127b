package search

import (
	"regexp"
	"testing"

	"votes/analytics/internal/store"
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,511}$`)

func TestRecordIDsAreValidMeiliIDs(t *testing.T) {
	score := 72.5
	party := int64(4)
	cluster := ClusterRecordFrom(store.ClusterAssignment{DecisionID: 991, Cluster: "free_vote", Description: "Free vote (Outlier)", IsOutlier: true})
	align := AlignmentRecordFrom(store.AlignmentDistribution{EntityKind: "person", EntityID: 12, PolicyID: 3, PeriodID: 1, PartyID: &party, Score: &score})

	for _, id := range []string{cluster.ID, align.ID} {
		if !validID.MatchString(id) {
			t.Fatalf("invalid document id %q", id)
		}
	}
	if align.ID != "person-12-policy-3-period-1" {
		t.Fatalf("unexpected alignment id %q", align.ID)
	}
	if cluster.Description != "Free vote (Outlier)" || !cluster.IsOutlier {
		t.Fatalf("unexpected cluster record %+v", cluster)
	}
}

func TestAlignmentIDsDistinguishEntityKinds(t *testing.T) {
	person := AlignmentRecordFrom(store.AlignmentDistribution{EntityKind: "person", EntityID: 7, PolicyID: 1, PeriodID: 1})
	party := AlignmentRecordFrom(store.AlignmentDistribution{EntityKind: "party", EntityID: 7, PolicyID: 1, PeriodID: 1})
	if person.ID == party.ID {
		t.Fatalf("person and party documents collide on %q", person.ID)
	}
}
