package search

import (
	"context"
	"fmt"
	"strings"

	"votes/analytics/internal/store"
)

// Indexer pushes derived rows into a search index.
type Indexer interface {
	IndexClusters(ctx context.Context, records []ClusterRecord) error
	IndexAlignment(ctx context.Context, records []AlignmentRecord) error
	DeleteClusters(ctx context.Context, ids []string) error
	DeleteAlignment(ctx context.Context, ids []string) error
}

const clusterIDPrefix = "decision-"

// IsClusterID reports whether id was built by ClusterRecordFrom.
func IsClusterID(id string) bool {
	return strings.HasPrefix(id, clusterIDPrefix)
}

// ClusterRecord is the data we index for a decision's voting dynamics.
type ClusterRecord struct {
	ID          string  `json:"id"`
	DecisionID  int64   `json:"decisionId"`
	Cluster     string  `json:"cluster"`
	Description string  `json:"description"`
	Distance    float64 `json:"distance"`
	IsOutlier   bool    `json:"isOutlier"`
	Manual      bool    `json:"manual"`
}

// AlignmentRecord is the data we index for one alignment distribution.
type AlignmentRecord struct {
	ID                string   `json:"id"`
	EntityKind        string   `json:"entityKind"`
	EntityID          int64    `json:"entityId"`
	PolicyID          int64    `json:"policyId"`
	PeriodID          int64    `json:"periodId"`
	Chamber           string   `json:"chamber"`
	Status            string   `json:"status"`
	Score             *float64 `json:"score"`
	PartyScore        *float64 `json:"partyScore"`
	DistanceFromParty *float64 `json:"distanceFromParty"`
	Verbose           string   `json:"verbose"`
}

// ClusterRecordFrom builds the indexed form of a. Meilisearch document ids
// allow only alphanumerics, hyphens and underscores.
func ClusterRecordFrom(a store.ClusterAssignment) ClusterRecord {
	return ClusterRecord{
		ID:          fmt.Sprintf("%s%d", clusterIDPrefix, a.DecisionID),
		DecisionID:  a.DecisionID,
		Cluster:     a.Cluster,
		Description: a.Description,
		Distance:    a.Distance,
		IsOutlier:   a.IsOutlier,
		Manual:      a.Manual,
	}
}

func AlignmentRecordFrom(a store.AlignmentDistribution) AlignmentRecord {
	return AlignmentRecord{
		ID:                fmt.Sprintf("%s-%d-policy-%d-period-%d", a.EntityKind, a.EntityID, a.PolicyID, a.PeriodID),
		EntityKind:        a.EntityKind,
		EntityID:          a.EntityID,
		PolicyID:          a.PolicyID,
		PeriodID:          a.PeriodID,
		Chamber:           a.Chamber,
		Status:            a.Status,
		Score:             a.Score,
		PartyScore:        a.PartyScore,
		DistanceFromParty: a.DistanceFromParty,
		Verbose:           a.Verbose,
	}
}
