package store

import (
	"context"
	"encoding/json"
	"time"
)

// Vote values as stored in votes.vote.
const (
	VoteAye     = "aye"
	VoteNo      = "no"
	VoteAbsent  = "absent"
	VoteAbstain = "abstain"
)

const (
	KindDivision  = "division"
	KindAgreement = "agreement"
)

type Decision struct {
	ID          int64
	Key         string
	Kind        string
	Chamber     string
	Date        time.Time
	Number      int
	Title       string
	Result      string
	Fingerprint string
	UpdatedAt   time.Time
}

type Vote struct {
	DecisionID int64
	PersonID   int64
	// PartyID is the party at the time of the vote, 0 for none.
	PartyID int64
	Vote    string
}

type Membership struct {
	PersonID int64
	PartyID  int64
	Chamber  string
	Start    time.Time
	End      *time.Time
}

type GovernmentParty struct {
	Chamber string
	PartyID int64
	Start   time.Time
	End     *time.Time
}

type Period struct {
	ID          int64
	Slug        string
	Description string
	Start       time.Time
	End         time.Time
}

type PolicyDecision struct {
	DecisionID int64
	Direction  string
	Strength   string
}

type Policy struct {
	ID        int64
	Name      string
	Chamber   string
	Status    string
	Version   string
	Hash      string
	Decisions []PolicyDecision
}

type Breakdown struct {
	DecisionID int64     `json:"decision_id"`
	Chamber    string    `json:"chamber"`
	Date       time.Time `json:"date"`
	GovFor     int       `json:"gov_for"`
	GovAgainst int       `json:"gov_against"`
	GovAbsent  int       `json:"gov_absent"`
	OppFor     int       `json:"opp_for"`
	OppAgainst int       `json:"opp_against"`
	OppAbsent  int       `json:"opp_absent"`
}

type ClusterAssignment struct {
	DecisionID  int64     `json:"decision_id"`
	Cluster     string    `json:"cluster"`
	Distance    float64   `json:"distance"`
	IsOutlier   bool      `json:"is_outlier"`
	Description string    `json:"description"`
	Manual      bool      `json:"manual"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type AlignmentDistribution struct {
	EntityKind        string   `json:"entity_kind"`
	EntityID          int64    `json:"entity_id"`
	PolicyID          int64    `json:"policy_id"`
	PeriodID          int64    `json:"period_id"`
	Chamber           string   `json:"chamber"`
	PartyID           *int64   `json:"party_id"`
	Status            string   `json:"status"`
	Score             *float64 `json:"score"`
	PartyScore        *float64 `json:"party_score"`
	DistanceFromParty *float64 `json:"distance_from_party"`
	StrongTotal       int      `json:"strong_total"`
	StrongAgreed      int      `json:"strong_agreed"`
	StrongDisagreed   int      `json:"strong_disagreed"`
	StrongAbstained   int      `json:"strong_abstained"`
	StrongAbsent      int      `json:"strong_absent"`
	WeakTotal         int      `json:"weak_total"`
	WeakAgreed        int      `json:"weak_agreed"`
	WeakDisagreed     int      `json:"weak_disagreed"`
	Verbose           string   `json:"verbose"`
}

// AlignmentKey identifies one alignment_distributions row.
type AlignmentKey struct {
	EntityKind string
	EntityID   int64
	PolicyID   int64
	PeriodID   int64
}

func (a AlignmentDistribution) Key() AlignmentKey {
	return AlignmentKey{EntityKind: a.EntityKind, EntityID: a.EntityID, PolicyID: a.PolicyID, PeriodID: a.PeriodID}
}

type ModelRun struct {
	RunID     string
	Model     string
	StartedAt time.Time
	Units     int
}

type Update struct {
	ID             string          `json:"id"`
	Instructions   json.RawMessage `json:"instructions"`
	InstructionKey string          `json:"-"`
	CreatedVia     string          `json:"created_via"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	FailedAt       *time.Time      `json:"failed_at"`
	Error          string          `json:"error,omitempty"`
}

// Tx is the write surface a model commits through. Everything written in
// one Tx becomes visible together.
type Tx interface {
	UpsertBreakdowns(ctx context.Context, rows []Breakdown) error
	DeleteBreakdowns(ctx context.Context, decisionIDs []int64) error
	UpsertClusterAssignments(ctx context.Context, rows []ClusterAssignment) error
	DeleteAutomatedClusterAssignments(ctx context.Context, decisionIDs []int64) error
	UpsertPolicies(ctx context.Context, policies []Policy) error
	UpsertAlignment(ctx context.Context, rows []AlignmentDistribution) error
	DeleteAlignment(ctx context.Context, keys []AlignmentKey) error
	SaveFingerprints(ctx context.Context, model string, hashes map[string]string) error
	// PruneFingerprints drops the model's fingerprints for every unit not in
	// keep.
	PruneFingerprints(ctx context.Context, model string, keep []string) error
	RecordModelRun(ctx context.Context, run ModelRun) error
}
