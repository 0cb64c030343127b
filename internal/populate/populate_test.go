package populate

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"votes/analytics/internal/bulk"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/policyrepo"
	"votes/analytics/internal/search"
	"votes/analytics/internal/store"
)

const chamber = "commons"

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedScenario loads one division where the government (party 1) splits
// 200 aye / 100 no / 20 absent and the opposition (party 2) 100 / 150 / 30,
// an agreement without votes, and a division only government members
// attended.
func seedScenario(s *memStore) {
	s.decisions = []store.Decision{
		{ID: 1, Key: "commons/2024-03-01/1", Kind: store.KindDivision, Chamber: chamber, Date: day("2024-03-01"), Fingerprint: "v1"},
		{ID: 2, Key: "commons/2024-03-02/a", Kind: store.KindAgreement, Chamber: chamber, Date: day("2024-03-02"), Fingerprint: "v1"},
		{ID: 3, Key: "commons/2024-03-03/2", Kind: store.KindDivision, Chamber: chamber, Date: day("2024-03-03"), Fingerprint: "v1"},
	}
	s.gov = []store.GovernmentParty{{Chamber: chamber, PartyID: 1, Start: day("2020-01-01")}}
	s.periods = []store.Period{{ID: 1, Slug: "all_time", Start: day("1997-01-01"), End: day("9999-12-31")}}

	addSide := func(party int64, first int64, aye, no, absent int) {
		id := first
		for i, n := range []int{aye, no, absent} {
			cast := []string{store.VoteAye, store.VoteNo, store.VoteAbsent}[i]
			for j := 0; j < n; j++ {
				s.memberships = append(s.memberships, store.Membership{PersonID: id, PartyID: party, Chamber: chamber, Start: day("2020-01-01")})
				s.votes = append(s.votes, store.Vote{DecisionID: 1, PersonID: id, PartyID: party, Vote: cast})
				id++
			}
		}
	}
	addSide(1, 1, 200, 100, 20)
	addSide(2, 1001, 100, 150, 30)
	for id := int64(1); id <= 10; id++ {
		s.votes = append(s.votes, store.Vote{DecisionID: 3, PersonID: id, PartyID: 1, Vote: store.VoteAye})
	}
}

type fakePolicies struct {
	loadFn func(revision string) (policyrepo.Snapshot, error)
}

func (f fakePolicies) Load(revision string) (policyrepo.Snapshot, error) {
	return f.loadFn(revision)
}

func defaultPolicies() fakePolicies {
	return fakePolicies{loadFn: func(string) (policyrepo.Snapshot, error) {
		return policyrepo.Snapshot{
			Revision: "abc123",
			Definitions: []policyrepo.Definition{
				{ID: 10, Name: "For the motion", Chamber: chamber, Status: "active", Decisions: []policyrepo.DecisionLink{
					{Key: "commons/2024-03-01/1", Direction: "for", Strength: "strong"},
					{Key: "commons/2099-01-01/404", Direction: "for", Strength: "strong"},
				}},
				{ID: 11, Name: "Against the motion", Chamber: chamber, Status: "active", Decisions: []policyrepo.DecisionLink{
					{Key: "commons/2024-03-01/1", Direction: "against", Strength: "strong"},
				}},
			},
		}, nil
	}}
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]byte
	calls     int
}

func (f *fakePublisher) Publish(_ context.Context, name string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.calls++
	f.published[name] = append([]byte(nil), body...)
	return name + ".jsonl", nil
}

type fakeIndexer struct {
	mu               sync.Mutex
	clusters         []search.ClusterRecord
	alignment        []search.AlignmentRecord
	deletedClusters  []string
	deletedAlignment []string
}

func (f *fakeIndexer) IndexClusters(_ context.Context, records []search.ClusterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters = append(f.clusters, records...)
	return nil
}

func (f *fakeIndexer) IndexAlignment(_ context.Context, records []search.AlignmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alignment = append(f.alignment, records...)
	return nil
}

func (f *fakeIndexer) DeleteClusters(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedClusters = append(f.deletedClusters, ids...)
	return nil
}

func (f *fakeIndexer) DeleteAlignment(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAlignment = append(f.deletedAlignment, ids...)
	return nil
}

type harness struct {
	store     *memStore
	publisher *fakePublisher
	indexer   *fakeIndexer
	registry  *pipeline.Registry
	executor  *pipeline.Executor
}

func newHarness(t *testing.T, s *memStore) *harness {
	t.Helper()
	engine, err := bulk.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("open bulk engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	h := &harness{store: s, publisher: &fakePublisher{}, indexer: &fakeIndexer{}}
	cfg, err := pipeline.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	h.registry, err = pipeline.NewRegistry(cfg, Factories(Deps{
		Store:     s,
		Bulk:      engine,
		Policies:  defaultPolicies(),
		Indexer:   h.indexer,
		Publisher: h.publisher,
		BatchSize: 2,
	}))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	h.executor = pipeline.NewExecutor(h.registry, s, pipeline.ExecutorOptions{Workers: 2, MaxAttempts: 1})
	return h
}

func (h *harness) run(t *testing.T, req pipeline.Request) pipeline.Report {
	t.Helper()
	plan, err := h.registry.Resolve(req, time.Now())
	if err != nil {
		t.Fatalf("resolve %+v: %v", req, err)
	}
	report, err := h.executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute %s: %v", plan.Scope, err)
	}
	return report
}

type derived struct {
	Breakdowns []store.Breakdown
	Clusters   []store.ClusterAssignment
	Policies   []store.Policy
	Alignment  []store.AlignmentDistribution
}

func snapshot(t *testing.T, s *memStore) derived {
	t.Helper()
	ctx := context.Background()
	var d derived
	var err error
	if d.Breakdowns, err = s.ListBreakdowns(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Clusters, err = s.ListClusterAssignments(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Policies, err = s.ListPolicies(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Alignment, err = s.ListAlignment(ctx); err != nil {
		t.Fatal(err)
	}
	return d
}

func findAlignment(t *testing.T, s *memStore, kind string, entity, policy int64) store.AlignmentDistribution {
	t.Helper()
	row, ok := s.alignment[kind+":"+unitID(entity)+":"+unitID(policy)+":1"]
	if !ok {
		t.Fatalf("no alignment row for %s %d policy %d", kind, entity, policy)
	}
	return row
}

func TestBreakdownScenario(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)

	report := h.run(t, pipeline.Request{Model: "breakdowns"})
	if report.Units() != 2 {
		t.Fatalf("expected two divisions processed, got %d", report.Units())
	}
	got, ok := s.breakdowns[1]
	if !ok {
		t.Fatal("missing breakdown for decision 1")
	}
	want := store.Breakdown{DecisionID: 1, Chamber: chamber, Date: day("2024-03-01"),
		GovFor: 200, GovAgainst: 100, GovAbsent: 20, OppFor: 100, OppAgainst: 150, OppAbsent: 30}
	if got != want {
		t.Fatalf("breakdown mismatch:\n got %+v\nwant %+v", got, want)
	}
	if _, ok := s.breakdowns[2]; ok {
		t.Fatal("agreements have no breakdown")
	}
}

func TestFullPipeline(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)
	h.run(t, pipeline.Request{All: true})

	want, err := dynamics.Default().Classify(dynamics.Breakdown{GovFor: 200, GovAgainst: 100, GovAbsent: 20, OppFor: 100, OppAgainst: 150, OppAbsent: 30})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	c, ok := s.clusters[1]
	if !ok || c.Cluster != want.Cluster || c.Manual {
		t.Fatalf("unexpected cluster assignment %+v, want %s", c, want.Cluster)
	}
	if _, ok := s.clusters[3]; ok {
		t.Fatal("a division without opposition votes must not be clustered")
	}

	if len(s.policies[10].Decisions) != 1 {
		t.Fatalf("unknown decision keys should be dropped, got %+v", s.policies[10].Decisions)
	}

	aye := findAlignment(t, s, "person", 1, 10)
	if aye.Score == nil || *aye.Score != 100 || aye.Verbose != "Consistently voted for" {
		t.Fatalf("aye on a for policy should score 100, got %+v", aye)
	}
	if aye.PartyScore == nil || aye.DistanceFromParty == nil || aye.PartyID == nil || *aye.PartyID != 1 {
		t.Fatalf("expected party baseline on person row, got %+v", aye)
	}
	against := findAlignment(t, s, "person", 1, 11)
	if against.Score == nil || *against.Score != 0 {
		t.Fatalf("aye on an against policy should score 0, got %+v", against)
	}
	no := findAlignment(t, s, "person", 201, 10)
	if no.Score == nil || *no.Score != 0 {
		t.Fatalf("no on a for policy should score 0, got %+v", no)
	}
	absent := findAlignment(t, s, "person", 301, 10)
	if absent.Status != "insufficient_data" || absent.Score != nil || absent.Verbose != "No data available" {
		t.Fatalf("absent person should have no score, got %+v", absent)
	}
	party := findAlignment(t, s, "party", 2, 10)
	if party.Score == nil || party.StrongTotal != 280 {
		t.Fatalf("unexpected party row %+v", party)
	}

	if len(h.publisher.published) != 3 {
		t.Fatalf("expected three snapshots, got %d", len(h.publisher.published))
	}
	if len(h.indexer.clusters) != 1 || len(h.indexer.alignment) != len(s.alignment) {
		t.Fatalf("unexpected index batches: %d clusters, %d alignment", len(h.indexer.clusters), len(h.indexer.alignment))
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)

	h.run(t, pipeline.Request{All: true})
	first := snapshot(t, s)
	h.run(t, pipeline.Request{All: true})
	if second := snapshot(t, s); !reflect.DeepEqual(first, second) {
		t.Fatal("second full run changed derived tables")
	}

	calls := h.publisher.calls
	report := h.run(t, pipeline.Request{All: true, UpdateSince: "2030-01-01"})
	if report.Units() != 0 {
		t.Fatalf("nothing changed, yet %d units recomputed", report.Units())
	}
	if h.publisher.calls != calls {
		t.Fatal("unchanged snapshots were republished")
	}
}

func TestIncrementalMatchesFullRecompute(t *testing.T) {
	incremental := newMemStore()
	seedScenario(incremental)
	hi := newHarness(t, incremental)
	hi.run(t, pipeline.Request{All: true})

	// A retroactive correction: person 201 actually voted aye.
	correct := func(s *memStore) {
		for i, v := range s.votes {
			if v.DecisionID == 1 && v.PersonID == 201 {
				s.votes[i].Vote = store.VoteAye
			}
		}
		s.decisions[0].Fingerprint = "v2"
	}
	correct(incremental)
	report := hi.run(t, pipeline.Request{All: true, UpdateSince: "2030-01-01"})
	if report.Units() == 0 {
		t.Fatal("the correction was not picked up")
	}
	if got := incremental.breakdowns[1].GovFor; got != 201 {
		t.Fatalf("expected corrected tally, got %d", got)
	}

	full := newMemStore()
	seedScenario(full)
	correct(full)
	hf := newHarness(t, full)
	hf.run(t, pipeline.Request{All: true})

	if a, b := snapshot(t, incremental), snapshot(t, full); !reflect.DeepEqual(a, b) {
		t.Fatal("incremental recompute diverged from a full recompute")
	}
	if !reflect.DeepEqual(hi.publisher.published, hf.publisher.published) {
		t.Fatal("published snapshots diverged")
	}
}

func TestManualOverrideSurvivesRuns(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	manual := store.ClusterAssignment{DecisionID: 1, Cluster: "free_vote", Description: "Free vote", Manual: true}
	s.clusters[1] = manual
	h := newHarness(t, s)

	h.run(t, pipeline.Request{All: true})
	s.decisions[0].Fingerprint = "v2"
	h.run(t, pipeline.Request{All: true})

	if got := s.clusters[1]; got != manual {
		t.Fatalf("manual assignment overwritten: %+v", got)
	}
	if _, ok := s.fingerprints["cluster_analysis"]["1"]; !ok {
		t.Fatal("manual rows should still be fingerprinted")
	}

	// A reset removes the override and the fingerprint; the next windowed
	// run fills the slot.
	delete(s.clusters, 1)
	delete(s.fingerprints["cluster_analysis"], "1")
	h.run(t, pipeline.Request{Group: "division_analysis", UpdateSince: "2030-01-01"})
	if got, ok := s.clusters[1]; !ok || got.Manual {
		t.Fatalf("expected automated assignment after reset, got %+v", got)
	}
}

func TestFailedCommitLeavesNothingBehind(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	boom := errors.New("connection reset")
	s.inTxFn = func() error { return boom }
	h := newHarness(t, s)

	plan, err := h.registry.Resolve(pipeline.Request{Model: "breakdowns"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.executor.Execute(context.Background(), plan)
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) || runErr.Model != "breakdowns" || !errors.Is(err, boom) {
		t.Fatalf("expected RunError for breakdowns, got %v", err)
	}
	if len(s.breakdowns) != 0 || len(s.fingerprints) != 0 || len(s.runs) != 0 {
		t.Fatal("failed run left partial state")
	}

	s.inTxFn = nil
	h.run(t, pipeline.Request{Model: "breakdowns", UpdateSince: "2030-01-01"})
	if len(s.breakdowns) != 2 {
		t.Fatalf("expected the retry to fill both breakdowns, got %d", len(s.breakdowns))
	}
}

func TestSinceLastRunUsesRecordedMarker(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)

	first := h.run(t, pipeline.Request{Model: "breakdowns", SinceLastRun: true})
	if first.Units() != 2 {
		t.Fatalf("a model that never ran should recompute everything, got %d", first.Units())
	}
	if second := h.run(t, pipeline.Request{Model: "breakdowns", SinceLastRun: true}); second.Units() != 0 {
		t.Fatalf("expected nothing to recompute, got %d", second.Units())
	}
}

func TestOptionalModelsSkipWhenUnconfigured(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	factories := Factories(Deps{Store: s})
	for _, kind := range []pipeline.Kind{pipeline.KindIndexer, pipeline.KindExporter, pipeline.KindPolicySync} {
		m, err := factories[kind](pipeline.ModelSpec{Name: string(kind), Kind: kind})
		if err != nil {
			t.Fatalf("build %s: %v", kind, err)
		}
		n, err := m.Run(context.Background(), pipeline.RunRequest{RunID: "run_test"})
		if err != nil || n != 0 {
			t.Fatalf("%s: expected skip, got %d %v", kind, n, err)
		}
	}
	if _, err := factories[pipeline.KindBreakdown](pipeline.ModelSpec{Name: "breakdowns", Kind: pipeline.KindBreakdown}); err == nil {
		t.Fatal("breakdown model needs the bulk engine")
	}
}

func TestRemovedUnitIsRecomputedWhenItReturns(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)
	h.run(t, pipeline.Request{All: true})

	var saved []store.Vote
	var kept []store.Vote
	for _, v := range s.votes {
		if v.DecisionID == 1 {
			saved = append(saved, v)
		} else {
			kept = append(kept, v)
		}
	}
	s.votes = kept
	s.decisions[0].Fingerprint = "v2"
	h.run(t, pipeline.Request{All: true, UpdateSince: "2030-01-01"})
	if _, ok := s.breakdowns[1]; ok {
		t.Fatal("breakdown kept for a division without votes")
	}
	if _, ok := s.clusters[1]; ok {
		t.Fatal("cluster assignment kept for a missing breakdown")
	}
	if _, ok := s.fingerprints["cluster_analysis"]["1"]; ok {
		t.Fatal("fingerprint kept for a unit that no longer exists")
	}
	if !reflect.DeepEqual(h.indexer.deletedClusters, []string{"decision-1"}) {
		t.Fatalf("expected the search document to be removed, got %v", h.indexer.deletedClusters)
	}

	// The same votes come back; the tally and so the cluster unit hash are
	// exactly what they were before the removal.
	s.votes = append(s.votes, saved...)
	s.decisions[0].Fingerprint = "v3"
	h.run(t, pipeline.Request{All: true, UpdateSince: "2030-01-01"})
	if _, ok := s.clusters[1]; !ok {
		t.Fatal("restored breakdown was not reclassified")
	}

	full := newMemStore()
	seedScenario(full)
	full.decisions[0].Fingerprint = "v3"
	newHarness(t, full).run(t, pipeline.Request{All: true})
	if a, b := snapshot(t, s), snapshot(t, full); !reflect.DeepEqual(a, b) {
		t.Fatal("incremental result diverged from a full recompute after delete and restore")
	}
}

func TestScoringDropsRowsForVanishedUnits(t *testing.T) {
	s := newMemStore()
	seedScenario(s)
	h := newHarness(t, s)
	h.run(t, pipeline.Request{All: true})
	findAlignment(t, s, "person", 1, 10)

	// Person 1 never sat in the chamber after all.
	var memberships []store.Membership
	for _, m := range s.memberships {
		if m.PersonID != 1 {
			memberships = append(memberships, m)
		}
	}
	s.memberships = memberships
	h.run(t, pipeline.Request{All: true})

	for _, policy := range []int64{10, 11} {
		if _, ok := s.alignment["person:1:"+unitID(policy)+":1"]; ok {
			t.Fatalf("alignment row for policy %d kept for a person without membership", policy)
		}
		if _, ok := s.fingerprints["policycalc"][scoreUnitID("person", 1, policy, 1)]; ok {
			t.Fatalf("fingerprint for policy %d kept for a vanished unit", policy)
		}
	}

	full := newMemStore()
	seedScenario(full)
	full.memberships = memberships
	newHarness(t, full).run(t, pipeline.Request{All: true})
	if a, b := snapshot(t, s), snapshot(t, full); !reflect.DeepEqual(a, b) {
		t.Fatal("derived tables differ from a fresh recompute")
	}
}
