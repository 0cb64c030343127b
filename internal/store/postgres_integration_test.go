package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func seedDecision(t *testing.T, s *PostgresStore, key string) int64 {
	t.Helper()
	var id int64
	err := s.DB().QueryRowContext(context.Background(), `
		INSERT INTO decisions (key, kind, chamber, decision_date, fingerprint)
		VALUES ($1, 'division', 'commons', '2024-03-05', 'fp1')
		RETURNING id
	`, key).Scan(&id)
	if err != nil {
		t.Fatalf("seed decision: %v", err)
	}
	return id
}

func TestClusterUpsertSkipsManualRows(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()
	id := seedDecision(t, s, "pw-2024-03-05-1-commons")

	if err := s.SetClusterOverride(ctx, id, "free_vote", "Free vote"); err != nil {
		t.Fatalf("set override: %v", err)
	}
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpsertClusterAssignments(ctx, []ClusterAssignment{{DecisionID: id, Cluster: "cross_party_aye", Distance: 3}})
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetClusterAssignment(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Manual || got.Cluster != "free_vote" {
		t.Fatalf("manual override was overwritten: %+v", got)
	}

	if err := s.InTx(ctx, func(tx Tx) error {
		return tx.SaveFingerprints(ctx, "cluster_analysis", map[string]string{fmt.Sprint(id): "h"})
	}); err != nil {
		t.Fatalf("save fingerprint: %v", err)
	}
	removed, err := s.ResetClusterOverride(ctx, "cluster_analysis", id)
	if err != nil || !removed {
		t.Fatalf("reset override: %v %v", removed, err)
	}
	if _, err := s.GetClusterAssignment(ctx, id); err == nil {
		t.Fatal("expected override row to be gone")
	}
}

func TestCreateUpdateDeduplicatesUnfinished(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()
	instructions := json.RawMessage(`{"shortcut":"refresh_recent"}`)

	first, created, err := s.CreateUpdate(ctx, Update{ID: "upd_1", Instructions: instructions, InstructionKey: "k", CreatedVia: "webhook"})
	if err != nil || !created {
		t.Fatalf("first create: %v %v", created, err)
	}
	second, created, err := s.CreateUpdate(ctx, Update{ID: "upd_2", Instructions: instructions, InstructionKey: "k", CreatedVia: "webhook"})
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("expected dedup onto %s, got %s created=%v err=%v", first.ID, second.ID, created, err)
	}

	ok, err := s.MarkUpdateStarted(ctx, first.ID)
	if err != nil || !ok {
		t.Fatalf("start: %v %v", ok, err)
	}
	if ok, _ := s.MarkUpdateStarted(ctx, first.ID); ok {
		t.Fatal("second start should not claim the update")
	}
	if _, created, _ := s.CreateUpdate(ctx, Update{ID: "upd_3", Instructions: instructions, InstructionKey: "k"}); created {
		t.Fatal("in-progress update should still deduplicate")
	}
	if err := s.MarkUpdateCompleted(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, created, err := s.CreateUpdate(ctx, Update{ID: "upd_4", Instructions: instructions, InstructionKey: "k"}); err != nil || !created {
		t.Fatalf("expected new update after completion: %v %v", created, err)
	}

	latest, ok, err := s.LatestCompletedUpdate(ctx)
	if err != nil || !ok || time.Since(latest) > time.Hour {
		t.Fatalf("unexpected latest completed update %v %v %v", latest, ok, err)
	}
}
