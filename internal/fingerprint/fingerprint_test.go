package fingerprint

import (
	"context"
	"errors"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestHasherSeparatesParts(t *testing.T) {
	if Of("ab", "c") == Of("a", "bc") {
		t.Fatal("expected length-prefixed parts to hash differently")
	}
	if Of("x", "y") != Of("x", "y") {
		t.Fatal("expected stable hash")
	}
	if Sorted([]string{"b", "a"}) != Sorted([]string{"a", "b"}) {
		t.Fatal("expected sorted hash to ignore order")
	}
	if got := New().AddInt(1, 2).Sum(); got != Of("1", "2") {
		t.Fatalf("AddInt mismatch: %s", got)
	}
}

func TestSelect(t *testing.T) {
	since := day("2024-03-01")
	recorded := map[string]string{
		"old-same":    "h1",
		"old-changed": "h1",
		"new-same":    "h3",
	}
	candidates := []Unit{
		{ID: "old-same", Date: day("2023-01-01"), Hash: "h1"},
		{ID: "old-changed", Date: day("2023-01-01"), Hash: "h2"},
		{ID: "old-missing", Date: day("2023-01-01"), Hash: "h9"},
		{ID: "new-same", Date: day("2024-03-01"), Hash: "h3"},
		{ID: "undated-same", Hash: "u1"},
	}
	recorded["undated-same"] = "u1"

	tests := []struct {
		name  string
		since *time.Time
		want  []string
	}{
		{name: "no window selects everything", since: nil, want: []string{"old-same", "old-changed", "old-missing", "new-same", "undated-same"}},
		{name: "window keeps in-range and mismatched", since: &since, want: []string{"old-changed", "old-missing", "new-same"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(candidates, recorded, tt.since)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %+v", tt.want, got)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

type fakeStore struct {
	fingerprintsFn func(ctx context.Context, model string) (map[string]string, error)
}

func (f fakeStore) Fingerprints(ctx context.Context, model string) (map[string]string, error) {
	return f.fingerprintsFn(ctx, model)
}

func TestEngineSkipsStoreWithoutWindow(t *testing.T) {
	engine := NewEngine(fakeStore{fingerprintsFn: func(context.Context, string) (map[string]string, error) {
		t.Fatal("store should not be read for a full recompute")
		return nil, nil
	}})
	got, err := engine.ChangedUnits(context.Background(), "breakdowns", []Unit{{ID: "1"}}, nil)
	if err != nil || len(got) != 1 {
		t.Fatalf("unexpected result %v %v", got, err)
	}
}

func TestEngineWrapsStoreError(t *testing.T) {
	boom := errors.New("boom")
	engine := NewEngine(fakeStore{fingerprintsFn: func(_ context.Context, model string) (map[string]string, error) {
		if model != "breakdowns" {
			t.Fatalf("unexpected model %s", model)
		}
		return nil, boom
	}})
	since := day("2024-01-01")
	if _, err := engine.ChangedUnits(context.Background(), "breakdowns", nil, &since); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
