package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"votes/analytics/internal/pipeline"
)

func TestRequestFlags(t *testing.T) {
	var req pipeline.Request
	cmd := &cobra.Command{Use: "populate"}
	addRequestFlags(cmd, &req)
	if err := cmd.ParseFlags([]string{"--start-group", "breakdowns", "--end-group", "policycalc", "--update-last", "3"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	want := pipeline.Request{StartGroup: "breakdowns", EndGroup: "policycalc", UpdateLast: 3}
	if req != want {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestClassifierModel(t *testing.T) {
	opts := pipeline.Options{Groups: []pipeline.GroupOption{
		{Name: "breakdowns", Models: []pipeline.ModelOption{{Name: "breakdowns", Kind: pipeline.KindBreakdown}}},
		{Name: "division_analysis", Models: []pipeline.ModelOption{{Name: "cluster_analysis", Kind: pipeline.KindClassifier}}},
	}}
	if got := classifierModel(opts); got != "cluster_analysis" {
		t.Fatalf("classifierModel = %q", got)
	}
	if got := classifierModel(pipeline.Options{}); got != "" {
		t.Fatalf("classifierModel of empty options = %q", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"populate", "enqueue", "run-queue", "serve", "migrate", "reset-override"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
	}
}

func TestBackgroundStopWaitsForReturn(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	stop := background(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		// Simulate a drain that is still writing when shutdown begins.
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	stop()
	if !finished.Load() {
		t.Fatal("stop returned before the background work finished")
	}
}
