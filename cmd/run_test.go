package main

import (
	"context"
	"math"
	"testing"

	"github.com/spf13/cobra"

	"github.com/cwbudde/trialforge/internal/config"
	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/service"
)

func TestBenchmarks_KnownMinima(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{"sphere", []float64{0, 0, 0}, 0},
		{"rosenbrock", []float64{1, 1, 1}, 0},
		{"branin", []float64{math.Pi, 2.275}, 0.397887},
	}
	for _, tt := range tests {
		got := benchmarks[tt.name].eval(tt.x)
		if math.Abs(got-tt.want) > 1e-5 {
			t.Errorf("%s(%v) = %g, want %g", tt.name, tt.x, got, tt.want)
		}
	}
}

func TestBenchmarkSpec(t *testing.T) {
	spec, _, err := benchmarkSpec("sphere", 3)
	if err != nil {
		t.Fatalf("benchmarkSpec failed: %v", err)
	}
	if spec.Name != "sphere-3d" || len(spec.Parameters) != 3 || !spec.Minimize {
		t.Errorf("Unexpected spec: %+v", spec)
	}

	spec, _, err = benchmarkSpec("branin", 5)
	if err != nil {
		t.Fatalf("benchmarkSpec failed: %v", err)
	}
	if len(spec.Parameters) != 2 {
		t.Errorf("Expected branin to be 2-dimensional, got %d", len(spec.Parameters))
	}

	if _, _, err := benchmarkSpec("nope", 2); err == nil {
		t.Error("Expected error for unknown function")
	}
	if _, _, err := benchmarkSpec("sphere", 0); err == nil {
		t.Error("Expected error for zero dim")
	}
}

func TestRunLoop_FindsDecreasingBest(t *testing.T) {
	spec, bm, err := benchmarkSpec("sphere", 2)
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(registry.New(), nil, service.Options{Strategy: opt.StrategyRandom, Engine: opt.DefaultConfig()})

	best, err := runLoop(context.Background(), svc, spec, bm, 20, 7)
	if err != nil {
		t.Fatalf("runLoop failed: %v", err)
	}
	if best.Score < 0 || best.Score > 50 {
		t.Errorf("Best score %g outside the function range", best.Score)
	}

	trials, err := svc.GetTrials(context.Background(), spec.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(trials) != 20 {
		t.Errorf("Expected 20 trials, got %d", len(trials))
	}
	for _, tr := range trials {
		if tr.Score != nil && *tr.Score < best.Score {
			t.Errorf("Trial %d scored %g below reported best %g", tr.Index, *tr.Score, best.Score)
		}
	}

	if _, err := runLoop(context.Background(), svc, spec, bm, 0, 7); err == nil {
		t.Error("Expected error for zero trials")
	}
}

func TestApplyServeFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(serveCmd.Flags())

	if err := cmd.Flags().Parse([]string{"--addr", ":9999", "--strategy", "random", "--autosave", "1m"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	t.Cleanup(func() { serveAddr, serveStrategy, serveAutosave = ":8080", "", 0 })

	c := config.DefaultConfig()
	if err := applyServeFlags(cmd, c); err != nil {
		t.Fatalf("applyServeFlags failed: %v", err)
	}
	if c.Server.Addr != ":9999" || c.Engine.Strategy != "random" || c.Autosave.Interval.Minutes() != 1 {
		t.Errorf("Flags not applied: %+v", c)
	}
	if c.Store.DataDir != config.DefaultConfig().Store.DataDir {
		t.Errorf("Unset flag overrode data dir: %s", c.Store.DataDir)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug").String() != "DEBUG" || parseLevel("bogus").String() != "INFO" {
		t.Error("Unexpected level mapping")
	}
}
