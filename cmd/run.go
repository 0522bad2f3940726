package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/service"
	"github.com/cwbudde/trialforge/internal/space"
	"github.com/cwbudde/trialforge/internal/store"
)

var (
	benchFunction string
	benchDim      int
	benchTrials   int
	benchStrategy string
	benchSeed     int64
	benchSave     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a local benchmark experiment",
	Long: `Runs the suggest, evaluate, report loop in-process against a built-in test
function and prints the best trial. With --save the final experiment is
checkpointed to the given directory.`,
	RunE: runBenchmark,
}

func init() {
	runCmd.Flags().StringVar(&benchFunction, "function", "sphere", "Test function: "+strings.Join(benchmarkNames(), ", "))
	runCmd.Flags().IntVar(&benchDim, "dim", 2, "Dimensions (branin is always 2)")
	runCmd.Flags().IntVar(&benchTrials, "trials", 30, "Number of trials")
	runCmd.Flags().StringVar(&benchStrategy, "strategy", opt.DefaultStrategy, "Engine strategy: "+strings.Join(opt.Strategies(), ", "))
	runCmd.Flags().Int64Var(&benchSeed, "seed", 42, "Random seed")
	runCmd.Flags().StringVar(&benchSave, "save", "", "Directory to save the final checkpoint in")
	rootCmd.AddCommand(runCmd)
}

// benchmark is a minimization test function over a box.
type benchmark struct {
	lower, upper float64
	fixedDim     int
	eval         func(x []float64) float64
}

var benchmarks = map[string]benchmark{
	"sphere": {
		lower: -5, upper: 5,
		eval: func(x []float64) float64 {
			sum := 0.0
			for _, v := range x {
				sum += v * v
			}
			return sum
		},
	},
	"rosenbrock": {
		lower: -2, upper: 2,
		eval: func(x []float64) float64 {
			sum := 0.0
			for i := 0; i < len(x)-1; i++ {
				a := x[i+1] - x[i]*x[i]
				b := 1 - x[i]
				sum += 100*a*a + b*b
			}
			return sum
		},
	},
	"branin": {
		fixedDim: 2,
		eval: func(x []float64) float64 {
			const (
				a = 1.0
				b = 5.1 / (4 * math.Pi * math.Pi)
				c = 5 / math.Pi
				r = 6.0
				s = 10.0
				t = 1 / (8 * math.Pi)
			)
			y := x[1] - b*x[0]*x[0] + c*x[0] - r
			return a*y*y + s*(1-t)*math.Cos(x[0]) + s
		},
	},
}

func benchmarkNames() []string {
	names := make([]string, 0, len(benchmarks))
	for name := range benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// benchmarkSpec builds the experiment spec for a test function. Parameters
// are named x0..x{dim-1}.
func benchmarkSpec(name string, dim int) (space.ExperimentSpec, benchmark, error) {
	bm, ok := benchmarks[name]
	if !ok {
		return space.ExperimentSpec{}, bm, fmt.Errorf("unknown function %q (available: %s)", name, strings.Join(benchmarkNames(), ", "))
	}
	if bm.fixedDim > 0 {
		dim = bm.fixedDim
	}
	if dim < 1 {
		return space.ExperimentSpec{}, bm, fmt.Errorf("dim must be positive, got %d", dim)
	}

	spec := space.ExperimentSpec{
		Name:          fmt.Sprintf("%s-%dd", name, dim),
		ObjectiveName: "loss",
		Minimize:      true,
	}
	for i := 0; i < dim; i++ {
		lo, hi := bm.lower, bm.upper
		if name == "branin" {
			lo, hi = []float64{-5, 0}[i], []float64{10, 15}[i]
		}
		spec.Parameters = append(spec.Parameters, space.ParameterSpec{
			Name:   fmt.Sprintf("x%d", i),
			Type:   space.TypeRange,
			Bounds: []space.Value{space.Number(lo), space.Number(hi)},
		})
	}
	return spec, bm, nil
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	spec, bm, err := benchmarkSpec(benchFunction, benchDim)
	if err != nil {
		return err
	}

	var checkpointStore store.Store
	if benchSave != "" {
		fsStore, err := store.NewFSStore(benchSave)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		checkpointStore = fsStore
	}

	engineCfg := opt.DefaultConfig()
	if cfg != nil {
		engineCfg = cfg.Engine.Config
	}
	svc := service.New(registry.New(), checkpointStore, service.Options{
		Strategy: benchStrategy,
		Engine:   engineCfg,
		Version:  version,
	})

	ctx := commandContext(cmd)
	best, err := runLoop(ctx, svc, spec, bm, benchTrials, benchSeed)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Best %s after %d trials: %g at trial #%d %s\n",
		spec.ObjectiveName, benchTrials, best.Score, best.Index, formatParams(best.Parameters))

	if benchSave != "" {
		key, err := svc.SaveCheckpoint(ctx, spec.Name, "")
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved checkpoint %s\n", key)
	}
	return nil
}

type bestTrial struct {
	Index      int
	Score      float64
	Parameters space.Assignment
}

// runLoop drives trials suggestions through svc and evaluates them with bm.
func runLoop(ctx context.Context, svc *service.Service, spec space.ExperimentSpec, bm benchmark, trials int, seed int64) (bestTrial, error) {
	if trials < 1 {
		return bestTrial{}, fmt.Errorf("trials must be positive, got %d", trials)
	}

	if _, err := svc.CreateExperiment(ctx, service.CreateRequest{ExperimentSpec: spec, Seed: &seed}); err != nil {
		return bestTrial{}, err
	}

	slog.Info("Starting benchmark", "experiment_id", spec.Name, "trials", trials)
	start := time.Now()

	x := make([]float64, len(spec.Parameters))
	for i := 0; i < trials; i++ {
		trial, err := svc.GetNextTrial(ctx, spec.Name)
		if err != nil {
			return bestTrial{}, fmt.Errorf("trial %d: %w", i, err)
		}
		for d, p := range spec.Parameters {
			x[d], _ = trial.Parameters[p.Name].Float()
		}
		score := bm.eval(x)
		if err := svc.CompleteTrial(ctx, spec.Name, trial.Index, score); err != nil {
			return bestTrial{}, fmt.Errorf("trial %d: %w", trial.Index, err)
		}
		slog.Debug("Trial completed", "trial_index", trial.Index, "score", score)
	}

	best, err := svc.GetBest(ctx, spec.Name)
	if err != nil {
		return bestTrial{}, err
	}
	slog.Info("Benchmark complete", "experiment_id", spec.Name, "best", best.Score, "elapsed", time.Since(start))
	return bestTrial{Index: best.Index, Score: best.Score, Parameters: best.Parameters}, nil
}
