package opt

import (
	"context"
	"errors"
	"testing"

	"github.com/cwbudde/trialforge/internal/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.Validate(space.ExperimentSpec{
		Name: "demo",
		Parameters: []space.ParameterSpec{
			{Name: "x", Type: space.TypeRange, Bounds: []space.Value{space.Number(0), space.Number(10)}},
		},
		ObjectiveName: "score",
	})
	require.NoError(t, err)
	return sp
}

func gridSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.Validate(space.ExperimentSpec{
		Name: "grid",
		Parameters: []space.ParameterSpec{
			{Name: "n", Type: space.TypeRange, Bounds: []space.Value{space.Number(1), space.Number(3)}, ValueType: space.ValueTypeInt},
			{Name: "mode", Type: space.TypeChoice, Values: []space.Value{space.String("fast"), space.String("slow")}},
		},
		Minimize: true,
	})
	require.NoError(t, err)
	return sp
}

func objective(x float64) float64 { return -(x - 3) * (x - 3) }

func TestEngines_IndicesIncreaseAndStayInSpace(t *testing.T) {
	ctx := context.Background()
	for _, strategy := range Strategies() {
		t.Run(strategy, func(t *testing.T) {
			sp := demoSpace(t)
			eng, err := New(strategy, sp, Config{Seed: 7})
			require.NoError(t, err)
			assert.Equal(t, strategy, eng.Strategy())

			for want := 0; want < 8; want++ {
				a, idx, err := eng.Suggest(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, idx)
				require.NoError(t, sp.Check(a))

				x, _ := a["x"].Float()
				require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": objective(x)}))
			}
		})
	}
}

func TestEngine_ObserveErrors(t *testing.T) {
	ctx := context.Background()
	eng, err := New(StrategyRandom, demoSpace(t), Config{})
	require.NoError(t, err)

	err = eng.Observe(ctx, 0, map[string]float64{"score": 1})
	assert.True(t, errors.Is(err, ErrUnknownTrial))

	_, idx, err := eng.Suggest(ctx)
	require.NoError(t, err)

	err = eng.Observe(ctx, idx, map[string]float64{"loss": 1})
	assert.True(t, errors.Is(err, ErrInvalidOutcome))

	require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": 1}))
	err = eng.Observe(ctx, idx, map[string]float64{"score": 2})
	assert.True(t, errors.Is(err, ErrDuplicateObservation))
}

func TestEngine_BestFollowsDirection(t *testing.T) {
	ctx := context.Background()
	eng, err := New(StrategyRandom, gridSpace(t), Config{Seed: 3})
	require.NoError(t, err)

	_, _, err = eng.Best()
	assert.True(t, errors.Is(err, ErrNoObservationsYet))

	scores := []float64{4, 1, 9}
	var wantParams space.Assignment
	for _, score := range scores {
		a, idx, err := eng.Suggest(ctx)
		require.NoError(t, err)
		require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": score}))
		if score == 1 {
			wantParams = a
		}
	}

	params, score, err := eng.Best()
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, wantParams, params)
}

func TestEngine_ExhaustsDiscreteSpace(t *testing.T) {
	ctx := context.Background()
	sp := gridSpace(t)
	total, finite := sp.Cardinality()
	require.True(t, finite)

	for _, strategy := range Strategies() {
		t.Run(strategy, func(t *testing.T) {
			eng, err := New(strategy, sp, Config{Seed: 11, InitialSamples: 2})
			require.NoError(t, err)

			seen := map[string]bool{}
			for i := 0; i < total; i++ {
				a, idx, err := eng.Suggest(ctx)
				require.NoError(t, err)
				require.False(t, seen[sp.Key(a)], "point %v issued twice", a)
				seen[sp.Key(a)] = true
				require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": float64(i)}))
			}

			_, _, err = eng.Suggest(ctx)
			assert.True(t, errors.Is(err, ErrEngineExhausted))
		})
	}
}

func TestEngine_RespectsConstraints(t *testing.T) {
	ctx := context.Background()
	sp, err := space.Validate(space.ExperimentSpec{
		Name: "constrained",
		Parameters: []space.ParameterSpec{
			{Name: "x", Type: space.TypeRange, Bounds: []space.Value{space.Number(0), space.Number(1)}},
			{Name: "y", Type: space.TypeRange, Bounds: []space.Value{space.Number(0), space.Number(1)}},
		},
		ParameterConstraints: []string{"x + y <= 1"},
	})
	require.NoError(t, err)

	eng, err := New(StrategyRandom, sp, Config{Seed: 5})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		a, _, err := eng.Suggest(ctx)
		require.NoError(t, err)
		x, _ := a["x"].Float()
		y, _ := a["y"].Float()
		assert.LessOrEqual(t, x+y, 1.0)
	}
}

func TestEngine_CancelledSuggestLeavesNoTrial(t *testing.T) {
	eng, err := New(StrategyRandom, demoSpace(t), Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = eng.Suggest(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	_, idx, err := eng.Suggest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

// cancelAfter reports cancellation once Err has been called n times.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestEngine_CancelledSearchKeepsSequence(t *testing.T) {
	for _, strategy := range Strategies() {
		t.Run(strategy, func(t *testing.T) {
			eng, err := New(strategy, demoSpace(t), Config{Seed: 9})
			require.NoError(t, err)
			twin, err := New(strategy, demoSpace(t), Config{Seed: 9})
			require.NoError(t, err)

			// The first check passes, so candidates are drawn before the
			// commit sees the cancellation.
			_, _, err = eng.Suggest(&cancelAfter{Context: context.Background(), n: 1})
			assert.True(t, errors.Is(err, context.Canceled))
			assert.Empty(t, eng.Issued())

			got, idx, err := eng.Suggest(context.Background())
			require.NoError(t, err)
			want, _, err := twin.Suggest(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, idx)
			assert.Equal(t, want, got)
		})
	}
}

func TestEngine_Retract(t *testing.T) {
	ctx := context.Background()
	eng, err := New(StrategyRandom, gridSpace(t), Config{Seed: 3})
	require.NoError(t, err)

	first, idx, err := eng.Suggest(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": 1}))
	assert.True(t, errors.Is(eng.Retract(idx), ErrDuplicateObservation))

	second, idx, err := eng.Suggest(ctx)
	require.NoError(t, err)
	assert.True(t, errors.Is(eng.Retract(0), ErrUnknownTrial))
	require.NoError(t, eng.Retract(idx))
	assert.True(t, errors.Is(eng.Retract(idx), ErrUnknownTrial), "only the latest proposal can be retracted")

	issued := eng.Issued()
	require.Len(t, issued, 1)
	assert.Equal(t, first, issued[0].Params)
	assert.True(t, issued[0].Observed)
	assert.Equal(t, 1.0, issued[0].Value)

	again, idx, err := eng.Suggest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, second, again)
}

func TestEngine_SnapshotRestoreContinuesSequence(t *testing.T) {
	ctx := context.Background()
	sp := demoSpace(t)

	for _, strategy := range Strategies() {
		t.Run(strategy, func(t *testing.T) {
			eng, err := New(strategy, sp, Config{Seed: 42, InitialSamples: 3})
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				a, idx, err := eng.Suggest(ctx)
				require.NoError(t, err)
				x, _ := a["x"].Float()
				require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": objective(x)}))
			}

			state, err := eng.Snapshot()
			require.NoError(t, err)

			restored, err := Restore(strategy, sp, state)
			require.NoError(t, err)

			again, err := restored.Snapshot()
			require.NoError(t, err)
			assert.JSONEq(t, string(state), string(again))

			wantBest, wantScore, err := eng.Best()
			require.NoError(t, err)
			gotBest, gotScore, err := restored.Best()
			require.NoError(t, err)
			assert.Equal(t, wantBest, gotBest)
			assert.Equal(t, wantScore, gotScore)

			// Still in the random phase for both strategies, so the streams
			// must match exactly.
			a1, i1, err := eng.Suggest(ctx)
			require.NoError(t, err)
			a2, i2, err := restored.Suggest(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, i1)
			assert.Equal(t, i1, i2)
			assert.Equal(t, a1, a2)
		})
	}
}

func TestRestore_RejectsBadState(t *testing.T) {
	sp := demoSpace(t)

	_, err := Restore(StrategyRandom, sp, []byte("not json"))
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))

	eng, err := New(StrategyRandom, sp, Config{})
	require.NoError(t, err)
	state, err := eng.Snapshot()
	require.NoError(t, err)

	_, err = Restore(StrategyBayes, sp, state)
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))

	_, err = Restore("annealing", sp, state)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestBayesEngine_ImprovesOnQuadratic(t *testing.T) {
	ctx := context.Background()
	eng, err := New(StrategyBayes, demoSpace(t), Config{Seed: 9, InitialSamples: 4})
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		a, idx, err := eng.Suggest(ctx)
		require.NoError(t, err)
		x, _ := a["x"].Float()
		require.NoError(t, eng.Observe(ctx, idx, map[string]float64{"score": objective(x)}))
	}

	params, score, err := eng.Best()
	require.NoError(t, err)
	x, _ := params["x"].Float()
	assert.Greater(t, score, -4.0, "best x=%v", x)
}

func TestGaussianProcess_InterpolatesTrainingPoints(t *testing.T) {
	xs := [][]float64{{0.1}, {0.5}, {0.9}}
	ys := []float64{1, -1, 2}

	gp, err := fitGP(xs, ys, 0.25)
	require.NoError(t, err)

	for i, x := range xs {
		mean, variance := gp.predict(x)
		assert.InDelta(t, gp.standardize(ys[i]), mean, 1e-3)
		assert.Less(t, variance, 1e-3)
	}

	_, far := gp.predict([]float64{5})
	assert.InDelta(t, 1.0, far, 1e-6)
}
