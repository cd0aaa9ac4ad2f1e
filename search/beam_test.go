// Copyright 2026 loopsched Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/loopsched/cost"
	"github.com/ajroetker/loopsched/dag"
)

// A pipeline with a single schedulable node terminates in exactly two
// decisions, and on one core each decision has exactly one legal
// candidate.
func TestSingleNodePipeline(t *testing.T) {
	g := singleNodeGraph(t, 16)
	require.Equal(t, 1, g.NumNonInput)

	res, err := AutoSchedule(g, serialParams(), testTarget(), nil, testConfig(1))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Best.NumDecisionsMade)
	assert.Equal(t, int64(2), res.Stats.StatesGenerated)
	assert.Contains(t, res.ScheduleSource, "s1.compute_root()")
}

// Beam size one means greedy search: a single pass, and bit-identical
// results for the same seed.
func TestGreedySearchReproducible(t *testing.T) {
	run := func() *Result {
		g := chainGraph(t, 3, 32)
		cfg := testConfig(1)
		cfg.DropoutPercent = 75
		cfg.Seed = 42
		res, err := AutoSchedule(g, serialParams(), testTarget(), nil, cfg)
		require.NoError(t, err)
		return res
	}

	a := run()
	b := run()
	assert.Equal(t, 1, a.Stats.Passes, "greedy search is single-pass")
	assert.Equal(t, a.Best.Cost, b.Best.Cost)
	assert.Equal(t, a.ScheduleSource, b.ScheduleSource)
}

func TestInvalidBeamSizeRejected(t *testing.T) {
	g := singleNodeGraph(t, 16)

	_, err := AutoSchedule(g, serialParams(), testTarget(), nil, testConfig(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beam size")

	_, err = AutoSchedule(g, serialParams(), testTarget(), nil, testConfig(-3))
	require.Error(t, err)

	cfg := testConfig(2)
	cfg.DropoutPercent = 150
	_, err = AutoSchedule(g, serialParams(), testTarget(), nil, cfg)
	require.Error(t, err)
}

// The freeze pre-pass pins N - floor(log2 N) nodes, every one of them
// recorded in the inlined-decision map, and compute-root fragments
// carry no inlined state of their own.
func TestFreezeLowestCostStages(t *testing.T) {
	g := chainGraph(t, 4, 32)
	require.Equal(t, 4, g.NumNonInput)

	cfg := testConfig(1)
	ctx := testContext(t, g, serialParams(), &cfg)
	winner := completeGreedily(t, ctx, newRootState())

	frozen := freezeLowestCostStages(ctx, winner)

	wantFrozen := 4 - 2 // N - floor(log2 N)
	assert.Equal(t, wantFrozen, frozen.inlined.Len())

	frozen.computeRoot.Each(func(n *dag.Node, frag *LoopNest) {
		assert.True(t, frozen.inlined.Contains(n),
			"every frozen node appears in the inlined map")
		frag.eachInlined(func(*dag.Node, int64) {
			t.Error("frozen fragments must have their inlined state cleared")
		})
	})
}

func TestFreezeCountOverride(t *testing.T) {
	g := chainGraph(t, 4, 32)
	cfg := testConfig(1)
	cfg.FreezeCount = 3
	ctx := testContext(t, g, serialParams(), &cfg)
	winner := completeGreedily(t, ctx, newRootState())

	frozen := freezeLowestCostStages(ctx, winner)
	assert.Equal(t, 3, frozen.inlined.Len())
}

func TestFreezePrePassSearch(t *testing.T) {
	g := chainGraph(t, 4, 32)
	cfg := testConfig(4)
	cfg.NumPasses = 2
	cfg.FreezeInlinePrePass = true

	res, err := AutoSchedule(g, serialParams(), testTarget(), nil, cfg)
	require.NoError(t, err)
	assert.True(t, res.Best.IsComplete(g))
	assert.Equal(t, 2, res.Stats.Passes,
		"the pre-pass spends one pass of the budget")
}

// Reusing a frozen compute-root block must hand back the identical
// fragment without recomputing it.
func TestMemoizedBlocks(t *testing.T) {
	g := chainGraph(t, 4, 32)
	cfg := testConfig(1)
	ctx := testContext(t, g, serialParams(), &cfg)

	// Build a winner that realizes every node at the top level so the
	// frozen set carries reusable fragments.
	s := newRootState()
	for !s.IsComplete(g) {
		children := expandOnce(t, ctx, s)
		require.NotEmpty(t, children)
		pick := 0
		if len(children) > 1 {
			pick = 1 // skip the inline child
		}
		s = children[pick]
	}
	frozen := freezeLowestCostStages(ctx, s)
	ctx.frozen = frozen

	var anyFrozen *dag.Node
	frozen.computeRoot.Each(func(n *dag.Node, _ *LoopNest) {
		if anyFrozen == nil {
			anyFrozen = n
		}
	})
	require.NotNil(t, anyFrozen, "a compute-root winner must yield fragments")

	first := frozen.lookupFragment(ctx, anyFrozen)
	second := frozen.lookupFragment(ctx, anyFrozen)
	require.NotNil(t, first)
	assert.Same(t, first, second, "memoized blocks are shared, not rebuilt")
	assert.Equal(t, int64(1), ctx.stats.MemoizedBlockMisses)
	assert.Equal(t, int64(1), ctx.stats.MemoizedBlockHits)
}

// Dropout keeps everything at 100 percent and, below that, drops at
// the per-decision rate derived from the whole-run survival chance.
func TestRandomDropoutCalibration(t *testing.T) {
	g := chainGraph(t, 2, 16)

	t.Run("100 percent never drops", func(t *testing.T) {
		cfg := testConfig(4)
		ctx := testContext(t, g, serialParams(), &cfg)
		for i := 0; i < 1000; i++ {
			assert.False(t, ctx.randomDropout())
		}
	})

	t.Run("per-decision rate", func(t *testing.T) {
		cfg := testConfig(4)
		cfg.DropoutPercent = 50
		ctx := testContext(t, g, serialParams(), &cfg)

		const trials = 200000
		dropped := 0
		for i := 0; i < trials; i++ {
			if ctx.randomDropout() {
				dropped++
			}
		}
		// Survival 0.5 over 2*2 decisions: drop rate 1 - 0.5^(1/4).
		want := 1 - math.Pow(0.5, 1.0/4)
		assert.InDelta(t, want, float64(dropped)/trials, 0.01)
	})
}

// Penalization only defers duplicates; the beam must still find the
// same winner as greedy search on a pipeline with a clear optimum,
// and repeated structure must never make a later pass worse.
func TestMultiPassNeverWorseThanFirst(t *testing.T) {
	g := chainGraph(t, 3, 32)

	greedy, err := AutoSchedule(g, serialParams(), testTarget(), nil, testConfig(1))
	require.NoError(t, err)

	cfg := testConfig(8)
	cfg.NumPasses = 3
	beam, err := AutoSchedule(g, serialParams(), testTarget(), nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, 3, beam.Stats.Passes)
	assert.LessOrEqual(t, beam.Best.Cost, greedy.Best.Cost,
		"a wider multi-pass search cannot lose to greedy")
}

func TestAutoScheduleWithLinearModel(t *testing.T) {
	g := chainGraph(t, 3, 32)
	model := cost.NewRandomLinearModel(7)
	defer model.Close()

	cfg := testConfig(4)
	cfg.NumPasses = 2
	res, err := AutoSchedule(g, parallelParams(4), testTarget(), model, cfg)
	require.NoError(t, err)

	assert.True(t, res.Best.IsComplete(g))
	assert.Greater(t, res.Best.Cost, 0.0)
	assert.False(t, math.IsInf(res.Best.Cost, 0))
	assert.NotEmpty(t, res.ScheduleSource)
	assert.Greater(t, res.Stats.StatesGenerated, int64(0))
	assert.Greater(t, res.Stats.Featurizations, int64(0))
}

func TestInteractiveChooserGuidesSearch(t *testing.T) {
	g := chainGraph(t, 2, 32)
	calls := 0
	cfg := testConfig(8)
	cfg.NumPasses = 1
	cfg.Interactive = func(frontier []*State) int {
		calls++
		return len(frontier) - 1 // always take the worst-ranked one
	}

	res, err := AutoSchedule(g, serialParams(), testTarget(), nil, cfg)
	require.NoError(t, err)
	assert.True(t, res.Best.IsComplete(g))
	assert.Greater(t, calls, 0, "the chooser must be consulted")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("beam", AutoSchedule)

	s, err := r.Lookup("beam")
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = r.Lookup("annealing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"annealing"`)
}
