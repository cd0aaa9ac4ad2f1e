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
	"fmt"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

func testTarget() pipeline.Target {
	return pipeline.Target{Arch: "test", VectorBits: 256}
}

func serialParams() pipeline.MachineParams {
	return pipeline.MachineParams{
		Parallelism:        1,
		LastLevelCacheSize: 16 << 20,
		BalanceFactor:      40,
	}
}

func parallelParams(cores int) pipeline.MachineParams {
	p := serialParams()
	p.Parallelism = cores
	return p
}

func identityAccess(producer string, dims int) pipeline.Access {
	coeffs := make([][]pipeline.Coeff, dims)
	for d := range coeffs {
		row := make([]pipeline.Coeff, dims)
		for k := range row {
			if k == d {
				row[k] = pipeline.Coeff{Num: 1, Den: 1}
			} else {
				row[k] = pipeline.Coeff{Num: 0, Den: 1}
			}
		}
		coeffs[d] = row
	}
	return pipeline.Access{
		Producer: producer,
		Coeffs:   coeffs,
		Offsets:  make([]int64, dims),
		Count:    1,
	}
}

func pureLoops(extent int64, dims int) []pipeline.LoopDim {
	vars := []string{"x", "y", "z", "w"}
	out := make([]pipeline.LoopDim, dims)
	for i := range out {
		out[i] = pipeline.LoopDim{
			Var: vars[i], Pure: true, PureDim: i,
			Min: 0, Max: extent - 1, Constant: true,
		}
	}
	return out
}

func estimateRanges(extent int64, dims int) []pipeline.Range {
	out := make([]pipeline.Range, dims)
	for i := range out {
		out[i] = pipeline.Range{Lo: 0, Hi: extent - 1}
	}
	return out
}

// chainGraph builds in -> s1 -> s2 -> ... -> sN as 2D pointwise funcs
// and returns its dependency graph. N is the schedulable node count.
func chainGraph(t *testing.T, stages int, extent int64) *dag.Graph {
	t.Helper()
	p := &pipeline.Pipeline{
		Funcs: []pipeline.Func{{
			Name: "in", Dims: 2, BytesPerPoint: 4, Input: true,
			Estimate: estimateRanges(extent, 2),
		}},
	}
	prev := "in"
	for i := 1; i <= stages; i++ {
		name := fmt.Sprintf("s%d", i)
		f := pipeline.Func{
			Name: name, Dims: 2, BytesPerPoint: 4,
			Stages: []pipeline.StageDef{{
				Loops:    pureLoops(extent, 2),
				Accesses: []pipeline.Access{identityAccess(prev, 2)},
				Ops:      map[string]int64{"add": 1, "mul": int64(i)},
			}},
		}
		if i == stages {
			f.Estimate = estimateRanges(extent, 2)
		}
		p.Funcs = append(p.Funcs, f)
		prev = name
	}
	p.Outputs = []string{prev}

	g, err := dag.Build(p, testTarget())
	require.NoError(t, err)
	return g
}

// singleNodeGraph is one output func reading one input, pointwise.
func singleNodeGraph(t *testing.T, extent int64) *dag.Graph {
	return chainGraph(t, 1, extent)
}

func testConfig(beam int) Config {
	return Config{
		BeamSize: beam,
		Seed:     1,
		Logger:   zerolog.Nop(),
	}
}

func testContext(t *testing.T, g *dag.Graph, params pipeline.MachineParams, cfg *Config) *passContext {
	t.Helper()
	return &passContext{
		g:        g,
		params:   params,
		target:   testTarget(),
		cfg:      cfg,
		stats:    &Statistics{},
		memo:     make(map[blockKey]*LoopNest),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		progress: &progressBar{},
	}
}

// expandOnce generates all children of a state in cost order.
func expandOnce(t *testing.T, ctx *passContext, s *State) []*State {
	t.Helper()
	var out []*State
	require.NoError(t, s.GenerateChildren(ctx, func(c *State) { out = append(out, c) }))
	return out
}

// completeGreedily walks a state to a full schedule, always taking the
// first child.
func completeGreedily(t *testing.T, ctx *passContext, s *State) *State {
	t.Helper()
	for !s.IsComplete(ctx.g) {
		children := expandOnce(t, ctx, s)
		require.NotEmpty(t, children)
		s = children[0]
	}
	return s
}
