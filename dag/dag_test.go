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

package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/loopsched/pipeline"
)

func testTarget() pipeline.Target {
	return pipeline.Target{Arch: "test", VectorBits: 256}
}

// identityAccess reads producer pointwise through dims loops.
func identityAccess(producer string, dims int, count int64) pipeline.Access {
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
		Count:    count,
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

func estimate(extent int64, dims int) []pipeline.Range {
	out := make([]pipeline.Range, dims)
	for i := range out {
		out[i] = pipeline.Range{Lo: 0, Hi: extent - 1}
	}
	return out
}

// chainPipeline is in -> f -> g with 2D pointwise stages of the given
// extent, g being the output.
func chainPipeline(extent int64) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Funcs: []pipeline.Func{
			{
				Name: "in", Dims: 2, BytesPerPoint: 4, Input: true,
				Estimate: estimate(extent, 2),
			},
			{
				Name: "f", Dims: 2, BytesPerPoint: 4,
				Stages: []pipeline.StageDef{{
					Loops:    pureLoops(extent, 2),
					Accesses: []pipeline.Access{identityAccess("in", 2, 1)},
					Ops:      map[string]int64{"add": 1, "mul": 1},
				}},
			},
			{
				Name: "g", Dims: 2, BytesPerPoint: 4,
				Estimate: estimate(extent, 2),
				Stages: []pipeline.StageDef{{
					Loops:    pureLoops(extent, 2),
					Accesses: []pipeline.Access{identityAccess("f", 2, 1)},
					Ops:      map[string]int64{"add": 1},
				}},
			},
		},
		Outputs: []string{"g"},
	}
}

func TestBuildOrdering(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	// Consumers before producers, inputs at the tail.
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "g", g.Nodes[0].Name)
	assert.Equal(t, "f", g.Nodes[1].Name)
	assert.Equal(t, "in", g.Nodes[2].Name)
	assert.Equal(t, 2, g.NumNonInput)
	assert.True(t, g.Nodes[0].IsOutput)
	assert.True(t, g.Nodes[2].IsInput)

	for i, n := range g.Nodes {
		assert.Equal(t, i, n.ID)
	}

	// Dense stage ids resolving back to their node.
	assert.Equal(t, 2, g.NumStages)
	assert.Equal(t, 0, g.Nodes[0].Stages[0].ID)
	assert.Equal(t, 1, g.Nodes[1].Stages[0].ID)
	assert.Same(t, g.Nodes[0], g.StageIDToNode[0])
	assert.Same(t, g.Nodes[1], g.StageIDToNode[1])
}

func TestBuildEdges(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	gNode, fNode, inNode := g.Nodes[0], g.Nodes[1], g.Nodes[2]

	require.Len(t, g.Edges, 2)
	require.Len(t, gNode.Stages[0].IncomingEdges, 1)
	e := gNode.Stages[0].IncomingEdges[0]
	assert.Same(t, fNode, e.Producer)
	assert.Same(t, gNode.Stages[0], e.Consumer)
	assert.Equal(t, int64(1), e.Calls)
	assert.True(t, e.AllBoundsAffine)
	assert.True(t, e.AllLoadJacobianCoeffsExist())

	require.Len(t, fNode.OutgoingEdges, 1)
	require.Len(t, inNode.OutgoingEdges, 1)
}

func TestBuildMergesEqualJacobians(t *testing.T) {
	p := chainPipeline(64)
	// A second pointwise read of f from g: same derivative matrix,
	// different constant offset.
	second := identityAccess("f", 2, 2)
	second.Offsets = []int64{1, 0}
	f := p.FuncByName("g")
	f.Stages[0].Accesses = append(f.Stages[0].Accesses, second)

	g, err := Build(p, testTarget())
	require.NoError(t, err)

	e := g.Nodes[0].Stages[0].IncomingEdges[0]
	assert.Equal(t, int64(3), e.Calls)
	require.Len(t, e.Jacobians, 1, "equal jacobians must merge")
	assert.Equal(t, int64(3), e.Jacobians[0].Count())
	require.Len(t, e.Bounds, 2, "footprints stay per access")
}

func TestBuildFeaturization(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	fStage := g.Nodes[1].Stages[0]
	assert.Equal(t, int64(1), fStage.Features.OpHistogram[OpAdd])
	assert.Equal(t, int64(1), fStage.Features.OpHistogram[OpMul])
	assert.Equal(t, int64(1), fStage.Features.OpHistogram[OpImageCall], "reads an input buffer")
	assert.Equal(t, int64(1), fStage.Features.LoadAccess[AccessPointwise])
	assert.Equal(t, int64(1), fStage.Features.StoreAccess[AccessPointwise])

	gStage := g.Nodes[0].Stages[0]
	assert.Equal(t, int64(1), gStage.Features.OpHistogram[OpFuncCall], "reads a computed func")
	assert.Equal(t, int64(0), gStage.Features.OpHistogram[OpImageCall])
}

func TestBuildClassification(t *testing.T) {
	t.Run("pointwise and wrapper", func(t *testing.T) {
		p := chainPipeline(64)
		p.FuncByName("g").Stages[0].Ops = nil // pure copy
		g, err := Build(p, testTarget())
		require.NoError(t, err)
		assert.True(t, g.Nodes[0].IsPointwise)
		assert.True(t, g.Nodes[0].IsWrapper)
		assert.True(t, g.Nodes[1].IsPointwise)
		assert.False(t, g.Nodes[1].IsWrapper, "f does arithmetic")
	})

	t.Run("boundary condition", func(t *testing.T) {
		p := chainPipeline(64)
		f := p.FuncByName("f")
		f.Stages[0].Accesses[0].Clamped = true
		f.Stages[0].Ops = nil
		g, err := Build(p, testTarget())
		require.NoError(t, err)
		assert.True(t, g.Nodes[1].IsBoundaryCondition)
	})

	t.Run("gather is not pointwise", func(t *testing.T) {
		p := chainPipeline(64)
		a := &p.FuncByName("g").Stages[0].Accesses[0]
		a.Coeffs[0][0] = pipeline.Coeff{Num: 0, Den: 0}
		a.Ranges = []*pipeline.Range{{Lo: 0, Hi: 63}, nil}
		g, err := Build(p, testTarget())
		require.NoError(t, err)
		assert.False(t, g.Nodes[0].IsPointwise)
		e := g.Nodes[0].Stages[0].IncomingEdges[0]
		assert.False(t, e.AllBoundsAffine)
		assert.False(t, e.AllLoadJacobianCoeffsExist())
	})
}

func TestBuildLayouts(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	n := g.Nodes[0]
	// Region required + region computed + one stage's loops.
	assert.Equal(t, 2*2+2, n.Layout.TotalSize)
	assert.Equal(t, 2, n.Layout.ComputedOffset)
	require.Len(t, n.Layout.LoopOffset, 1)
	assert.Equal(t, 4, n.Layout.LoopOffset[0])
}

func TestExpandFootprint(t *testing.T) {
	p := chainPipeline(64)
	// g reads f at x and at x+2.
	shifted := identityAccess("f", 2, 1)
	shifted.Offsets = []int64{2, 0}
	p.FuncByName("g").Stages[0].Accesses = append(p.FuncByName("g").Stages[0].Accesses, shifted)

	g, err := Build(p, testTarget())
	require.NoError(t, err)

	e := g.Nodes[0].Stages[0].IncomingEdges[0]
	consumerLoop := []Span{NewSpan(0, 9, true), NewSpan(0, 9, true)}
	required := []Span{EmptySpan(), EmptySpan()}
	e.ExpandFootprint(consumerLoop, required)

	assert.Equal(t, int64(0), required[0].Min())
	assert.Equal(t, int64(11), required[0].Max(), "shifted access widens dimension 0")
	assert.Equal(t, int64(9), required[1].Max())
}

func TestRequiredToComputedMargins(t *testing.T) {
	p := chainPipeline(64)
	p.FuncByName("f").Margins = []pipeline.Margin{{Lo: 1, Hi: 2}, {}}
	g, err := Build(p, testTarget())
	require.NoError(t, err)

	n := g.Nodes[1]
	required := []Span{NewSpan(4, 8, true), NewSpan(0, 9, true)}
	computed := make([]Span, 2)
	n.RequiredToComputed(required, computed)
	assert.Equal(t, int64(3), computed[0].Min())
	assert.Equal(t, int64(10), computed[0].Max())
	assert.Equal(t, int64(0), computed[1].Min())
	assert.Equal(t, int64(9), computed[1].Max())
}

func TestNodeMap(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	m := NewNodeMap[int64](1)
	assert.False(t, m.Contains(g.Nodes[2]))
	m.Insert(g.Nodes[2], 7)
	assert.True(t, m.Contains(g.Nodes[2]))
	assert.Equal(t, int64(7), m.Get(g.Nodes[2]))
	assert.Equal(t, 1, m.Len())

	*m.GetOrCreate(g.Nodes[0])++
	*m.GetOrCreate(g.Nodes[0])++
	assert.Equal(t, int64(2), m.Get(g.Nodes[0]))
	assert.Equal(t, 2, m.Len())

	c := m.Copy()
	c.Insert(g.Nodes[1], 9)
	assert.False(t, m.Contains(g.Nodes[1]), "copies are independent")
	assert.Equal(t, int64(7), c.Get(g.Nodes[2]))

	var visited int
	m.Each(func(n *Node, v int64) { visited++ })
	assert.Equal(t, 2, visited)
}

func TestStageMap(t *testing.T) {
	g, err := Build(chainPipeline(64), testTarget())
	require.NoError(t, err)

	m := NewStageMap[string](g.NumStages)
	s := g.Nodes[0].Stages[0]
	assert.False(t, m.Contains(s))
	*m.GetOrCreate(s) = "hello"
	assert.True(t, m.Contains(s))
	assert.Equal(t, "hello", m.Get(s))
}
