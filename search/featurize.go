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
	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

// cacheLineBytes is the line size assumed when estimating how many
// distinct lines a realization touches.
const cacheLineBytes = 64

type featurizer struct {
	g      *dag.Graph
	params pipeline.MachineParams
	target pipeline.Target
	root   *LoopNest
	feat   []dag.ScheduleFeatures
}

// computeFeaturization derives schedule features for every stage of
// the graph from a (possibly partial) candidate tree. Stages whose
// node is not yet scheduled keep zero features; the cost model treats
// zeros as "free", which biases the search toward finishing cheap
// prefixes first, exactly what the coarse passes want.
func computeFeaturization(g *dag.Graph, root *LoopNest, params pipeline.MachineParams, target pipeline.Target) []dag.ScheduleFeatures {
	fz := &featurizer{
		g:      g,
		params: params,
		target: target,
		root:   root,
		feat:   make([]dag.ScheduleFeatures, g.NumStages),
	}
	for _, c := range root.children {
		fz.visitRealization(root, c, 1, 1)
	}
	fz.featurizeInlined()
	return fz.feat
}

func productExtents(b *dag.Bound, stage int, n int) float64 {
	p := 1.0
	for j := 0; j < n; j++ {
		p *= float64(b.Loops(stage, j).Extent())
	}
	return p
}

func productSizes(size []int64) float64 {
	p := 1.0
	for _, s := range size {
		p *= float64(s)
	}
	return p
}

// visitRealization fills features for every stage of nest's node and
// recurses into producers realized inside it. instances is how many
// times the hosting loop body runs; parallelism is the number of
// parallel tasks already live at the site.
func (fz *featurizer) visitRealization(parent, nest *LoopNest, instances float64, parallelism float64) {
	n := nest.node
	b := parent.GetBounds(fz.g, n)
	rb := fz.root.GetBounds(fz.g, n)

	var chain []*LoopNest
	for lvl := nest; lvl != nil; lvl = lvl.inner {
		chain = append(chain, lvl)
	}
	innermostLvl := chain[len(chain)-1]

	outerParallel := 1.0
	for _, lvl := range chain {
		if lvl.parallel {
			outerParallel *= productSizes(lvl.size)
		}
	}

	computedPoints := 1.0
	rootComputedPoints := 1.0
	for i := 0; i < n.Dimensions; i++ {
		computedPoints *= float64(b.RegionComputed(i).Extent())
		rootComputedPoints *= float64(rb.RegionComputed(i).Extent())
	}
	innermostExtent := float64(1)
	if n.Dimensions > 0 {
		innermostExtent = float64(b.RegionComputed(0).Extent())
	}

	for si, s := range n.Stages {
		f := &fz.feat[s.ID]
		loopPoints := productExtents(b, si, len(s.Loop))

		f.NumRealizations = instances
		f.NumProductions = instances
		f.PointsComputedPerRealization = loopPoints
		f.PointsComputedPerProduction = loopPoints
		f.PointsComputedTotal = loopPoints * instances
		f.PointsComputedMinimum = productExtents(rb, si, len(s.Loop))

		f.InnermostLoopExtent = 1
		f.InnermostPureLoopExtent = 1
		if len(innermostLvl.size) > 0 && si == 0 {
			f.InnermostLoopExtent = float64(innermostLvl.size[0])
			for j, lp := range s.Loop {
				if lp.Pure {
					f.InnermostPureLoopExtent = float64(innermostLvl.size[j])
					break
				}
			}
		} else if len(s.Loop) > 0 {
			f.InnermostLoopExtent = float64(b.Loops(si, 0).Extent())
			f.InnermostPureLoopExtent = f.InnermostLoopExtent
		}
		f.UnrolledLoopExtent = 1

		f.InnerParallelism = 1
		f.OuterParallelism = parallelism * outerParallel

		bytes := float64(n.BytesPerPoint)
		f.BytesAtRealization = bytes * computedPoints
		f.BytesAtProduction = bytes * computedPoints
		f.BytesAtRoot = bytes * rootComputedPoints
		f.InnermostBytesAtRealization = bytes * innermostExtent

		fz.memoryFeatures(f, s, b, si)

		f.NativeVectorSize = float64(fz.target.NativeVectorWidth(n.BytesPerPoint))
		if si == 0 && nest.vectorLoopIndex >= 0 {
			f.VectorSize = float64(s.VectorSize)
		} else {
			f.VectorSize = 1
		}
		f.NumVectors = f.PointsComputedTotal / f.VectorSize
		f.NumScalars = 0
		if si == 0 && nest.vectorLoopIndex >= 0 {
			vec := int64(s.VectorSize)
			ext := b.Loops(si, nest.vectorLoopIndex).Extent()
			if tail := ext % vec; tail != 0 {
				perLoop := loopPoints / float64(ext)
				f.NumScalars = perLoop * float64(tail) * instances
				f.NumVectors = perLoop * float64(ext/vec) * instances
			}
		}
	}

	// Producers realized inside run once per iteration of the loop
	// levels enclosing their site.
	enclosing := instances
	par := parallelism
	for _, lvl := range chain {
		enclosing *= productSizes(lvl.size)
		if lvl.parallel {
			par *= productSizes(lvl.size)
		}
		for _, c := range lvl.children {
			fz.visitRealization(lvl, c, enclosing, par)
		}
	}
}

// loadAcc accumulates the footprint a realization reads across all of
// its loads, direct and chased through inlined producers.
type loadAcc struct {
	bytes, lines, working float64
}

func (a *loadAcc) add(p *dag.Node, extents []float64) {
	bytes := float64(p.BytesPerPoint)
	points := 1.0
	lines := 1.0
	for i, ext := range extents {
		points *= ext
		if i == 0 {
			lines *= max(1, ext*bytes/cacheLineBytes)
		} else {
			lines *= ext
		}
	}
	a.bytes += points * bytes
	a.lines += lines
	a.working += points * bytes
}

// memoryFeatures estimates the footprint each realization reads: the
// union of producer regions its loop box requires, in bytes and in
// cache lines, plus the working set live across the realization.
// Loads of an inlined producer have no buffer behind them; those are
// chased through the inlined body to the regions it loads itself.
func (fz *featurizer) memoryFeatures(f *dag.ScheduleFeatures, s *dag.Stage, b *dag.Bound, si int) {
	loop := make([]dag.Span, len(s.Loop))
	for j := range loop {
		loop[j] = *b.Loops(si, j)
	}
	var acc loadAcc
	for _, e := range s.IncomingEdges {
		p := e.Producer
		if fz.root.inlines(p) {
			for _, jac := range e.Jacobians {
				fz.chaseInlined(&acc, p, jac, loop)
			}
			continue
		}
		req := make([]dag.Span, p.Dimensions)
		for i := range req {
			req[i] = dag.EmptySpan()
		}
		e.ExpandFootprint(loop, req)
		extents := make([]float64, len(req))
		for i, r := range req {
			extents[i] = float64(r.Extent())
		}
		acc.add(p, extents)
	}
	f.UniqueBytesReadPerRealization = acc.bytes
	f.UniqueLinesReadPerRealization = acc.lines
	f.WorkingSet = acc.working + f.BytesAtRealization
}

// loopToCoordJacobian maps a stage's storage coordinates to its loop
// variables: pure loops read the matching coordinate one-to-one,
// reduction loops have no coordinate and stay undefined.
func loopToCoordJacobian(s *dag.Stage) *dag.LoadJacobian {
	j := dag.NewLoadJacobian(len(s.Loop), s.Node.Dimensions, 1)
	for li, lp := range s.Loop {
		if lp.Pure {
			j.Set(li, lp.PureDim, dag.OptionalRational{Num: 1, Den: 1})
		} else {
			for d := 0; d < s.Node.Dimensions; d++ {
				j.Set(li, d, dag.OptionalRational{})
			}
		}
	}
	return j
}

// chaseInlined follows the loads an inlined producer makes on behalf
// of the featurized stage. via maps p's storage coordinates to the
// featurized stage's loops; composing it with p's own load jacobians
// re-expresses each transitive load in those loops, so its footprint
// can be measured over the same loop box.
func (fz *featurizer) chaseInlined(acc *loadAcc, p *dag.Node, via *dag.LoadJacobian, loop []dag.Span) {
	through := loopToCoordJacobian(p.Stages[0]).Compose(via)
	for _, e := range p.Stages[0].IncomingEdges {
		q := e.Producer
		for _, jac := range e.Jacobians {
			composed := jac.Compose(through)
			if fz.root.inlines(q) {
				fz.chaseInlined(acc, q, composed, loop)
				continue
			}
			acc.add(q, fz.jacobianExtents(q, composed, loop))
		}
	}
}

// jacobianExtents bounds the region of q touched over the loop box
// when each coordinate of q moves with the given derivatives. A
// non-affine coordinate falls back to q's estimated extent.
func (fz *featurizer) jacobianExtents(q *dag.Node, j *dag.LoadJacobian, loop []dag.Span) []float64 {
	out := make([]float64, j.ProducerStorageDims())
	for i := range out {
		ext := 1.0
		for k := 0; k < j.ConsumerLoopDims() && k < len(loop); k++ {
			c := j.At(i, k)
			if !c.Exists() {
				ext = 1
				if len(q.EstimatedRegion) > i {
					ext = float64(q.EstimatedRegion[i].Extent())
				}
				break
			}
			d := float64(c.Num) / float64(c.Den)
			if d < 0 {
				d = -d
			}
			ext += d * float64(loop[k].Extent()-1)
		}
		out[i] = ext
	}
	return out
}

// featurizeInlined credits inlined nodes with the calls their
// consumers make; an inlined node has no realizations of its own.
func (fz *featurizer) featurizeInlined() {
	fz.root.eachInlined(func(n *dag.Node, callsPerPoint int64) {
		s := n.Stages[0]
		f := &fz.feat[s.ID]
		var calls float64
		for _, e := range n.OutgoingEdges {
			cf := fz.feat[e.Consumer.ID]
			consumerPoints := cf.PointsComputedTotal
			if consumerPoints == 0 {
				// Consumer itself inlined: fold through its calls.
				consumerPoints = cf.InlinedCalls
			}
			calls += float64(e.Calls) * consumerPoints
		}
		if calls == 0 {
			calls = float64(callsPerPoint)
		}
		f.InlinedCalls += calls
		f.PointsComputedTotal += calls
		f.PointsComputedMinimum = 1
		f.VectorSize = 1
		f.NativeVectorSize = float64(fz.target.NativeVectorWidth(n.BytesPerPoint))
		f.NumVectors = 0
		f.NumScalars = f.PointsComputedTotal
		f.InnermostLoopExtent = 1
		f.InnermostPureLoopExtent = 1
		f.UnrolledLoopExtent = 1
		f.InnerParallelism = 1
		f.OuterParallelism = 1
	})
}
