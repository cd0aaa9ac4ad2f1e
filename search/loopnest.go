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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

// LoopNest is one node of a candidate schedule tree: one loop level of
// one pipeline node, the producers realized inside it, and the nodes
// inlined into its body. Trees are immutable once published; new
// candidates are produced by structural copy-with-mutation so that
// sibling candidates can share unmodified subtrees.
type LoopNest struct {
	// node is nil only for the root sentinel, which represents the
	// whole-program scope and owns the top-level realizations.
	node *dag.Node

	// stage is the stage whose loops this level iterates.
	stage *dag.Stage

	// size is the extent each loop of the stage iterates at this
	// level, innermost first.
	size []int64

	// inner is the next, finer tiling level of the same node.
	inner *LoopNest

	// children are the producers realized inside this level's body.
	children []*LoopNest

	// inlined marks nodes computed at their point of use inside this
	// level, mapped to calls per consumer point. Nil when empty.
	inlined *dag.NodeMap[int64]

	// bounds caches derived Bound records per node at this level.
	// Shared subtrees share the cache; entries are immutable once
	// published.
	bounds *dag.NodeMap[*dag.Bound]

	// parallel marks this level's loops as parallel tasks.
	parallel bool

	// vectorLoopIndex is the loop vectorized at this level, -1 if none.
	vectorLoopIndex int

	// innermost marks the deepest tiling level of the node.
	innermost bool
}

func newRootLoopNest() *LoopNest {
	return &LoopNest{vectorLoopIndex: -1}
}

// IsRoot reports whether this is the whole-program sentinel level.
func (l *LoopNest) IsRoot() bool { return l.node == nil }

// copy returns a mutable shallow copy: slices and the inlined map are
// cloned, child subtree pointers are shared. Derived bounds of other
// nodes are dropped because the mutation may change them, but the
// level's own seeded instance bound carries over: it depends only on
// the level's loop box, and losing it would make GetBounds re-derive
// the node's region from consumers that live above this level, not
// inside it.
func (l *LoopNest) copy() *LoopNest {
	c := &LoopNest{
		node:            l.node,
		stage:           l.stage,
		size:            append([]int64(nil), l.size...),
		inner:           l.inner,
		children:        append([]*LoopNest(nil), l.children...),
		parallel:        l.parallel,
		vectorLoopIndex: l.vectorLoopIndex,
		innermost:       l.innermost,
	}
	if l.inlined != nil {
		c.inlined = l.inlined.Copy()
	}
	if l.node != nil && l.bounds != nil {
		if b := l.bounds.Get(l.node); b != nil {
			c.setBounds(l.node, b)
		}
	}
	return c
}

// computes reports whether n is realized at this level or anywhere
// below it.
func (l *LoopNest) computes(n *dag.Node) bool {
	if l.node == n {
		return true
	}
	if l.inner != nil && l.inner.computes(n) {
		return true
	}
	for _, c := range l.children {
		if c.computes(n) {
			return true
		}
	}
	return false
}

// inlines reports whether n is inlined at this level or below.
func (l *LoopNest) inlines(n *dag.Node) bool {
	if l.inlined != nil && l.inlined.Contains(n) {
		return true
	}
	if l.inner != nil && l.inner.inlines(n) {
		return true
	}
	for _, c := range l.children {
		if c.inlines(n) {
			return true
		}
	}
	return false
}

// scheduledInSubtree reports whether every consumer of n lives inside
// this subtree, which is the legality condition for realizing n here.
func (l *LoopNest) scheduledInSubtree(n *dag.Node) bool {
	for _, e := range n.OutgoingEdges {
		c := e.Consumer.Node
		if c == n {
			continue // reduction self-read
		}
		if !l.computes(c) && !l.inlines(c) {
			return false
		}
	}
	return true
}

// setBounds publishes a derived bound for n at this level.
func (l *LoopNest) setBounds(n *dag.Node, b *dag.Bound) {
	if l.bounds == nil {
		l.bounds = dag.NewNodeMap[*dag.Bound](n.ID + 1)
	}
	l.bounds.Insert(n, b)
}

// GetBounds derives (and caches) the bounds of n as seen from this
// loop level: the region its consumers inside this subtree require,
// the region computed, and the resulting loop nest per stage.
func (l *LoopNest) GetBounds(g *dag.Graph, n *dag.Node) *dag.Bound {
	if l.bounds != nil {
		if b := l.bounds.Get(n); b != nil {
			return b
		}
	}

	b := n.MakeBound()
	required := make([]dag.Span, n.Dimensions)

	if l.IsRoot() && n.IsOutput {
		copy(required, n.EstimatedRegion)
	} else {
		for i := range required {
			required[i] = dag.EmptySpan()
		}
		found := false
		for _, e := range n.OutgoingEdges {
			c := e.Consumer.Node
			if c == n {
				continue
			}
			if !l.computes(c) && !l.inlines(c) {
				continue
			}
			cb := l.GetBounds(g, c)
			loop := make([]dag.Span, len(e.Consumer.Loop))
			for j := range loop {
				loop[j] = *cb.Loops(e.Consumer.Index, j)
			}
			e.ExpandFootprint(loop, required)
			found = true
		}
		if !found {
			if len(n.EstimatedRegion) == n.Dimensions {
				copy(required, n.EstimatedRegion)
			} else {
				panic(fmt.Sprintf("loopsched: no consumers of %s are scheduled in this subtree", n.Name))
			}
		}
	}

	for i := range required {
		*b.RegionRequired(i) = required[i]
	}
	computed := make([]dag.Span, n.Dimensions)
	n.RequiredToComputed(required, computed)
	for i := range computed {
		*b.RegionComputed(i) = computed[i]
	}
	for si, s := range n.Stages {
		loop := make([]dag.Span, len(s.Loop))
		n.LoopNestForRegion(si, computed, loop)
		for j := range loop {
			*b.Loops(si, j) = loop[j]
		}
	}
	l.setBounds(n, b)
	return b
}

// chooseVectorLoop picks the loop to vectorize: the pure loop over the
// innermost storage dimension, if its extent covers a vector.
func chooseVectorLoop(s *dag.Stage, size []int64) int {
	for j, lp := range s.Loop {
		if lp.Pure && lp.PureDim == 0 {
			if size[j] >= int64(s.VectorSize) {
				return j
			}
			return -1
		}
	}
	return -1
}

// boundFromLoopBox seeds a bound for n whose stage-0 loop box is given
// explicitly, deriving the computed and required regions from it. Used
// when a tiling level narrows the iteration space of its node.
func boundFromLoopBox(n *dag.Node, loopBox []dag.Span) *dag.Bound {
	b := n.MakeBound()
	s0 := n.Stages[0]
	computed := make([]dag.Span, n.Dimensions)
	for i := range computed {
		computed[i] = dag.EmptySpan()
	}
	for j := range s0.Loop {
		*b.Loops(0, j) = loopBox[j]
		if s0.Loop[j].Pure {
			computed[s0.Loop[j].PureDim] = loopBox[j]
		}
	}
	for i := range computed {
		*b.RegionComputed(i) = computed[i]
		*b.RegionRequired(i) = computed[i]
	}
	for si := 1; si < len(n.Stages); si++ {
		loop := make([]dag.Span, len(n.Stages[si].Loop))
		n.LoopNestForRegion(si, computed, loop)
		for j := range loop {
			*b.Loops(si, j) = loop[j]
		}
	}
	return b
}

// newRealization builds the single-level loop nest computing n with
// the given bounds, as placed by a compute-root or compute-at
// decision. Granularity (tiling, parallelism) is decided later.
//
// The level seeds its own bound with a single-point box: producers
// placed inside its body are realized once per iteration, so their
// footprints must be expanded from one consumer point, not from the
// whole region.
func newRealization(n *dag.Node, b *dag.Bound) *LoopNest {
	s0 := n.Stages[0]
	size := make([]int64, len(s0.Loop))
	point := make([]dag.Span, len(s0.Loop))
	for j := range size {
		size[j] = b.Loops(0, j).Extent()
		lo := b.Loops(0, j).Min()
		point[j] = dag.NewSpan(lo, lo, true)
	}
	nest := &LoopNest{
		node:            n,
		stage:           s0,
		size:            size,
		innermost:       true,
		vectorLoopIndex: chooseVectorLoop(s0, size),
	}
	nest.setBounds(n, boundFromLoopBox(n, point))
	return nest
}

// inlineNode returns a copy of the root with n marked inlined at every
// point of use.
func (l *LoopNest) inlineNode(n *dag.Node) *LoopNest {
	c := l.copy()
	var calls int64
	for _, e := range n.OutgoingEdges {
		calls += e.Calls
	}
	if c.inlined == nil {
		c.inlined = dag.NewNodeMap[int64](n.ID + 1)
	}
	c.inlined.Insert(n, calls)
	return c
}

// placementOptions enumerates every legal site at which n can be
// realized within this subtree, returning one modified copy of the
// subtree per option. Illegal or infeasible placements are pruned here
// rather than generated and rejected later.
func (l *LoopNest) placementOptions(g *dag.Graph, n *dag.Node, cfg *Config) []*LoopNest {
	var out []*LoopNest

	if l.scheduledInSubtree(n) {
		b := l.GetBounds(g, n)
		c := l.copy()
		c.children = append(c.children, newRealization(n, b))
		out = append(out, c)
	}

	// Recurse into realized producers' loop levels. With single-level
	// tiling only, sites below each realization's outermost level are
	// off limits.
	for i, ch := range l.children {
		if n == ch.node || !ch.subtreeCanHost(n) {
			continue
		}
		for _, sub := range ch.placementOptions(g, n, cfg) {
			c := l.copy()
			c.children = append([]*LoopNest(nil), l.children...)
			c.children[i] = sub
			out = append(out, c)
		}
	}
	if l.inner != nil && !cfg.NoSubtiling && l.inner.subtreeCanHost(n) {
		for _, sub := range l.inner.placementOptions(g, n, cfg) {
			c := l.copy()
			c.inner = sub
			out = append(out, c)
		}
	}
	return out
}

// subtreeCanHost is a cheap pre-filter: a subtree can host n only if
// at least one consumer of n lives inside it.
func (l *LoopNest) subtreeCanHost(n *dag.Node) bool {
	for _, e := range n.OutgoingEdges {
		c := e.Consumer.Node
		if c == n {
			continue
		}
		if l.computes(c) || l.inlines(c) {
			return true
		}
	}
	return false
}

// tileCounts enumerates per-loop task counts for parallelizing a loop
// box, targeting between one and eight tasks per core. Tilings that
// would create a non-constant inner extent are pruned unless the
// target or configuration permits them.
func tileCounts(s *dag.Stage, size []int64, params pipeline.MachineParams, target pipeline.Target, cfg *Config) [][]int64 {
	p := int64(params.Parallelism)
	if p <= 1 {
		return nil
	}
	allowUneven := target.AllowNonConstLoops || cfg.PermitNonConstTiles

	// Candidate counts per loop: powers of two up to the extent.
	perLoop := make([][]int64, len(size))
	for j := range size {
		counts := []int64{1}
		if s.Loop[j].Pure {
			for c := int64(2); c <= size[j]; c *= 2 {
				if size[j]%c != 0 && !allowUneven {
					continue
				}
				counts = append(counts, c)
			}
		}
		perLoop[j] = counts
	}

	var out [][]int64
	var walk func(j int, acc []int64, product int64)
	walk = func(j int, acc []int64, product int64) {
		if len(out) >= maxTilingOptions {
			return
		}
		if j == len(size) {
			if product >= p && product <= 8*p {
				out = append(out, append([]int64(nil), acc...))
			}
			return
		}
		for _, c := range perLoop[j] {
			walk(j+1, append(acc, c), product*c)
		}
	}
	walk(0, nil, 1)
	return out
}

// maxTilingOptions caps the tiling cross product so a single decision
// cannot flood the frontier.
const maxTilingOptions = 128

// wrapInParallel wraps a realized nest in a new outer level whose
// loops iterate the given task counts in parallel; the existing levels
// shrink to one task's share. The outer level's body covers one task,
// so it seeds its own bound with the share box; the inner level keeps
// a single-point seed for producers placed in its body.
func (l *LoopNest) wrapInParallel(g *dag.Graph, counts []int64) *LoopNest {
	n := l.node
	b := l.GetBounds(g, n)

	inner := l.copy()
	shareBox := make([]dag.Span, len(l.size))
	pointBox := make([]dag.Span, len(l.size))
	for j := range l.size {
		share := (l.size[j] + counts[j] - 1) / counts[j]
		inner.size[j] = share
		lo := b.Loops(0, j).Min()
		shareBox[j] = dag.NewSpan(lo, lo+share-1, l.size[j]%counts[j] == 0)
		pointBox[j] = dag.NewSpan(lo, lo, true)
	}
	inner.bounds = nil
	inner.setBounds(n, boundFromLoopBox(n, pointBox))
	inner.vectorLoopIndex = chooseVectorLoop(l.stage, inner.size)

	outer := &LoopNest{
		node:            n,
		stage:           l.stage,
		size:            append([]int64(nil), counts...),
		inner:           inner,
		parallel:        true,
		vectorLoopIndex: -1,
	}
	outer.setBounds(n, boundFromLoopBox(n, shareBox))
	return outer
}

// parallelOptions enumerates granularity choices for a realized nest:
// parallel tilings targeting the machine's core count, or the serial
// nest unchanged when parallelism is unavailable or pointless.
func (l *LoopNest) parallelOptions(g *dag.Graph, params pipeline.MachineParams, target pipeline.Target, cfg *Config) []*LoopNest {
	counts := tileCounts(l.stage, l.size, params, target, cfg)
	if len(counts) == 0 {
		return []*LoopNest{l}
	}
	out := make([]*LoopNest, 0, len(counts))
	for _, c := range counts {
		out = append(out, l.wrapInParallel(g, c))
	}
	return out
}

// withoutInlined is a persistent transform: it returns a tree equal to
// l but with every inlined map cleared, sharing untouched branches.
func (l *LoopNest) withoutInlined() *LoopNest {
	changed := l.inlined != nil && l.inlined.Len() > 0

	var newInner *LoopNest
	if l.inner != nil {
		newInner = l.inner.withoutInlined()
		changed = changed || newInner != l.inner
	}
	newChildren := l.children
	copied := false
	for i, c := range l.children {
		nc := c.withoutInlined()
		if nc != c {
			if !copied {
				newChildren = append([]*LoopNest(nil), l.children...)
				copied = true
			}
			newChildren[i] = nc
			changed = true
		}
	}
	if !changed {
		return l
	}
	c := l.copy()
	c.inlined = nil
	c.inner = newInner
	c.children = newChildren
	return c
}

// eachInlined visits every (node, calls) pair inlined in the subtree.
func (l *LoopNest) eachInlined(fn func(n *dag.Node, calls int64)) {
	if l.inlined != nil {
		l.inlined.Each(fn)
	}
	if l.inner != nil {
		l.inner.eachInlined(fn)
	}
	for _, c := range l.children {
		c.eachInlined(fn)
	}
}

// findRealization locates the subtree realizing n among this level's
// children, returning nil if n is not realized directly here.
func (l *LoopNest) findRealization(n *dag.Node) (int, *LoopNest) {
	for i, c := range l.children {
		if c.node == n {
			return i, c
		}
	}
	return -1, nil
}

// structuralHash folds the scheduling decisions of this subtree into
// the digest, down to the given granularity. Details deeper than the
// granularity are deliberately left out so near-duplicate schedules
// collide.
func (l *LoopNest) structuralHash(d *xxhash.Digest, granularity int) {
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		d.Write(buf[:])
	}
	if l.node != nil {
		writeInt(int64(l.node.ID))
		writeInt(int64(l.stage.Index))
	} else {
		writeInt(-1)
	}
	if l.inlined != nil {
		l.inlined.Each(func(n *dag.Node, _ int64) {
			writeInt(int64(^n.ID))
		})
	}
	if granularity <= 0 {
		return
	}
	for _, s := range l.size {
		writeInt(s)
	}
	if l.parallel {
		writeInt(-2)
	}
	if l.inner != nil {
		l.inner.structuralHash(d, granularity-1)
	}
	for _, c := range l.children {
		c.structuralHash(d, granularity-1)
	}
}

// dump writes a readable rendering of the subtree.
func (l *LoopNest) dump(w io.Writer, indent string) {
	if l.IsRoot() {
		fmt.Fprintf(w, "%sroot\n", indent)
	} else {
		fmt.Fprintf(w, "%s%s", indent, l.stage.Name)
		for j, s := range l.size {
			sep := " "
			if j > 0 {
				sep = " x "
			}
			fmt.Fprintf(w, "%s%d", sep, s)
		}
		if l.parallel {
			fmt.Fprintf(w, " (parallel)")
		}
		if l.vectorLoopIndex >= 0 {
			fmt.Fprintf(w, " (vectorized %s)", l.stage.Loop[l.vectorLoopIndex].Var)
		}
		fmt.Fprintf(w, "\n")
	}
	if l.inlined != nil {
		l.inlined.Each(func(n *dag.Node, calls int64) {
			fmt.Fprintf(w, "%s  inlined: %s (%d calls)\n", indent, n.Name, calls)
		})
	}
	if l.inner != nil {
		l.inner.dump(w, indent+"  ")
	}
	for _, c := range l.children {
		c.dump(w, indent+"  ")
	}
}
