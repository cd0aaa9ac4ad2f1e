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

// Package dag builds the dependency-graph representation of a pipeline
// that the schedule search runs over: one Node per func, one Stage per
// execution phase, and one Edge per producer-consumer relationship,
// each annotated with precomputed bound relations and load jacobians.
//
// The graph is built once per pipeline, before any searching, and is
// immutable afterwards. Nodes and edges are stored in reverse
// realization order (consumers before producers), so walking backwards
// up the graph is just iterating in order.
package dag

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/ajroetker/loopsched/pipeline"
)

// Loop is the metadata for one loop in a stage's default loop nest,
// innermost first.
type Loop struct {
	Var  string
	Pure bool

	// PureDim is the storage dimension a pure loop iterates; -1 for
	// reduction variables.
	PureDim int

	// Min and Max bound reduction loops; pure loops take their bounds
	// from the region computed.
	Min, Max int64

	// BoundsAreConstant is required for the loop to be unrollable.
	BoundsAreConstant bool
}

// Stage is one execution phase of a Node. Index 0 is the pure
// definition; higher indices are reduction update steps.
type Stage struct {
	Node  *Node
	Index int

	// Loop is the stage's loop nest, innermost first.
	Loop []Loop

	// VectorSize is the natural vectorization width for the stage.
	VectorSize int

	// Features is the schedule-independent featurization of the stage.
	Features PipelineFeatures

	// IncomingEdges lists the producers this stage reads.
	IncomingEdges []*Edge

	// ID is the dense global stage id; stage ids are contiguous and
	// used as array indices for per-stage cost accumulation.
	ID int

	// Name is the scheduling name, e.g. "blur" or "hist.update(1)".
	Name string
}

// PureLoopCount returns the number of pure (non-reduction) loops.
func (s *Stage) PureLoopCount() int {
	n := 0
	for _, l := range s.Loop {
		if l.Pure {
			n++
		}
	}
	return n
}

// RegionComputedInfo records how one dimension of the region computed
// relates to the region required.
type RegionComputedInfo struct {
	// EqualsRequired is the common case: compute exactly what is asked.
	EqualsRequired bool

	// Otherwise the region computed is the region required grown by
	// provably constant offsets.
	Lo, Hi int64
}

// Node is one schedulable computation in the pipeline graph. Created
// once during graph construction and immutable thereafter.
type Node struct {
	// ID is unique and dense, allocated consecutively from zero.
	ID int

	Name          string
	Dimensions    int
	BytesPerPoint int

	Stages        []*Stage
	OutgoingEdges []*Edge

	// EstimatedRegion is the caller-declared bound estimate, when
	// present. Always present for inputs and outputs.
	EstimatedRegion []Span

	// RegionComputed relates region computed to region required per
	// dimension.
	RegionComputed []RegionComputedInfo

	IsInput  bool
	IsOutput bool

	// IsWrapper: a single pointwise call to another func.
	IsWrapper bool

	// IsPointwise: only pointwise accesses.
	IsPointwise bool

	// IsBoundaryCondition: pointwise plus clamping on all indices.
	IsBoundaryCondition bool

	// VectorSize is the max across the stages.
	VectorSize int

	// Layout is the bound-arena layout for this node's Bound records.
	Layout *Layout
}

// MakeBound allocates a bounds record for this node from its arena.
func (n *Node) MakeBound() *Bound {
	return n.Layout.Make()
}

// RequiredToComputed expands a region required into a region computed.
func (n *Node) RequiredToComputed(required, computed []Span) {
	for i := 0; i < n.Dimensions; i++ {
		info := n.RegionComputed[i]
		computed[i] = required[i]
		if !info.EqualsRequired {
			computed[i] = NewSpan(required[i].Min()-info.Lo, required[i].Max()+info.Hi, required[i].ConstantExtent())
		}
	}
}

// LoopNestForRegion derives the loop bounds of one stage from a region
// computed: pure loops cover their storage dimension, reduction loops
// keep their fixed declared bounds.
func (n *Node) LoopNestForRegion(stageIdx int, computed, loop []Span) {
	s := n.Stages[stageIdx]
	for i, l := range s.Loop {
		if l.Pure {
			loop[i] = computed[l.PureDim]
		} else {
			loop[i] = NewSpan(l.Min, l.Max, l.BoundsAreConstant)
		}
	}
}

// EdgeBound is the bound relation for one producer dimension of one
// access: an affine expression over the consumer's loop variables, or
// an explicit fallback interval when the access is not affine.
type EdgeBound struct {
	Affine   bool
	Coeffs   []OptionalRational
	Constant int64

	FallbackLo, FallbackHi int64
}

func ratScaleFloor(c OptionalRational, x int64) int64 {
	n := c.Num * x
	d := c.Den
	if d < 0 {
		n, d = -n, -d
	}
	q := n / d
	if n%d != 0 && n < 0 {
		q--
	}
	return q
}

func ratScaleCeil(c OptionalRational, x int64) int64 {
	n := c.Num * x
	d := c.Den
	if d < 0 {
		n, d = -n, -d
	}
	q := n / d
	if n%d != 0 && n > 0 {
		q++
	}
	return q
}

// Min evaluates the smallest producer coordinate reachable from the
// given consumer loop box.
func (b *EdgeBound) Min(loop []Span) int64 {
	if !b.Affine {
		return b.FallbackLo
	}
	v := b.Constant
	for k, c := range b.Coeffs {
		if c.IsZero() {
			continue
		}
		if c.Num > 0 {
			v += ratScaleFloor(c, loop[k].Min())
		} else {
			v += ratScaleFloor(c, loop[k].Max())
		}
	}
	return v
}

// Max evaluates the largest producer coordinate reachable from the
// given consumer loop box.
func (b *EdgeBound) Max(loop []Span) int64 {
	if !b.Affine {
		return b.FallbackHi
	}
	v := b.Constant
	for k, c := range b.Coeffs {
		if c.IsZero() {
			continue
		}
		if c.Num > 0 {
			v += ratScaleCeil(c, loop[k].Max())
		} else {
			v += ratScaleCeil(c, loop[k].Min())
		}
	}
	return v
}

func (b *EdgeBound) constantExtent(loop []Span) bool {
	if !b.Affine {
		return true
	}
	for k, c := range b.Coeffs {
		if !c.IsZero() && !loop[k].ConstantExtent() {
			return false
		}
	}
	return true
}

// Edge is a producer-consumer relationship between a node and one
// stage of another (or, for reductions, the same) node.
type Edge struct {
	Producer *Node
	Consumer *Stage

	// Calls is the number of loads of the producer per point in the
	// consumer's loop nest.
	Calls int64

	// Bounds describes the producer footprint: per distinct access,
	// per producer dimension.
	Bounds [][]EdgeBound

	AllBoundsAffine bool

	// Jacobians holds the merged distinct access patterns; jacobians
	// with identical coefficients are merged, summing counts.
	Jacobians []*LoadJacobian
}

// AddJacobian records one access pattern, merging with an existing
// identical one rather than duplicating it.
func (e *Edge) AddJacobian(j *LoadJacobian) {
	for _, existing := range e.Jacobians {
		if existing.Merge(j) {
			return
		}
	}
	e.Jacobians = append(e.Jacobians, j)
}

// AllLoadJacobianCoeffsExist reports whether every recorded access is
// fully affine.
func (e *Edge) AllLoadJacobianCoeffsExist() bool {
	for _, j := range e.Jacobians {
		if !j.AllCoeffsExist() {
			return false
		}
	}
	return true
}

// ExpandFootprint widens producerRequired to include every producer
// point the consumer touches while iterating the given loop box.
func (e *Edge) ExpandFootprint(consumerLoop []Span, producerRequired []Span) {
	for _, access := range e.Bounds {
		for i := range access {
			b := &access[i]
			s := NewSpan(b.Min(consumerLoop), b.Max(consumerLoop), b.constantExtent(consumerLoop))
			producerRequired[i].UnionWith(s)
		}
	}
}

// Graph is the dependency-graph representation of one pipeline.
type Graph struct {
	// Nodes in reverse realization order: the schedulable (non-input)
	// nodes first, consumers before producers, then the inputs.
	Nodes []*Node

	Edges []*Edge

	// NumNonInput is the count of schedulable nodes; the search makes
	// exactly two decisions per schedulable node.
	NumNonInput int

	// StageIDToNode resolves a dense stage id back to its node.
	StageIDToNode []*Node

	NumStages int
}

// Build analyzes a pipeline and constructs the graph. Construction
// fails for malformed pipelines; callers must treat that as fatal.
func Build(p *pipeline.Pipeline, target pipeline.Target) (*Graph, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "malformed pipeline")
	}

	order, err := reverseRealizationOrder(p)
	if err != nil {
		return nil, err
	}

	g := &Graph{}
	nodeFor := make(map[string]*Node, len(order))

	for _, f := range order {
		n := &Node{
			ID:            len(g.Nodes),
			Name:          f.Name,
			Dimensions:    f.Dims,
			BytesPerPoint: f.BytesPerPoint,
			IsInput:       f.Input,
		}
		for _, r := range f.Estimate {
			n.EstimatedRegion = append(n.EstimatedRegion, NewSpan(r.Lo, r.Hi, true))
		}
		n.RegionComputed = make([]RegionComputedInfo, f.Dims)
		for i := range n.RegionComputed {
			if len(f.Margins) > 0 && (f.Margins[i].Lo != 0 || f.Margins[i].Hi != 0) {
				n.RegionComputed[i] = RegionComputedInfo{Lo: f.Margins[i].Lo, Hi: f.Margins[i].Hi}
			} else {
				n.RegionComputed[i] = RegionComputedInfo{EqualsRequired: true}
			}
		}
		if !f.Input {
			g.NumNonInput++
		}
		g.Nodes = append(g.Nodes, n)
		nodeFor[f.Name] = n
	}

	for _, out := range p.Outputs {
		nodeFor[out].IsOutput = true
	}

	// Stages, edges and featurization, walking the schedulable prefix.
	for _, n := range g.Nodes {
		if n.IsInput {
			continue
		}
		f := p.FuncByName(n.Name)
		if err := buildStages(g, n, f, nodeFor, target); err != nil {
			return nil, err
		}
	}

	// Dense stage ids, arena layouts and the stage-to-node map.
	for _, n := range g.Nodes {
		layout := &Layout{ComputedOffset: n.Dimensions}
		size := 2 * n.Dimensions
		for _, s := range n.Stages {
			s.ID = g.NumStages
			g.NumStages++
			g.StageIDToNode = append(g.StageIDToNode, n)
			layout.LoopOffset = append(layout.LoopOffset, size)
			size += len(s.Loop)
		}
		layout.TotalSize = size
		n.Layout = layout
	}

	return g, nil
}

// reverseRealizationOrder returns the reachable funcs consumers-first,
// with input buffers moved to the tail so the schedulable nodes form a
// dense prefix.
func reverseRealizationOrder(p *pipeline.Pipeline) ([]*pipeline.Func, error) {
	var post []*pipeline.Func
	seen := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		f := p.FuncByName(name)
		if f == nil {
			return errors.Errorf("undefined func %q", name)
		}
		for _, s := range f.Stages {
			for _, a := range s.Accesses {
				if a.Producer == name {
					continue
				}
				if err := visit(a.Producer); err != nil {
					return err
				}
			}
		}
		post = append(post, f)
		return nil
	}
	for _, out := range p.Outputs {
		if err := visit(out); err != nil {
			return nil, err
		}
	}

	var order, inputs []*pipeline.Func
	for i := len(post) - 1; i >= 0; i-- {
		if post[i].Input {
			inputs = append(inputs, post[i])
		} else {
			order = append(order, post[i])
		}
	}
	return append(order, inputs...), nil
}

func buildStages(g *Graph, n *Node, f *pipeline.Func, nodeFor map[string]*Node, target pipeline.Target) error {
	allPointwise := true
	allClamped := true
	totalEdges := 0

	for si, def := range f.Stages {
		s := &Stage{
			Node:  n,
			Index: si,
			Name:  n.Name,
		}
		if si > 0 {
			s.Name = fmt.Sprintf("%s.update(%d)", n.Name, si-1)
		}
		for _, l := range def.Loops {
			pureDim := l.PureDim
			if !l.Pure {
				pureDim = -1
			}
			s.Loop = append(s.Loop, Loop{
				Var:               l.Var,
				Pure:              l.Pure,
				PureDim:           pureDim,
				Min:               l.Min,
				Max:               l.Max,
				BoundsAreConstant: l.Constant,
			})
		}
		s.VectorSize = def.VectorSize
		if s.VectorSize == 0 {
			s.VectorSize = target.NativeVectorWidth(f.BytesPerPoint)
		}
		if s.VectorSize > n.VectorSize {
			n.VectorSize = s.VectorSize
		}

		for name, count := range def.Ops {
			op, err := ParseOpType(name)
			if err != nil {
				return errors.Wrapf(err, "func %q stage %d", f.Name, si)
			}
			s.Features.OpHistogram[op] += count
		}
		// Stores to the stage's own buffer are pointwise by
		// construction.
		s.Features.StoreAccess[AccessPointwise]++

		// Group this stage's accesses into one edge per producer.
		edgeFor := make(map[*Node]*Edge)
		for _, a := range def.Accesses {
			prod := nodeFor[a.Producer]
			e := edgeFor[prod]
			if e == nil {
				e = &Edge{Producer: prod, Consumer: s, AllBoundsAffine: true}
				edgeFor[prod] = e
				s.IncomingEdges = append(s.IncomingEdges, e)
				prod.OutgoingEdges = append(prod.OutgoingEdges, e)
				g.Edges = append(g.Edges, e)
				totalEdges++
			}
			j := NewLoadJacobian(prod.Dimensions, len(def.Loops), a.Count)
			dims := make([]EdgeBound, prod.Dimensions)
			for d := 0; d < prod.Dimensions; d++ {
				affine := true
				coeffs := make([]OptionalRational, len(def.Loops))
				for k, c := range a.Coeffs[d] {
					coeffs[k] = OptionalRational{Num: c.Num, Den: c.Den}
					j.Set(d, k, coeffs[k])
					if !coeffs[k].Exists() {
						affine = false
					}
				}
				b := EdgeBound{Affine: affine, Coeffs: coeffs, Constant: a.Offsets[d]}
				if !affine {
					b.FallbackLo = a.Ranges[d].Lo
					b.FallbackHi = a.Ranges[d].Hi
					e.AllBoundsAffine = false
				}
				dims[d] = b
			}
			e.Bounds = append(e.Bounds, dims)
			e.Calls += a.Count

			class := ClassifyJacobian(j)
			s.Features.LoadAccess[class] += a.Count
			switch {
			case prod.IsInput:
				s.Features.OpHistogram[OpImageCall] += a.Count
			case prod == n:
				s.Features.OpHistogram[OpSelfCall] += a.Count
			default:
				s.Features.OpHistogram[OpFuncCall] += a.Count
			}
			if class != AccessPointwise {
				allPointwise = false
			}
			if !a.Clamped {
				allClamped = false
			}
			e.AddJacobian(j)
		}
		n.Stages = append(n.Stages, s)
	}

	n.IsPointwise = allPointwise && len(f.Stages) == 1
	n.IsBoundaryCondition = n.IsPointwise && allClamped && totalEdges > 0
	if n.IsPointwise && totalEdges == 1 && len(n.Stages[0].IncomingEdges) == 1 {
		n.IsWrapper = !hasArithmetic(&n.Stages[0].Features)
	}
	return nil
}

func hasArithmetic(f *PipelineFeatures) bool {
	for op := OpAdd; op <= OpSelect; op++ {
		if f.OpHistogram[op] != 0 {
			return true
		}
	}
	return false
}

// Dump writes a readable description of the graph for debugging.
func (g *Graph) Dump(w io.Writer) {
	for _, n := range g.Nodes {
		fmt.Fprintf(w, "Node: %s (id %d", n.Name, n.ID)
		if n.IsInput {
			fmt.Fprintf(w, ", input")
		}
		if n.IsOutput {
			fmt.Fprintf(w, ", output")
		}
		if n.IsPointwise {
			fmt.Fprintf(w, ", pointwise")
		}
		if n.IsBoundaryCondition {
			fmt.Fprintf(w, ", boundary condition")
		}
		fmt.Fprintf(w, ")\n")
		for _, s := range n.Stages {
			fmt.Fprintf(w, "  Stage %d (%s), vector size %d, loops:", s.Index, s.Name, s.VectorSize)
			for _, l := range s.Loop {
				fmt.Fprintf(w, " %s", l.Var)
				if !l.Pure {
					fmt.Fprintf(w, "(r)")
				}
			}
			fmt.Fprintf(w, "\n")
			for _, e := range s.IncomingEdges {
				fmt.Fprintf(w, "    reads %s, %d calls/point\n", e.Producer.Name, e.Calls)
				for _, j := range e.Jacobians {
					j.Dump(w, "      ")
				}
			}
		}
	}
}
