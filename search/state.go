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
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

// State is one point in the search: a partial schedule tree plus the
// cost the model assigned it. States form a tree through Parent so a
// winner's decision chain can be replayed.
type State struct {
	Root   *LoopNest
	Parent *State

	// Cost is the model's estimate for the whole (partial) schedule.
	// It is written asynchronously by the cost model between Enqueue
	// and EvaluateCosts.
	Cost float64

	// CostPerStage breaks Cost down by stage, for diagnostics and for
	// penalization, which must scale both consistently.
	CostPerStage []float64

	// NumDecisionsMade counts scheduling decisions applied so far;
	// the schedule is complete at twice the non-input node count.
	NumDecisionsMade int

	// Penalized marks that duplicate-structure penalization already
	// ran; a state is penalized at most once.
	Penalized bool

	hashCache map[int]uint64
}

func newRootState() *State {
	return &State{Root: newRootLoopNest()}
}

// IsComplete reports whether every schedulable node has both its
// placement and its granularity decided.
func (s *State) IsComplete(g *dag.Graph) bool {
	return s.NumDecisionsMade == 2*g.NumNonInput
}

// StructuralHash summarizes the decision sequence down to the given
// tree depth. Equal sequences hash equal; sequences differing only
// deeper than the granularity collide on purpose.
func (s *State) StructuralHash(granularity int) uint64 {
	if h, ok := s.hashCache[granularity]; ok {
		return h
	}
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.NumDecisionsMade))
	d.Write(buf[:])
	s.Root.structuralHash(d, granularity)
	h := d.Sum64()
	if s.hashCache == nil {
		s.hashCache = make(map[int]uint64, 4)
	}
	s.hashCache[granularity] = h
	return h
}

// Penalize scales the state's cost by the given factor, once.
func (s *State) Penalize(factor float64) {
	if s.Penalized || factor <= 1 {
		return
	}
	s.Cost *= factor
	for i := range s.CostPerStage {
		s.CostPerStage[i] *= factor
	}
	s.Penalized = true
}

func (s *State) makeChild(root *LoopNest) *State {
	return &State{
		Root:             root,
		Parent:           s,
		NumDecisionsMade: s.NumDecisionsMade + 1,
	}
}

// currentDecision returns the node and phase the next decision applies
// to: even decisions place a node, odd decisions fix its granularity.
func (s *State) currentDecision(g *dag.Graph) (*dag.Node, int) {
	idx := s.NumDecisionsMade / 2
	if idx >= g.NumNonInput {
		panic("loopsched: generating children of a complete state")
	}
	return g.Nodes[idx], s.NumDecisionsMade % 2
}

func canInline(n *dag.Node) bool {
	return !n.IsOutput && len(n.Stages) == 1 && len(n.OutgoingEdges) > 0
}

// GenerateChildren expands the state by one decision, handing each
// legal child (with its cost enqueued) to accept.
func (s *State) GenerateChildren(ctx *passContext, accept func(*State)) error {
	node, phase := s.currentDecision(ctx.g)

	if phase == 0 {
		return s.generatePlacements(ctx, node, accept)
	}
	return s.generateGranularities(ctx, node, accept)
}

func (s *State) generatePlacements(ctx *passContext, node *dag.Node, accept func(*State)) error {
	if ctx.frozen != nil {
		if frag := ctx.frozen.lookupFragment(ctx, node); frag != nil {
			root := s.Root.copy()
			root.children = append(root.children, frag)
			child := s.makeChild(root)
			if err := child.calculateCost(ctx); err != nil {
				return err
			}
			accept(child)
			return nil
		}
		if ctx.frozen.inlined.Contains(node) && canInline(node) {
			child := s.makeChild(s.Root.inlineNode(node))
			if err := child.calculateCost(ctx); err != nil {
				return err
			}
			accept(child)
			return nil
		}
	}

	if canInline(node) {
		child := s.makeChild(s.Root.inlineNode(node))
		if err := child.calculateCost(ctx); err != nil {
			return err
		}
		accept(child)
		// Realizing a wrapper or boundary condition just copies a
		// buffer; inlining it is always at least as good, so the
		// other placements are not worth enumerating.
		if node.IsWrapper || node.IsBoundaryCondition {
			return nil
		}
	}
	for _, root := range s.Root.placementOptions(ctx.g, node, ctx.cfg) {
		child := s.makeChild(root)
		if err := child.calculateCost(ctx); err != nil {
			return err
		}
		accept(child)
	}
	return nil
}

func (s *State) generateGranularities(ctx *passContext, node *dag.Node, accept func(*State)) error {
	i, nest := s.Root.findRealization(node)

	// Inlined nodes, nodes realized inside a consumer, and frozen
	// fragments keep their granularity: a single pass-through child.
	frozenSolid := ctx.frozen != nil &&
		(ctx.frozen.inlined.Contains(node) || ctx.frozen.computeRoot.Contains(node))
	if nest == nil || frozenSolid {
		child := s.makeChild(s.Root)
		child.Cost = s.Cost
		child.CostPerStage = append([]float64(nil), s.CostPerStage...)
		accept(child)
		return nil
	}

	for _, opt := range nest.parallelOptions(ctx.g, ctx.params, ctx.target, ctx.cfg) {
		var root *LoopNest
		if opt == nest {
			root = s.Root
		} else {
			root = s.Root.copy()
			root.children[i] = opt
		}
		child := s.makeChild(root)
		if err := child.calculateCost(ctx); err != nil {
			return err
		}
		accept(child)
	}
	return nil
}

// calculateCost featurizes the schedule and asks the model for a
// cost. With a model attached the cost lands in the state when the
// model's batch is evaluated; without one a roofline-style heuristic
// fills it immediately.
func (s *State) calculateCost(ctx *passContext) error {
	features := computeFeaturization(ctx.g, s.Root, ctx.params, ctx.target)
	ctx.stats.Featurizations++

	s.CostPerStage = make([]float64, ctx.g.NumStages)
	if ctx.model != nil {
		ctx.model.Enqueue(features, &s.Cost, s.CostPerStage)
		return nil
	}

	total := 0.0
	for _, n := range ctx.g.Nodes {
		if n.IsInput {
			continue
		}
		for _, st := range n.Stages {
			f := &features[st.ID]
			work := 1.0
			for _, c := range st.Features.OpHistogram {
				work += float64(c)
			}
			compute := f.PointsComputedTotal * work
			memory := ctx.params.BalanceFactor *
				f.UniqueBytesReadPerRealization * f.NumRealizations / float64(cacheLineBytes)
			par := f.OuterParallelism
			if par < 1 {
				par = 1
			}
			if maxPar := float64(ctx.params.Parallelism); par > maxPar {
				par = maxPar
			}
			c := (compute + memory) / par
			s.CostPerStage[st.ID] = c
			total += c
		}
	}
	s.Cost = total
	return nil
}

// DumpCostBreakdown writes the per-stage costs, used when a candidate
// comes back from the model with an infinite cost.
func (s *State) DumpCostBreakdown(g *dag.Graph, w io.Writer) {
	fmt.Fprintf(w, "cost = %g, per stage:\n", s.Cost)
	for _, n := range g.Nodes {
		for _, st := range n.Stages {
			if st.ID < len(s.CostPerStage) {
				fmt.Fprintf(w, "  %-24s %g\n", st.Name, s.CostPerStage[st.ID])
			}
		}
	}
}

// Dump writes the schedule tree and cost, for interactive inspection.
func (s *State) Dump(w io.Writer) {
	s.Root.dump(w, "")
	fmt.Fprintf(w, "cost: %g, decisions: %d\n", s.Cost, s.NumDecisionsMade)
}

// ScheduleSource renders the decided schedule as scheduling directives
// in source form, one block per pipeline node.
func (s *State) ScheduleSource(g *dag.Graph) string {
	var b strings.Builder
	var emitNest func(host *LoopNest, nest *LoopNest, atFunc string, atVar string)
	emitNest = func(host *LoopNest, nest *LoopNest, atFunc string, atVar string) {
		n := nest.node
		fmt.Fprintf(&b, "%s", n.Name)
		if host.IsRoot() {
			fmt.Fprintf(&b, ".compute_root()")
		} else {
			fmt.Fprintf(&b, ".compute_at(%s, %s)", atFunc, atVar)
		}

		// Splits introduced by parallel tiling: outer level holds the
		// task counts, inner levels the per-task share.
		var chain []*LoopNest
		for lvl := nest; lvl != nil; lvl = lvl.inner {
			chain = append(chain, lvl)
		}
		innerNames := make([]string, len(nest.stage.Loop))
		outerNames := make([]string, len(nest.stage.Loop))
		for j, lp := range nest.stage.Loop {
			innerNames[j] = lp.Var
			outerNames[j] = lp.Var
		}
		if len(chain) > 1 {
			outer, inner := chain[0], chain[1]
			for j, lp := range nest.stage.Loop {
				if outer.size[j] > 1 {
					fmt.Fprintf(&b, "\n    .split(%s, %s_o, %s_i, %d)", lp.Var, lp.Var, lp.Var, inner.size[j])
					innerNames[j] = lp.Var + "_i"
					outerNames[j] = lp.Var + "_o"
					if outer.parallel {
						fmt.Fprintf(&b, "\n    .parallel(%s_o)", lp.Var)
					}
				}
			}
		}
		for _, lvl := range chain {
			if lvl.vectorLoopIndex >= 0 {
				fmt.Fprintf(&b, "\n    .vectorize(%s)", innerNames[lvl.vectorLoopIndex])
				break
			}
		}
		fmt.Fprintf(&b, ";\n")

		for li, lvl := range chain {
			hostVar := "_0"
			if len(lvl.size) > 0 {
				if li == 0 && len(chain) > 1 {
					hostVar = outerNames[0]
				} else {
					hostVar = innerNames[0]
				}
			}
			for _, c := range lvl.children {
				emitNest(lvl, c, n.Name, hostVar)
			}
		}
	}

	for _, c := range s.Root.children {
		emitNest(s.Root, c, "", "")
	}
	s.Root.eachInlined(func(n *dag.Node, _ int64) {
		fmt.Fprintf(&b, "%s.compute_inline();\n", n.Name)
	})
	return b.String()
}

// SaveFeaturization writes the per-stage feature vectors in the binary
// layout the cost model trains on.
func (s *State) SaveFeaturization(g *dag.Graph, params pipeline.MachineParams, target pipeline.Target, w io.Writer) error {
	features := computeFeaturization(g, s.Root, params, target)
	for _, n := range g.Nodes {
		for _, st := range n.Stages {
			if err := dag.WriteBinary(w, int32(st.ID), &st.Features, &features[st.ID]); err != nil {
				return errors.Wrapf(err, "stage %s", st.Name)
			}
		}
	}
	return nil
}
