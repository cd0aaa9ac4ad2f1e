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

// Package search finds a good schedule for a dataflow pipeline by
// coarse-to-fine beam search over placement and granularity decisions,
// scored by a learned or heuristic cost model.
package search

import (
	"math"
	"math/bits"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ajroetker/loopsched/cost"
	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

// ErrSearchExhausted is returned when every candidate in the frontier
// was pruned before a complete schedule was reached. It indicates an
// over-constrained pipeline or an over-aggressive dropout setting.
var ErrSearchExhausted = errors.New("ran out of legal schedule candidates")

// Config holds the search tunables. The zero value of every field
// except BeamSize selects a sensible default.
type Config struct {
	// BeamSize is the frontier width kept between decisions. Must be
	// at least 1; 1 degenerates to greedy search.
	BeamSize int

	// NumPasses overrides the refinement pass count. Zero selects one
	// pass for greedy search and five otherwise. The freeze pre-pass,
	// when enabled, spends one pass of this budget.
	NumPasses int

	// DropoutPercent is the chance, in percent, that a candidate
	// survives the whole run; it is renormalized per decision. Zero
	// means 100 (keep everything).
	DropoutPercent float64

	// Seed drives the dropout random stream, making runs reproducible.
	Seed int64

	// FreezeInlinePrePass runs a cheap exploratory pass first and
	// pins the cheapest nodes' decisions for the real passes.
	FreezeInlinePrePass bool

	// FreezeCount overrides how many nodes the pre-pass pins. Zero
	// selects N - floor(log2 N) for N schedulable nodes.
	FreezeCount int

	// NoSubtiling restricts placement sites to the outermost level of
	// each realization.
	NoSubtiling bool

	// PermitNonConstTiles admits tilings whose inner extent varies
	// between iterations even when the target would reject them.
	PermitNonConstTiles bool

	// BlessFactor is how close to the pass winner a candidate must be
	// for its decision chain to stay unpenalized next pass. Zero
	// selects 1.2.
	BlessFactor float64

	// ExplosionWarningFactor triggers a warning when the frontier
	// exceeds BeamSize times this factor. Zero selects 10000.
	ExplosionWarningFactor int

	// Interactive, when set, is consulted with the frontier before
	// each decision and returns the index of the candidate to keep,
	// turning the search into a guided walk.
	Interactive func(frontier []*State) int

	// Progress enables the terminal progress bar.
	Progress bool

	Logger zerolog.Logger
}

func (c *Config) validate() error {
	if c.BeamSize < 1 {
		return errors.Errorf("beam size must be at least 1, got %d", c.BeamSize)
	}
	if c.DropoutPercent < 0 || c.DropoutPercent > 100 {
		return errors.Errorf("dropout must be within [0, 100], got %g", c.DropoutPercent)
	}
	return nil
}

func (c *Config) numPasses() int {
	if c.NumPasses > 0 {
		return c.NumPasses
	}
	if c.BeamSize == 1 {
		return 1
	}
	return 5
}

func (c *Config) blessFactor() float64 {
	if c.BlessFactor > 0 {
		return c.BlessFactor
	}
	return 1.2
}

func (c *Config) dropoutPercent() float64 {
	if c.DropoutPercent == 0 {
		return 100
	}
	return c.DropoutPercent
}

func (c *Config) explosionFactor() int {
	if c.ExplosionWarningFactor > 0 {
		return c.ExplosionWarningFactor
	}
	return 10000
}

// blockKey identifies a memoized compute-root fragment by its node and
// the loop it vectorizes.
type blockKey struct {
	nodeID     int
	vectorLoop int
}

// frozenDecisions carries the pre-pass verdicts into the refinement
/// passes: every frozen node appears in inlined; those the pre-pass
// realized at the top level additionally carry a reusable fragment.
type frozenDecisions struct {
	inlined     *dag.NodeMap[bool]
	computeRoot *dag.NodeMap[*LoopNest]
}

// lookupFragment returns the pinned compute-root fragment for n, if
// any, tracking block memoization in the run statistics.
func (f *frozenDecisions) lookupFragment(ctx *passContext, n *dag.Node) *LoopNest {
	frag := f.computeRoot.Get(n)
	if frag == nil {
		return nil
	}
	inner := frag
	for inner.inner != nil {
		inner = inner.inner
	}
	key := blockKey{nodeID: n.ID, vectorLoop: inner.vectorLoopIndex}
	if memoized, ok := ctx.memo[key]; ok {
		ctx.stats.MemoizedBlockHits++
		return memoized
	}
	ctx.stats.MemoizedBlockMisses++
	ctx.memo[key] = frag
	return frag
}

// passContext bundles everything a single pass needs.
type passContext struct {
	g        *dag.Graph
	params   pipeline.MachineParams
	target   pipeline.Target
	cfg      *Config
	model    cost.Model
	stats    *Statistics
	frozen   *frozenDecisions
	memo     map[blockKey]*LoopNest
	rng      *rand.Rand
	progress *progressBar
}

// randomDropout decides whether to discard a candidate. The survival
// probability is normalized so that DropoutPercent is the chance a
// lineage survives all decisions, not each one.
func (ctx *passContext) randomDropout() bool {
	p := ctx.cfg.dropoutPercent()
	if p >= 100 {
		return false
	}
	decisions := 2 * ctx.g.NumNonInput
	threshold := math.Pow(p/100, 1/float64(decisions))
	return ctx.rng.Float64() >= threshold
}

// runPass runs one beam search to a complete schedule. passIdx is -1
// for the freeze pre-pass, which explores freely: no penalization, no
// dropout, no blessing. For refinement passes the granularity of the
// duplicate-structure hash grows with passIdx, which is what makes the
// passes coarse-to-fine.
func (ctx *passContext) runPass(passIdx int, permitted map[uint64]struct{}) (*State, error) {
	var q, pending StateQueue
	q.Emplace(newRootState())

	hashes := make(map[uint64]int)
	penalizing := passIdx >= 0 && ctx.cfg.BeamSize > 1 && ctx.cfg.numPasses() > 1
	blessing := passIdx >= 0 && passIdx+1 < ctx.cfg.numPasses()
	totalDecisions := 2 * ctx.g.NumNonInput

	enqueue := func(c *State) {
		q.Emplace(c)
		ctx.stats.StatesGenerated++
	}

	for {
		q.Swap(&pending)
		q.Clear()

		if pending.Len() == 0 {
			return nil, errors.Wrapf(ErrSearchExhausted, "pass %d", passIdx)
		}
		if pending.Len() > ctx.cfg.BeamSize*ctx.cfg.explosionFactor() {
			ctx.cfg.Logger.Warn().
				Int("frontier", pending.Len()).
				Int("beam_size", ctx.cfg.BeamSize).
				Msg("frontier exploded; consider more aggressive dropout")
		}

		if ctx.cfg.Interactive != nil && pending.Len() > 1 {
			frontier := make([]*State, pending.Len())
			for i := range frontier {
				frontier[i] = pending.At(i)
			}
			choice := ctx.cfg.Interactive(frontier)
			if choice < 0 || choice >= len(frontier) {
				choice = 0
			}
			keep := frontier[choice]
			pending.Clear()
			pending.Emplace(keep)
		}

		for expanded := 0; expanded < ctx.cfg.BeamSize && pending.Len() > 0; {
			state := pending.Pop()

			if penalizing && !state.Penalized {
				h1 := state.StructuralHash(passIdx + 1)
				penalty := hashes[h1] + 1
				hashes[h1] = penalty
				if passIdx > 0 {
					if _, ok := permitted[state.StructuralHash(passIdx-1)]; !ok {
						penalty += 10
					}
				}
				if penalty > 1 {
					state.Penalize(float64(penalty))
					ctx.stats.StatesPenalized++
					// No longer the best? Put it back and let a
					// cheaper candidate go first.
					if pending.Len() > 0 && state.Cost > pending.Top().Cost {
						pending.Emplace(state)
						continue
					}
				}
			}

			if passIdx >= 0 && pending.Len() > 1 && ctx.randomDropout() {
				ctx.stats.StatesDropped++
				continue
			}

			if state.IsComplete(ctx.g) {
				best := state
				if blessing {
					factor := ctx.cfg.blessFactor()
					cur := state
					for blessed := 0; cur.Cost <= factor*best.Cost && blessed < ctx.cfg.BeamSize; blessed++ {
						for s := cur; s != nil; s = s.Parent {
							permitted[s.StructuralHash(passIdx)] = struct{}{}
						}
						if pending.Len() == 0 {
							break
						}
						cur = pending.Pop()
					}
				}
				return best, nil
			}

			if err := state.GenerateChildren(ctx, enqueue); err != nil {
				return nil, err
			}
			ctx.progress.Set(float64(state.NumDecisionsMade) / float64(totalDecisions))
			expanded++
		}

		if ctx.model != nil {
			t0 := time.Now()
			if err := ctx.model.EvaluateCosts(); err != nil {
				return nil, err
			}
			ctx.stats.CostEvaluationTime += time.Since(t0)
			q.Resort()
		}
	}
}

// freezeLowestCostStages pins the scheduling decisions of the cheapest
// nodes from the pre-pass winner so later passes spend their budget on
// the nodes that dominate the cost.
func freezeLowestCostStages(ctx *passContext, winner *State) *frozenDecisions {
	g := ctx.g
	n := g.NumNonInput
	count := ctx.cfg.FreezeCount
	if count <= 0 {
		count = n - (bits.Len(uint(n)) - 1)
	}
	if count > n {
		count = n
	}

	type nodeCost struct {
		idx  int
		cost float64
	}
	costs := make([]nodeCost, n)
	for i := 0; i < n; i++ {
		c := 0.0
		for _, st := range g.Nodes[i].Stages {
			c += winner.CostPerStage[st.ID]
		}
		costs[i] = nodeCost{idx: i, cost: c}
	}
	sort.Slice(costs, func(a, b int) bool {
		if costs[a].cost != costs[b].cost {
			return costs[a].cost < costs[b].cost
		}
		return costs[a].idx < costs[b].idx
	})

	f := &frozenDecisions{
		inlined:     dag.NewNodeMap[bool](len(g.Nodes)),
		computeRoot: dag.NewNodeMap[*LoopNest](len(g.Nodes)),
	}
	for _, nc := range costs[:count] {
		node := g.Nodes[nc.idx]
		f.inlined.Insert(node, true)
		if _, frag := winner.Root.findRealization(node); frag != nil {
			f.computeRoot.Insert(node, frag.withoutInlined())
		}
	}
	return f
}

// Result is the outcome of a search.
type Result struct {
	// Best is the lowest-cost complete schedule found across passes.
	Best *State

	// ScheduleSource is Best rendered as scheduling directives.
	ScheduleSource string

	Stats Statistics
}

// AutoSchedule searches for the best schedule of the graph under the
// given machine and target, scored by model. A nil model falls back to
// a built-in roofline heuristic.
func AutoSchedule(g *dag.Graph, params pipeline.MachineParams, target pipeline.Target, model cost.Model, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	stats := &Statistics{}
	ctx := &passContext{
		g:        g,
		params:   params,
		target:   target,
		cfg:      &cfg,
		model:    model,
		stats:    stats,
		memo:     make(map[blockKey]*LoopNest),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		progress: newProgressBar(cfg.Progress),
	}

	if model != nil {
		pf := make([]dag.PipelineFeatures, g.NumStages)
		for _, n := range g.Nodes {
			for _, st := range n.Stages {
				pf[st.ID] = st.Features
			}
		}
		model.SetPipelineFeatures(pf, params.Parallelism)
	}

	passBudget := cfg.numPasses()
	if cfg.FreezeInlinePrePass && g.NumNonInput > 1 {
		if model != nil {
			model.Reset()
		}
		pre, err := ctx.runPass(-1, nil)
		if err != nil {
			return nil, errors.Wrap(err, "freeze pre-pass")
		}
		ctx.frozen = freezeLowestCostStages(ctx, pre)
		// The pre-pass spends one pass of the budget.
		stats.Passes++
		if passBudget > 1 {
			passBudget--
		}
		cfg.Logger.Info().
			Int("frozen", ctx.frozen.inlined.Len()).
			Float64("pre_pass_cost", pre.Cost).
			Msg("froze cheapest nodes after pre-pass")
	}

	permitted := make(map[uint64]struct{})
	var best *State
	for pass := 0; pass < passBudget; pass++ {
		if model != nil {
			model.Reset()
		}
		s, err := ctx.runPass(pass, permitted)
		if err != nil {
			return nil, err
		}
		stats.Passes++

		if math.IsInf(s.Cost, 0) || math.IsNaN(s.Cost) {
			ctx.progress.Clear()
			var sb strings.Builder
			s.DumpCostBreakdown(g, &sb)
			return nil, errors.Errorf("cost model returned a non-finite cost:\n%s", sb.String())
		}

		cfg.Logger.Info().Int("pass", pass).Float64("cost", s.Cost).Msg("pass complete")
		if best == nil || s.Cost < best.Cost {
			best = s
		}
	}

	ctx.progress.Clear()
	stats.SearchTime = time.Since(start)
	stats.Report(cfg.Logger)
	return &Result{
		Best:           best,
		ScheduleSource: best.ScheduleSource(g),
		Stats:          *stats,
	}, nil
}
