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
	"time"

	"github.com/rs/zerolog"
)

// Statistics accumulates counters over a whole search run, across the
// pre-pass and every refinement pass.
type Statistics struct {
	// Passes is how many refinement passes ran (the pre-pass excluded).
	Passes int

	// StatesGenerated counts children added to the frontier.
	StatesGenerated int64

	// StatesDropped counts states discarded by random dropout.
	StatesDropped int64

	// StatesPenalized counts states whose cost was scaled for
	// duplicating structure already expanded this pass.
	StatesPenalized int64

	// Featurizations counts schedule featurizations computed.
	Featurizations int64

	// MemoizedBlockHits and MemoizedBlockMisses count reuses of frozen
	// compute-root fragments versus first materializations.
	MemoizedBlockHits   int64
	MemoizedBlockMisses int64

	// CostEvaluationTime is wall time spent inside the cost model.
	CostEvaluationTime time.Duration

	// SearchTime is wall time for the whole search.
	SearchTime time.Duration
}

// Report logs the run counters at info level.
func (s *Statistics) Report(log zerolog.Logger) {
	log.Info().
		Int("passes", s.Passes).
		Int64("states_generated", s.StatesGenerated).
		Int64("states_dropped", s.StatesDropped).
		Int64("states_penalized", s.StatesPenalized).
		Int64("featurizations", s.Featurizations).
		Int64("memoized_block_hits", s.MemoizedBlockHits).
		Int64("memoized_block_misses", s.MemoizedBlockMisses).
		Dur("cost_evaluation_time", s.CostEvaluationTime).
		Dur("search_time", s.SearchTime).
		Msg("search statistics")
}
