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

// Package cost defines the cost-model interface the schedule search
// scores candidates with, plus a default linear model. The search
// treats the model as an injectable strategy: it registers states,
// asks for a batch evaluation, then reads costs back positionally.
package cost

import "github.com/ajroetker/loopsched/dag"

// Model scores candidate schedules. The search calls
// SetPipelineFeatures once per pipeline before any pass, Enqueue once
// per frontier state, and EvaluateCosts once per search round.
// EvaluateCosts must fill every registered slot in the order the
// features were submitted, since costs are written back positionally.
type Model interface {
	// Reset discards any queued, unevaluated work. Per-pipeline
	// configuration from SetPipelineFeatures survives.
	Reset()

	// SetPipelineFeatures hands over the schedule-independent features
	// of every stage (in dense stage-id order) and a parallelism hint.
	SetPipelineFeatures(stages []dag.PipelineFeatures, parallelism int)

	// Enqueue registers one state for the next batch: its per-stage
	// schedule features in dense stage-id order, a destination for the
	// scalar cost, and a destination for per-stage costs.
	Enqueue(features []dag.ScheduleFeatures, cost *float64, perStage []float64)

	// EvaluateCosts scores everything enqueued since the last call and
	// writes the results into the registered destinations.
	EvaluateCosts() error
}
