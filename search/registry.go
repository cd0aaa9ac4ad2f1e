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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ajroetker/loopsched/cost"
	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
)

// Scheduler is any strategy that produces a schedule for a graph.
type Scheduler func(g *dag.Graph, params pipeline.MachineParams, target pipeline.Target, model cost.Model, cfg Config) (*Result, error)

// Registry maps scheduler names to implementations. Hosts populate it
// explicitly at startup; there is no registration at package init.
type Registry struct {
	mu         sync.RWMutex
	schedulers map[string]Scheduler
}

func NewRegistry() *Registry {
	return &Registry{schedulers: make(map[string]Scheduler)}
}

// Register adds a scheduler under a name, replacing any previous one.
func (r *Registry) Register(name string, s Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulers[name] = s
}

// Lookup returns the scheduler registered under name.
func (r *Registry) Lookup(name string) (Scheduler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[name]
	if !ok {
		return nil, errors.Errorf("no scheduler registered as %q (have %v)", name, r.names())
	}
	return s, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.schedulers))
	for n := range r.schedulers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
