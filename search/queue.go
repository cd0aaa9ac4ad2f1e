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

import "container/heap"

// StateQueue is a min-heap of states ordered by cost. Penalization
// mutates costs in place, so the queue exposes Resort to restore the
// heap property afterwards, and indexed access for iterating the
// frontier without draining it.
type StateQueue struct {
	storage stateHeap
}

type stateHeap []*State

func (h stateHeap) Len() int           { return len(h) }
func (h stateHeap) Less(i, j int) bool { return h[i].Cost < h[j].Cost }
func (h stateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stateHeap) Push(x any)        { *h = append(*h, x.(*State)) }
func (h *stateHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

func (q *StateQueue) Len() int { return len(q.storage) }

// Emplace adds a state to the frontier.
func (q *StateQueue) Emplace(s *State) {
	heap.Push(&q.storage, s)
}

// Pop removes and returns the cheapest state.
func (q *StateQueue) Pop() *State {
	return heap.Pop(&q.storage).(*State)
}

// Top returns the cheapest state without removing it.
func (q *StateQueue) Top() *State { return q.storage[0] }

// At returns the i-th state in heap order, for frontier iteration.
func (q *StateQueue) At(i int) *State { return q.storage[i] }

// Resort restores the heap property after costs changed in place.
func (q *StateQueue) Resort() {
	heap.Init(&q.storage)
}

// Clear drops every state from the queue.
func (q *StateQueue) Clear() {
	q.storage = q.storage[:0]
}

// Swap exchanges the contents of two queues without copying.
func (q *StateQueue) Swap(other *StateQueue) {
	q.storage, other.storage = other.storage, q.storage
}
