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

// NodeMap is a perfect-hash map keyed by graph node. Node ids are
// dense and assigned at graph construction, so a slice indexed by id
// beats hashing on the search hot path.
type NodeMap[T any] struct {
	keys     []*Node
	vals     []T
	occupied []bool
	count    int
}

// NewNodeMap sizes the map for a graph of n nodes.
func NewNodeMap[T any](n int) *NodeMap[T] {
	return &NodeMap[T]{
		keys:     make([]*Node, n),
		vals:     make([]T, n),
		occupied: make([]bool, n),
	}
}

func (m *NodeMap[T]) grow(id int) {
	for len(m.occupied) <= id {
		m.keys = append(m.keys, nil)
		var zero T
		m.vals = append(m.vals, zero)
		m.occupied = append(m.occupied, false)
	}
}

// Contains reports whether n has an entry.
func (m *NodeMap[T]) Contains(n *Node) bool {
	return n.ID < len(m.occupied) && m.occupied[n.ID]
}

// Get returns the value for n; the zero value when absent.
func (m *NodeMap[T]) Get(n *Node) T {
	if !m.Contains(n) {
		var zero T
		return zero
	}
	return m.vals[n.ID]
}

// GetOrCreate returns a pointer to n's slot, inserting a zero value
// when absent.
func (m *NodeMap[T]) GetOrCreate(n *Node) *T {
	m.grow(n.ID)
	if !m.occupied[n.ID] {
		m.occupied[n.ID] = true
		m.keys[n.ID] = n
		m.count++
	}
	return &m.vals[n.ID]
}

// Insert sets the value for n.
func (m *NodeMap[T]) Insert(n *Node, v T) {
	*m.GetOrCreate(n) = v
}

// Len is the number of occupied entries.
func (m *NodeMap[T]) Len() int { return m.count }

// Each visits occupied entries in id order.
func (m *NodeMap[T]) Each(fn func(n *Node, v T)) {
	for id, ok := range m.occupied {
		if ok {
			fn(m.keys[id], m.vals[id])
		}
	}
}

// Copy returns a shallow copy sharing no slot storage.
func (m *NodeMap[T]) Copy() *NodeMap[T] {
	out := &NodeMap[T]{
		keys:     append([]*Node(nil), m.keys...),
		vals:     append([]T(nil), m.vals...),
		occupied: append([]bool(nil), m.occupied...),
		count:    m.count,
	}
	return out
}

// StageMap is the stage-keyed analogue of NodeMap, indexed by the
// dense global stage id.
type StageMap[T any] struct {
	vals     []T
	occupied []bool
}

// NewStageMap sizes the map for a graph with n stages.
func NewStageMap[T any](n int) *StageMap[T] {
	return &StageMap[T]{
		vals:     make([]T, n),
		occupied: make([]bool, n),
	}
}

// Contains reports whether s has an entry.
func (m *StageMap[T]) Contains(s *Stage) bool {
	return s.ID < len(m.occupied) && m.occupied[s.ID]
}

// GetOrCreate returns a pointer to s's slot, inserting a zero value
// when absent.
func (m *StageMap[T]) GetOrCreate(s *Stage) *T {
	for len(m.occupied) <= s.ID {
		var zero T
		m.vals = append(m.vals, zero)
		m.occupied = append(m.occupied, false)
	}
	m.occupied[s.ID] = true
	return &m.vals[s.ID]
}

// Get returns the value for s; the zero value when absent.
func (m *StageMap[T]) Get(s *Stage) T {
	if !m.Contains(s) {
		var zero T
		return zero
	}
	return m.vals[s.ID]
}
