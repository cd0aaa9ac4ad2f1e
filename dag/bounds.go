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

// Bound objects are created and destroyed very frequently while
// exploring scheduling options, so each node owns a Layout: a
// precomputed memory layout for its bounds plus a pool of free
// records. Bounds are treated as immutable once published so that they
// can be shared safely across scheduling alternatives.
//
// The pool is not thread-safe. The search driver runs sequentially per
// pass; Make and Release must not be interleaved with a live borrowed
// reference to a record of a different generation.

// Layout describes the flat Span array for one node: the region
// required, then the region computed, then each stage's loop bounds.
type Layout struct {
	// TotalSize is the number of Spans to allocate per record.
	TotalSize int

	// ComputedOffset is the index where region computed begins.
	ComputedOffset int

	// LoopOffset[i] is the index where stage i's loop bounds begin.
	LoopOffset []int

	pool []*Bound
}

// Make returns a record with this layout, reusing a pooled one when
// available. Reused records keep their previous contents; callers
// overwrite every span they read.
func (l *Layout) Make() *Bound {
	if n := len(l.pool); n > 0 {
		b := l.pool[n-1]
		l.pool = l.pool[:n-1]
		b.refs = 1
		return b
	}
	return &Bound{
		layout: l,
		spans:  make([]Span, l.TotalSize),
		refs:   1,
	}
}

// release returns a record to the free list.
func (l *Layout) release(b *Bound) {
	l.pool = append(l.pool, b)
}

// Bound is one pooled bounds record: the full multi-dimensional box
// for a node, reference counted and immutable once published.
type Bound struct {
	layout *Layout
	spans  []Span
	refs   int32
}

// Retain takes an additional reference so a sibling candidate can
// share the record without copying.
func (b *Bound) Retain() *Bound {
	if b.refs <= 0 {
		panic("dag: retain of released bound")
	}
	b.refs++
	return b
}

// Release drops one reference, returning the record to its layout's
// pool when the last reference goes away.
func (b *Bound) Release() {
	if b.refs <= 0 {
		panic("dag: release of released bound")
	}
	b.refs--
	if b.refs == 0 {
		b.layout.release(b)
	}
}

// MakeCopy deep-copies the flat span array only; the layout is shared.
func (b *Bound) MakeCopy() *Bound {
	c := b.layout.Make()
	copy(c.spans, b.spans)
	return c
}

// RegionRequired is the span of dimension i demanded by consumers.
func (b *Bound) RegionRequired(i int) *Span {
	return &b.spans[i]
}

// RegionComputed is the span of dimension i actually computed.
func (b *Bound) RegionComputed(i int) *Span {
	return &b.spans[i+b.layout.ComputedOffset]
}

// Loops is the bound of loop j of stage i.
func (b *Bound) Loops(i, j int) *Span {
	return &b.spans[j+b.layout.LoopOffset[i]]
}

// Validate panics if the record does not match its layout. Layout
// mismatches indicate a construction bug, not a runtime condition.
func (b *Bound) Validate() {
	if len(b.spans) != b.layout.TotalSize {
		panic("dag: bound does not match its layout")
	}
}
