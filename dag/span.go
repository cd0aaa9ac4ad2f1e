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

import "math"

// Span is a concrete single-dimension interval [Min, Max], plus a flag
// recording whether the extent is provably constant at compile time.
// For each func we track three kinds of bounds built out of Spans:
//
//  1. the region required by consumers, which determines
//  2. the region actually computed, which in turn determines
//  3. the min and max of every loop in the loop nest.
//
// 3 determines the region required of the func's own inputs, and so on
// back up the graph from outputs to inputs.
type Span struct {
	min, max       int64
	constantExtent bool
}

// NewSpan constructs a span over [min, max].
func NewSpan(min, max int64, constant bool) Span {
	return Span{min: min, max: max, constantExtent: constant}
}

// EmptySpan is the identity for Union.
func EmptySpan() Span {
	return Span{min: math.MaxInt64, max: math.MinInt64, constantExtent: true}
}

func (s Span) Min() int64 { return s.min }
func (s Span) Max() int64 { return s.max }

// Extent is the number of points in the interval.
func (s Span) Extent() int64 { return s.max - s.min + 1 }

// ConstantExtent reports whether the extent is provably constant.
func (s Span) ConstantExtent() bool { return s.constantExtent }

// UnionWith widens the span to cover other. The result's extent is
// constant only if both inputs were.
func (s *Span) UnionWith(other Span) {
	s.min = min(s.min, other.min)
	s.max = max(s.max, other.max)
	s.constantExtent = s.constantExtent && other.constantExtent
}

// SetExtent moves Max so the span has extent e.
func (s *Span) SetExtent(e int64) {
	s.max = s.min + e - 1
}

// Translate shifts the interval by x.
func (s *Span) Translate(x int64) {
	s.min += x
	s.max += x
}
