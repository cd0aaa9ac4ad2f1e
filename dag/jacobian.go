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

import (
	"fmt"
	"io"
)

// OptionalRational is a rational derivative used when analyzing memory
// dependencies. A zero denominator means the derivative does not exist
// (the access is not an affine function of that loop variable).
type OptionalRational struct {
	Num, Den int64
}

// Exists reports whether the value is defined.
func (r OptionalRational) Exists() bool { return r.Den != 0 }

func gcd64(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func lcm64(a, b int64) int64 {
	return a / gcd64(a, b) * b
}

// Add returns r+other, or a non-existent value if either side is
// undefined.
func (r OptionalRational) Add(other OptionalRational) OptionalRational {
	if !r.Exists() || !other.Exists() {
		return OptionalRational{}
	}
	if r.Den == other.Den {
		return OptionalRational{Num: r.Num + other.Num, Den: r.Den}
	}
	l := lcm64(r.Den, other.Den)
	num := r.Num*(l/r.Den) + other.Num*(l/other.Den)
	g := gcd64(num, l)
	return OptionalRational{Num: num / g, Den: l / g}
}

// MulInt scales the rational by an integer factor.
func (r OptionalRational) MulInt(factor int64) OptionalRational {
	if r.IsZero() {
		return r
	}
	return OptionalRational{Num: r.Num * factor, Den: r.Den}
}

// Mul multiplies two rationals, propagating non-existence.
func (r OptionalRational) Mul(other OptionalRational) OptionalRational {
	if r.IsZero() {
		return r
	}
	if other.IsZero() {
		return other
	}
	return OptionalRational{Num: r.Num * other.Num, Den: r.Den * other.Den}
}

// IsZero reports that the derivative exists and equals zero.
func (r OptionalRational) IsZero() bool { return r.EqualsInt(0) }

// EqualsInt compares against an integer; false if undefined.
func (r OptionalRational) EqualsInt(x int64) bool {
	return r.Exists() && r.Num == x*r.Den
}

// Equals reports value equality; two undefined values are equal.
func (r OptionalRational) Equals(other OptionalRational) bool {
	if r.Exists() != other.Exists() {
		return false
	}
	return r.Num*other.Den == r.Den*other.Num
}

// Because the type is optional, there is no total ordering: all the
// comparisons below return false when the value is undefined, so
// !LessThanInt(x) is not the same as >= x.

// LessThanInt reports r < x when defined.
func (r OptionalRational) LessThanInt(x int64) bool {
	switch {
	case r.Den == 0:
		return false
	case r.Den > 0:
		return r.Num < x*r.Den
	default:
		return r.Num > x*r.Den
	}
}

// AtMostInt reports r <= x when defined.
func (r OptionalRational) AtMostInt(x int64) bool {
	switch {
	case r.Den == 0:
		return false
	case r.Den > 0:
		return r.Num <= x*r.Den
	default:
		return r.Num >= x*r.Den
	}
}

// AbsAtLeastOne reports |r| >= 1 when defined. Used to decide whether
// an access strides across storage lines.
func (r OptionalRational) AbsAtLeastOne() bool {
	if !r.Exists() {
		return false
	}
	n, d := r.Num, r.Den
	if n < 0 {
		n = -n
	}
	if d < 0 {
		d = -d
	}
	return n >= d
}

// LoadJacobian records the derivative of the coordinate accessed in
// some producer with respect to the loops of the consumer, for one
// distinct access pattern. To avoid redundantly recording copies of
// the same jacobian we keep a count of how many loads share it.
type LoadJacobian struct {
	coeffs     []OptionalRational
	rows, cols int // producer storage dims x consumer loop dims
	count      int64
}

// NewLoadJacobian allocates a zero jacobian of the given shape. Every
// coefficient starts as a defined zero, not as "undefined": unset
// entries mean the coordinate does not vary with that loop.
func NewLoadJacobian(producerStorageDims, consumerLoopDims int, count int64) *LoadJacobian {
	coeffs := make([]OptionalRational, producerStorageDims*consumerLoopDims)
	for i := range coeffs {
		coeffs[i] = OptionalRational{Num: 0, Den: 1}
	}
	return &LoadJacobian{
		coeffs: coeffs,
		rows:   producerStorageDims,
		cols:   consumerLoopDims,
		count:  count,
	}
}

func (j *LoadJacobian) ProducerStorageDims() int { return j.rows }
func (j *LoadJacobian) ConsumerLoopDims() int    { return j.cols }
func (j *LoadJacobian) Count() int64             { return j.count }

// At returns the derivative of producer coordinate i with respect to
// consumer loop j. Scalar producers or consumers have all-zero strides.
func (j *LoadJacobian) At(i, k int) OptionalRational {
	if j.rows == 0 || j.cols == 0 {
		return OptionalRational{Num: 0, Den: 1}
	}
	return j.coeffs[i*j.cols+k]
}

// Set assigns one derivative.
func (j *LoadJacobian) Set(i, k int, v OptionalRational) {
	j.coeffs[i*j.cols+k] = v
}

// AllCoeffsExist reports whether the whole access is affine.
func (j *LoadJacobian) AllCoeffsExist() bool {
	for _, c := range j.coeffs {
		if !c.Exists() {
			return false
		}
	}
	return true
}

// IsConstant reports an access whose coordinates do not vary with any
// consumer loop (a broadcast of a single point).
func (j *LoadJacobian) IsConstant() bool {
	for _, c := range j.coeffs {
		if !c.IsZero() {
			return false
		}
	}
	return true
}

// IsIdentity reports a pointwise access: coordinate i depends on loop
// i with derivative one and on nothing else.
func (j *LoadJacobian) IsIdentity() bool {
	for i := 0; i < j.rows; i++ {
		for k := 0; k < j.cols; k++ {
			want := int64(0)
			if i == k {
				want = 1
			}
			if !j.At(i, k).EqualsInt(want) {
				return false
			}
		}
	}
	return true
}

// Merge folds another jacobian into this one if the coefficients
// match, summing their counts. Reports whether the merge happened.
func (j *LoadJacobian) Merge(other *LoadJacobian) bool {
	if other.rows != j.rows || other.cols != j.cols {
		return false
	}
	for i := range j.coeffs {
		if !j.coeffs[i].Equals(other.coeffs[i]) {
			return false
		}
	}
	j.count += other.count
	return true
}

// ScaleLoops scales the coefficients by per-loop factors, as when a
// split reindexes consumer loop k so that one step of the new variable
// advances factors[k] points of the old one.
func (j *LoadJacobian) ScaleLoops(factors []int64) *LoadJacobian {
	out := NewLoadJacobian(j.rows, j.cols, j.count)
	for i := 0; i < j.rows; i++ {
		for k := 0; k < j.cols; k++ {
			out.Set(i, k, j.At(i, k).MulInt(factors[k]))
		}
	}
	return out
}

// Compose multiplies jacobians to follow memory dependencies through
// an inlined func: self maps the inlined func's coordinates to the
// outer consumer's loops, other maps a producer's coordinates to the
// inlined func's loops.
func (j *LoadJacobian) Compose(other *LoadJacobian) *LoadJacobian {
	out := NewLoadJacobian(j.rows, other.cols, j.count*other.count)
	for i := 0; i < j.rows; i++ {
		for k := 0; k < other.cols; k++ {
			acc := OptionalRational{Num: 0, Den: 1}
			for m := 0; m < j.cols; m++ {
				acc = acc.Add(j.At(i, m).Mul(other.At(m, k)))
			}
			out.Set(i, k, acc)
		}
	}
	return out
}

// Dump writes a human-readable rendering for debug logs.
func (j *LoadJacobian) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%sx%d:\n", prefix, j.count)
	for i := 0; i < j.rows; i++ {
		fmt.Fprintf(w, "%s  [", prefix)
		for k := 0; k < j.cols; k++ {
			c := j.At(i, k)
			if !c.Exists() {
				fmt.Fprintf(w, " _")
			} else if c.Den == 1 {
				fmt.Fprintf(w, " %d", c.Num)
			} else {
				fmt.Fprintf(w, " %d/%d", c.Num, c.Den)
			}
		}
		fmt.Fprintf(w, " ]\n")
	}
}
