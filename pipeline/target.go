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

package pipeline

import "runtime"

// Target describes the machine the schedule is being derived for. Only
// the properties the search consults live here; instruction selection
// belongs to the host code generator.
type Target struct {
	// Arch is a human-readable architecture tag ("avx512", "avx2",
	// "neon", "generic").
	Arch string

	// VectorBits is the usable SIMD register width.
	VectorBits int

	// AllowNonConstLoops permits loop splits that produce non-constant
	// inner extents. Most targets forbid unrolling such loops, so the
	// search prunes those tilings unless this is set.
	AllowNonConstLoops bool
}

// NativeVectorWidth returns how many elements of the given size fit in
// one vector register, at minimum 1.
func (t Target) NativeVectorWidth(bytesPerElem int) int {
	if bytesPerElem <= 0 {
		return 1
	}
	w := t.VectorBits / 8 / bytesPerElem
	if w < 1 {
		return 1
	}
	return w
}

// MachineParams is the coarse machine description consumed by the cost
// model and the parallelism decisions.
type MachineParams struct {
	// Parallelism is the number of cores to target.
	Parallelism int

	// LastLevelCacheSize in bytes; bounds the working set the search
	// considers cheap to keep resident.
	LastLevelCacheSize int64

	// BalanceFactor trades off memory cost against compute cost in the
	// built-in heuristic cost estimate.
	BalanceFactor float64
}

// DefaultMachineParams fills in a reasonable description of the host.
func DefaultMachineParams() MachineParams {
	return MachineParams{
		Parallelism:        runtime.NumCPU(),
		LastLevelCacheSize: 16 * 1024 * 1024,
		BalanceFactor:      40,
	}
}
