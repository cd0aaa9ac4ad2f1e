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

//go:build amd64

package pipeline

import "golang.org/x/sys/cpu"

// DetectTarget inspects host CPU features and returns a matching
// Target description.
func DetectTarget() Target {
	switch {
	case cpu.X86.HasAVX512F:
		return Target{Arch: "avx512", VectorBits: 512}
	case cpu.X86.HasAVX2:
		return Target{Arch: "avx2", VectorBits: 256}
	case cpu.X86.HasSSE42:
		return Target{Arch: "sse42", VectorBits: 128}
	default:
		return Target{Arch: "generic", VectorBits: 128}
	}
}
