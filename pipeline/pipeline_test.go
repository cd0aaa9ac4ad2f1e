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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blurYAML = `
funcs:
  - name: in
    dims: 2
    bytes_per_point: 4
    input: true
    estimate: [{lo: 0, hi: 1023}, {lo: 0, hi: 1023}]
  - name: blur_x
    dims: 2
    bytes_per_point: 4
    stages:
      - loops:
          - {var: x, pure: true, pure_dim: 0, min: 0, max: 1021, constant: true}
          - {var: y, pure: true, pure_dim: 1, min: 0, max: 1023, constant: true}
        accesses:
          - producer: in
            coeffs:
              - [{num: 1, den: 1}, {num: 0, den: 1}]
              - [{num: 0, den: 1}, {num: 1, den: 1}]
            offsets: [0, 0]
            count: 3
        ops: {add: 2, mul: 1}
  - name: blur_y
    dims: 2
    bytes_per_point: 4
    estimate: [{lo: 0, hi: 1021}, {lo: 0, hi: 1021}]
    stages:
      - loops:
          - {var: x, pure: true, pure_dim: 0, min: 0, max: 1021, constant: true}
          - {var: y, pure: true, pure_dim: 1, min: 0, max: 1021, constant: true}
        accesses:
          - producer: blur_x
            coeffs:
              - [{num: 1, den: 1}, {num: 0, den: 1}]
              - [{num: 0, den: 1}, {num: 1, den: 1}]
            offsets: [0, 0]
            count: 3
        ops: {add: 2, mul: 1}
outputs: [blur_y]
`

func TestLoad(t *testing.T) {
	p, err := Load([]byte(blurYAML))
	require.NoError(t, err)
	require.Len(t, p.Funcs, 3)
	assert.Equal(t, []string{"blur_y"}, p.Outputs)

	in := p.FuncByName("in")
	require.NotNil(t, in)
	assert.True(t, in.Input)
	assert.Empty(t, in.Stages)

	bx := p.FuncByName("blur_x")
	require.NotNil(t, bx)
	require.Len(t, bx.Stages, 1)
	require.Len(t, bx.Stages[0].Accesses, 1)
	assert.Equal(t, int64(3), bx.Stages[0].Accesses[0].Count)
	assert.Equal(t, int64(2), bx.Stages[0].Ops["add"])

	assert.Nil(t, p.FuncByName("nope"))
}

func TestValidate(t *testing.T) {
	valid := func() *Pipeline {
		p, err := Load([]byte(blurYAML))
		require.NoError(t, err)
		return p
	}

	tests := []struct {
		name    string
		mutate  func(p *Pipeline)
		wantErr string
	}{
		{
			name:   "well formed",
			mutate: func(p *Pipeline) {},
		},
		{
			name:    "no outputs",
			mutate:  func(p *Pipeline) { p.Outputs = nil },
			wantErr: "no outputs",
		},
		{
			name:    "undefined output",
			mutate:  func(p *Pipeline) { p.Outputs = []string{"ghost"} },
			wantErr: "undefined output",
		},
		{
			name:    "input as output",
			mutate:  func(p *Pipeline) { p.Outputs = []string{"in"} },
			wantErr: "is an input buffer",
		},
		{
			name:    "output without estimate",
			mutate:  func(p *Pipeline) { p.FuncByName("blur_y").Estimate = nil },
			wantErr: "needs a bound estimate",
		},
		{
			name:    "duplicate func",
			mutate:  func(p *Pipeline) { p.Funcs = append(p.Funcs, Func{Name: "in", Dims: 1, BytesPerPoint: 4}) },
			wantErr: "duplicate func",
		},
		{
			name:    "input with stages",
			mutate:  func(p *Pipeline) { p.FuncByName("in").Stages = []StageDef{{}} },
			wantErr: "must not define stages",
		},
		{
			name:    "empty loop nest",
			mutate:  func(p *Pipeline) { p.FuncByName("blur_x").Stages[0].Loops = nil },
			wantErr: "empty loop nest",
		},
		{
			name: "empty loop range",
			mutate: func(p *Pipeline) {
				l := &p.FuncByName("blur_x").Stages[0].Loops[0]
				l.Min, l.Max = 5, 4
			},
			wantErr: "empty range",
		},
		{
			name: "undefined producer",
			mutate: func(p *Pipeline) {
				p.FuncByName("blur_y").Stages[0].Accesses[0].Producer = "ghost"
			},
			wantErr: "reads undefined func",
		},
		{
			name: "pure self read",
			mutate: func(p *Pipeline) {
				p.FuncByName("blur_x").Stages[0].Accesses[0].Producer = "blur_x"
			},
			wantErr: "reads itself",
		},
		{
			name: "cycle through pure definitions",
			mutate: func(p *Pipeline) {
				a := p.FuncByName("blur_x").Stages[0].Accesses[0]
				a.Producer = "blur_y"
				p.FuncByName("blur_x").Stages[0].Accesses[0] = a
			},
			wantErr: "cyclic",
		},
		{
			name: "non-affine access without range",
			mutate: func(p *Pipeline) {
				a := &p.FuncByName("blur_y").Stages[0].Accesses[0]
				a.Coeffs[0][0] = Coeff{Num: 0, Den: 0}
			},
			wantErr: "needs an explicit range",
		},
		{
			name: "non-affine access with range",
			mutate: func(p *Pipeline) {
				a := &p.FuncByName("blur_y").Stages[0].Accesses[0]
				a.Coeffs[0][0] = Coeff{Num: 0, Den: 0}
				a.Ranges = []*Range{{Lo: 0, Hi: 1021}, nil}
			},
		},
		{
			name: "coefficient row shape mismatch",
			mutate: func(p *Pipeline) {
				a := &p.FuncByName("blur_y").Stages[0].Accesses[0]
				a.Coeffs[0] = a.Coeffs[0][:1]
			},
			wantErr: "coefficients for",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestReductionSelfReadAllowed(t *testing.T) {
	p, err := Load([]byte(blurYAML))
	require.NoError(t, err)
	f := p.FuncByName("blur_x")
	f.Stages = append(f.Stages, StageDef{
		Loops: []LoopDim{
			{Var: "x", Pure: true, PureDim: 0, Min: 0, Max: 1021, Constant: true},
			{Var: "y", Pure: true, PureDim: 1, Min: 0, Max: 1023, Constant: true},
			{Var: "r", Pure: false, PureDim: -1, Min: 0, Max: 7, Constant: true},
		},
		Accesses: []Access{{
			Producer: "blur_x",
			Coeffs: [][]Coeff{
				{{1, 1}, {0, 1}, {0, 1}},
				{{0, 1}, {1, 1}, {1, 1}},
			},
			Offsets: []int64{0, 0},
			Count:   1,
		}},
		Ops: map[string]int64{"add": 1},
	})
	assert.NoError(t, p.Validate())
}

func TestNativeVectorWidth(t *testing.T) {
	target := Target{Arch: "test", VectorBits: 256}
	assert.Equal(t, 8, target.NativeVectorWidth(4))
	assert.Equal(t, 4, target.NativeVectorWidth(8))
	assert.Equal(t, 32, target.NativeVectorWidth(1))
}

func TestDefaultMachineParams(t *testing.T) {
	mp := DefaultMachineParams()
	assert.GreaterOrEqual(t, mp.Parallelism, 1)
	assert.Greater(t, mp.LastLevelCacheSize, int64(0))
	assert.Greater(t, mp.BalanceFactor, 0.0)
}
