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

// Package pipeline defines the declarative description of a dataflow
// pipeline handed to the autoscheduler by a host compiler.
//
// The host front end owns the expression language, type system and
// algebraic simplification. By the time a pipeline reaches this package
// it has been reduced to funcs, stages, declared affine accesses and
// per-stage operation counts. The scheduler never sees expressions; it
// sees the linear-map summaries the front end derived from them.
package pipeline

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Coeff is a rational derivative of one producer storage coordinate
// with respect to one consumer loop variable. Den == 0 means the
// coordinate is not an affine function of that loop variable.
type Coeff struct {
	Num int64 `yaml:"num"`
	Den int64 `yaml:"den"`
}

// Exists reports whether the derivative is defined (the access is
// affine in this loop variable).
func (c Coeff) Exists() bool { return c.Den != 0 }

// Range is an explicit fallback interval for a producer dimension
// whose coordinate is not affine in the consumer's loops (a gather).
type Range struct {
	Lo int64 `yaml:"lo"`
	Hi int64 `yaml:"hi"`
}

// Access describes one distinct read of a producer func performed by a
// stage, as a linear map from the consumer's loop variables to the
// producer's storage coordinates.
type Access struct {
	// Producer is the name of the func being read.
	Producer string `yaml:"producer"`

	// Coeffs is the producer-dim x consumer-loop-dim derivative matrix.
	Coeffs [][]Coeff `yaml:"coeffs"`

	// Offsets holds the constant term per producer dimension.
	Offsets []int64 `yaml:"offsets"`

	// Count is how many times this exact access occurs per point in the
	// consumer's loop nest.
	Count int64 `yaml:"count"`

	// Clamped is set when every coordinate of the access is clamped to
	// the producer's declared bounds (a boundary condition).
	Clamped bool `yaml:"clamped,omitempty"`

	// Ranges gives, for each producer dimension whose coefficient row
	// is non-affine, the interval of coordinates the access can touch.
	// Entries for affine dimensions may be nil.
	Ranges []*Range `yaml:"ranges,omitempty"`
}

// LoopDim is the front end's summary of one loop in a stage's loop
// nest, innermost first.
type LoopDim struct {
	Var string `yaml:"var"`

	// Pure is false for reduction (update) loop variables.
	Pure bool `yaml:"pure"`

	// PureDim is the storage dimension a pure loop corresponds to.
	// -1 for reduction variables.
	PureDim int `yaml:"pure_dim"`

	// Min and Max are the estimated loop bounds.
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`

	// Constant is set when the bounds are provably constant at compile
	// time (required for unrolling on most targets).
	Constant bool `yaml:"constant"`
}

// StageDef describes one execution phase of a func. Index 0 in
// Func.Stages is the pure definition; later entries are update steps.
type StageDef struct {
	Loops    []LoopDim        `yaml:"loops"`
	Accesses []Access         `yaml:"accesses,omitempty"`
	Ops      map[string]int64 `yaml:"ops,omitempty"`

	// VectorSize overrides the target's natural vector width for this
	// stage. 0 means use the target default for BytesPerPoint.
	VectorSize int `yaml:"vector_size,omitempty"`
}

// Margin is a constant per-dimension expansion of the region computed
// relative to the region required, for funcs that must compute whole
// blocks (e.g. tiled scans).
type Margin struct {
	Lo int64 `yaml:"lo"`
	Hi int64 `yaml:"hi"`
}

// Func is one computation in the pipeline graph.
type Func struct {
	Name string `yaml:"name"`

	// Dims is the storage dimensionality.
	Dims int `yaml:"dims"`

	// BytesPerPoint is the size of one stored element.
	BytesPerPoint int `yaml:"bytes_per_point"`

	// Input marks an input buffer. Input funcs have no stages and are
	// never scheduled.
	Input bool `yaml:"input,omitempty"`

	// Stages is empty for inputs; otherwise index 0 is the pure
	// definition and the rest are updates.
	Stages []StageDef `yaml:"stages,omitempty"`

	// Estimate is the caller's bound estimate per dimension. Required
	// for outputs and inputs; optional elsewhere.
	Estimate []Range `yaml:"estimate,omitempty"`

	// Margins optionally widen the region computed beyond the region
	// required by a provably constant amount per dimension.
	Margins []Margin `yaml:"margins,omitempty"`
}

// Pipeline is the whole dataflow program to schedule.
type Pipeline struct {
	Funcs   []Func   `yaml:"funcs"`
	Outputs []string `yaml:"outputs"`
}

// Load parses a YAML pipeline description and validates it.
func Load(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parsing pipeline description")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads and parses a YAML pipeline description from disk.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline %s", path)
	}
	return Load(data)
}

// FuncByName returns the func with the given name, or nil.
func (p *Pipeline) FuncByName(name string) *Func {
	for i := range p.Funcs {
		if p.Funcs[i].Name == name {
			return &p.Funcs[i]
		}
	}
	return nil
}

// Validate checks that the pipeline is well formed. A malformed
// pipeline is a precondition violation for the scheduler, so callers
// should treat any error here as fatal.
func (p *Pipeline) Validate() error {
	if len(p.Outputs) == 0 {
		return errors.New("pipeline has no outputs")
	}
	byName := make(map[string]*Func, len(p.Funcs))
	for i := range p.Funcs {
		f := &p.Funcs[i]
		if f.Name == "" {
			return errors.Errorf("func %d has no name", i)
		}
		if _, dup := byName[f.Name]; dup {
			return errors.Errorf("duplicate func %q", f.Name)
		}
		byName[f.Name] = f
	}
	for _, out := range p.Outputs {
		f, ok := byName[out]
		if !ok {
			return errors.Errorf("undefined output %q", out)
		}
		if f.Input {
			return errors.Errorf("output %q is an input buffer", out)
		}
		if len(f.Estimate) != f.Dims {
			return errors.Errorf("output %q needs a bound estimate for all %d dimensions", out, f.Dims)
		}
	}
	for i := range p.Funcs {
		if err := p.validateFunc(&p.Funcs[i], byName); err != nil {
			return err
		}
	}
	return p.checkAcyclic(byName)
}

func (p *Pipeline) validateFunc(f *Func, byName map[string]*Func) error {
	if f.Dims < 0 {
		return errors.Errorf("func %q has negative dimensionality", f.Name)
	}
	if f.BytesPerPoint <= 0 {
		return errors.Errorf("func %q has no element size", f.Name)
	}
	if f.Input {
		if len(f.Stages) != 0 {
			return errors.Errorf("input %q must not define stages", f.Name)
		}
		if len(f.Estimate) != f.Dims {
			return errors.Errorf("input %q needs a bound estimate for all %d dimensions", f.Name, f.Dims)
		}
		return nil
	}
	if len(f.Stages) == 0 {
		return errors.Errorf("func %q has no definition", f.Name)
	}
	if len(f.Margins) != 0 && len(f.Margins) != f.Dims {
		return errors.Errorf("func %q declares %d margins for %d dimensions", f.Name, len(f.Margins), f.Dims)
	}
	for si, s := range f.Stages {
		if len(s.Loops) == 0 {
			return errors.Errorf("func %q stage %d has an empty loop nest", f.Name, si)
		}
		for _, l := range s.Loops {
			if l.Pure && (l.PureDim < 0 || l.PureDim >= f.Dims) {
				return errors.Errorf("func %q stage %d: loop %q names pure dimension %d of %d", f.Name, si, l.Var, l.PureDim, f.Dims)
			}
			if l.Max < l.Min {
				return errors.Errorf("func %q stage %d: loop %q has an empty range", f.Name, si, l.Var)
			}
		}
		for ai, a := range s.Accesses {
			prod, ok := byName[a.Producer]
			if !ok {
				return errors.Errorf("func %q stage %d reads undefined func %q", f.Name, si, a.Producer)
			}
			if a.Producer == f.Name && si == 0 {
				return errors.Errorf("func %q pure definition reads itself (cyclic non-reduction dependency)", f.Name)
			}
			if len(a.Coeffs) != prod.Dims {
				return errors.Errorf("func %q stage %d access %d: %d coefficient rows for %d producer dimensions", f.Name, si, ai, len(a.Coeffs), prod.Dims)
			}
			if len(a.Offsets) != prod.Dims {
				return errors.Errorf("func %q stage %d access %d: %d offsets for %d producer dimensions", f.Name, si, ai, len(a.Offsets), prod.Dims)
			}
			if a.Count <= 0 {
				return errors.Errorf("func %q stage %d access %d: non-positive count", f.Name, si, ai)
			}
			for d, row := range a.Coeffs {
				if len(row) != len(s.Loops) {
					return errors.Errorf("func %q stage %d access %d: row %d has %d coefficients for %d loops", f.Name, si, ai, d, len(row), len(s.Loops))
				}
				affine := true
				for _, c := range row {
					if !c.Exists() {
						affine = false
					}
				}
				if !affine && (len(a.Ranges) <= d || a.Ranges[d] == nil) {
					return errors.Errorf("func %q stage %d access %d: non-affine producer dimension %d needs an explicit range", f.Name, si, ai, d)
				}
			}
		}
	}
	return nil
}

// checkAcyclic rejects cycles through pure definitions. Self-reads in
// update stages are reductions and are allowed.
func (p *Pipeline) checkAcyclic(byName map[string]*Func) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Funcs))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return errors.Errorf("cyclic non-reduction dependency through %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		f := byName[name]
		for _, s := range f.Stages {
			for _, a := range s.Accesses {
				if a.Producer == name {
					continue // reduction self-read
				}
				if err := visit(a.Producer); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	for _, out := range p.Outputs {
		if err := visit(out); err != nil {
			return err
		}
	}
	return nil
}
