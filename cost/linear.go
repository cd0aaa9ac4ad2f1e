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

package cost

import (
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ajroetker/loopsched/dag"
)

// weightsMagic identifies a serialized weights file.
const weightsMagic uint32 = 0x4c53_5731 // "LSW1"

// LinearModel is the default cost model: a linear function of the
// log-compressed schedule features plus a per-stage pipeline-feature
// term. It exists so the search is exercisable without the host's
// learned model; the host substitutes its own Model in production.
type LinearModel struct {
	scheduleWeights *mat.VecDense
	pipelineWeights *mat.VecDense

	pipelineDot []float64 // one per stage, precomputed in SetPipelineFeatures
	parallelism int

	pending []slot
	pool    *pool
}

type slot struct {
	features []dag.ScheduleFeatures
	cost     *float64
	perStage []float64
}

var _ Model = (*LinearModel)(nil)

// NewLinearModel builds a model from explicit weight vectors.
func NewLinearModel(scheduleWeights, pipelineWeights []float64) (*LinearModel, error) {
	if len(scheduleWeights) != dag.ScheduleFeatureSize {
		return nil, errors.Errorf("want %d schedule weights, got %d", dag.ScheduleFeatureSize, len(scheduleWeights))
	}
	if len(pipelineWeights) != dag.PipelineFeatureSize {
		return nil, errors.Errorf("want %d pipeline weights, got %d", dag.PipelineFeatureSize, len(pipelineWeights))
	}
	return &LinearModel{
		scheduleWeights: mat.NewVecDense(len(scheduleWeights), append([]float64(nil), scheduleWeights...)),
		pipelineWeights: mat.NewVecDense(len(pipelineWeights), append([]float64(nil), pipelineWeights...)),
		parallelism:     1,
		pool:            newPool(0),
	}, nil
}

// NewRandomLinearModel builds a model with small random weights, for
// search-space exploration and training-data generation.
func NewRandomLinearModel(seed int64) *LinearModel {
	rng := rand.New(rand.NewSource(seed))
	sw := make([]float64, dag.ScheduleFeatureSize)
	pw := make([]float64, dag.PipelineFeatureSize)
	for i := range sw {
		sw[i] = rng.Float64() * 0.1
	}
	for i := range pw {
		pw[i] = rng.Float64() * 0.01
	}
	m, _ := NewLinearModel(sw, pw)
	return m
}

// LoadWeights reads a serialized weights file written by SaveWeights.
func LoadWeights(path string) (*LinearModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening weights %s", path)
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return nil, errors.Wrapf(err, "reading weights %s", path)
	}
	if magic != weightsMagic {
		return nil, errors.Errorf("%s is not a weights file", path)
	}
	var ns, np int32
	if err := binary.Read(f, binary.LittleEndian, &ns); err != nil {
		return nil, errors.Wrapf(err, "reading weights %s", path)
	}
	if err := binary.Read(f, binary.LittleEndian, &np); err != nil {
		return nil, errors.Wrapf(err, "reading weights %s", path)
	}
	sw := make([]float64, ns)
	pw := make([]float64, np)
	if err := binary.Read(f, binary.LittleEndian, sw); err != nil {
		return nil, errors.Wrapf(err, "reading weights %s", path)
	}
	if err := binary.Read(f, binary.LittleEndian, pw); err != nil {
		return nil, errors.Wrapf(err, "reading weights %s", path)
	}
	return NewLinearModel(sw, pw)
}

// SaveWeights serializes the model's weights.
func (m *LinearModel) SaveWeights(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating weights %s", path)
	}
	defer f.Close()

	sw := m.scheduleWeights.RawVector().Data
	pw := m.pipelineWeights.RawVector().Data
	for _, v := range []any{weightsMagic, int32(len(sw)), int32(len(pw)), sw, pw} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return errors.Wrapf(err, "writing weights %s", path)
		}
	}
	return nil
}

// Close releases the evaluation worker pool.
func (m *LinearModel) Close() {
	m.pool.close()
}

// Reset implements Model.
func (m *LinearModel) Reset() {
	m.pending = m.pending[:0]
}

// SetPipelineFeatures implements Model.
func (m *LinearModel) SetPipelineFeatures(stages []dag.PipelineFeatures, parallelism int) {
	if parallelism < 1 {
		parallelism = 1
	}
	m.parallelism = parallelism
	m.pipelineDot = make([]float64, len(stages))
	for i := range stages {
		fv := mat.NewVecDense(dag.PipelineFeatureSize, stages[i].AsSlice())
		m.pipelineDot[i] = mat.Dot(fv, m.pipelineWeights)
	}
}

// Enqueue implements Model.
func (m *LinearModel) Enqueue(features []dag.ScheduleFeatures, cost *float64, perStage []float64) {
	m.pending = append(m.pending, slot{features: features, cost: cost, perStage: perStage})
}

// EvaluateCosts implements Model. Slots are scored in parallel but
// each worker writes only its own slots, so results land positionally.
func (m *LinearModel) EvaluateCosts() error {
	if len(m.pending) == 0 {
		return nil
	}
	if m.pipelineDot == nil {
		return errors.New("cost model: EvaluateCosts before SetPipelineFeatures")
	}
	pending := m.pending
	m.pending = m.pending[:0]

	var mu sync.Mutex
	var firstErr error
	m.pool.parallelFor(len(pending), func(start, end int) {
		for i := start; i < end; i++ {
			if err := m.evaluateSlot(&pending[i]); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}
	})
	return firstErr
}

func (m *LinearModel) evaluateSlot(s *slot) error {
	if len(s.features) != len(m.pipelineDot) {
		return errors.Errorf("cost model: slot has %d stages, pipeline has %d", len(s.features), len(m.pipelineDot))
	}
	total := 0.0
	for i := range s.features {
		row := s.features[i].AsSlice()
		for k, v := range row {
			row[k] = math.Log1p(math.Abs(v))
		}
		dot := mat.Dot(mat.NewVecDense(len(row), row), m.scheduleWeights)
		dot += m.pipelineDot[i]
		// Softplus keeps per-stage costs positive so penalization
		// scaling behaves.
		c := math.Log1p(math.Exp(dot)) / float64(m.parallelism)
		s.perStage[i] = c
		total += c
	}
	*s.cost = total
	return nil
}
