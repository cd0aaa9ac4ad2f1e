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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// OpType categorizes the arithmetic/memory mix of a stage for the
// pipeline featurization.
type OpType int

const (
	OpConst OpType = iota
	OpCast
	OpVariable
	OpParam
	OpAdd
	OpSub
	OpMod
	OpMul
	OpDiv
	OpMin
	OpMax
	OpEQ
	OpNE
	OpLT
	OpLE
	OpAnd
	OpOr
	OpNot
	OpSelect
	OpImageCall
	OpFuncCall
	OpSelfCall
	OpExternCall
	OpLet
	NumOpTypes
)

var opTypeNames = [NumOpTypes]string{
	"const", "cast", "variable", "param", "add", "sub", "mod", "mul",
	"div", "min", "max", "eq", "ne", "lt", "le", "and", "or", "not",
	"select", "image_call", "func_call", "self_call", "extern_call", "let",
}

// String returns the canonical lower-case name used in pipeline
// descriptions.
func (t OpType) String() string {
	if t < 0 || t >= NumOpTypes {
		return fmt.Sprintf("OpType(%d)", int(t))
	}
	return opTypeNames[t]
}

// ParseOpType resolves a name from a pipeline description.
func ParseOpType(name string) (OpType, error) {
	for i, n := range opTypeNames {
		if n == name {
			return OpType(i), nil
		}
	}
	return 0, errors.Errorf("unknown op type %q", name)
}

// AccessClass categorizes one load or store pattern, derived from its
// jacobian.
type AccessClass int

const (
	// AccessPointwise: the identity map from loops to coordinates.
	AccessPointwise AccessClass = iota

	// AccessTranspose: a permuted or strided but still affine map.
	AccessTranspose

	// AccessBroadcast: at least one loop the coordinates do not depend on.
	AccessBroadcast

	// AccessSlice: a producer dimension pinned to a constant coordinate.
	AccessSlice

	// AccessGather: a non-affine map.
	AccessGather

	NumAccessClasses
)

// String returns a short name for logs.
func (c AccessClass) String() string {
	switch c {
	case AccessPointwise:
		return "pointwise"
	case AccessTranspose:
		return "transpose"
	case AccessBroadcast:
		return "broadcast"
	case AccessSlice:
		return "slice"
	case AccessGather:
		return "gather"
	default:
		return fmt.Sprintf("AccessClass(%d)", int(c))
	}
}

// ClassifyJacobian buckets an access pattern for featurization.
func ClassifyJacobian(j *LoadJacobian) AccessClass {
	if !j.AllCoeffsExist() {
		return AccessGather
	}
	if j.IsIdentity() {
		return AccessPointwise
	}
	for i := 0; i < j.ProducerStorageDims(); i++ {
		constant := true
		for k := 0; k < j.ConsumerLoopDims(); k++ {
			if !j.At(i, k).IsZero() {
				constant = false
				break
			}
		}
		if constant {
			return AccessSlice
		}
	}
	for k := 0; k < j.ConsumerLoopDims(); k++ {
		unused := true
		for i := 0; i < j.ProducerStorageDims(); i++ {
			if !j.At(i, k).IsZero() {
				unused = false
				break
			}
		}
		if unused {
			return AccessBroadcast
		}
	}
	return AccessTranspose
}

// PipelineFeatureSize is the width of the per-stage pipeline feature
// vector handed to the cost model once per pipeline.
const PipelineFeatureSize = int(NumOpTypes) + 2*int(NumAccessClasses)

// PipelineFeatures is the fixed-width summary of what a stage computes,
// independent of any schedule.
type PipelineFeatures struct {
	// OpHistogram counts operations of each type per point computed.
	OpHistogram [NumOpTypes]int64

	// LoadAccess and StoreAccess count access patterns by class.
	LoadAccess  [NumAccessClasses]int64
	StoreAccess [NumAccessClasses]int64
}

// AsSlice flattens the features in a fixed order for the cost model.
func (f *PipelineFeatures) AsSlice() []float64 {
	out := make([]float64, 0, PipelineFeatureSize)
	for _, v := range f.OpHistogram {
		out = append(out, float64(v))
	}
	for _, v := range f.LoadAccess {
		out = append(out, float64(v))
	}
	for _, v := range f.StoreAccess {
		out = append(out, float64(v))
	}
	return out
}

// ScheduleFeatureSize is the width of the per-stage schedule feature
// vector recomputed for every candidate state.
const ScheduleFeatureSize = 23

// ScheduleFeatures summarizes the predicted performance characteristics
// of one stage under one candidate schedule. Field order matches
// AsSlice and the binary featurization artifact.
type ScheduleFeatures struct {
	// How many times a new buffer for the func is allocated/computed.
	NumRealizations float64
	// How many times the stage's loop nest is entered.
	NumProductions float64

	PointsComputedPerRealization float64
	PointsComputedPerProduction  float64
	PointsComputedTotal          float64
	// The minimum useful work: the points consumers actually require.
	PointsComputedMinimum float64

	InnermostLoopExtent     float64
	InnermostPureLoopExtent float64
	UnrolledLoopExtent      float64

	// Parallel task counts inside and outside the realization site.
	InnerParallelism float64
	OuterParallelism float64

	BytesAtRealization          float64
	BytesAtProduction           float64
	BytesAtRoot                 float64
	InnermostBytesAtRealization float64

	UniqueBytesReadPerRealization float64
	UniqueLinesReadPerRealization float64
	WorkingSet                    float64

	VectorSize       float64
	NativeVectorSize float64
	NumVectors       float64
	NumScalars       float64

	InlinedCalls float64
}

// AsSlice flattens the features in declaration order.
func (f *ScheduleFeatures) AsSlice() []float64 {
	return []float64{
		f.NumRealizations,
		f.NumProductions,
		f.PointsComputedPerRealization,
		f.PointsComputedPerProduction,
		f.PointsComputedTotal,
		f.PointsComputedMinimum,
		f.InnermostLoopExtent,
		f.InnermostPureLoopExtent,
		f.UnrolledLoopExtent,
		f.InnerParallelism,
		f.OuterParallelism,
		f.BytesAtRealization,
		f.BytesAtProduction,
		f.BytesAtRoot,
		f.InnermostBytesAtRealization,
		f.UniqueBytesReadPerRealization,
		f.UniqueLinesReadPerRealization,
		f.WorkingSet,
		f.VectorSize,
		f.NativeVectorSize,
		f.NumVectors,
		f.NumScalars,
		f.InlinedCalls,
	}
}

var scheduleFeatureNames = []string{
	"num_realizations",
	"num_productions",
	"points_computed_per_realization",
	"points_computed_per_production",
	"points_computed_total",
	"points_computed_minimum",
	"innermost_loop_extent",
	"innermost_pure_loop_extent",
	"unrolled_loop_extent",
	"inner_parallelism",
	"outer_parallelism",
	"bytes_at_realization",
	"bytes_at_production",
	"bytes_at_root",
	"innermost_bytes_at_realization",
	"unique_bytes_read_per_realization",
	"unique_lines_read_per_realization",
	"working_set",
	"vector_size",
	"native_vector_size",
	"num_vectors",
	"num_scalars",
	"inlined_calls",
}

// Dump writes one feature per line for debug output.
func (f *ScheduleFeatures) Dump(w io.Writer, prefix string) {
	vals := f.AsSlice()
	for i, name := range scheduleFeatureNames {
		fmt.Fprintf(w, "%s%s: %g\n", prefix, name, vals[i])
	}
}

// WriteBinary appends the stage's feature record to a featurization
// artifact: the dense stage id, the pipeline features and the schedule
// features, all little-endian. Downstream cost-model training consumes
// this format.
func WriteBinary(w io.Writer, stageID int32, pf *PipelineFeatures, sf *ScheduleFeatures) error {
	if err := binary.Write(w, binary.LittleEndian, stageID); err != nil {
		return errors.Wrap(err, "writing featurization")
	}
	for _, v := range pf.AsSlice() {
		if err := binary.Write(w, binary.LittleEndian, float32(v)); err != nil {
			return errors.Wrap(err, "writing featurization")
		}
	}
	for _, v := range sf.AsSlice() {
		if err := binary.Write(w, binary.LittleEndian, float32(v)); err != nil {
			return errors.Wrap(err, "writing featurization")
		}
	}
	return nil
}
