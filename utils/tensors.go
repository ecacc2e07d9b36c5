package utils

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"gorgonia.org/tensor"
)

// Float32Rows returns the row-major float32 data of a 2D tensor with the
// given number of columns. Views are materialized first.
func Float32Rows(t *tensor.Dense, cols int) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != cols {
		return nil, fmt.Errorf("expected shape (N, %d), got %v", cols, shape)
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	data := t.Float32s()
	return data[:shape[0]*cols], nil
}

// Float32Vector returns the data of a float32 tensor of any shape as a flat slice.
func Float32Vector(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Float32s()[:t.Shape().TotalSize()], nil
}

func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	for _, t := range tensors {
		shape := t.Shape()
		if shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0], nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, fmt.Errorf("error concatenating tensors: %v", err)
	}

	return result, nil
}

// ArgSortDescending returns the indices that order data from largest to
// smallest. Equal values keep their original relative order.
func ArgSortDescending(data []float32) []int {
	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return data[indices[i]] > data[indices[j]]
	})

	return indices
}

// SelectRows2D gathers the given rows of a (N, cols) float32 tensor.
func SelectRows2D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D tensor, got shape %v", shape)
	}
	numRows, numCols := shape[0], shape[1]

	data, err := Float32Rows(t, numCols)
	if err != nil {
		return nil, err
	}

	selectedData := make([]float32, 0, len(indices)*numCols)
	for _, idx := range indices {
		if idx < 0 || idx >= numRows {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		selectedData = append(selectedData, data[idx*numCols:(idx+1)*numCols]...)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(indices), numCols),
		tensor.WithBacking(selectedData),
	), nil
}

// SelectValues gathers data[indices[i]] into a new slice.
func SelectValues(data []float32, indices []int) ([]float32, error) {
	out := make([]float32, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(data) {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		out[i] = data[idx]
	}
	return out, nil
}

// BytesToFloat32s decodes little-endian IEEE 754 floats, the layout Triton
// uses for raw output contents.
func BytesToFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("raw content length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
