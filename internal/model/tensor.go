package model

import (
	"fmt"
	"strings"
)

// Shape is a tensor shape. Image tensors use NHWC order: (batch, H, W, C).
type Shape []int64

func NewShape(dims ...int64) Shape {
	return Shape(dims)
}

// Size returns the number of elements described by the shape.
func (s Shape) Size() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Channels returns the last dimension of a 4-D shape, or 0 when unknown.
func (s Shape) Channels() int {
	if len(s) != 4 || s[3] <= 0 {
		return 0
	}
	return int(s[3])
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String formats the shape the way numpy prints it, e.g. "(1, 225, 225, 3)".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape) *Tensor {
	return &Tensor{
		Shape: shape,
		Data:  make([]float32, shape.Size()),
	}
}
