package tensor

import (
	"fmt"
)

var _ Variable = (*Dense)(nil)

// Dense is a fully materialized row-major float32 buffer with a shape.
type Dense struct {
	shape Shape
	data  []float32
}

// NewDense wraps data with the given shape. A nil data slice allocates a
// zeroed buffer. The slice is borrowed, not copied.
func NewDense(shape Shape, data []float32) (*Dense, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	n := shape.Numel()
	if data == nil {
		data = make([]float32, n)
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrInvalidShape, shape, n, len(data))
	}
	return &Dense{shape: shape.Clone(), data: data}, nil
}

// Scalar builds a one-element tensor, typically a learning rate.
func Scalar(v float32) *Dense {
	return &Dense{shape: Shape{1}, data: []float32{v}}
}

func (t *Dense) Kind() Kind { return KindDense }

// Shape returns a copy of the tensor's dimensions.
func (t *Dense) Shape() Shape { return t.shape.Clone() }

// Dim returns the size of dimension i.
func (t *Dense) Dim(i int) int { return t.shape[i] }

// Rank returns the number of dimensions.
func (t *Dense) Rank() int { return len(t.shape) }

// Numel returns the number of elements.
func (t *Dense) Numel() int { return len(t.data) }

// Data returns the underlying buffer.
func (t *Dense) Data() []float32 { return t.data }

// Height is the size of the leading dimension, 1 for a scalar.
func (t *Dense) Height() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

// Width is the number of elements per leading-dimension row.
func (t *Dense) Width() int {
	h := t.Height()
	if h == 0 {
		return Shape(t.shape[1:]).Numel()
	}
	return len(t.data) / h
}

// Row returns a view of row i.
func (t *Dense) Row(i int) []float32 {
	w := t.Width()
	return t.data[i*w : (i+1)*w]
}

// Value reads a one-element tensor.
func (t *Dense) Value() (float32, error) {
	if len(t.data) != 1 {
		return 0, fmt.Errorf("%w: expected a single element, got %d", ErrInvalidShape, len(t.data))
	}
	return t.data[0], nil
}

// Clone returns a deep copy.
func (t *Dense) Clone() *Dense {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Dense{shape: t.shape.Clone(), data: data}
}

func (t *Dense) String() string {
	return fmt.Sprintf("Dense%v", []int(t.shape))
}
