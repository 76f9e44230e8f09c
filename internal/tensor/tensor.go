package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidShape is returned when a tensor's shape and buffer disagree.
var ErrInvalidShape = errors.New("invalid tensor shape")

// Kind is the storage kind of a Variable.
type Kind int

const (
	KindDense Kind = iota
	KindSparseRows
)

func (k Kind) String() string {
	switch k {
	case KindDense:
		return "Dense"
	case KindSparseRows:
		return "SparseRows"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Variable is an operand of an update: either a *Dense or a *SparseRows.
type Variable interface {
	Kind() Kind
}

// KindOf names the storage kind of v, including nil.
func KindOf(v Variable) string {
	if v == nil {
		return "<nil>"
	}
	return v.Kind().String()
}

// Shape represents the dimensions of a tensor.
type Shape []int

// Numel returns the total number of elements. The result is only
// meaningful for a shape that passes Validate.
func (s Shape) Numel() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that no dimension is negative and that the element count
// fits in an int.
func (s Shape) Validate() error {
	n := 1
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrInvalidShape, i, dim)
		}
		if dim != 0 && n > math.MaxInt/dim {
			return fmt.Errorf("%w: element count of %v overflows", ErrInvalidShape, s)
		}
		n *= dim
	}
	return nil
}

// Equal checks if two shapes are equal.
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

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}
