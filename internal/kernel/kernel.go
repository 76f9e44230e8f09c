package kernel

import (
	"errors"
	"fmt"
)

// ErrRowOutOfRange is returned when a selected row does not address a row of
// the parameter buffer.
var ErrRowOutOfRange = errors.New("selected row out of range")

// Attr describes one dense update. It is derived per call from the operand
// shapes and never stored.
type Attr struct {
	ParamHeight      int64
	ParamWidth       int64
	GradHeight       int64
	GradWidth        int64
	SelectedRowsSize int64
}

// Contiguous describes a whole-buffer update of n elements.
func Contiguous(n int64) Attr {
	return Attr{
		ParamHeight:      1,
		ParamWidth:       n,
		GradHeight:       1,
		GradWidth:        n,
		SelectedRowsSize: 1,
	}
}

// Kernel computes, for each k in [0, attr.SelectedRowsSize):
//
//	out[rows[k], :] = param[rows[k], :] - lr * grad[k, :]
//
// with rows of attr.GradWidth elements. Rows are applied in order, so with
// out == param a repeated row is decremented once per occurrence. A single
// rows entry of 0 with Contiguous attributes updates the whole buffer.
// Implementations check every row before writing anything.
type Kernel interface {
	Name() string
	Update(lr float32, param, grad []float32, rows []int64, out []float32, attr *Attr) error
}

// New returns the kernel registered under name.
func New(name string) (Kernel, error) {
	switch name {
	case "", "simd":
		return NewSIMD(), nil
	case "blas":
		return NewBLAS(), nil
	default:
		return nil, fmt.Errorf("unknown kernel: %s", name)
	}
}

func checkRows(rows []int64, attr *Attr, param, grad, out []float32) error {
	if int64(len(rows)) < attr.SelectedRowsSize {
		return fmt.Errorf("%w: %d rows for %d selected", ErrRowOutOfRange, len(rows), attr.SelectedRowsSize)
	}
	w := attr.GradWidth
	if int64(len(grad)) < attr.SelectedRowsSize*w {
		return fmt.Errorf("%w: grad holds %d elements, need %d", ErrRowOutOfRange, len(grad), attr.SelectedRowsSize*w)
	}
	limit := attr.ParamHeight * attr.ParamWidth
	if int64(len(param)) < limit || int64(len(out)) < limit {
		return fmt.Errorf("%w: param/out hold %d/%d elements, need %d", ErrRowOutOfRange, len(param), len(out), limit)
	}
	for k := int64(0); k < attr.SelectedRowsSize; k++ {
		r := rows[k]
		if r < 0 || (r+1)*w > limit {
			return fmt.Errorf("%w: row %d of height %d", ErrRowOutOfRange, r, attr.ParamHeight)
		}
	}
	return nil
}
