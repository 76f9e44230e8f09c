package kernel

import (
	"gonum.org/v1/gonum/blas/blas32"
)

var _ Kernel = (*BLAS)(nil)

// BLAS runs the update as a copy followed by saxpy through gonum's blas32.
// The pure Go implementation is used unless a build registers another one
// (see blas_netlib.go).
type BLAS struct{}

func NewBLAS() *BLAS {
	return &BLAS{}
}

func (k *BLAS) Name() string {
	return "blas"
}

func (k *BLAS) Update(lr float32, param, grad []float32, rows []int64, out []float32, attr *Attr) error {
	if err := checkRows(rows, attr, param, grad, out); err != nil {
		return err
	}

	w := attr.GradWidth
	n := int(w)
	for i := int64(0); i < attr.SelectedRowsSize; i++ {
		start := rows[i] * w
		dst := out[start : start+w]
		// copy handles the aliased case
		copy(dst, param[start:start+w])
		blas32.Axpy(-lr,
			blas32.Vector{N: n, Data: grad[i*w : (i+1)*w], Inc: 1},
			blas32.Vector{N: n, Data: dst, Inc: 1},
		)
	}

	kernelInvocations.WithLabelValues(k.Name()).Inc()
	kernelElements.WithLabelValues(k.Name()).Add(float64(attr.SelectedRowsSize * w))
	return nil
}
