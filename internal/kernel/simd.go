package kernel

import (
	"github.com/23skdu/longbow-descent/internal/simd"
)

// ensure interface compliance
var _ Kernel = (*SIMD)(nil)

// SIMD runs the update on the unrolled loops in internal/simd.
type SIMD struct{}

func NewSIMD() *SIMD {
	return &SIMD{}
}

func (k *SIMD) Name() string {
	return "simd"
}

func (k *SIMD) Update(lr float32, param, grad []float32, rows []int64, out []float32, attr *Attr) error {
	if err := checkRows(rows, attr, param, grad, out); err != nil {
		return err
	}

	w := attr.GradWidth
	for i := int64(0); i < attr.SelectedRowsSize; i++ {
		start := rows[i] * w
		simd.SubScaledTo(out[start:start+w], param[start:start+w], grad[i*w:(i+1)*w], lr)
	}

	kernelInvocations.WithLabelValues(k.Name()).Inc()
	kernelElements.WithLabelValues(k.Name()).Add(float64(attr.SelectedRowsSize * w))
	return nil
}
