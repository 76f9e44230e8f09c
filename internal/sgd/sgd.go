package sgd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-descent/internal/kernel"
	"github.com/23skdu/longbow-descent/internal/simd"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

const (
	pathDenseDense   = "dense_dense"
	pathDenseSparse  = "dense_sparse"
	pathSparseSparse = "sparse_sparse"
	pathUnsupported  = "unsupported"
)

// Engine applies one plain SGD step, param - lr * grad, choosing the
// algorithm from the storage kinds of the operands. It holds no state between
// calls; two calls that update the same parameter in place must be serialized
// by the caller.
type Engine struct {
	kernel kernel.Kernel
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithKernel sets the dense update kernel. Defaults to kernel.SIMD.
func WithKernel(k kernel.Kernel) Option {
	return func(e *Engine) {
		e.kernel = k
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		kernel: kernel.NewSIMD(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// KernelName reports the dense update kernel in use.
func (e *Engine) KernelName() string {
	return e.kernel.Name()
}

// Update applies grad to param in place.
func (e *Engine) Update(param, grad tensor.Variable, lr *tensor.Dense) error {
	return e.Apply(param, grad, lr, param)
}

// Apply writes param - lr * grad into out.
//
//   - Dense param, Dense grad: numel of all three must match; out may or may
//     not be param and is fully written.
//   - Dense param, SparseRows grad: out must be param. Only the rows named by
//     grad are touched, once per occurrence.
//   - SparseRows param, SparseRows grad: out must be param. Every grad row
//     must already be present in param.
//
// A SparseRows gradient with no rows is a successful no-op. Any other
// combination fails with ErrUnsupportedVariant or ErrInvariantViolation.
func (e *Engine) Apply(param, grad tensor.Variable, lr *tensor.Dense, out tensor.Variable) error {
	start := time.Now()
	path, rows, err := e.apply(param, grad, lr, out)
	if err != nil {
		updateErrors.WithLabelValues(Kind(err)).Inc()
		e.logger.Warn().
			Err(err).
			Str("path", path).
			Str("param_kind", kindName(param)).
			Str("grad_kind", kindName(grad)).
			Msg("Rejected SGD update")
		return err
	}

	if rows == 0 && path != pathDenseDense {
		noopUpdates.WithLabelValues(path).Inc()
		e.logger.Debug().Str("path", path).Msg("Empty sparse gradient, skipping update")
		return nil
	}
	updatesTotal.WithLabelValues(path).Inc()
	rowsUpdated.WithLabelValues(path).Add(float64(rows))
	updateDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) apply(param, grad tensor.Variable, lr *tensor.Dense, out tensor.Variable) (string, int, error) {
	switch p := param.(type) {
	case *tensor.Dense:
		if p == nil {
			break
		}
		switch g := grad.(type) {
		case *tensor.Dense:
			if g == nil {
				break
			}
			rate, err := learningRate(lr)
			if err != nil {
				return pathDenseDense, 0, err
			}
			n, err := e.denseByDense(p, g, rate, out)
			return pathDenseDense, n, err
		case *tensor.SparseRows:
			if g == nil {
				break
			}
			rate, err := learningRate(lr)
			if err != nil {
				return pathDenseSparse, 0, err
			}
			n, err := e.denseBySparse(p, g, rate, out)
			return pathDenseSparse, n, err
		}
		return pathUnsupported, 0, fmt.Errorf("%w: gradient storage kind %s, expected Dense or SparseRows",
			ErrUnsupportedVariant, kindName(grad))

	case *tensor.SparseRows:
		if p == nil {
			break
		}
		g, ok := grad.(*tensor.SparseRows)
		if !ok || g == nil {
			return pathSparseSparse, 0, fmt.Errorf("%w: gradient storage kind must match parameter storage kind when parameter is sparse, got %s",
				ErrInvariantViolation, kindName(grad))
		}
		rate, err := learningRate(lr)
		if err != nil {
			return pathSparseSparse, 0, err
		}
		n, err := e.sparseBySparse(p, g, rate, out)
		return pathSparseSparse, n, err
	}

	return pathUnsupported, 0, fmt.Errorf("%w: parameter storage kind %s, expected Dense or SparseRows",
		ErrUnsupportedVariant, kindName(param))
}

func (e *Engine) denseByDense(p, g *tensor.Dense, lr float32, out tensor.Variable) (int, error) {
	o, ok := out.(*tensor.Dense)
	if !ok || o == nil {
		return 0, fmt.Errorf("%w: output storage kind %s, expected Dense", ErrUnsupportedVariant, kindName(out))
	}

	sz := o.Numel()
	if p.Numel() != sz {
		return 0, fmt.Errorf("%w: param numel %d != param_out numel %d", ErrShapeMismatch, p.Numel(), sz)
	}
	if g.Numel() != sz {
		return 0, fmt.Errorf("%w: grad numel %d != param_out numel %d", ErrShapeMismatch, g.Numel(), sz)
	}

	attr := kernel.Contiguous(int64(sz))
	rowsIdx := []int64{0}
	if err := e.kernel.Update(lr, p.Data(), g.Data(), rowsIdx, o.Data(), &attr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return 1, nil
}

func (e *Engine) denseBySparse(p *tensor.Dense, g *tensor.SparseRows, lr float32, out tensor.Variable) (int, error) {
	o, ok := out.(*tensor.Dense)
	if !ok || o != p {
		return 0, fmt.Errorf("%w: param_out must be param when the gradient is SparseRows", ErrInvariantViolation)
	}

	rows := g.Rows()
	if len(rows) == 0 {
		return 0, nil
	}

	height := o.Height()
	if g.Height() != int64(height) {
		return 0, fmt.Errorf("%w: grad height %d != param_out dims[0] %d", ErrShapeMismatch, g.Height(), height)
	}

	value := g.Value()
	attr := kernel.Attr{
		ParamHeight:      int64(height),
		ParamWidth:       int64(o.Numel() / height),
		GradHeight:       int64(len(rows)),
		GradWidth:        int64(value.Numel() / len(rows)),
		SelectedRowsSize: int64(len(rows)),
	}
	if attr.GradWidth != attr.ParamWidth {
		return 0, fmt.Errorf("%w: grad row width %d != param_out row width %d",
			ErrShapeMismatch, attr.GradWidth, attr.ParamWidth)
	}

	if err := e.kernel.Update(lr, p.Data(), value.Data(), rows, o.Data(), &attr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return len(rows), nil
}

func (e *Engine) sparseBySparse(p, g *tensor.SparseRows, lr float32, out tensor.Variable) (int, error) {
	o, ok := out.(*tensor.SparseRows)
	if !ok || o != p {
		return 0, fmt.Errorf("%w: param_out must be param when the parameter is SparseRows", ErrInvariantViolation)
	}

	rows := g.Rows()
	if len(rows) == 0 {
		return 0, nil
	}

	width := p.Width()
	if g.Width() != width {
		return 0, fmt.Errorf("%w: param row width %d != grad row width %d", ErrShapeMismatch, width, g.Width())
	}

	// Rows are applied one at a time; a failed lookup leaves earlier rows updated.
	gradValue := g.Value()
	outValue := o.Value()
	for i, r := range rows {
		id := o.Index(r)
		if id < 0 {
			return i, fmt.Errorf("%w: row %d is not present in the parameter (index %d)", ErrInvariantViolation, r, id)
		}
		simd.SubScaled(outValue.Row(int(id)), gradValue.Row(i), lr)
	}
	return len(rows), nil
}

func learningRate(lr *tensor.Dense) (float32, error) {
	if lr == nil {
		return 0, fmt.Errorf("%w: learning rate is missing", ErrShapeMismatch)
	}
	v, err := lr.Value()
	if err != nil {
		return 0, fmt.Errorf("%w: learning rate: %v", ErrShapeMismatch, err)
	}
	return v, nil
}

func kindName(v tensor.Variable) string {
	switch t := v.(type) {
	case *tensor.Dense:
		if t == nil {
			return "<nil>"
		}
	case *tensor.SparseRows:
		if t == nil {
			return "<nil>"
		}
	}
	return tensor.KindOf(v)
}
