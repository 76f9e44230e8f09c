package sgd

import (
	"errors"
)

// Every error returned by Engine.Apply wraps exactly one of these.
var (
	// ErrShapeMismatch reports disagreeing numel, height or row width.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvariantViolation reports a missing in-place alias, a storage kind
	// pairing that breaks the sparse contract, or an unresolvable row.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrUnsupportedVariant reports a storage kind the engine has no path for.
	ErrUnsupportedVariant = errors.New("unsupported variant")
)

// Kind returns a short label for the sentinel wrapped by err, or "" when err
// wraps none of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrUnsupportedVariant):
		return "unsupported_variant"
	default:
		return ""
	}
}
