package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-descent/internal/store"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

// Admission bounds the gradient rows being applied at once. One Admission is
// shared by the HTTP and Flight servers so -max-concurrent covers both.
type Admission struct {
	sem       *semaphore.Weighted
	maxWeight int64
}

func NewAdmission(maxConcurrent int) *Admission {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Admission{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight: int64(maxConcurrent),
	}
}

// weight is the number of rows a gradient touches, clamped to the
// semaphore size so a single large request can still be admitted.
func (a *Admission) weight(grad tensor.Variable) int64 {
	n := int64(gradRows(grad))
	if n < 1 {
		n = 1
	}
	if n > a.maxWeight {
		n = a.maxWeight
	}
	return n
}

// Apply waits for capacity, then runs one update on st.
func (a *Admission) Apply(ctx context.Context, st *store.Store, param string, grad tensor.Variable, lr *tensor.Dense) error {
	w := a.weight(grad)
	if err := a.sem.Acquire(ctx, w); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	defer a.sem.Release(w)

	return st.Apply(param, grad, lr)
}

func gradRows(grad tensor.Variable) int {
	switch g := grad.(type) {
	case *tensor.SparseRows:
		return g.Len()
	case *tensor.Dense:
		return g.Height()
	}
	return 0
}
