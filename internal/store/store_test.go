package store

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-descent/internal/sgd"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

func newStore() *Store {
	return New(sgd.New(sgd.WithLogger(zerolog.Nop())))
}

func TestCanonicalName(t *testing.T) {
	// "e" + combining acute composes to a single rune
	got, err := CanonicalName("  emb_cafe\u0301\x00 ")
	require.NoError(t, err)
	assert.Equal(t, "emb_caf\u00e9", got)

	_, err = CanonicalName(" \t ")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestStore_RegisterAndApply(t *testing.T) {
	s := newStore()
	w, _ := tensor.NewDense(tensor.Shape{3}, []float32{1, 2, 3})
	require.NoError(t, s.Register("w", w))

	err := s.Register(" w ", w)
	assert.ErrorIs(t, err, ErrExists)

	g, _ := tensor.NewDense(tensor.Shape{3}, []float32{1, 1, 1})
	require.NoError(t, s.Apply("w", g, tensor.Scalar(1)))
	assert.Equal(t, []float32{0, 1, 2}, w.Data())

	err = s.Apply("missing", g, tensor.Scalar(1))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"w"}, s.Names())
	assert.Equal(t, 1, s.Len())
}

func TestStore_ApplyWrapsEngineError(t *testing.T) {
	s := newStore()
	w, _ := tensor.NewDense(tensor.Shape{3}, nil)
	require.NoError(t, s.Register("w", w))

	g, _ := tensor.NewDense(tensor.Shape{4}, nil)
	err := s.Apply("w", g, tensor.Scalar(1))
	assert.ErrorIs(t, err, sgd.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "update w")
}

func TestStore_Materialize(t *testing.T) {
	s := newStore()
	emb, err := tensor.NewEmptySparseRows(100, 2)
	require.NoError(t, err)
	require.NoError(t, s.Register("emb", emb))

	grad, _ := tensor.NewSparseRows(100, []int64{5}, mustDense(t, tensor.Shape{1, 2}, []float32{1, 1}))

	// Row 5 is not present yet
	err = s.Apply("emb", grad, tensor.Scalar(1))
	assert.ErrorIs(t, err, sgd.ErrInvariantViolation)

	n, err := s.Materialize("emb", []int64{5, 9, 5})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Apply("emb", grad, tensor.Scalar(1)))
	require.NoError(t, s.View("emb", func(v tensor.Variable) error {
		sp := v.(*tensor.SparseRows)
		assert.Equal(t, []float32{-1, -1}, sp.Value().Row(int(sp.Index(5))))
		assert.Equal(t, []float32{0, 0}, sp.Value().Row(int(sp.Index(9))))
		return nil
	}))

	w, _ := tensor.NewDense(tensor.Shape{2}, nil)
	require.NoError(t, s.Register("dense", w))
	_, err = s.Materialize("dense", []int64{0})
	assert.Error(t, err)
}

func TestStore_ConcurrentApply(t *testing.T) {
	s := newStore()
	emb := mustDense(t, tensor.Shape{8, 4}, nil)
	require.NoError(t, s.Register("emb", emb))

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				value, _ := tensor.NewDense(tensor.Shape{1, 4}, []float32{1, 1, 1, 1})
				grad, _ := tensor.NewSparseRows(8, []int64{3}, value)
				_ = s.Apply("emb", grad, tensor.Scalar(1))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []float32{-800, -800, -800, -800}, emb.Row(3))
	assert.Equal(t, []float32{0, 0, 0, 0}, emb.Row(2))
}

func mustDense(t *testing.T, shape tensor.Shape, data []float32) *tensor.Dense {
	d, err := tensor.NewDense(shape, data)
	require.NoError(t, err)
	return d
}
