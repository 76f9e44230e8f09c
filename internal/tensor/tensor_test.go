package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDense(t *testing.T) {
	t.Run("Zeroed", func(t *testing.T) {
		d, err := NewDense(Shape{2, 3}, nil)
		require.NoError(t, err)
		assert.Equal(t, 6, d.Numel())
		assert.Equal(t, 2, d.Height())
		assert.Equal(t, 3, d.Width())
		assert.Equal(t, []float32{0, 0, 0}, d.Row(1))
	})

	t.Run("Borrowed", func(t *testing.T) {
		buf := []float32{1, 2, 3, 4}
		d, err := NewDense(Shape{2, 2}, buf)
		require.NoError(t, err)
		d.Row(1)[0] = 9
		assert.Equal(t, float32(9), buf[2])
	})

	t.Run("Length mismatch", func(t *testing.T) {
		_, err := NewDense(Shape{2, 2}, []float32{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("Negative dimension", func(t *testing.T) {
		_, err := NewDense(Shape{-1, 2}, nil)
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("Element count overflows", func(t *testing.T) {
		_, err := NewDense(Shape{math.MaxInt, 2}, nil)
		assert.ErrorIs(t, err, ErrInvalidShape)

		_, err = NewDense(Shape{math.MaxInt/2 + 1, 2}, []float32{})
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestShape_Validate(t *testing.T) {
	assert.NoError(t, Shape{}.Validate())
	assert.NoError(t, Shape{0, math.MaxInt}.Validate())
	assert.NoError(t, Shape{math.MaxInt}.Validate())
	assert.ErrorIs(t, Shape{math.MaxInt, 2}.Validate(), ErrInvalidShape)
	assert.ErrorIs(t, Shape{1 << 20, 1 << 20, 1 << 20, 1 << 20}.Validate(), ErrInvalidShape)
}

func TestScalar(t *testing.T) {
	lr := Scalar(0.5)
	v, err := lr.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)

	d, _ := NewDense(Shape{2}, nil)
	_, err = d.Value()
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestKind(t *testing.T) {
	d, _ := NewDense(Shape{1}, nil)
	s, _ := NewEmptySparseRows(4, 2)

	assert.Equal(t, "Dense", KindOf(d))
	assert.Equal(t, "SparseRows", KindOf(s))
	assert.Equal(t, "<nil>", KindOf(nil))
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

func TestNewSparseRows(t *testing.T) {
	value, _ := NewDense(Shape{2, 3}, nil)

	t.Run("Valid", func(t *testing.T) {
		s, err := NewSparseRows(10, []int64{4, 7}, value)
		require.NoError(t, err)
		assert.Equal(t, int64(10), s.Height())
		assert.Equal(t, 3, s.Width())
		assert.Equal(t, 2, s.Len())
	})

	t.Run("Row count mismatch", func(t *testing.T) {
		_, err := NewSparseRows(10, []int64{4}, value)
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("Row out of range", func(t *testing.T) {
		_, err := NewSparseRows(5, []int64{4, 7}, value)
		assert.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("Value not 2-D", func(t *testing.T) {
		flat, _ := NewDense(Shape{6}, nil)
		_, err := NewSparseRows(10, []int64{1, 2}, flat)
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestSparseRows_Index(t *testing.T) {
	value, _ := NewDense(Shape{3, 1}, []float32{1, 2, 3})
	s, err := NewSparseRows(10, []int64{5, 2, 5}, value)
	require.NoError(t, err)

	assert.Equal(t, int64(0), s.Index(5))
	assert.Equal(t, int64(1), s.Index(2))
	assert.Equal(t, int64(-1), s.Index(3))

	// Lookup never allocates
	assert.Equal(t, 3, s.Len())
}

func TestSparseRows_Grow(t *testing.T) {
	value, _ := NewDense(Shape{1, 2}, []float32{2, 2})
	s, err := NewSparseRows(8, []int64{5}, value)
	require.NoError(t, err)

	off, err := s.Grow(5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, 1, s.Len())

	off, err = s.Grow(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)
	assert.Equal(t, []int64{5, 3}, s.Rows())
	assert.Equal(t, []float32{2, 2, 0, 0}, s.Value().Data())
	assert.Equal(t, 2, s.Value().Dim(0))
	assert.Equal(t, int64(1), s.Index(3))

	_, err = s.Grow(8)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestSparseRows_ToDense(t *testing.T) {
	value, _ := NewDense(Shape{3, 2}, []float32{1, 1, 2, 2, 3, 3})
	s, err := NewSparseRows(4, []int64{1, 3, 1}, value)
	require.NoError(t, err)

	d := s.ToDense()
	assert.Equal(t, Shape{4, 2}, d.Shape())
	assert.Equal(t, []float32{0, 0, 4, 4, 0, 0, 2, 2}, d.Data())
}
