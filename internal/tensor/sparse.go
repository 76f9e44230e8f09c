package tensor

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-descent/internal/cache"
)

var _ Variable = (*SparseRows)(nil)

// SparseRows is a logical [height, width] matrix that stores only its present
// rows. Physical row k of value holds logical row rows[k].
type SparseRows struct {
	height int64
	rows   []int64
	value  *Dense

	mu    sync.Mutex // guards index and growth
	index cache.RowCache
}

// NewSparseRows validates and wraps the present rows and their values.
// value must be [len(rows), width]. Every row must lie in [0, height).
func NewSparseRows(height int64, rows []int64, value *Dense) (*SparseRows, error) {
	if height < 0 {
		return nil, fmt.Errorf("%w: negative height %d", ErrInvalidShape, height)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: sparse rows need a value tensor", ErrInvalidShape)
	}
	if value.Rank() != 2 {
		return nil, fmt.Errorf("%w: sparse value must be 2-D, got %v", ErrInvalidShape, value.shape)
	}
	if value.Dim(0) != len(rows) {
		return nil, fmt.Errorf("%w: %d rows but value has %d", ErrInvalidShape, len(rows), value.Dim(0))
	}
	for i, r := range rows {
		if r < 0 || r >= height {
			return nil, fmt.Errorf("%w: row %d at position %d outside [0, %d)", ErrInvalidShape, r, i, height)
		}
	}
	return &SparseRows{height: height, rows: rows, value: value}, nil
}

// NewEmptySparseRows creates a sparse tensor with no present rows.
func NewEmptySparseRows(height int64, width int) (*SparseRows, error) {
	value, err := NewDense(Shape{0, width}, nil)
	if err != nil {
		return nil, err
	}
	return NewSparseRows(height, []int64{}, value)
}

func (s *SparseRows) Kind() Kind { return KindSparseRows }

// Height is the number of logical rows.
func (s *SparseRows) Height() int64 { return s.height }

// Rows returns the logical index of every physical row.
func (s *SparseRows) Rows() []int64 { return s.rows }

// Len is the number of present rows.
func (s *SparseRows) Len() int { return len(s.rows) }

// Value returns the [len(rows), width] buffer of present rows.
func (s *SparseRows) Value() *Dense { return s.value }

// Width is the number of columns per row.
func (s *SparseRows) Width() int { return s.value.Dim(1) }

// Index returns the physical offset of a logical row, or -1 if the row is not
// present. It never allocates a row.
func (s *SparseRows) Index(row int64) int64 {
	if off, ok := s.rowIndex().Get(row); ok {
		return off
	}
	return -1
}

// Grow returns the physical offset of a logical row, appending a zeroed row
// when it is missing. Growth reallocates the value buffer, so slices obtained
// from Value().Data() before the call may be stale.
func (s *SparseRows) Grow(row int64) (int64, error) {
	if row < 0 || row >= s.height {
		return -1, fmt.Errorf("%w: row %d outside [0, %d)", ErrInvalidShape, row, s.height)
	}
	idx := s.rowIndex()

	s.mu.Lock()
	defer s.mu.Unlock()

	if off, ok := idx.Get(row); ok {
		return off, nil
	}
	off := int64(len(s.rows))
	s.rows = append(s.rows, row)
	s.value.data = append(s.value.data, make([]float32, s.Width())...)
	s.value.shape[0]++
	idx.Put(row, off)
	return off, nil
}

func (s *SparseRows) rowIndex() cache.RowCache {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		s.index = cache.NewMapCacheFromRows(s.rows)
	}
	return s.index
}

// ToDense scatters the present rows into a [height, width] dense tensor,
// summing duplicates.
func (s *SparseRows) ToDense() *Dense {
	w := s.Width()
	out := &Dense{
		shape: Shape{int(s.height), w},
		data:  make([]float32, int(s.height)*w),
	}
	for k, r := range s.rows {
		dst := out.data[int(r)*w : (int(r)+1)*w]
		src := s.value.Row(k)
		for j := range dst {
			dst[j] += src[j]
		}
	}
	return out
}

func (s *SparseRows) String() string {
	return fmt.Sprintf("SparseRows[%d,%d](%d present)", s.height, s.Width(), len(s.rows))
}
