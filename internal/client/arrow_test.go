package client

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-descent/internal/tensor"
)

func TestCodec_Dense(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	codec := NewCodec(pool)

	d, err := tensor.NewDense(tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	rec, err := codec.Encode(d, map[string]string{MetaParam: "w"})
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(2), rec.NumCols())
	assert.Equal(t, ColRow, rec.ColumnName(0))
	assert.Equal(t, ColValue, rec.ColumnName(1))

	rows := rec.Column(0).(*array.Int64)
	assert.Equal(t, []int64{0, 1}, rows.Int64Values())

	name, ok := ParamName(rec)
	assert.True(t, ok)
	assert.Equal(t, "w", name)

	v, err := codec.Decode(rec)
	require.NoError(t, err)
	got := v.(*tensor.Dense)
	assert.Equal(t, tensor.Shape{2, 3}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Data())
}

func TestCodec_SparseRows(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	codec := NewCodec(pool)

	value, _ := tensor.NewDense(tensor.Shape{2, 2}, []float32{1, 1, 2, 2})
	s, err := tensor.NewSparseRows(10, []int64{7, 3}, value)
	require.NoError(t, err)

	rec, err := codec.Encode(s, map[string]string{MetaLR: "0.25"})
	require.NoError(t, err)
	defer rec.Release()

	lr, ok, err := LearningRate(rec)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float32(0.25), lr.Data()[0])

	v, err := codec.Decode(rec)
	require.NoError(t, err)
	got := v.(*tensor.SparseRows)
	assert.Equal(t, int64(10), got.Height())
	assert.Equal(t, []int64{7, 3}, got.Rows())
	assert.Equal(t, []float32{1, 1, 2, 2}, got.Value().Data())
}

func TestCodec_EmptySparseRows(t *testing.T) {
	codec := NewCodec(memory.NewGoAllocator())

	s, err := tensor.NewEmptySparseRows(4, 3)
	require.NoError(t, err)

	rec, err := codec.Encode(s, nil)
	require.NoError(t, err)
	defer rec.Release()

	v, err := codec.Decode(rec)
	require.NoError(t, err)
	got := v.(*tensor.SparseRows)
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, 3, got.Width())
}

func TestCodec_IPCRoundTrip(t *testing.T) {
	pool := memory.NewGoAllocator()
	codec := NewCodec(pool)

	value, _ := tensor.NewDense(tensor.Shape{1, 4}, []float32{0.5, 0.5, 0.5, 0.5})
	s, _ := tensor.NewSparseRows(16, []int64{9}, value)
	rec, err := codec.Encode(s, map[string]string{MetaParam: "emb"})
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	r, err := ipc.NewReader(&buf, ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer r.Release()

	require.True(t, r.Next())
	v, err := codec.Decode(r.Record())
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, v.(*tensor.SparseRows).Rows())

	name, _ := ParamName(r.Record())
	assert.Equal(t, "emb", name)
}

func TestCodec_Errors(t *testing.T) {
	codec := NewCodec(memory.NewGoAllocator())

	_, err := codec.Encode(nil, nil)
	assert.Error(t, err)

	var nilDense *tensor.Dense
	_, err = codec.Encode(nilDense, nil)
	assert.Error(t, err)

	d, _ := tensor.NewDense(tensor.Shape{2}, nil)
	rec, err := codec.Encode(d, map[string]string{MetaLR: "fast"})
	require.NoError(t, err)
	defer rec.Release()

	_, ok, err := LearningRate(rec)
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestWire_RoundTrip(t *testing.T) {
	value, _ := tensor.NewDense(tensor.Shape{1, 2}, []float32{3, 4})
	s, _ := tensor.NewSparseRows(5, []int64{2}, value)

	w, err := FromVariable(s)
	require.NoError(t, err)
	assert.Equal(t, "SparseRows", w.Kind)
	assert.Equal(t, []int{1, 2}, w.Shape)

	v, err := w.Variable()
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, v.(*tensor.SparseRows).Rows())

	bad := Tensor{Kind: "Dense", Shape: []int{3}, Data: []float32{1}}
	_, err = bad.Variable()
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	_, err = Tensor{Kind: "Ragged"}.Variable()
	assert.Error(t, err)

	_, err = FromVariable(nil)
	assert.Error(t, err)
}

func TestWire_RejectsUnbackedShapes(t *testing.T) {
	_, err := Tensor{Kind: "Dense", Shape: []int{math.MaxInt, 2}}.Variable()
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	// No data is not zero-filled, whatever the shape.
	_, err = Tensor{Kind: "Dense", Shape: []int{1 << 20, 1 << 10}}.Variable()
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	_, err = Tensor{Kind: "SparseRows", Shape: []int{1, 4}, Height: 8, Rows: []int64{0}}.Variable()
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	v, err := Tensor{Kind: "Dense", Shape: []int{0, 3}}.Variable()
	require.NoError(t, err)
	assert.Equal(t, 0, v.(*tensor.Dense).Numel())
}

func TestCodec_DecodeRejectsOverflowingShape(t *testing.T) {
	codec := NewCodec(memory.NewGoAllocator())

	d, _ := tensor.NewDense(tensor.Shape{1, 2}, []float32{1, 2})
	rec, err := codec.Encode(d, nil)
	require.NoError(t, err)
	defer rec.Release()

	for _, shape := range []string{fmt.Sprintf("%d,2", math.MaxInt), "4,2"} {
		meta := arrow.NewMetadata(
			[]string{MetaKind, MetaShape},
			[]string{tensor.KindDense.String(), shape},
		)
		schema := arrow.NewSchema(rec.Schema().Fields(), &meta)
		forged := array.NewRecordBatch(schema, rec.Columns(), rec.NumRows())

		_, err := codec.Decode(forged)
		assert.ErrorIs(t, err, tensor.ErrInvalidShape, shape)
		forged.Release()
	}
}
