package client

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-descent/internal/tensor"
)

// Schema metadata keys.
const (
	MetaKind   = "descent.kind"
	MetaShape  = "descent.shape"
	MetaHeight = "descent.height"
	MetaParam  = "descent.param"
	MetaLR     = "descent.lr"
)

// Column names.
const (
	ColRow   = "row"
	ColValue = "value"
)

// Codec converts tensors to and from Arrow RecordBatches. Each record has a
// "row" int64 column and a "value" fixed-size-list<float32> column; for a
// Dense tensor the rows are 0..height-1, for SparseRows they are the present
// row indices.
type Codec struct {
	mem memory.Allocator
}

// NewCodec creates a new codec.
func NewCodec(mem memory.Allocator) *Codec {
	return &Codec{mem: mem}
}

// Encode builds a RecordBatch from v. extra is merged into the schema
// metadata (for example MetaParam and MetaLR).
func (c *Codec) Encode(v tensor.Variable, extra map[string]string) (arrow.RecordBatch, error) {
	md := map[string]string{}
	for k, val := range extra {
		md[k] = val
	}

	var (
		rows  []int64
		data  []float32
		width int
	)
	switch t := v.(type) {
	case *tensor.Dense:
		if t == nil {
			return nil, fmt.Errorf("encode: nil tensor")
		}
		h := t.Height()
		width = t.Width()
		rows = make([]int64, h)
		for i := range rows {
			rows[i] = int64(i)
		}
		data = t.Data()
		md[MetaKind] = tensor.KindDense.String()
		md[MetaShape] = formatShape(t.Shape())
	case *tensor.SparseRows:
		if t == nil {
			return nil, fmt.Errorf("encode: nil tensor")
		}
		rows = t.Rows()
		width = t.Width()
		data = t.Value().Data()
		md[MetaKind] = tensor.KindSparseRows.String()
		md[MetaHeight] = strconv.FormatInt(t.Height(), 10)
	default:
		return nil, fmt.Errorf("encode: unsupported storage kind %s", tensor.KindOf(v))
	}

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = md[k]
	}
	meta := arrow.NewMetadata(keys, vals)

	fslType := arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColRow, Type: arrow.PrimitiveTypes.Int64},
			{Name: ColValue, Type: fslType},
		},
		&meta,
	)

	rowBuilder := array.NewInt64Builder(c.mem)
	defer rowBuilder.Release()
	rowBuilder.AppendValues(rows, nil)

	valueBuilder := array.NewFixedSizeListBuilder(c.mem, int32(width), arrow.PrimitiveTypes.Float32)
	defer valueBuilder.Release()
	floatBuilder := valueBuilder.ValueBuilder().(*array.Float32Builder)
	for i := range rows {
		valueBuilder.Append(true)
		floatBuilder.AppendValues(data[i*width:(i+1)*width], nil)
	}

	rowArr := rowBuilder.NewArray()
	defer rowArr.Release()
	valueArr := valueBuilder.NewArray()
	defer valueArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{rowArr, valueArr}, int64(len(rows))), nil
}

// Decode copies a RecordBatch produced by Encode back into a tensor.
func (c *Codec) Decode(rec arrow.RecordBatch) (tensor.Variable, error) {
	md := rec.Schema().Metadata()
	kind, ok := metaValue(md, MetaKind)
	if !ok {
		return nil, fmt.Errorf("decode: missing %s metadata", MetaKind)
	}

	rowIdx := rec.Schema().FieldIndices(ColRow)
	valIdx := rec.Schema().FieldIndices(ColValue)
	if len(rowIdx) == 0 || len(valIdx) == 0 {
		return nil, fmt.Errorf("decode: expected %q and %q columns", ColRow, ColValue)
	}
	rowCol, ok := rec.Column(rowIdx[0]).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("decode: %q column is %s, expected int64", ColRow, rec.Column(rowIdx[0]).DataType())
	}
	valCol, ok := rec.Column(valIdx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("decode: %q column is %s, expected fixed_size_list", ColValue, rec.Column(valIdx[0]).DataType())
	}

	n := int(rec.NumRows())
	width := int(valCol.DataType().(*arrow.FixedSizeListType).Len())
	floats, ok := valCol.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("decode: %q values are %s, expected float32", ColValue, valCol.ListValues().DataType())
	}
	off := valCol.Data().Offset()
	data := make([]float32, n*width)
	copy(data, floats.Float32Values()[off*width:(off+n)*width])

	rows := make([]int64, n)
	copy(rows, rowCol.Int64Values())

	switch kind {
	case tensor.KindDense.String():
		raw, ok := metaValue(md, MetaShape)
		if !ok {
			return nil, fmt.Errorf("decode: missing %s metadata", MetaShape)
		}
		shape, err := parseShape(raw)
		if err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return tensor.NewDense(shape, data)
	case tensor.KindSparseRows.String():
		raw, ok := metaValue(md, MetaHeight)
		if !ok {
			return nil, fmt.Errorf("decode: missing %s metadata", MetaHeight)
		}
		height, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode: height: %w", err)
		}
		value, err := tensor.NewDense(tensor.Shape{n, width}, data)
		if err != nil {
			return nil, err
		}
		return tensor.NewSparseRows(height, rows, value)
	default:
		return nil, fmt.Errorf("decode: unsupported storage kind %q", kind)
	}
}

// ParamName reads the target parameter from a record's metadata.
func ParamName(rec arrow.RecordBatch) (string, bool) {
	return metaValue(rec.Schema().Metadata(), MetaParam)
}

// LearningRate reads the learning rate from a record's metadata.
func LearningRate(rec arrow.RecordBatch) (*tensor.Dense, bool, error) {
	raw, ok := metaValue(rec.Schema().Metadata(), MetaLR)
	if !ok {
		return nil, false, nil
	}
	lr, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return nil, true, fmt.Errorf("learning rate %q: %w", raw, err)
	}
	return tensor.Scalar(float32(lr)), true, nil
}

func metaValue(md arrow.Metadata, key string) (string, bool) {
	i := md.FindKey(key)
	if i < 0 {
		return "", false
	}
	return md.Values()[i], true
}

func formatShape(s tensor.Shape) string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(raw string) (tensor.Shape, error) {
	if raw == "" {
		return tensor.Shape{}, nil
	}
	parts := strings.Split(raw, ",")
	shape := make(tensor.Shape, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("shape %q: %w", raw, err)
		}
		shape[i] = d
	}
	return shape, nil
}
