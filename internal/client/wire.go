package client

import (
	"fmt"

	"github.com/23skdu/longbow-descent/internal/tensor"
)

// Tensor is the CBOR form of a tensor.Variable. For SparseRows, Shape is the
// shape of the value buffer.
type Tensor struct {
	Kind   string    `cbor:"kind"`
	Shape  []int     `cbor:"shape"`
	Height int64     `cbor:"height,omitempty"`
	Rows   []int64   `cbor:"rows,omitempty"`
	Data   []float32 `cbor:"data"`
}

// UpdateRequest asks the server to apply Grad to the named parameter.
type UpdateRequest struct {
	Param string  `cbor:"param"`
	LR    float32 `cbor:"lr"`
	Grad  Tensor  `cbor:"grad"`
}

// UpdateResponse reports the outcome of an UpdateRequest.
type UpdateResponse struct {
	Param string `cbor:"param"`
	Rows  int    `cbor:"rows"`
	Error string `cbor:"error,omitempty"`
	Kind  string `cbor:"kind,omitempty"`
}

// FromVariable copies v into its wire form.
func FromVariable(v tensor.Variable) (Tensor, error) {
	switch t := v.(type) {
	case *tensor.Dense:
		if t == nil {
			break
		}
		return Tensor{
			Kind:  tensor.KindDense.String(),
			Shape: []int(t.Shape()),
			Data:  append([]float32(nil), t.Data()...),
		}, nil
	case *tensor.SparseRows:
		if t == nil {
			break
		}
		return Tensor{
			Kind:   tensor.KindSparseRows.String(),
			Shape:  []int(t.Value().Shape()),
			Height: t.Height(),
			Rows:   append([]int64(nil), t.Rows()...),
			Data:   append([]float32(nil), t.Value().Data()...),
		}, nil
	}
	return Tensor{}, fmt.Errorf("unsupported storage kind %s", tensor.KindOf(v))
}

// Variable validates the wire form and builds the tensor it describes. Data
// must hold exactly the elements of Shape; missing data is never zero-filled.
func (w Tensor) Variable() (tensor.Variable, error) {
	data := w.Data
	if data == nil {
		data = []float32{}
	}
	switch w.Kind {
	case tensor.KindDense.String():
		return tensor.NewDense(tensor.Shape(w.Shape), data)
	case tensor.KindSparseRows.String():
		value, err := tensor.NewDense(tensor.Shape(w.Shape), data)
		if err != nil {
			return nil, err
		}
		rows := w.Rows
		if rows == nil {
			rows = []int64{}
		}
		return tensor.NewSparseRows(w.Height, rows, value)
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", w.Kind)
	}
}
