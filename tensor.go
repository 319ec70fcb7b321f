package yoloxclient

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Precision defines the numeric precision used for tensor data exchanged
// with the inference server
type Precision int

const (
	// FP32 sends and receives tensor data as 32 bit floats
	FP32 Precision = iota
	// FP16 sends and receives tensor data as 16 bit floats
	FP16
)

// ParsePrecision converts a KServe datatype string of FP16|FP32 into a
// Precision value
func ParsePrecision(str string) (Precision, error) {

	switch str {
	case "FP32":
		return FP32, nil
	case "FP16":
		return FP16, nil
	}

	return FP32, fmt.Errorf("unknown precision %q, must be FP16 or FP32", str)
}

// String returns the KServe datatype string for the Precision
func (p Precision) String() string {

	if p == FP16 {
		return "FP16"
	}

	return "FP32"
}

// ByteSize returns the number of bytes used per tensor element
func (p Precision) ByteSize() int {

	if p == FP16 {
		return 2
	}

	return 4
}

// Tensor is a fixed shape float32 buffer holding model input data in
// channels first (NCHW) layout, along with the precision it gets encoded
// with on the wire
type Tensor struct {
	// Shape of the tensor, eg: [1, 3, 416, 416]
	Shape []int64
	// Data is the tensor contents in row-major order
	Data []float32
	// Precision the data is encoded with when sent to the server
	Precision Precision
}

// NewTensor returns a Tensor for the given shape, data, and precision.  The
// data length must match the volume of the shape.
func NewTensor(shape []int64, data []float32, prec Precision) (*Tensor, error) {

	if volume(shape) != int64(len(data)) {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v",
			len(data), shape)
	}

	return &Tensor{
		Shape:     shape,
		Data:      data,
		Precision: prec,
	}, nil
}

// volume is the number of elements held by a tensor of the given shape
func volume(shape []int64) int64 {

	vol := int64(1)

	for _, dim := range shape {
		vol *= dim
	}

	return vol
}

// Raw encodes the tensor data as little-endian bytes at the tensors
// precision for sending in the raw input contents of an inference request
func (t *Tensor) Raw() []byte {

	size := t.Precision.ByteSize()
	buf := make([]byte, len(t.Data)*size)

	if t.Precision == FP16 {
		for i, val := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:],
				float16.Fromfloat32(val).Bits())
		}

		return buf
	}

	for i, val := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(val))
	}

	return buf
}

// decodeRaw converts little-endian raw tensor contents received from the
// server into float32 values based on the wire datatype
func decodeRaw(raw []byte, datatype string) ([]float32, error) {

	switch datatype {
	case "FP32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("FP32 tensor has %d bytes, not a multiple of 4",
				len(raw))
		}

		data := make([]float32, len(raw)/4)

		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		return data, nil

	case "FP16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("FP16 tensor has %d bytes, not a multiple of 2",
				len(raw))
		}

		data := make([]float32, len(raw)/2)

		for i := range data {
			data[i] = f16LookupTable[binary.LittleEndian.Uint16(raw[i*2:])]
		}

		return data, nil
	}

	return nil, fmt.Errorf("unsupported tensor datatype %q", datatype)
}
