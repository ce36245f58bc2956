package nn

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

type Tensor struct {
	Shape []int
	Data  []float32
}

func (t Tensor) Size() int {
	size := 1
	for _, d := range t.Shape {
		size *= d
	}
	return size
}

// EncodeTensors serializes weights as a JSON list of base64 blobs, one per
// tensor. Each blob is little endian: uint32 rank, rank uint32 dims, then the
// float32 values in row major order.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	blobs := make([]string, 0, len(tensors))
	for i, t := range tensors {
		if t.Size() != len(t.Data) {
			return nil, fmt.Errorf("tensor %d has shape %v but %d values", i, t.Shape, len(t.Data))
		}

		var buf bytes.Buffer
		buf.Grow(4 * (1 + len(t.Shape) + len(t.Data)))
		header := make([]uint32, 0, 1+len(t.Shape))
		header = append(header, uint32(len(t.Shape)))
		for _, d := range t.Shape {
			header = append(header, uint32(d))
		}
		if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
			return nil, fmt.Errorf("error encoding tensor %d header: %w", i, err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, t.Data); err != nil {
			return nil, fmt.Errorf("error encoding tensor %d data: %w", i, err)
		}

		blobs = append(blobs, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return json.Marshal(blobs)
}

func DecodeTensors(data []byte) ([]Tensor, error) {
	var blobs []string
	if err := json.Unmarshal(data, &blobs); err != nil {
		return nil, fmt.Errorf("error parsing weight list: %w", err)
	}

	tensors := make([]Tensor, 0, len(blobs))
	for i, blob := range blobs {
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("error decoding tensor %d: %w", i, err)
		}
		t, err := decodeTensor(raw)
		if err != nil {
			return nil, fmt.Errorf("error decoding tensor %d: %w", i, err)
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

func decodeTensor(raw []byte) (Tensor, error) {
	if len(raw) < 4 {
		return Tensor{}, fmt.Errorf("blob too short")
	}
	rank := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	if rank > 8 || len(raw) < 4*rank {
		return Tensor{}, fmt.Errorf("invalid tensor rank %d", rank)
	}

	t := Tensor{Shape: make([]int, rank)}
	for d := range t.Shape {
		t.Shape[d] = int(binary.LittleEndian.Uint32(raw[4*d:]))
	}
	raw = raw[4*rank:]

	size := t.Size()
	if len(raw) != 4*size {
		return Tensor{}, fmt.Errorf("tensor of shape %v needs %d bytes, got %d", t.Shape, 4*size, len(raw))
	}
	t.Data = make([]float32, size)
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return t, nil
}

func checkShape(t Tensor, expected []int) error {
	if !slices.Equal(t.Shape, expected) {
		return fmt.Errorf("%w: expected %v, got %v", ErrShapeMismatch, expected, t.Shape)
	}
	return nil
}
