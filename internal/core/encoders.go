package core

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

var ErrUnknownCategory = errors.New("unknown category")

// LabelEncoder maps categorical values to their index in a sorted class list.
type LabelEncoder struct {
	Classes []string `json:"classes"`
}

func NewLabelEncoder(values []string) *LabelEncoder {
	classes := slices.Clone(values)
	sort.Strings(classes)
	return &LabelEncoder{Classes: slices.Compact(classes)}
}

func (e *LabelEncoder) Transform(value string) (int, error) {
	i, found := slices.BinarySearch(e.Classes, value)
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, value)
	}
	return i, nil
}

func (e *LabelEncoder) InverseTransform(index int) (string, error) {
	if index < 0 || index >= len(e.Classes) {
		return "", fmt.Errorf("label index %d out of range [0, %d)", index, len(e.Classes))
	}
	return e.Classes[index], nil
}

// StandardScaler standardizes columns with the mean and scale fit at training
// time.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *StandardScaler) Width() int {
	return len(s.Mean)
}

func (s *StandardScaler) Transform(row []float64) ([]float64, error) {
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d columns, got %d", len(s.Mean), len(row))
	}
	out := make([]float64, len(row))
	for i, v := range row {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler has %d means and %d scales", len(s.Mean), len(s.Scale))
	}
	return nil
}

// EncodeBlob serializes a preprocessing object for embedding in the
// hyperparameter record.
func EncodeBlob(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeBlob(blob string, dest any) error {
	if blob == "" {
		return errors.New("blob is empty")
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
