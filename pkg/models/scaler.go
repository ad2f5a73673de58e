package models

import (
	"errors"
	"fmt"
	"math"
)

// Scaler standardizes feature columns and maps model outputs back to target
// units. A zero scale is treated as one.
type Scaler struct {
	Center []float64
	Scale  []float64
	// Target inverts the scaling applied to the training target. Nil leaves
	// outputs unchanged.
	Target *TargetScaler
}

// TargetScaler is the scaling of the training target.
type TargetScaler struct {
	Center float64 `json:"center"`
	Scale  float64 `json:"scale"`
}

func (s *Scaler) validate(width int) error {
	if len(s.Center) != width || len(s.Scale) != width {
		return fmt.Errorf("scaler has %d centers and %d scales for %d features", len(s.Center), len(s.Scale), width)
	}
	for i := range s.Center {
		if !finite(s.Center[i]) || !finite(s.Scale[i]) {
			return fmt.Errorf("scaler column %d is not finite", i)
		}
	}
	if s.Target != nil && (!finite(s.Target.Center) || !finite(s.Target.Scale)) {
		return errors.New("target scaler is not finite")
	}
	return nil
}

// Transform returns scaled copies of rows.
func (s *Scaler) Transform(rows [][]float64) ([][]float64, error) {
	if err := checkRows(rows, len(s.Center)); err != nil {
		return nil, err
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		scaled := make([]float64, len(r))
		for j, v := range r {
			scaled[j] = (v - s.Center[j]) / nonZero(s.Scale[j])
		}
		out[i] = scaled
	}
	return out, nil
}

// InverseTarget maps model outputs back to target units in place.
func (s *Scaler) InverseTarget(values []float64) {
	if s.Target == nil {
		return
	}
	for i, v := range values {
		values[i] = v*nonZero(s.Target.Scale) + s.Target.Center
	}
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
