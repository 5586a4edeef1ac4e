package dataproduct

import (
	"errors"
	"fmt"
)

// Series is a measured quantity sampled over time.
type Series struct {
	Time  []float64 `validate:"required"`
	Value []float64 `validate:"required"`
	// Err is optional; when present it matches Value.
	Err []float64
}

// Clone returns a deep copy of the series.
func (s *Series) Clone() *Series {
	return &Series{Time: cloneFloats(s.Time), Value: cloneFloats(s.Value), Err: cloneFloats(s.Err)}
}

// Level2 holds derived measurements such as radial velocities.
type Level2 struct {
	Header  Header
	Scalars map[string]float64
	Series  map[string]*Series `validate:"dive,required"`
}

// NewLevel2 returns an empty Level2.
func NewLevel2() *Level2 {
	return &Level2{Header: Header{}, Scalars: map[string]float64{}, Series: map[string]*Series{}}
}

func (p *Level2) Level() Level { return Level2Tag }

// Validate requires at least one measurement and equal-length series columns.
func (p *Level2) Validate() error {
	if err := structErr(Level2Tag, p); err != nil {
		return err
	}
	if len(p.Scalars) == 0 && len(p.Series) == 0 {
		return fmt.Errorf("%s: no measurements", Level2Tag)
	}
	var errs []error
	for _, name := range sortedKeys(p.Series) {
		s := p.Series[name]
		if len(s.Time) != len(s.Value) {
			errs = append(errs, fmt.Errorf("series %s: %d times for %d values", name, len(s.Time), len(s.Value)))
		}
		if len(s.Err) > 0 && len(s.Err) != len(s.Value) {
			errs = append(errs, fmt.Errorf("series %s: %d errors for %d values", name, len(s.Err), len(s.Value)))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", Level2Tag, errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy of the product.
func (p *Level2) Clone() *Level2 {
	out := &Level2{
		Header:  p.Header.Clone(),
		Scalars: make(map[string]float64, len(p.Scalars)),
		Series:  make(map[string]*Series, len(p.Series)),
	}
	for k, v := range p.Scalars {
		out.Scalars[k] = v
	}
	for k, s := range p.Series {
		out.Series[k] = s.Clone()
	}
	return out
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
