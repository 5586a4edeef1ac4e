package dataproduct

import (
	"errors"
	"fmt"
)

// Spectrum is the extracted spectrum of one channel: one row per order.
type Spectrum struct {
	Fiber   string      `validate:"required"`
	Orders  []int       `validate:"required"`
	Flux    [][]float64 `validate:"required"`
	FluxErr [][]float64 `validate:"required"`
	// Wave is nil until a wavelength solution has been applied.
	Wave [][]float64
}

// Pixels returns the number of pixels per order, or 0 for an empty spectrum.
func (s *Spectrum) Pixels() int {
	if len(s.Flux) == 0 {
		return 0
	}
	return len(s.Flux[0])
}

// Clone returns a deep copy of the spectrum.
func (s *Spectrum) Clone() *Spectrum {
	orders := make([]int, len(s.Orders))
	copy(orders, s.Orders)
	return &Spectrum{
		Fiber:   s.Fiber,
		Orders:  orders,
		Flux:    cloneRows(s.Flux),
		FluxErr: cloneRows(s.FluxErr),
		Wave:    cloneRows(s.Wave),
	}
}

func (s *Spectrum) check() error {
	n := len(s.Orders)
	if len(s.Flux) != n || len(s.FluxErr) != n {
		return fmt.Errorf("%d orders but %d flux rows and %d error rows", n, len(s.Flux), len(s.FluxErr))
	}
	npix := s.Pixels()
	if npix == 0 {
		return fmt.Errorf("empty flux")
	}
	for i := range s.Flux {
		if len(s.Flux[i]) != npix || len(s.FluxErr[i]) != npix {
			return fmt.Errorf("order %d: flux/error length differs from %d pixels", s.Orders[i], npix)
		}
	}
	if s.Wave == nil {
		return nil
	}
	if len(s.Wave) != n {
		return fmt.Errorf("wavelength solution has %d rows for %d orders", len(s.Wave), n)
	}
	for i := range s.Wave {
		if len(s.Wave[i]) != npix {
			return fmt.Errorf("order %d: wavelength length %d, flux length %d", s.Orders[i], len(s.Wave[i]), npix)
		}
	}
	return nil
}

// Level1 holds extracted spectra keyed by channel.
type Level1 struct {
	Header  Header
	Spectra map[string]*Spectrum `validate:"required,min=1,dive,required"`
}

// NewLevel1 returns an empty Level1.
func NewLevel1() *Level1 {
	return &Level1{Header: Header{}, Spectra: map[string]*Spectrum{}}
}

func (p *Level1) Level() Level { return Level1Tag }

// Validate checks that every spectrum has matching flux, error and
// wavelength arrays.
func (p *Level1) Validate() error {
	if err := structErr(Level1Tag, p); err != nil {
		return err
	}
	var errs []error
	for _, name := range sortedKeys(p.Spectra) {
		if err := p.Spectra[name].check(); err != nil {
			errs = append(errs, fmt.Errorf("spectrum %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", Level1Tag, errors.Join(errs...))
	}
	return nil
}

// Calibrated reports whether every spectrum carries a wavelength solution.
func (p *Level1) Calibrated() bool {
	if len(p.Spectra) == 0 {
		return false
	}
	for _, s := range p.Spectra {
		if s.Wave == nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the product.
func (p *Level1) Clone() *Level1 {
	out := &Level1{Header: p.Header.Clone(), Spectra: make(map[string]*Spectrum, len(p.Spectra))}
	for name, s := range p.Spectra {
		out.Spectra[name] = s.Clone()
	}
	return out
}

// ChannelNames returns the spectrum keys in sorted order.
func (p *Level1) ChannelNames() []string { return sortedKeys(p.Spectra) }

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		copy(out[i], r)
	}
	return out
}
