package primitives

import (
	"context"
	"fmt"
	"math"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// Header keywords written by the spectral primitives.
const (
	HeaderExtracted  = "EXTRACT"
	HeaderWaveCal    = "WAVECAL"
	HeaderTelluric   = "TELLCORR"
	HeaderRestLambda = "RVREST"
)

// Defaults used when neither the call nor the module configuration sets a
// value.
const (
	DefaultOrderHeight = 4
	DefaultFiber       = "SCI"
	DefaultWaveStart   = 3800.0
	DefaultDispersion  = 0.01
	DefaultOrderStep   = 50.0
)

// ─── extract_spectrum ────────────────────────────────────────────────────────

// extractSpectrum collapses each channel's raw frame into orders: every
// order_height rows form one order and are summed column by column.
type extractSpectrum struct {
	l0     *dataproduct.Level0
	height int
	fiber  string
	err    error
}

func newExtractSpectrum(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	opts := newOptions(pctx, inv)
	p := &extractSpectrum{}
	var errs [3]error
	p.l0, errs[0] = inv.Args.Level0(0, "")
	p.height, errs[1] = opts.intOpt("order_height", DefaultOrderHeight)
	p.fiber, errs[2] = opts.stringOpt("fiber", DefaultFiber)
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *extractSpectrum) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.height <= 0 {
		return fmt.Errorf("order_height must be positive, got %d", p.height)
	}
	if p.fiber == "" {
		return fmt.Errorf("fiber must not be empty")
	}
	if err := p.l0.Validate(); err != nil {
		return err
	}
	for _, name := range p.l0.ChannelNames() {
		if rows := p.l0.Channels[name].Raw.Rows; rows < p.height {
			return fmt.Errorf("channel %s: %d rows, fewer than order_height %d", name, rows, p.height)
		}
	}
	return nil
}

func (p *extractSpectrum) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l0 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level0 input")
	}
	if p.height <= 0 {
		return pipeline.Result{}, fmt.Errorf("order_height must be positive, got %d", p.height)
	}
	l1 := dataproduct.NewLevel1()
	for k, v := range p.l0.Header {
		l1.Header[k] = v
	}
	for _, name := range p.l0.ChannelNames() {
		ch := p.l0.Channels[name]
		if ch == nil || ch.Raw == nil || len(ch.Raw.Pix) != ch.Raw.Rows*ch.Raw.Cols {
			continue
		}
		raw := ch.Raw
		n := raw.Rows / p.height
		if n == 0 {
			continue
		}
		s := &dataproduct.Spectrum{Fiber: p.fiber}
		for o := 0; o < n; o++ {
			flux := make([]float64, raw.Cols)
			fluxErr := make([]float64, raw.Cols)
			for r := o * p.height; r < (o+1)*p.height; r++ {
				for c := 0; c < raw.Cols; c++ {
					flux[c] += raw.At(r, c)
				}
			}
			for c, f := range flux {
				fluxErr[c] = math.Sqrt(math.Abs(f))
			}
			s.Orders = append(s.Orders, o)
			s.Flux = append(s.Flux, flux)
			s.FluxErr = append(s.FluxErr, fluxErr)
		}
		l1.Spectra[name] = s
	}
	if len(l1.Spectra) == 0 {
		return pipeline.Result{}, fmt.Errorf("no channel could be extracted with order_height %d", p.height)
	}
	l1.Header[HeaderExtracted] = "T"
	return pipeline.Result{Value: l1}, nil
}

// ─── wavelength_calibrate ────────────────────────────────────────────────────

// wavelengthCalibrate applies a linear wavelength solution:
// wave = start + order_step*order_index + dispersion*pixel.
type wavelengthCalibrate struct {
	l1                      *dataproduct.Level1
	start, dispersion, step float64
	err                     error
}

func newWavelengthCalibrate(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	opts := newOptions(pctx, inv)
	p := &wavelengthCalibrate{}
	var errs [4]error
	p.l1, errs[0] = inv.Args.Level1(0, "")
	p.start, errs[1] = opts.floatOpt("start", DefaultWaveStart)
	p.dispersion, errs[2] = opts.floatOpt("dispersion", DefaultDispersion)
	p.step, errs[3] = opts.floatOpt("order_step", DefaultOrderStep)
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *wavelengthCalibrate) Valid() error {
	if p.err != nil {
		return p.err
	}
	return p.l1.Validate()
}

func (p *wavelengthCalibrate) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l1 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level1 input")
	}
	if p.dispersion <= 0 {
		return pipeline.Result{}, fmt.Errorf("wavelength solution: dispersion must be positive, got %g", p.dispersion)
	}
	out := p.l1.Clone()
	for _, name := range out.ChannelNames() {
		s := out.Spectra[name]
		s.Wave = make([][]float64, len(s.Flux))
		for i, row := range s.Flux {
			w := make([]float64, len(row))
			base := p.start + p.step*float64(i)
			for j := range w {
				w[j] = base + p.dispersion*float64(j)
			}
			s.Wave[i] = w
		}
	}
	setHeader(&out.Header, HeaderWaveCal, "T")
	return pipeline.Result{Value: out}, nil
}

// ─── telluric_correct ────────────────────────────────────────────────────────

// telluricBand is one absorption band of the telluric model: flux inside
// [Lo, Hi] is divided by Transmission.
type telluricBand struct {
	Lo, Hi, Transmission float64
}

// telluricCorrect removes atmospheric absorption using the band model in
// config.modules.telluric_correct.bands. It is best-effort: recipes usually
// call it with _fatal=False.
type telluricCorrect struct {
	l1    *dataproduct.Level1
	bands []telluricBand
	ctx   *pipeline.ProcessingContext
	err   error
}

func newTelluricCorrect(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &telluricCorrect{ctx: pctx}
	var bandErr error
	p.l1, p.err = inv.Args.Level1(0, "")
	p.bands, bandErr = parseBands(pctx.ModuleConfig("telluric_correct")["bands"])
	if p.err == nil {
		p.err = bandErr
	}
	return p, nil
}

func parseBands(v any) ([]telluricBand, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("telluric model: bands must be a list, got %T", v)
	}
	out := make([]telluricBand, 0, len(list))
	for i, item := range list {
		triple, ok := item.([]any)
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("telluric model: band %d must be [lo, hi, transmission]", i)
		}
		var f [3]float64
		for j, x := range triple {
			switch n := x.(type) {
			case float64:
				f[j] = n
			case int:
				f[j] = float64(n)
			default:
				return nil, fmt.Errorf("telluric model: band %d: want number, got %T", i, x)
			}
		}
		b := telluricBand{Lo: f[0], Hi: f[1], Transmission: f[2]}
		if b.Hi <= b.Lo || b.Transmission <= 0 || b.Transmission > 1 {
			return nil, fmt.Errorf("telluric model: band %d [%g, %g, %g] is invalid", i, b.Lo, b.Hi, b.Transmission)
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *telluricCorrect) Valid() error {
	if p.err != nil {
		return p.err
	}
	if len(p.bands) == 0 {
		return fmt.Errorf("no telluric model configured")
	}
	if err := p.l1.Validate(); err != nil {
		return err
	}
	if !p.l1.Calibrated() {
		return fmt.Errorf("spectra have no wavelength solution")
	}
	return nil
}

func (p *telluricCorrect) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l1 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level1 input")
	}
	out := p.l1.Clone()
	corrected := 0
	for _, name := range out.ChannelNames() {
		s := out.Spectra[name]
		for i := range s.Wave {
			if i >= len(s.Flux) {
				break
			}
			for j, w := range s.Wave[i] {
				if j >= len(s.Flux[i]) {
					break
				}
				for _, b := range p.bands {
					if w < b.Lo || w > b.Hi {
						continue
					}
					s.Flux[i][j] /= b.Transmission
					if i < len(s.FluxErr) && j < len(s.FluxErr[i]) {
						s.FluxErr[i][j] /= b.Transmission
					}
					corrected++
				}
			}
		}
	}
	setHeader(&out.Header, HeaderTelluric, flag(len(p.bands) > 0))
	p.ctx.Set(pipeline.OwnedKey("telluric_correct", "pixels"), corrected)
	return pipeline.Result{Value: out}, nil
}

func setHeader(h *dataproduct.Header, key, value string) {
	if *h == nil {
		*h = dataproduct.Header{}
	}
	(*h)[key] = value
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
