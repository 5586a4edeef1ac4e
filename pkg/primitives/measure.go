package primitives

import (
	"context"
	"fmt"
	"math"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// SpeedOfLight in km/s.
const SpeedOfLight = 299792.458

// ─── sigma_clip ──────────────────────────────────────────────────────────────

// sigmaClip replaces outlying flux values with the mean of the remaining
// pixels of their order. It is a loop primitive: while a pass still rejects
// pixels and max_passes is not reached, it asks for another pass over its
// own output. sigma_clip.rejected and sigma_clip.passes are published after
// every pass.
type sigmaClip struct {
	l1      *dataproduct.Level1
	nsigma  float64
	maxPass int
	pass    int
	ctx     *pipeline.ProcessingContext
	err     error
}

func newSigmaClip(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	opts := newOptions(pctx, inv)
	p := &sigmaClip{pass: inv.Pass, ctx: pctx}
	var errs [3]error
	p.l1, errs[0] = inv.Args.Level1(0, "")
	p.nsigma, errs[1] = opts.floatOpt("nsigma", 3)
	p.maxPass, errs[2] = opts.intOpt("max_passes", 5)
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *sigmaClip) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.nsigma <= 0 {
		return fmt.Errorf("nsigma must be positive, got %g", p.nsigma)
	}
	if p.maxPass < 1 {
		return fmt.Errorf("max_passes must be at least 1, got %d", p.maxPass)
	}
	return p.l1.Validate()
}

func (p *sigmaClip) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l1 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level1 input")
	}
	out := p.l1.Clone()
	rejected := 0
	for _, name := range out.ChannelNames() {
		for _, row := range out.Spectra[name].Flux {
			rejected += clipRow(row, p.nsigma)
		}
	}
	passes := p.pass + 1
	p.ctx.Set(pipeline.OwnedKey("sigma_clip", "rejected"), rejected)
	p.ctx.Set(pipeline.OwnedKey("sigma_clip", "passes"), passes)

	res := pipeline.Result{Value: out}
	if rejected > 0 && passes < p.maxPass {
		res.Again = true
		res.Next = &pipeline.Args{
			Positional: []any{out},
			Keyword:    map[string]any{"nsigma": p.nsigma, "max_passes": p.maxPass},
		}
	}
	return res, nil
}

// clipRow replaces values further than nsigma standard deviations from the
// row mean with the mean of the others and returns how many it replaced.
func clipRow(row []float64, nsigma float64) int {
	if len(row) < 2 {
		return 0
	}
	mean, std := meanStd(row)
	limit := nsigma * std
	var keep float64
	var kept, outliers int
	for _, v := range row {
		if math.Abs(v-mean) > limit {
			outliers++
			continue
		}
		keep += v
		kept++
	}
	if outliers == 0 || kept == 0 {
		return 0
	}
	fill := keep / float64(kept)
	for i, v := range row {
		if math.Abs(v-mean) > limit {
			row[i] = fill
		}
	}
	return outliers
}

func meanStd(v []float64) (mean, std float64) {
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	for _, x := range v {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(v)))
}

// ─── radial_velocity ─────────────────────────────────────────────────────────

// radialVelocity measures the Doppler shift of an absorption line in every
// order whose wavelength range covers rest_wavelength. The line centre is the
// flux minimum refined by a parabola through its neighbours.
//
// The Level2 result holds one series per channel (Time is the order number,
// Value the velocity in km/s) and the scalars rv_mean and rv_orders.
type radialVelocity struct {
	l1   *dataproduct.Level1
	rest float64
	err  error
}

func newRadialVelocity(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	opts := newOptions(pctx, inv)
	p := &radialVelocity{}
	var errs [2]error
	p.l1, errs[0] = inv.Args.Level1(0, "")
	p.rest, errs[1] = opts.floatOpt("rest_wavelength", 0)
	p.err = firstErr(errs[:]...)
	return p, nil
}

func (p *radialVelocity) Valid() error {
	if p.err != nil {
		return p.err
	}
	if p.rest <= 0 {
		return fmt.Errorf("rest_wavelength must be positive, got %g", p.rest)
	}
	if err := p.l1.Validate(); err != nil {
		return err
	}
	if !p.l1.Calibrated() {
		return fmt.Errorf("spectra have no wavelength solution")
	}
	return nil
}

func (p *radialVelocity) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l1 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level1 input")
	}
	if p.rest <= 0 {
		return pipeline.Result{}, fmt.Errorf("rest_wavelength must be positive, got %g", p.rest)
	}
	l2 := dataproduct.NewLevel2()
	for k, v := range p.l1.Header {
		l2.Header[k] = v
	}
	var sum float64
	var count int
	for _, name := range p.l1.ChannelNames() {
		s := p.l1.Spectra[name]
		series := &dataproduct.Series{}
		for i := range s.Flux {
			if i >= len(s.Wave) || i >= len(s.Orders) {
				break
			}
			center, ok := lineCenter(s.Wave[i], s.Flux[i], p.rest)
			if !ok {
				continue
			}
			v := SpeedOfLight * (center - p.rest) / p.rest
			series.Time = append(series.Time, float64(s.Orders[i]))
			series.Value = append(series.Value, v)
			sum += v
			count++
		}
		if len(series.Value) > 0 {
			l2.Series[name] = series
		}
	}
	if count == 0 {
		return pipeline.Result{}, fmt.Errorf("no order covers rest wavelength %g", p.rest)
	}
	l2.Scalars["rv_mean"] = sum / float64(count)
	l2.Scalars["rv_orders"] = float64(count)
	l2.Header[HeaderRestLambda] = fmt.Sprintf("%g", p.rest)
	return pipeline.Result{Value: l2}, nil
}

// lineCenter locates the absorption minimum of one order. ok is false when
// the order does not cover rest.
func lineCenter(wave, flux []float64, rest float64) (float64, bool) {
	n := min(len(wave), len(flux))
	if n < 3 {
		return 0, false
	}
	lo, hi := wave[0], wave[n-1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if rest < lo || rest > hi {
		return 0, false
	}
	k := 0
	for i := 1; i < n; i++ {
		if flux[i] < flux[k] {
			k = i
		}
	}
	if k == 0 || k == n-1 {
		return wave[k], true
	}
	y0, y1, y2 := flux[k-1], flux[k], flux[k+1]
	denom := y0 - 2*y1 + y2
	if denom == 0 {
		return wave[k], true
	}
	offset := 0.5 * (y0 - y2) / denom
	return wave[k] + offset*(wave[k+1]-wave[k-1])/2, true
}
