package primitives

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// Header keywords written by the Level0 calibration steps.
const (
	HeaderBiasCorrected = "BIASCORR"
	HeaderFlatCorrected = "FLATCORR"
)

// frameStep is shared by the Level0 calibration primitives: a raw product
// plus an optional master product whose channel raw frames are the
// calibration frames.
type frameStep struct {
	l0     *dataproduct.Level0
	master *dataproduct.Level0
	err    error
}

func bindFrames(inv *pipeline.Invocation, masterName string) frameStep {
	var s frameStep
	s.l0, s.err = inv.Args.Level0(0, "")
	if v, ok := inv.Args.Get(1, masterName); ok && v != nil {
		m, err := inv.Args.Level0(1, masterName)
		if err != nil && s.err == nil {
			s.err = err
		}
		s.master = m
	}
	return s
}

// calibration returns the calibration frame for a channel: the master's raw
// frame when a master was given, else the frame the channel carries.
func (s frameStep) calibration(name string, own func(*dataproduct.Channel) *dataproduct.Image) *dataproduct.Image {
	if s.master != nil {
		if ch := s.master.Channels[name]; ch != nil {
			return ch.Raw
		}
		return nil
	}
	ch := s.l0.Channels[name]
	if ch == nil {
		return nil
	}
	return own(ch)
}

// usable reports whether cal can be applied pixel by pixel to raw.
func usable(cal, raw *dataproduct.Image) bool {
	return cal != nil && cal.SameShape(raw) && len(cal.Pix) == len(raw.Pix)
}

// check validates the input and requires a calibration frame of the raw
// frame's shape on every channel.
func (s frameStep) check(role string, own func(*dataproduct.Channel) *dataproduct.Image) error {
	if s.err != nil {
		return s.err
	}
	if err := s.l0.Validate(); err != nil {
		return err
	}
	var missing []string
	for _, name := range s.l0.ChannelNames() {
		img := s.calibration(name, own)
		if img == nil {
			missing = append(missing, name)
			continue
		}
		if raw := s.l0.Channels[name].Raw; !raw.SameShape(img) {
			return fmt.Errorf("channel %s: %s is %dx%d, raw frame is %dx%d", name, role, img.Rows, img.Cols, raw.Rows, raw.Cols)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no %s for channel(s) %v", role, missing)
	}
	return nil
}

func biasOf(ch *dataproduct.Channel) *dataproduct.Image { return ch.Bias }
func flatOf(ch *dataproduct.Channel) *dataproduct.Image { return ch.Flat }

// subtractBias removes the bias level from every channel.
type subtractBias struct {
	frameStep
}

func newSubtractBias(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	return &subtractBias{frameStep: bindFrames(inv, "master_bias")}, nil
}

func (p *subtractBias) Valid() error { return p.check("bias frame", biasOf) }

// Perform subtracts the bias from each channel that has one. Channels
// without a usable bias (possible only when forced) are passed through and
// the header records that the product is not bias corrected.
func (p *subtractBias) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l0 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level0 input")
	}
	out := p.l0.Clone()
	if out.Header == nil {
		out.Header = dataproduct.Header{}
	}
	complete := true
	for _, name := range out.ChannelNames() {
		ch := out.Channels[name]
		if ch == nil {
			complete = false
			continue
		}
		bias := p.calibration(name, biasOf)
		if !usable(bias, ch.Raw) {
			complete = false
			continue
		}
		for i := range ch.Raw.Pix {
			ch.Raw.Pix[i] -= bias.Pix[i]
		}
	}
	out.Header[HeaderBiasCorrected] = flag(complete)
	return pipeline.Result{Value: out}, nil
}

// divideFlat divides every channel by its flat field. Flat pixels at or
// below the configured floor are masked to zero.
type divideFlat struct {
	frameStep
	floor float64
	ctx   *pipeline.ProcessingContext
}

func newDivideFlat(pctx *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
	p := &divideFlat{frameStep: bindFrames(inv, "master_flat"), ctx: pctx}
	floor, err := newOptions(pctx, inv).floatOpt("floor", 0)
	if err != nil && p.err == nil {
		p.err = err
	}
	p.floor = floor
	return p, nil
}

func (p *divideFlat) Valid() error { return p.check("flat field", flatOf) }

// Perform divides each channel that has a flat. When forced past a missing
// flat, those channels propagate unchanged and FLATCORR is F. The number of
// masked pixels is published as divide_flat.masked.
func (p *divideFlat) Perform(_ context.Context) (pipeline.Result, error) {
	if p.l0 == nil {
		return pipeline.Result{}, fmt.Errorf("no Level0 input")
	}
	out := p.l0.Clone()
	if out.Header == nil {
		out.Header = dataproduct.Header{}
	}
	complete := true
	masked := 0
	for _, name := range out.ChannelNames() {
		ch := out.Channels[name]
		if ch == nil {
			complete = false
			continue
		}
		flat := p.calibration(name, flatOf)
		if !usable(flat, ch.Raw) {
			complete = false
			continue
		}
		for i, f := range flat.Pix {
			if f <= p.floor {
				ch.Raw.Pix[i] = 0
				masked++
				continue
			}
			ch.Raw.Pix[i] /= f
		}
	}
	out.Header[HeaderFlatCorrected] = flag(complete)
	p.ctx.Set(pipeline.OwnedKey("divide_flat", "masked"), masked)
	return pipeline.Result{Value: out}, nil
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}
