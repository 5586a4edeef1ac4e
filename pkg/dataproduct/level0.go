package dataproduct

import (
	"errors"
	"fmt"
)

// Channel bundles the raw frame of one instrument channel with its
// calibration and auxiliary frames.
type Channel struct {
	Raw          *Image `validate:"required"`
	Bias         *Image `validate:"omitempty"`
	Flat         *Image `validate:"omitempty"`
	ExpMeter     *Image `validate:"omitempty"`
	Guide        *Image `validate:"omitempty"`
	Housekeeping *Image `validate:"omitempty"`
}

// Clone returns a deep copy of the channel; nil stays nil.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	return &Channel{
		Raw:          c.Raw.Clone(),
		Bias:         c.Bias.Clone(),
		Flat:         c.Flat.Clone(),
		ExpMeter:     c.ExpMeter.Clone(),
		Guide:        c.Guide.Clone(),
		Housekeeping: c.Housekeeping.Clone(),
	}
}

// Level0 is a raw exposure: one Channel per detector.
type Level0 struct {
	Header   Header
	Channels map[string]*Channel `validate:"required,min=1,dive,required"`
}

// NewLevel0 returns an empty Level0 with an initialised header and channel map.
func NewLevel0() *Level0 {
	return &Level0{Header: Header{}, Channels: map[string]*Channel{}}
}

func (p *Level0) Level() Level { return Level0Tag }

// Validate checks that every channel has a raw frame and that calibration
// frames, when present, match the raw frame's shape.
func (p *Level0) Validate() error {
	if err := structErr(Level0Tag, p); err != nil {
		return err
	}
	var errs []error
	for _, name := range sortedKeys(p.Channels) {
		ch := p.Channels[name]
		if ch == nil || ch.Raw == nil {
			errs = append(errs, fmt.Errorf("channel %s: missing raw frame", name))
			continue
		}
		if err := ch.Raw.check(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s raw: %w", name, err))
			continue
		}
		for _, f := range []struct {
			role string
			img  *Image
		}{{"bias", ch.Bias}, {"flat", ch.Flat}} {
			role, img := f.role, f.img
			if img == nil {
				continue
			}
			if err := img.check(); err != nil {
				errs = append(errs, fmt.Errorf("channel %s %s: %w", name, role, err))
			} else if !img.SameShape(ch.Raw) {
				errs = append(errs, fmt.Errorf("channel %s %s: shape %dx%d does not match raw %dx%d",
					name, role, img.Rows, img.Cols, ch.Raw.Rows, ch.Raw.Cols))
			}
		}
		for _, f := range []struct {
			role string
			img  *Image
		}{{"expmeter", ch.ExpMeter}, {"guide", ch.Guide}, {"hk", ch.Housekeeping}} {
			role, img := f.role, f.img
			if img == nil {
				continue
			}
			if err := img.check(); err != nil {
				errs = append(errs, fmt.Errorf("channel %s %s: %w", name, role, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", Level0Tag, errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy of the product.
func (p *Level0) Clone() *Level0 {
	out := &Level0{Header: p.Header.Clone(), Channels: make(map[string]*Channel, len(p.Channels))}
	for name, ch := range p.Channels {
		out.Channels[name] = ch.Clone()
	}
	return out
}

// ChannelNames returns the channel names in sorted order.
func (p *Level0) ChannelNames() []string { return sortedKeys(p.Channels) }

// MissingFlat returns the names of channels that carry no flat field.
func (p *Level0) MissingFlat() []string {
	var out []string
	for _, name := range p.ChannelNames() {
		if ch := p.Channels[name]; ch == nil || ch.Flat == nil {
			out = append(out, name)
		}
	}
	return out
}

// MissingBias returns the names of channels that carry no bias frame.
func (p *Level0) MissingBias() []string {
	var out []string
	for _, name := range p.ChannelNames() {
		if ch := p.Channels[name]; ch == nil || ch.Bias == nil {
			out = append(out, name)
		}
	}
	return out
}
