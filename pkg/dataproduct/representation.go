package dataproduct

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Extension is one named array of a representation, like a FITS HDU.
type Extension struct {
	Name  string    `json:"name" validate:"required"`
	Shape []int     `json:"shape" validate:"required,dive,gte=0"`
	Data  Samples   `json:"data"`
}

// Samples is the flat value buffer of an extension. JSON has no literal for
// NaN or the infinities, so those travel as the strings "NaN", "+Inf" and
// "-Inf"; finite values stay numbers.
type Samples []float64

func (s Samples) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+8*len(s))
	buf = append(buf, '[')
	for i, v := range s {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsNaN(v):
			buf = append(buf, `"NaN"`...)
		case math.IsInf(v, 1):
			buf = append(buf, `"+Inf"`...)
		case math.IsInf(v, -1):
			buf = append(buf, `"-Inf"`...)
		default:
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	return append(buf, ']'), nil
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Samples, len(raw))
	for i, m := range raw {
		if len(m) > 0 && m[0] == '"' {
			var str string
			if err := json.Unmarshal(m, &str); err != nil {
				return err
			}
			switch str {
			case "NaN":
				out[i] = math.NaN()
			case "+Inf", "Inf":
				out[i] = math.Inf(1)
			case "-Inf":
				out[i] = math.Inf(-1)
			default:
				return fmt.Errorf("sample %d: unexpected string %q", i, str)
			}
			continue
		}
		if err := json.Unmarshal(m, &out[i]); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	*s = out
	return nil
}

func (e Extension) size() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// Representation is the instrument-file form of a product.
type Representation struct {
	Level      Level       `json:"level" validate:"gte=0,lte=2"`
	Header     Header      `json:"header,omitempty"`
	Extensions []Extension `json:"extensions" validate:"dive"`
}

// Extension returns the extension with the given name.
func (r *Representation) Extension(name string) (Extension, bool) {
	for _, e := range r.Extensions {
		if e.Name == name {
			return e, true
		}
	}
	return Extension{}, false
}

func (r *Representation) check() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("representation: %w", err)
	}
	seen := make(map[string]bool, len(r.Extensions))
	for _, e := range r.Extensions {
		if seen[e.Name] {
			return fmt.Errorf("representation: duplicate extension %q", e.Name)
		}
		seen[e.Name] = true
		if len(e.Data) != e.size() {
			return fmt.Errorf("representation: extension %q has %d values for shape %v", e.Name, len(e.Data), e.Shape)
		}
	}
	return nil
}

const (
	roleRaw      = "RAW"
	roleBias     = "BIAS"
	roleFlat     = "FLAT"
	roleExpMeter = "EXPMETER"
	roleGuide    = "GUIDE"
	roleHK       = "HK"

	suffixFlux    = "_FLUX"
	suffixFluxErr = "_FLUX_ERR"
	suffixWave    = "_WAVE"
	suffixOrders  = "_ORDERS"
	suffixFiber   = "_FIBER"

	prefixScalar = "SCALAR_"
	prefixSeries = "SERIES_"
)

// FromRepresentation rebuilds a product from its representation.
func FromRepresentation(r *Representation) (Product, error) {
	if r == nil {
		return nil, fmt.Errorf("representation: nil")
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	switch r.Level {
	case Level0Tag:
		return level0FromRepresentation(r)
	case Level1Tag:
		return level1FromRepresentation(r)
	case Level2Tag:
		return level2FromRepresentation(r)
	default:
		return nil, fmt.Errorf("representation: unknown level %d", r.Level)
	}
}

func imageExtension(name string, im *Image) Extension {
	data := make([]float64, len(im.Pix))
	copy(data, im.Pix)
	return Extension{Name: name, Shape: []int{im.Rows, im.Cols}, Data: data}
}

func imageFromExtension(e Extension) (*Image, error) {
	if len(e.Shape) != 2 {
		return nil, fmt.Errorf("extension %q: want 2 dimensions, got %d", e.Name, len(e.Shape))
	}
	pix := make([]float64, len(e.Data))
	copy(pix, e.Data)
	return &Image{Rows: e.Shape[0], Cols: e.Shape[1], Pix: pix}, nil
}

func rowsExtension(name string, rows [][]float64) Extension {
	ncols := 0
	if len(rows) > 0 {
		ncols = len(rows[0])
	}
	data := make([]float64, 0, len(rows)*ncols)
	for _, r := range rows {
		data = append(data, r...)
	}
	return Extension{Name: name, Shape: []int{len(rows), ncols}, Data: data}
}

func rowsFromExtension(e Extension) ([][]float64, error) {
	if len(e.Shape) != 2 {
		return nil, fmt.Errorf("extension %q: want 2 dimensions, got %d", e.Name, len(e.Shape))
	}
	rows := make([][]float64, e.Shape[0])
	for i := range rows {
		rows[i] = make([]float64, e.Shape[1])
		copy(rows[i], e.Data[i*e.Shape[1]:(i+1)*e.Shape[1]])
	}
	return rows, nil
}

// ToRepresentation encodes each channel frame as <CHANNEL>_<ROLE>.
func (p *Level0) ToRepresentation() (*Representation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &Representation{Level: Level0Tag, Header: p.Header.Clone()}
	for _, name := range p.ChannelNames() {
		ch := p.Channels[name]
		for _, f := range []struct {
			role string
			img  *Image
		}{
			{roleRaw, ch.Raw}, {roleBias, ch.Bias}, {roleFlat, ch.Flat},
			{roleExpMeter, ch.ExpMeter}, {roleGuide, ch.Guide}, {roleHK, ch.Housekeeping},
		} {
			if f.img != nil {
				r.Extensions = append(r.Extensions, imageExtension(name+"_"+f.role, f.img))
			}
		}
	}
	return r, nil
}

func level0FromRepresentation(r *Representation) (*Level0, error) {
	p := NewLevel0()
	p.Header = r.Header.Clone()
	if p.Header == nil {
		p.Header = Header{}
	}
	for _, e := range r.Extensions {
		idx := strings.LastIndex(e.Name, "_")
		if idx <= 0 {
			return nil, fmt.Errorf("L0 extension %q: want <CHANNEL>_<ROLE>", e.Name)
		}
		chName, role := e.Name[:idx], e.Name[idx+1:]
		img, err := imageFromExtension(e)
		if err != nil {
			return nil, err
		}
		ch := p.Channels[chName]
		if ch == nil {
			ch = &Channel{}
			p.Channels[chName] = ch
		}
		switch role {
		case roleRaw:
			ch.Raw = img
		case roleBias:
			ch.Bias = img
		case roleFlat:
			ch.Flat = img
		case roleExpMeter:
			ch.ExpMeter = img
		case roleGuide:
			ch.Guide = img
		case roleHK:
			ch.Housekeeping = img
		default:
			return nil, fmt.Errorf("L0 extension %q: unknown role %q", e.Name, role)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ToRepresentation encodes each spectrum as <CHANNEL>_FLUX, _FLUX_ERR,
// _ORDERS and (when calibrated) _WAVE, with the fiber in the header.
func (p *Level1) ToRepresentation() (*Representation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &Representation{Level: Level1Tag, Header: p.Header.Clone()}
	if r.Header == nil {
		r.Header = Header{}
	}
	for _, name := range p.ChannelNames() {
		s := p.Spectra[name]
		r.Header[name+suffixFiber] = s.Fiber
		orders := make([]float64, len(s.Orders))
		for i, o := range s.Orders {
			orders[i] = float64(o)
		}
		r.Extensions = append(r.Extensions,
			Extension{Name: name + suffixOrders, Shape: []int{len(orders)}, Data: orders},
			rowsExtension(name+suffixFlux, s.Flux),
			rowsExtension(name+suffixFluxErr, s.FluxErr),
		)
		if s.Wave != nil {
			r.Extensions = append(r.Extensions, rowsExtension(name+suffixWave, s.Wave))
		}
	}
	return r, nil
}

func level1FromRepresentation(r *Representation) (*Level1, error) {
	p := NewLevel1()
	for k, v := range r.Header {
		if strings.HasSuffix(k, suffixFiber) {
			continue
		}
		p.Header[k] = v
	}
	spectrum := func(name string) *Spectrum {
		s := p.Spectra[name]
		if s == nil {
			s = &Spectrum{Fiber: r.Header[name+suffixFiber]}
			p.Spectra[name] = s
		}
		return s
	}
	for _, e := range r.Extensions {
		// _FLUX_ERR must be tested before _FLUX.
		switch {
		case strings.HasSuffix(e.Name, suffixFluxErr):
			rows, err := rowsFromExtension(e)
			if err != nil {
				return nil, err
			}
			spectrum(strings.TrimSuffix(e.Name, suffixFluxErr)).FluxErr = rows
		case strings.HasSuffix(e.Name, suffixFlux):
			rows, err := rowsFromExtension(e)
			if err != nil {
				return nil, err
			}
			spectrum(strings.TrimSuffix(e.Name, suffixFlux)).Flux = rows
		case strings.HasSuffix(e.Name, suffixWave):
			rows, err := rowsFromExtension(e)
			if err != nil {
				return nil, err
			}
			spectrum(strings.TrimSuffix(e.Name, suffixWave)).Wave = rows
		case strings.HasSuffix(e.Name, suffixOrders):
			orders := make([]int, len(e.Data))
			for i, v := range e.Data {
				orders[i] = int(v)
			}
			spectrum(strings.TrimSuffix(e.Name, suffixOrders)).Orders = orders
		default:
			return nil, fmt.Errorf("L1 extension %q: unknown suffix", e.Name)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ToRepresentation stores scalars in the header and each series as
// SERIES_<NAME>_TIME, _VALUE and _ERR.
func (p *Level2) ToRepresentation() (*Representation, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &Representation{Level: Level2Tag, Header: p.Header.Clone()}
	if r.Header == nil {
		r.Header = Header{}
	}
	for k, v := range p.Scalars {
		r.Header[prefixScalar+k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	for _, name := range sortedKeys(p.Series) {
		s := p.Series[name]
		base := prefixSeries + name
		r.Extensions = append(r.Extensions,
			Extension{Name: base + "_TIME", Shape: []int{len(s.Time)}, Data: cloneFloats(s.Time)},
			Extension{Name: base + "_VALUE", Shape: []int{len(s.Value)}, Data: cloneFloats(s.Value)},
		)
		if len(s.Err) > 0 {
			r.Extensions = append(r.Extensions,
				Extension{Name: base + "_ERR", Shape: []int{len(s.Err)}, Data: cloneFloats(s.Err)})
		}
	}
	return r, nil
}

func level2FromRepresentation(r *Representation) (*Level2, error) {
	p := NewLevel2()
	for k, v := range r.Header {
		if name, ok := strings.CutPrefix(k, prefixScalar); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("L2 scalar %q: %w", name, err)
			}
			p.Scalars[name] = f
			continue
		}
		p.Header[k] = v
	}
	for _, e := range r.Extensions {
		rest, ok := strings.CutPrefix(e.Name, prefixSeries)
		if !ok {
			return nil, fmt.Errorf("L2 extension %q: unknown prefix", e.Name)
		}
		idx := strings.LastIndex(rest, "_")
		if idx <= 0 {
			return nil, fmt.Errorf("L2 extension %q: want SERIES_<NAME>_<COLUMN>", e.Name)
		}
		name, column := rest[:idx], rest[idx+1:]
		s := p.Series[name]
		if s == nil {
			s = &Series{}
			p.Series[name] = s
		}
		switch column {
		case "TIME":
			s.Time = cloneFloats(e.Data)
		case "VALUE":
			s.Value = cloneFloats(e.Data)
		case "ERR":
			s.Err = cloneFloats(e.Data)
		default:
			return nil, fmt.Errorf("L2 extension %q: unknown column %q", e.Name, column)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteFile encodes p's representation as JSON at path.
func WriteFile(path string, p Product) error {
	r, err := p.ToRepresentation()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("write %s: marshal: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes a product written by WriteFile.
func ReadFile(path string) (Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var r Representation
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("read %s: unmarshal: %w", path, err)
	}
	p, err := FromRepresentation(&r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return p, nil
}

// ExtensionNames lists r's extension names in sorted order.
func (r *Representation) ExtensionNames() []string {
	names := make([]string, len(r.Extensions))
	for i, e := range r.Extensions {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}
