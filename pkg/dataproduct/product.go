// Package dataproduct holds the leveled data containers that flow through a
// reduction recipe: raw frames (Level0), extracted spectra (Level1) and derived
// measurements (Level2).
package dataproduct

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// Level tags a product's stage of refinement.
type Level int

const (
	Level0Tag Level = 0
	Level1Tag Level = 1
	Level2Tag Level = 2
)

func (l Level) String() string {
	switch l {
	case Level0Tag:
		return "L0"
	case Level1Tag:
		return "L1"
	case Level2Tag:
		return "L2"
	default:
		return fmt.Sprintf("L?(%d)", int(l))
	}
}

// Product is implemented by every level variant.
type Product interface {
	// Level reports the product's data level.
	Level() Level
	// Validate is the validity predicate: nil means every level-required field
	// is present and internally consistent.
	Validate() error
	// ToRepresentation converts the product into its file representation.
	ToRepresentation() (*Representation, error)
}

// Valid reports whether p is non-nil and passes its validity predicate.
func Valid(p Product) bool {
	if p == nil {
		return false
	}
	return p.Validate() == nil
}

// Header carries free-form keyword metadata.
type Header map[string]string

// Clone returns an independent copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// structErr runs struct-tag validation and prefixes failures with the level.
func structErr(l Level, v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w", l, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summarize returns a short, JSON-friendly description of p for diagnostics.
func Summarize(p Product) map[string]any {
	out := map[string]any{"level": p.Level().String()}
	if err := p.Validate(); err != nil {
		out["valid"] = false
		out["invalid_reason"] = err.Error()
	} else {
		out["valid"] = true
	}
	switch v := p.(type) {
	case *Level0:
		out["channels"] = sortedKeys(v.Channels)
	case *Level1:
		out["spectra"] = sortedKeys(v.Spectra)
	case *Level2:
		out["scalars"] = sortedKeys(v.Scalars)
		out["series"] = sortedKeys(v.Series)
	}
	return out
}
