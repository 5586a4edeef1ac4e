// Package primitives holds the built-in processing steps recipes can call and
// the registry that maps their names to factories.
package primitives

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// Registry maps primitive names to factories.
// It implements the pipeline.Registry interface.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]pipeline.Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]pipeline.Factory)}
}

// Builtin returns a registry holding every built-in primitive. Callers may
// Register more on top.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("kpf0_from_file", fromFile(dataproduct.Level0Tag))
	r.Register("kpf1_from_file", fromFile(dataproduct.Level1Tag))
	r.Register("kpf2_from_file", fromFile(dataproduct.Level2Tag))
	r.Register("to_file", newToFile)

	r.Register("subtract_bias", newSubtractBias)
	r.Register("divide_flat", newDivideFlat)
	r.Register("extract_spectrum", newExtractSpectrum)
	r.Register("wavelength_calibrate", newWavelengthCalibrate)
	r.Register("sigma_clip", newSigmaClip)
	r.Register("telluric_correct", newTelluricCorrect)
	r.Register("radial_velocity", newRadialVelocity)

	r.Register("set", newSet)
	r.Register("increment", newIncrement)
	r.Register("assert", newAssert)
	r.Register("for_each", r.newForEach)
	r.Register("exit_loop", newExit)
	return r
}

// Register associates a factory with a primitive name, replacing any
// previous registration.
func (r *Registry) Register(name string, f pipeline.Factory) {
	if name == "" || f == nil {
		panic(fmt.Sprintf("primitives: invalid registration %q", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (pipeline.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered primitive names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
