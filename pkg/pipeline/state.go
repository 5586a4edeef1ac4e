package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
)

// Key prefixes reserved by the engine.
const (
	configPrefix  = "config."
	modulesPrefix = "config.modules."
)

// ProcessingContext is the mutable state shared by every primitive of one
// recipe run: named values plus engine flags.
//
// Any primitive may read or write any key. Recipe variables are stored under
// their bare names; side outputs of a primitive are stored under
// OwnedKey(primitive, name); configuration lives under "config.".
// One run per context: concurrent runs need independent instances (Copy).
type ProcessingContext struct {
	mu       sync.RWMutex
	data     map[string]any
	force    bool
	verbose  bool
	failures []FailureRecord
}

// NewProcessingContext creates an empty context.
func NewProcessingContext() *ProcessingContext {
	return &ProcessingContext{data: make(map[string]any)}
}

// OwnedKey returns the namespaced key for a value produced by owner.
func OwnedKey(owner, name string) string { return owner + "." + name }

// Owner returns the owner prefix of a namespaced key, or "" for bare keys.
func Owner(key string) string {
	owner, _, ok := strings.Cut(key, ".")
	if !ok {
		return ""
	}
	return owner
}

// ConfigKey returns the context key of a configuration entry.
func ConfigKey(section, key string) string {
	return configPrefix + strings.ToLower(section) + "." + key
}

// Set stores a value under key.
func (c *ProcessingContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get retrieves a value by key.
func (c *ProcessingContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetString retrieves a value formatted as a string, returning "" if absent.
func (c *ProcessingContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Delete removes key.
func (c *ProcessingContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Keys returns all keys in sorted order.
func (c *ProcessingContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of all key-value pairs.
func (c *ProcessingContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Merge copies all key-value pairs from src into this context (last-write-wins).
func (c *ProcessingContext) Merge(src map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range src {
		c.data[k] = v
	}
}

// Copy returns an independent context with the same values and flags and an
// empty failure log. Values themselves are shared, not deep-copied.
func (c *ProcessingContext) Copy() *ProcessingContext {
	c.mu.RLock()
	force, verbose := c.force, c.verbose
	c.mu.RUnlock()
	return &ProcessingContext{data: c.Snapshot(), force: force, verbose: verbose}
}

// SetForce sets the flag that bypasses validity gating.
func (c *ProcessingContext) SetForce(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.force = v
}

// Force reports whether validity gating is bypassed.
func (c *ProcessingContext) Force() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.force
}

// SetVerbose sets the verbosity flag.
func (c *ProcessingContext) SetVerbose(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verbose = v
}

// Verbose reports the verbosity flag.
func (c *ProcessingContext) Verbose() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verbose
}

// ModuleConfig returns the options configured for a primitive under
// config.modules.<name>, or nil.
func (c *ProcessingContext) ModuleConfig(name string) map[string]any {
	v, ok := c.Get(modulesPrefix + name)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// FailureRecord describes an action that did not complete normally.
type FailureRecord struct {
	Seq       uint64      `json:"seq"`
	Primitive string      `json:"primitive"`
	Outputs   []string    `json:"outputs,omitempty"`
	Pass      int         `json:"pass"`
	State     ActionState `json:"state"`
	Reason    string      `json:"reason"`
}

// RecordFailure appends to the failure log.
func (c *ProcessingContext) RecordFailure(r FailureRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, r)
}

// Failures returns a copy of the failure log in recording order.
func (c *ProcessingContext) Failures() []FailureRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FailureRecord, len(c.failures))
	copy(out, c.failures)
	return out
}

// snapshotFile is the JSON form written by WriteSnapshot.
type snapshotFile struct {
	Force    bool            `json:"force"`
	Verbose  bool            `json:"verbose"`
	Data     map[string]any  `json:"data"`
	Failures []FailureRecord `json:"failures"`
	Pending  []string        `json:"pending"`
}

// WriteSnapshot dumps the context and the frozen queue to a JSON file for
// post-mortem inspection. Products are summarised rather than serialised.
func (c *ProcessingContext) WriteSnapshot(path string, pending []*Action) error {
	snap := snapshotFile{
		Force:    c.Force(),
		Verbose:  c.Verbose(),
		Data:     make(map[string]any),
		Failures: c.Failures(),
	}
	for k, v := range c.Snapshot() {
		snap.Data[k] = describeValue(v)
	}
	for _, a := range pending {
		snap.Pending = append(snap.Pending, a.String())
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	return nil
}

func describeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, int64, float64:
		return val
	case dataproduct.Product:
		return dataproduct.Summarize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = describeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = describeValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%T", v)
	}
}
