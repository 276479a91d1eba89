package data

import (
	"fmt"
	"sort"
	"sync"
)

// Result holds the named output fields of a data lookup. Only strings,
// integers, floats and booleans may be stored.
type Result struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewResult creates a result pre-populated with the given defaults.
func NewResult(defaults map[string]any) *Result {
	r := &Result{values: make(map[string]any, len(defaults))}
	for k, v := range defaults {
		r.values[k] = v
	}
	return r
}

// Set stores a value, rejecting types outside the trusted set.
func (r *Result) Set(key string, value any) error {
	switch v := value.(type) {
	case string, bool, int64, float64:
	case int:
		value = int64(v)
	case int32:
		value = int64(v)
	case uint32:
		value = int64(v)
	case float32:
		value = float64(v)
	default:
		return fmt.Errorf("can only store string, integer, float or boolean data but got %T for key %s", value, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

// Get returns the value stored under key.
func (r *Result) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the sorted field names
func (r *Result) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Single returns the only value of a one-field result.
func (r *Result) Single() (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.values) != 1 {
		return nil, false
	}
	for _, v := range r.values {
		return v, true
	}
	return nil, false
}
