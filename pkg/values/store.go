// Package values provides the output store owned by every execution scope.
//
// A Store collects the named values a scope produces while it runs. Values
// are JSON-shaped (maps, slices, strings, numbers, bools, nil, and raw JSON).
// Writers copy values in and readers receive copies out, so no caller ever
// holds a reference into the store's internal state. Once frozen the store
// serves a single cached snapshot, which makes the post-completion read path
// taken by sibling scopes cheap.
package values

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSealed indicates a write against a frozen store.
var ErrSealed = errors.New("store is sealed")

// View is a snapshot of a store's contents. Views handed out by a Store must
// be treated as immutable by callers.
type View map[string]any

// Store is a thread-safe collection of named output values.
type Store struct {
	mu      sync.RWMutex
	entries map[string]any
	frozen  bool
	cached  View
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]any),
	}
}

// Set stores a value under key, replacing any existing value. The value is
// copied in. Returns ErrSealed if the store has been frozen.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return fmt.Errorf("%w: cannot set %q", ErrSealed, key)
	}
	s.entries[key] = copyValue(value)
	return nil
}

// SetAll stores every entry of vals. Existing keys are replaced; keys not in
// vals are left untouched. Returns ErrSealed if the store has been frozen.
func (s *Store) SetAll(vals map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return fmt.Errorf("%w: cannot set %d values", ErrSealed, len(vals))
	}
	for k, v := range vals {
		s.entries[k] = copyValue(v)
	}
	return nil
}

// Merge stores every entry of view under the qualified key prefix + "." +
// key. An empty view is a no-op. Returns ErrSealed if the store has been
// frozen.
func (s *Store) Merge(prefix string, view View) error {
	if len(view) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return fmt.Errorf("%w: cannot merge %q", ErrSealed, prefix)
	}
	for k, v := range view {
		s.entries[prefix+"."+k] = v
	}
	return nil
}

// Get returns the value stored under key. The returned value is a copy while
// the store is mutable and a shared snapshot entry once frozen.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.frozen {
		v, ok := s.cached[key]
		return v, ok
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// Has reports whether key exists in the store.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[key]
	return ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// View returns a snapshot of the full store. While the store is mutable every
// call deep-copies; after Freeze the cached snapshot is returned directly.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.frozen {
		return s.cached
	}
	return s.snapshotLocked()
}

// Project returns a snapshot containing only the named keys. Names with no
// stored value are silently skipped.
func (s *Store) Project(names []string) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(View, len(names))
	for _, name := range names {
		if s.frozen {
			if v, ok := s.cached[name]; ok {
				out[name] = v
			}
			continue
		}
		if v, ok := s.entries[name]; ok {
			out[name] = copyValue(v)
		}
	}
	return out
}

// Freeze seals the store against further writes and caches the final
// snapshot. Freezing twice is a no-op. Returns the frozen snapshot.
func (s *Store) Freeze() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.frozen {
		s.cached = s.snapshotLocked()
		s.frozen = true
	}
	return s.cached
}

// Frozen reports whether the store has been sealed.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.frozen
}

func (s *Store) snapshotLocked() View {
	snap := make(View, len(s.entries))
	for k, v := range s.entries {
		snap[k] = copyValue(v)
	}
	return snap
}

// JSON marshals the view to JSON.
func (v View) JSON() ([]byte, error) {
	return json.Marshal(map[string]any(v))
}

// copyValue deep-copies the JSON-shaped portion of a value. Maps, slices and
// raw JSON are copied recursively; scalars and unrecognized types pass
// through unchanged.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
