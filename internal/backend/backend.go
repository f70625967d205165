// Package backend holds the serialization formats artifacts are written in.
// The store only talks to a Backend at the byte boundary.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/strata/internal/sanitize"
)

// Backend writes and reads values in one encoding.
type Backend interface {
	// Name is the registered format name, e.g. "json".
	Name() string
	// Ext is the default file extension including the dot.
	Ext() string
	// Write encodes value to path and returns the number of bytes written.
	Write(value any, path string) (int64, error)
	// Read decodes the file at path.
	Read(path string) (any, error)
}

// Registry manages available backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Default returns a registry with every built-in format registered.
func Default() *Registry {
	r := NewRegistry()
	for _, b := range []Backend{
		JSON{}, YAML{}, Msgpack{}, ZstdJSON{}, Bytes{}, TableJSON{},
	} {
		_ = r.Register(b)
	}
	return r
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("format %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns a backend by format name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown format %q (known: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return b, nil
}

// List returns the registered format names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForPath picks a backend from a file name. The longest matching extension
// wins so "x.json.zst" selects json.zst rather than nothing.
func (r *Registry) ForPath(path string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base := strings.ToLower(filepath.Base(path))
	var best Backend
	for _, b := range r.backends {
		ext := b.Ext()
		if ext == "" || !strings.HasSuffix(base, ext) {
			continue
		}
		if best == nil || len(ext) > len(best.Ext()) {
			best = b
		}
	}
	return best, best != nil
}

// ForValue picks the natural format for a value when none is given.
func (r *Registry) ForValue(v any) (Backend, error) {
	switch v.(type) {
	case *sanitize.Table, *sanitize.Frame:
		return r.Get(FormatTable)
	case []byte:
		return r.Get(FormatBytes)
	default:
		return r.Get(FormatJSON)
	}
}

// writeFile writes b to path and reports its size.
func writeFile(path string, b []byte) (int64, error) {
	if err := os.WriteFile(path, b, 0600); err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}
