// Package extension is the process-wide table of named, versioned interfaces
// that plugins export to each other. The ASIC provider registers its
// interfaces here; feature plugins look them up with the major/minor they were
// built against.
package extension

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicate is returned by Register when the name is already bound.
	ErrDuplicate = errors.New("extension already registered")
	// ErrNotFound is returned by Unregister for an unknown name.
	ErrNotFound = errors.New("extension not found")
	// ErrVersionMismatch is returned by Find when no compatible extension exists.
	ErrVersionMismatch = errors.New("extension version mismatch")
)

// Descriptor describes one exported interface. Interface holds the value the
// consumer type-asserts to the Go interface matching Name.
type Descriptor struct {
	Name      string
	Major     int
	Minor     int
	Interface any
}

// Compatible reports whether d satisfies a request for major.minor. Major must
// match exactly; a newer minor only grows the interface at its tail.
func (d Descriptor) Compatible(major, minor int) bool {
	return d.Major == major && d.Minor >= minor
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s v%d.%d", d.Name, d.Major, d.Minor)
}

// Registry maps extension names to descriptors.
type Registry struct {
	mu   sync.RWMutex
	exts map[string]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		exts: make(map[string]Descriptor),
	}
}

// Register binds d.Name. It fails with ErrDuplicate if the name is taken.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registering extension: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.exts[d.Name]; ok {
		return fmt.Errorf("registering %s (have %s): %w", d, existing, ErrDuplicate)
	}
	r.exts[d.Name] = d
	return nil
}

// Unregister removes name. It fails with ErrNotFound if nothing is bound.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exts[name]; !ok {
		return fmt.Errorf("unregistering %q: %w", name, ErrNotFound)
	}
	delete(r.exts, name)
	return nil
}

// Find returns the descriptor bound to name when its major equals major and
// its minor is at least minor. Any other outcome, including an unknown name,
// is ErrVersionMismatch.
func (r *Registry) Find(name string, major, minor int) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.exts[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("finding %s v%d.%d: not registered: %w", name, major, minor, ErrVersionMismatch)
	}
	if !d.Compatible(major, minor) {
		return Descriptor{}, fmt.Errorf("finding %s v%d.%d: registered %s: %w", name, major, minor, d, ErrVersionMismatch)
	}
	return d, nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.exts))
	for _, d := range r.exts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds name at major.minor and asserts its interface to T.
func Lookup[T any](r *Registry, name string, major, minor int) (T, error) {
	var zero T
	d, err := r.Find(name, major, minor)
	if err != nil {
		return zero, err
	}
	v, ok := d.Interface.(T)
	if !ok {
		return zero, fmt.Errorf("extension %s exports %T, want %T", d, d.Interface, zero)
	}
	return v, nil
}
