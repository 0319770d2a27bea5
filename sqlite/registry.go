package sqlite

import (
	"path/filepath"
	"strings"
	"sync"
)

// Registry enforces one live Handle per database file and owns the optional
// default Handle that several connections may share.
type Registry struct {
	mu    sync.Mutex
	paths map[string]*Handle
	def   *Handle

	// defaultFirstOpen scopes the one-time open sequence of the default
	// handle. Private handles use their own lock.
	defaultFirstOpen sync.Mutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]*Handle)}
}

// DefaultRegistry is used by connections that are not given a Registry.
var DefaultRegistry = NewRegistry()

// NormalizePath returns the form of a database path that registries
// compare: cleaned and lower-cased.
func NormalizePath(path string) string {
	return strings.ToLower(filepath.Clean(strings.TrimSpace(path)))
}

func registryKey(path string) string { return NormalizePath(path) }

func duplicateHandleError(path string) *Error {
	e := NewStateError(ErrDuplicateHandle, "Cannot have more than one database handle for the SQLite database at: %s", path)
	e.Path = path
	return e
}

// checkAvailable fails if another handle already owns path.
func (r *Registry) checkAvailable(path string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.paths[registryKey(path)]; ok && owner != h {
		return duplicateHandleError(path)
	}
	return nil
}

// register claims path for h.
func (r *Registry) register(path string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(path)
	if owner, ok := r.paths[key]; ok && owner != h {
		return duplicateHandleError(path)
	}
	r.paths[key] = h
	return nil
}

// unregister releases path if h still owns it and h does not back the
// default handle.
func (r *Registry) unregister(path string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.def == h {
		return
	}
	key := registryKey(path)
	if r.paths[key] == h {
		delete(r.paths, key)
	}
}

// IsRegistered reports whether a live handle owns path.
func (r *Registry) IsRegistered(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.paths[registryKey(path)]
	return ok
}

// Default returns the default handle, or nil if none was set.
func (r *Registry) Default() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

func (r *Registry) setDefault(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.def != nil && r.def != h {
		return NewConfigurationError(ErrInvalidState,
			"a default database has already been set for %s", r.def.Path())
	}
	r.def = h
	return nil
}

// ResetDefault disposes the default handle and clears it, so that a new
// default may be set.
func (r *Registry) ResetDefault() error {
	r.mu.Lock()
	h := r.def
	r.def = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Dispose()
}
