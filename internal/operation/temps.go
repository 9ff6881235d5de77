package operation

import (
	"os"
	"sync"
)

// TempRegistry tracks temp files that exist on disk while a transfer is in
// flight, so a shutdown can remove whatever the operations left behind.
// A nil registry ignores every call.
type TempRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewTempRegistry returns an empty registry.
func NewTempRegistry() *TempRegistry {
	return &TempRegistry{paths: make(map[string]struct{})}
}

// Register records path.
func (r *TempRegistry) Register(path string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = struct{}{}
}

// Deregister forgets path.
func (r *TempRegistry) Deregister(path string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// Len returns the number of registered paths.
func (r *TempRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Cleanup removes every registered file and empties the registry. It
// returns the number of files removed.
func (r *TempRegistry) Cleanup() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	clear(r.paths)
	r.mu.Unlock()

	removed := 0
	for _, p := range paths {
		if os.Remove(p) == nil {
			removed++
		}
	}
	return removed
}
