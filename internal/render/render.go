// Package render defines the renderer contract the frame loop drives and
// a registry for backend implementations. The core only needs buffers
// created, filled for a given animation progress, and destroyed; how the
// pixels get there (CPU writes, GL, Vulkan) is the backend's business.
package render

import (
	"errors"
	"sync"

	"kmsloop/internal/kms"
)

// ErrBackendNotAvailable is returned when no usable backend is registered.
var ErrBackendNotAvailable = errors.New("render: no backend available")

// Backend produces and fills display buffers for outputs.
type Backend interface {
	// Name returns the backend identifier (e.g. "software").
	Name() string

	// CreateBuffer allocates one display-capable buffer for the output,
	// with a memory layout both the backend and the output's plane
	// accept.
	CreateBuffer(out *kms.Output) (*kms.Buffer, error)

	// FillBuffer renders the animation frame for progress in [0,1) into
	// the buffer. It returns a sync_file fd that signals when the pixel
	// writes complete, or fence.None if the backend already waited
	// synchronously.
	FillBuffer(buf *kms.Buffer, progress float64) (int, error)

	// DestroyBuffer releases a buffer created by CreateBuffer.
	DestroyBuffer(buf *kms.Buffer)

	// ExplicitFencing reports whether the backend can export render
	// fences. When false, every output falls back to blocking
	// synchronization.
	ExplicitFencing() bool
}

// Factory creates a backend instance, or nil if it cannot run here.
type Factory func() Backend

var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)

	// Priority order for backend selection; first available wins. GPU
	// backends would register ahead of software.
	priority = []string{BackendSoftware}
)

// Register registers a backend factory, typically from an init function
// in the backend's file.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Get returns a backend by name, or nil if unregistered or unavailable.
func Get(name string) Backend {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// Default returns the best available backend in priority order.
func Default() (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, name := range priority {
		if factory, ok := backends[name]; ok {
			if b := factory(); b != nil {
				return b, nil
			}
		}
	}
	for _, factory := range backends {
		if b := factory(); b != nil {
			return b, nil
		}
	}
	return nil, ErrBackendNotAvailable
}
