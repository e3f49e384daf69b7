package module

import (
	"fmt"
	"sync/atomic"

	"firestige.xyz/pktforge/internal/core"
	api "firestige.xyz/pktforge/pkg/module"
)

// Handle is one holder's reference to a loaded Module. Every Handle must
// be released exactly once; AddRef hands out another Handle for another
// holder.
type Handle struct {
	reg      *Registry
	mod      *Module
	released atomic.Bool
}

func newHandle(reg *Registry, mod *Module) *Handle {
	return &Handle{reg: reg, mod: mod}
}

// Module returns the shared module.
func (h *Handle) Module() *Module { return h.mod }

// Name returns the module name.
func (h *Handle) Name() string { return h.mod.Name() }

// Kind returns the module kind.
func (h *Handle) Kind() api.Kind { return h.mod.Kind() }

// Descriptor returns the module's descriptor while the handle is live.
func (h *Handle) Descriptor() (api.Descriptor, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("handle for %q released: %w", h.mod.Name(), core.ErrModuleUnloaded)
	}
	return h.mod.Descriptor()
}

// AddRef takes another reference to the same module.
func (h *Handle) AddRef() (*Handle, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("addref on released handle for %q: %w", h.mod.Name(), core.ErrModuleUnloaded)
	}
	h.reg.addRef(h.mod)
	return newHandle(h.reg, h.mod), nil
}

// Release drops this holder's reference. The last release runs the
// module's Cleanup and unloads it. Releasing the same handle twice
// returns core.ErrDoubleRelease and changes nothing.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		h.reg.logger.Error("module handle released twice", "module", h.mod.Name())
		return fmt.Errorf("module %q: %w", h.mod.Name(), core.ErrDoubleRelease)
	}
	return h.reg.release(h.mod)
}

// Released reports whether Release was called on this handle.
func (h *Handle) Released() bool { return h.released.Load() }
