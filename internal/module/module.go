// Package module implements the module runtime: search-path resolution,
// loading, and reference-counted sharing of loaded modules.
package module

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/pktforge/internal/core"
	api "firestige.xyz/pktforge/pkg/module"
)

// State is the lifecycle state of a Module.
//
//	Loading -> Initialized -> Releasing -> Unloaded
//	Loading -> Unloaded        (init failed, no cleanup)
type State int32

const (
	StateLoading State = iota
	StateInitialized
	StateReleasing
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateInitialized:
		return "initialized"
	case StateReleasing:
		return "releasing"
	case StateUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Module is one loaded code unit. Exactly one Module exists per name while
// it is loaded; holders share it through Handles.
type Module struct {
	name     string
	path     string
	info     api.Info
	desc     api.Descriptor
	code     io.Closer
	loadedAt time.Time

	ref   atomic.Int32
	state atomic.Int32

	destroyOnce sync.Once
}

func newModule(name, path string, desc api.Descriptor, code io.Closer) *Module {
	m := &Module{
		name: name,
		path: path,
		info: desc.Info(),
		desc: desc,
		code: code,
	}
	m.state.Store(int32(StateLoading))
	return m
}

// Name returns the name the module was loaded under.
func (m *Module) Name() string { return m.name }

// Description returns the human-readable description.
func (m *Module) Description() string { return m.info.Description }

// Author returns the module author.
func (m *Module) Author() string { return m.info.Author }

// Kind returns the module kind.
func (m *Module) Kind() api.Kind { return m.info.Kind }

// Info returns the descriptor identity captured at load time.
func (m *Module) Info() api.Info { return m.info }

// Path returns the file the module was resolved to.
func (m *Module) Path() string { return m.path }

// LoadedAt returns when Init succeeded.
func (m *Module) LoadedAt() time.Time { return m.loadedAt }

// State returns the current lifecycle state.
func (m *Module) State() State { return State(m.state.Load()) }

// RefCount returns the number of outstanding references.
func (m *Module) RefCount() int { return int(m.ref.Load()) }

// Descriptor returns the module's exported descriptor. It fails once the
// module has left the Initialized state.
func (m *Module) Descriptor() (api.Descriptor, error) {
	if m.State() != StateInitialized {
		return nil, fmt.Errorf("module %q is %s: %w", m.name, m.State(), core.ErrModuleUnloaded)
	}
	return m.desc, nil
}

func (m *Module) setState(s State) {
	m.state.Store(int32(s))
}

// destroy runs Cleanup and releases the code handle, at most once.
func (m *Module) destroy(logger *slog.Logger) {
	m.destroyOnce.Do(func() {
		m.setState(StateReleasing)
		m.desc.Cleanup()
		if err := m.code.Close(); err != nil {
			logger.Warn("module code handle close failed", "module", m.name, "error", err)
		}
		m.setState(StateUnloaded)
	})
}

// abort unloads a module whose Init failed. Cleanup is not called.
func (m *Module) abort(logger *slog.Logger) {
	m.destroyOnce.Do(func() {
		if err := m.code.Close(); err != nil {
			logger.Warn("module code handle close failed", "module", m.name, "error", err)
		}
		m.setState(StateUnloaded)
	})
}
