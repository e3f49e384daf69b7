package module

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"firestige.xyz/pktforge/internal/core"
	"firestige.xyz/pktforge/internal/metrics"
	api "firestige.xyz/pktforge/pkg/module"
)

// entry is a registry slot. ready is closed once the load that created the
// slot has finished; mod is set on success and err on failure.
type entry struct {
	ready chan struct{}
	mod   *Module
	err   error
}

// Registry maps module names to the single loaded Module for each name.
// It is safe for concurrent use. Concurrent loads of a name that is not
// yet loaded wait for the first one to finish, so Init never runs twice.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	pathMu sync.RWMutex
	path   string

	fs     afero.Fs
	opener Opener
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithFs sets the filesystem the search path is resolved against.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

// WithOpener sets how resolved files are turned into descriptors.
func WithOpener(o Opener) Option {
	return func(r *Registry) { r.opener = o }
}

// WithPath sets the initial search path.
func WithPath(path string) Option {
	return func(r *Registry) { r.path = path }
}

// WithLogger sets the logger used for load and release reports.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry. Without options it resolves against the
// OS filesystem and opens Go plugins.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		fs:      afero.NewOsFs(),
		opener:  DynamicOpener{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPath replaces the search path. Loaded modules are not affected.
func (r *Registry) SetPath(path string) {
	r.pathMu.Lock()
	defer r.pathMu.Unlock()
	r.path = path
}

// Path returns the search path.
func (r *Registry) Path() string {
	r.pathMu.RLock()
	defer r.pathMu.RUnlock()
	return r.path
}

// Load returns a handle to the module called name, loading and
// initializing it with args if it is not loaded yet. Args are ignored when
// the module is already loaded. Errors wrap core.ErrModuleNotFound,
// core.ErrModuleLoadFailed or core.ErrModuleInitFailed.
func (r *Registry) Load(ctx context.Context, name string, args ...string) (*Handle, error) {
	for {
		r.mu.Lock()
		if e, ok := r.entries[name]; ok {
			select {
			case <-e.ready:
				// ready entries in the map are always live
				r.addRef(e.mod)
				r.mu.Unlock()
				metrics.ModuleLoadsTotal.WithLabelValues(name, "shared").Inc()
				return newHandle(r, e.mod), nil
			default:
			}
			r.mu.Unlock()

			select {
			case <-e.ready:
				if e.err != nil {
					return nil, e.err
				}
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for module %q: %w", name, ctx.Err())
			}
		}

		e := &entry{ready: make(chan struct{})}
		r.entries[name] = e
		r.mu.Unlock()

		m, err := r.load(name, args)

		r.mu.Lock()
		if err != nil {
			e.err = err
			delete(r.entries, name)
		} else {
			m.ref.Store(1)
			e.mod = m
		}
		close(e.ready)
		r.mu.Unlock()

		if err != nil {
			metrics.ModuleLoadsTotal.WithLabelValues(name, "failed").Inc()
			return nil, err
		}
		metrics.ModuleLoadsTotal.WithLabelValues(name, "loaded").Inc()
		return newHandle(r, m), nil
	}
}

// load resolves, opens, validates and initializes one module. It runs
// without the registry lock held.
func (r *Registry) load(name string, args []string) (*Module, error) {
	path, err := resolvePath(r.fs, r.Path(), name)
	if err != nil {
		r.logger.Error("module not found", "module", name, "path", r.Path())
		return nil, err
	}

	desc, code, err := r.opener.Open(path)
	if err != nil {
		r.logger.Error("module load failed", "module", name, "file", path, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", core.ErrModuleLoadFailed, path, err)
	}

	if err := validateInfo(name, desc.Info()); err != nil {
		_ = code.Close()
		r.logger.Error("module descriptor rejected", "module", name, "file", path, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", core.ErrModuleLoadFailed, path, err)
	}

	m := newModule(name, path, desc, code)
	if m.Kind() == api.KindUnknown {
		r.logger.Warn("module declares unknown kind", "module", name)
	}

	if err := initDescriptor(desc, args); err != nil {
		m.abort(r.logger)
		r.logger.Error("module init failed", "module", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", core.ErrModuleInitFailed, name, err)
	}

	m.loadedAt = time.Now()
	m.setState(StateInitialized)
	r.logger.Info("module loaded",
		"module", name,
		"kind", m.Kind().String(),
		"file", path,
		"author", m.Author())
	return m, nil
}

// initDescriptor runs Init, turning a panic into an error so the loading
// entry is always settled.
func initDescriptor(desc api.Descriptor, args []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("init panicked: %v", p)
		}
	}()
	return desc.Init(args)
}

func validateInfo(name string, info api.Info) error {
	if info.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	if info.Name != name {
		return fmt.Errorf("descriptor name %q does not match %q", info.Name, name)
	}
	if !info.Kind.Valid() {
		return fmt.Errorf("descriptor has invalid kind %d", int(info.Kind))
	}
	return nil
}

// addRef is only called by holders of a live reference, or with r.mu held
// on a ready entry, so the count never climbs back from zero.
func (r *Registry) addRef(m *Module) {
	m.ref.Add(1)
}

// release drops one reference. Reaching zero removes the entry under the
// lock, so a concurrent Load either shares the still-live module or loads
// a fresh one; it never sees a module that is being torn down.
func (r *Registry) release(m *Module) error {
	r.mu.Lock()
	n := m.ref.Add(-1)
	if n < 0 {
		m.ref.Add(1)
		r.mu.Unlock()
		r.logger.Error("module released more times than acquired", "module", m.Name(), "state", m.State().String())
		return fmt.Errorf("module %q: %w", m.Name(), core.ErrDoubleRelease)
	}
	if n > 0 {
		r.mu.Unlock()
		return nil
	}
	if e, ok := r.entries[m.Name()]; ok && e.mod == m {
		delete(r.entries, m.Name())
	}
	m.setState(StateReleasing)
	r.mu.Unlock()

	m.destroy(r.logger)
	metrics.ModuleReleasesTotal.WithLabelValues(m.Name()).Inc()
	r.logger.Info("module unloaded", "module", m.Name())
	return nil
}

// Lookup returns a new handle to name if it is loaded. It never loads.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || e.mod == nil {
		return nil, false
	}
	r.addRef(e.mod)
	return newHandle(r, e.mod), true
}

// Status is a snapshot of one loaded module.
type Status struct {
	api.Info `yaml:",inline"`
	Path     string    `yaml:"path"`
	State    string    `yaml:"state"`
	RefCount int       `yaml:"refcount"`
	LoadedAt time.Time `yaml:"loaded_at"`
}

// Modules returns the loaded modules sorted by name.
func (r *Registry) Modules() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		if e.mod == nil {
			continue
		}
		out = append(out, Status{
			Info:     e.mod.Info(),
			Path:     e.mod.Path(),
			State:    e.mod.State().String(),
			RefCount: e.mod.RefCount(),
			LoadedAt: e.mod.LoadedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByKind returns new handles to every loaded module of kind k, sorted by
// name. The caller releases them.
func (r *Registry) ByKind(k api.Kind) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var handles []*Handle
	for _, e := range r.entries {
		if e.mod == nil || e.mod.Kind() != k {
			continue
		}
		r.addRef(e.mod)
		handles = append(handles, newHandle(r, e.mod))
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })
	return handles
}

// PacketHandler returns a handle to the loaded packet module owning proto.
// When several modules claim the same protocol the first by name wins.
func (r *Registry) PacketHandler(proto uint8) (*Handle, api.PacketHandler, bool) {
	var (
		found *Handle
		ph    api.PacketHandler
	)
	for _, h := range r.ByKind(api.KindPacket) {
		if found == nil {
			if desc, err := h.Descriptor(); err == nil {
				if p, ok := desc.(api.PacketHandler); ok && p.Protocol() == proto {
					found, ph = h, p
					continue
				}
			}
		}
		_ = h.Release()
	}
	return found, ph, found != nil
}

// Set is a group of handles loaded together.
type Set struct {
	handles []*Handle
}

// Spec names a module to load and the arguments for its Init hook.
type Spec struct {
	Name string   `mapstructure:"name" yaml:"name"`
	Args []string `mapstructure:"args" yaml:"args"`
}

// LoadAll loads every spec in order. If one fails, the modules already
// loaded are released and the error is returned.
func (r *Registry) LoadAll(ctx context.Context, specs []Spec) (*Set, error) {
	set := &Set{}
	for _, s := range specs {
		h, err := r.Load(ctx, s.Name, s.Args...)
		if err != nil {
			set.Release()
			return nil, err
		}
		set.handles = append(set.handles, h)
	}
	return set, nil
}

// Handles returns the handles in load order.
func (s *Set) Handles() []*Handle {
	return s.handles
}

// Release releases every handle in reverse load order.
func (s *Set) Release() {
	for i := len(s.handles) - 1; i >= 0; i-- {
		_ = s.handles[i].Release()
	}
	s.handles = nil
}
