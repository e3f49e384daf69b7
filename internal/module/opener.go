package module

import (
	"fmt"
	"io"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	api "firestige.xyz/pktforge/pkg/module"
)

// Opener turns a resolved file into a module descriptor and the handle
// that keeps its code loaded.
type Opener interface {
	Open(path string) (api.Descriptor, io.Closer, error)
}

// codeHandle is the io.Closer handed out by the openers in this package.
type codeHandle struct {
	path   string
	closed atomic.Bool
}

func (c *codeHandle) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("code handle %s already closed", c.path)
	}
	return nil
}

// DynamicOpener loads modules built with -buildmode=plugin.
// Go cannot unload plugin code; closing the handle only marks it unused.
type DynamicOpener struct{}

// Open implements Opener.
func (DynamicOpener) Open(path string) (api.Descriptor, io.Closer, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open plugin file %s: %w", path, err)
	}

	sym, err := p.Lookup(api.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s does not export %s: %w", path, api.Symbol, err)
	}

	desc, err := descriptorFromSymbol(sym)
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	return desc, &codeHandle{path: path}, nil
}

func descriptorFromSymbol(sym any) (api.Descriptor, error) {
	switch v := sym.(type) {
	case func() api.Descriptor:
		if d := v(); d != nil {
			return d, nil
		}
		return nil, fmt.Errorf("%s factory returned nil", api.Symbol)
	case *api.Descriptor:
		if v != nil && *v != nil {
			return *v, nil
		}
		return nil, fmt.Errorf("%s is nil", api.Symbol)
	case api.Descriptor:
		return v, nil
	default:
		return nil, fmt.Errorf("%s has unsupported type %T", api.Symbol, sym)
	}
}

// Factory builds a fresh descriptor for a compiled-in module.
type Factory func() api.Descriptor

// Catalog holds compiled-in modules. It acts as an Opener and exposes its
// modules as files under a virtual directory, so built-ins go through the
// same search-path resolution as plugins.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a module factory under name.
func (c *Catalog) Register(name string, f Factory) error {
	if !validName(name) {
		return fmt.Errorf("invalid module name %q", name)
	}
	if f == nil {
		return fmt.Errorf("module %q has nil factory", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("module '%s' already registered", name)
	}
	c.factories[name] = f
	return nil
}

// Names returns the registered module names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open implements Opener. The module name is the file's base name without
// extension.
func (c *Catalog) Open(path string) (api.Descriptor, io.Closer, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("module '%s' not in catalog", name)
	}

	desc := f()
	if desc == nil {
		return nil, nil, fmt.Errorf("module '%s' factory returned nil", name)
	}
	return desc, &codeHandle{path: path}, nil
}

// Fs returns an in-memory filesystem holding an empty dir/<name>.so for
// every registered module.
func (c *Catalog) Fs(dir string) (afero.Fs, error) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for _, name := range c.Names() {
		if err := afero.WriteFile(fs, filepath.Join(dir, name+Ext), nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to stage module %s: %w", name, err)
		}
	}
	return fs, nil
}
