package module

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	api "firestige.xyz/pktforge/pkg/module"
)

// MockDescriptor is a module descriptor that records its hooks.
type MockDescriptor struct {
	info api.Info

	initCalls    atomic.Int32
	cleanupCalls atomic.Int32
	lastArgs     atomic.Value

	initDelay time.Duration
	initError error
	initPanic any
}

// NewMockDescriptor creates a mock module.
func NewMockDescriptor(name string, kind api.Kind) *MockDescriptor {
	return &MockDescriptor{
		info: api.Info{
			Name:        name,
			Description: fmt.Sprintf("Mock %s module", name),
			Author:      "tests",
			Kind:        kind,
		},
	}
}

func (m *MockDescriptor) Info() api.Info { return m.info }

func (m *MockDescriptor) Init(args []string) error {
	if m.initDelay > 0 {
		time.Sleep(m.initDelay)
	}
	m.initCalls.Add(1)
	m.lastArgs.Store(append([]string(nil), args...))
	if m.initPanic != nil {
		panic(m.initPanic)
	}
	return m.initError
}

func (m *MockDescriptor) Cleanup() { m.cleanupCalls.Add(1) }

func (m *MockDescriptor) InitCalls() int    { return int(m.initCalls.Load()) }
func (m *MockDescriptor) CleanupCalls() int { return int(m.cleanupCalls.Load()) }

func (m *MockDescriptor) LastArgs() []string {
	v, _ := m.lastArgs.Load().([]string)
	return v
}

// mockPacketHandler adds the packet-kind surface to MockDescriptor.
type mockPacketHandler struct {
	*MockDescriptor
	proto uint8
}

func (m *mockPacketHandler) Protocol() uint8 { return m.proto }

func (m *mockPacketHandler) Handle(api.IPv4) (api.Verdict, error) {
	return api.VerdictAccept, nil
}

// trackingCloser counts Close calls.
type trackingCloser struct {
	closes atomic.Int32
}

func (c *trackingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

// mapOpener serves descriptors keyed by resolved path.
type mapOpener struct {
	mu      sync.Mutex
	descs   map[string]api.Descriptor
	closers map[string]*trackingCloser
	opens   map[string]int
}

func newMapOpener() *mapOpener {
	return &mapOpener{
		descs:   make(map[string]api.Descriptor),
		closers: make(map[string]*trackingCloser),
		opens:   make(map[string]int),
	}
}

func (o *mapOpener) add(path string, d api.Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.descs[path] = d
}

func (o *mapOpener) Open(path string) (api.Descriptor, io.Closer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.descs[path]
	if !ok {
		return nil, nil, errors.New("not a module file")
	}
	o.opens[path]++
	c := &trackingCloser{}
	o.closers[path] = c
	return d, c, nil
}

func (o *mapOpener) openCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

func (o *mapOpener) closer(path string) *trackingCloser {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closers[path]
}

// newTestRegistry stages files on a memory filesystem and wires them to
// the given descriptors.
func newTestRegistry(searchPath string, files map[string]api.Descriptor) (*Registry, *mapOpener, afero.Fs) {
	fs := afero.NewMemMapFs()
	opener := newMapOpener()
	for path, d := range files {
		_ = afero.WriteFile(fs, path, []byte("module"), 0o644)
		if d != nil {
			opener.add(path, d)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(WithFs(fs), WithOpener(opener), WithPath(searchPath), WithLogger(logger))
	return r, opener, fs
}
