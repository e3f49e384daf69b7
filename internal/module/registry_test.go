package module

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktforge/internal/core"
	api "firestige.xyz/pktforge/pkg/module"
)

func TestRegistry_Load_SharesOneInstance(t *testing.T) {
	mock := NewMockDescriptor("tcp", api.KindPacket)
	r, opener, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/tcp.so": mock})

	h1, err := r.Load(context.Background(), "tcp", "--verify")
	require.NoError(t, err)
	h2, err := r.Load(context.Background(), "tcp", "--ignored")
	require.NoError(t, err)

	assert.Same(t, h1.Module(), h2.Module())
	assert.Equal(t, 1, mock.InitCalls())
	assert.Equal(t, []string{"--verify"}, mock.LastArgs())
	assert.Equal(t, 1, opener.openCount("/mods/tcp.so"))
	assert.Equal(t, 2, h1.Module().RefCount())
	assert.Equal(t, StateInitialized, h1.Module().State())
	assert.Equal(t, "/mods/tcp.so", h1.Module().Path())
	assert.False(t, h1.Module().LoadedAt().IsZero())

	require.NoError(t, h1.Release())
	assert.Equal(t, 0, mock.CleanupCalls())
	assert.Equal(t, 1, h2.Module().RefCount())

	require.NoError(t, h2.Release())
	assert.Equal(t, 1, mock.CleanupCalls())
	assert.Equal(t, StateUnloaded, h2.Module().State())
	assert.Equal(t, int32(1), opener.closer("/mods/tcp.so").closes.Load())
	assert.Empty(t, r.Modules())

	_, err = h2.Module().Descriptor()
	assert.ErrorIs(t, err, core.ErrModuleUnloaded)
}

func TestRegistry_Load_AfterUnloadLoadsFresh(t *testing.T) {
	mock := NewMockDescriptor("tcp", api.KindPacket)
	r, opener, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/tcp.so": mock})

	h, err := r.Load(context.Background(), "tcp")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	h2, err := r.Load(context.Background(), "tcp")
	require.NoError(t, err)
	defer h2.Release()

	assert.NotSame(t, h.Module(), h2.Module())
	assert.Equal(t, 2, mock.InitCalls())
	assert.Equal(t, 2, opener.openCount("/mods/tcp.so"))
}

func TestRegistry_Release_Twice(t *testing.T) {
	mock := NewMockDescriptor("console", api.KindLog)
	r, _, _ := newTestRegistry("/mods", map[string]api.Descriptor{"/mods/console.so": mock})

	h, err := r.Load(context.Background(), "console")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	err = h.Release()
	assert.ErrorIs(t, err, core.ErrDoubleRelease)
	assert.Equal(t, 1, mock.CleanupCalls())
	assert.Equal(t, 0, h.Module().RefCount())
}

func TestRegistry_Release_ZeroCount(t *testing.T) {
	mock := NewMockDescriptor("console", api.KindLog)
	r, _, _ := newTestRegistry("/mods", map[string]api.Descriptor{"/mods/console.so": mock})

	h, err := r.Load(context.Background(), "console")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	// a forged second handle to the same module
	err = newHandle(r, h.Module()).Release()
	assert.ErrorIs(t, err, core.ErrDoubleRelease)
	assert.Equal(t, 0, h.Module().RefCount())
	assert.Equal(t, 1, mock.CleanupCalls())
}

func TestRegistry_Load_InitFailure(t *testing.T) {
	mock := NewMockDescriptor("kafka", api.KindLog)
	mock.initError = errors.New("no brokers")
	r, opener, _ := newTestRegistry("/mods/*.so", map[string]api.Descriptor{"/mods/kafka.so": mock})

	h, err := r.Load(context.Background(), "kafka")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, core.ErrModuleInitFailed)
	assert.Contains(t, err.Error(), "no brokers")
	assert.Equal(t, 1, mock.InitCalls())
	assert.Equal(t, 0, mock.CleanupCalls())
	assert.Equal(t, int32(1), opener.closer("/mods/kafka.so").closes.Load())
	assert.Empty(t, r.Modules())

	_, ok := r.Lookup("kafka")
	assert.False(t, ok)
}

func TestRegistry_Load_InitPanic(t *testing.T) {
	mock := NewMockDescriptor("kafka", api.KindLog)
	mock.initPanic = "nil map write"
	r, opener, _ := newTestRegistry("/mods/*.so", map[string]api.Descriptor{"/mods/kafka.so": mock})

	h, err := r.Load(context.Background(), "kafka")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, core.ErrModuleInitFailed)
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, int32(1), opener.closer("/mods/kafka.so").closes.Load())
	assert.Empty(t, r.Modules())

	// the entry is settled, so the next load retries instead of waiting
	mock.initPanic = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err = r.Load(ctx, "kafka")
	require.NoError(t, err)
	assert.Equal(t, 2, mock.InitCalls())
	require.NoError(t, h.Release())
}

func TestRegistry_Load_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry("/mods/*", nil)

	_, err := r.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrModuleNotFound)
	assert.Empty(t, r.Modules())
}

func TestRegistry_Load_OpenFailure(t *testing.T) {
	// file exists but the opener does not know it
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/broken.so": nil})

	_, err := r.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, core.ErrModuleLoadFailed)
	assert.Contains(t, err.Error(), "/mods/broken.so")
}

func TestRegistry_Load_DescriptorValidation(t *testing.T) {
	tests := []struct {
		name string
		desc *MockDescriptor
	}{
		{"empty name", NewMockDescriptor("", api.KindPacket)},
		{"name mismatch", NewMockDescriptor("other", api.KindPacket)},
		{"invalid kind", NewMockDescriptor("bad", api.Kind(42))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, opener, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/bad.so": tt.desc})

			_, err := r.Load(context.Background(), "bad")
			assert.ErrorIs(t, err, core.ErrModuleLoadFailed)
			assert.Equal(t, 0, tt.desc.InitCalls())
			assert.Equal(t, int32(1), opener.closer("/mods/bad.so").closes.Load())
		})
	}
}

func TestRegistry_Load_UnknownKindAccepted(t *testing.T) {
	mock := NewMockDescriptor("odd", api.KindUnknown)
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/odd.so": mock})

	h, err := r.Load(context.Background(), "odd")
	require.NoError(t, err)
	assert.Equal(t, api.KindUnknown, h.Kind())
	require.NoError(t, h.Release())
}

func TestRegistry_SetPath(t *testing.T) {
	a := NewMockDescriptor("tcp", api.KindPacket)
	b := NewMockDescriptor("console", api.KindLog)
	r, _, _ := newTestRegistry("/old/*", map[string]api.Descriptor{
		"/old/tcp.so":     a,
		"/new/console.so": b,
	})

	h, err := r.Load(context.Background(), "tcp")
	require.NoError(t, err)
	defer h.Release()

	r.SetPath("/new/*")
	assert.Equal(t, "/new/*", r.Path())

	// already loaded modules stay usable
	d, err := h.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "tcp", d.Info().Name)

	h2, err := r.Load(context.Background(), "tcp")
	require.NoError(t, err, "loaded modules are shared regardless of path")
	require.NoError(t, h2.Release())

	hc, err := r.Load(context.Background(), "console")
	require.NoError(t, err)
	require.NoError(t, hc.Release())
}

func TestRegistry_SetPath_OldModulesNotFound(t *testing.T) {
	a := NewMockDescriptor("tcp", api.KindPacket)
	r, _, _ := newTestRegistry("/old/*", map[string]api.Descriptor{"/old/tcp.so": a})

	r.SetPath("/new/*")
	_, err := r.Load(context.Background(), "tcp")
	assert.ErrorIs(t, err, core.ErrModuleNotFound)
}

func TestRegistry_Load_Concurrent(t *testing.T) {
	mock := NewMockDescriptor("tcp", api.KindPacket)
	mock.initDelay = 20 * time.Millisecond
	r, opener, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/tcp.so": mock})

	const n = 16
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Load(context.Background(), "tcp")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0].Module(), handles[i].Module())
	}
	assert.Equal(t, 1, mock.InitCalls())
	assert.Equal(t, 1, opener.openCount("/mods/tcp.so"))
	assert.Equal(t, n, handles[0].Module().RefCount())

	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			assert.NoError(t, h.Release())
		}(h)
	}
	wg.Wait()
	assert.Equal(t, 1, mock.CleanupCalls())
}

func TestRegistry_Load_ConcurrentInitFailure(t *testing.T) {
	mock := NewMockDescriptor("tcp", api.KindPacket)
	mock.initDelay = 20 * time.Millisecond
	mock.initError = errors.New("boom")
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/tcp.so": mock})

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Load(context.Background(), "tcp")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, core.ErrModuleInitFailed)
	}
	assert.Equal(t, 0, mock.CleanupCalls())
	assert.Empty(t, r.Modules())
}

func TestRegistry_Load_WaitCancelled(t *testing.T) {
	mock := NewMockDescriptor("slow", api.KindExtension)
	mock.initDelay = 200 * time.Millisecond
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/slow.so": mock})

	done := make(chan *Handle)
	go func() {
		h, _ := r.Load(context.Background(), "slow")
		done <- h
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Load(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h := <-done
	require.NotNil(t, h)
	require.NoError(t, h.Release())
	assert.Equal(t, 1, mock.InitCalls())
}

func TestHandle_AddRef(t *testing.T) {
	mock := NewMockDescriptor("metrics", api.KindExtension)
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/metrics.so": mock})

	h, err := r.Load(context.Background(), "metrics")
	require.NoError(t, err)

	h2, err := h.AddRef()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Module().RefCount())

	require.NoError(t, h.Release())
	_, err = h.AddRef()
	assert.ErrorIs(t, err, core.ErrModuleUnloaded)
	_, err = h.Descriptor()
	assert.ErrorIs(t, err, core.ErrModuleUnloaded)
	assert.True(t, h.Released())

	d, err := h2.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "metrics", d.Info().Name)

	require.NoError(t, h2.Release())
	assert.Equal(t, 1, mock.CleanupCalls())
}

func TestRegistry_Lookup(t *testing.T) {
	mock := NewMockDescriptor("tcp", api.KindPacket)
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{"/mods/tcp.so": mock})

	_, ok := r.Lookup("tcp")
	assert.False(t, ok, "lookup never loads")

	h, err := r.Load(context.Background(), "tcp")
	require.NoError(t, err)

	l, ok := r.Lookup("tcp")
	require.True(t, ok)
	assert.Equal(t, 2, h.Module().RefCount())

	require.NoError(t, l.Release())
	require.NoError(t, h.Release())
	assert.Equal(t, 1, mock.CleanupCalls())
}

func TestRegistry_ModulesAndByKind(t *testing.T) {
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{
		"/mods/tcp.so":     &mockPacketHandler{NewMockDescriptor("tcp", api.KindPacket), 6},
		"/mods/udp.so":     &mockPacketHandler{NewMockDescriptor("udp", api.KindPacket), 17},
		"/mods/console.so": NewMockDescriptor("console", api.KindLog),
	})

	set, err := r.LoadAll(context.Background(), []Spec{{Name: "udp"}, {Name: "console"}, {Name: "tcp"}})
	require.NoError(t, err)
	defer set.Release()

	mods := r.Modules()
	require.Len(t, mods, 3)
	assert.Equal(t, "console", mods[0].Name)
	assert.Equal(t, "tcp", mods[1].Name)
	assert.Equal(t, "udp", mods[2].Name)
	assert.Equal(t, "initialized", mods[1].State)
	assert.Equal(t, 1, mods[1].RefCount)

	packets := r.ByKind(api.KindPacket)
	require.Len(t, packets, 2)
	assert.Equal(t, "tcp", packets[0].Name())
	assert.Equal(t, "udp", packets[1].Name())
	for _, h := range packets {
		require.NoError(t, h.Release())
	}

	h, ph, ok := r.PacketHandler(17)
	require.True(t, ok)
	assert.Equal(t, "udp", h.Name())
	assert.Equal(t, uint8(17), ph.Protocol())
	require.NoError(t, h.Release())

	_, _, ok = r.PacketHandler(1)
	assert.False(t, ok)

	for _, m := range r.Modules() {
		assert.Equal(t, 1, m.RefCount, m.Name)
	}
}

func TestRegistry_LoadAll_RollsBack(t *testing.T) {
	a := NewMockDescriptor("a", api.KindLog)
	b := NewMockDescriptor("b", api.KindLog)
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{
		"/mods/a.so": a,
		"/mods/b.so": b,
	})

	_, err := r.LoadAll(context.Background(), []Spec{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	assert.ErrorIs(t, err, core.ErrModuleNotFound)
	assert.Equal(t, 1, a.CleanupCalls())
	assert.Equal(t, 1, b.CleanupCalls())
	assert.Empty(t, r.Modules())
}

func TestSet_ReleaseReverseOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	r, _, _ := newTestRegistry("/mods/*", map[string]api.Descriptor{
		"/mods/a.so": &orderedCleanup{NewMockDescriptor("a", api.KindLog), &mu, &order},
		"/mods/b.so": &orderedCleanup{NewMockDescriptor("b", api.KindLog), &mu, &order},
	})

	set, err := r.LoadAll(context.Background(), []Spec{{Name: "a"}, {Name: "b", Args: []string{"-x"}}})
	require.NoError(t, err)
	assert.Len(t, set.Handles(), 2)

	set.Release()
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Empty(t, set.Handles())
}

type orderedCleanup struct {
	*MockDescriptor
	mu    *sync.Mutex
	order *[]string
}

func (o *orderedCleanup) Cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.order = append(*o.order, o.info.Name)
}
