package log

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Sink receives log records in addition to the process handler. Log
// modules implement it.
type Sink interface {
	Enabled(level slog.Level) bool
	Emit(ctx context.Context, r slog.Record) error
}

type sinkSet struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	order  []string
	failed atomic.Uint64
}

func newSinkSet() *sinkSet {
	return &sinkSet{sinks: make(map[string]Sink)}
}

func (s *sinkSet) attach(name string, sink Sink) func() {
	s.mu.Lock()
	s.sinks[name] = sink
	s.reorder()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.sinks[name] == sink {
				delete(s.sinks, name)
				s.reorder()
			}
		})
	}
}

// reorder keeps emission order stable. Callers hold mu.
func (s *sinkSet) reorder() {
	s.order = s.order[:0]
	for name := range s.sinks {
		s.order = append(s.order, name)
	}
	sort.Strings(s.order)
}

func (s *sinkSet) enabled(level slog.Level) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		if s.sinks[name].Enabled(level) {
			return true
		}
	}
	return false
}

// emit offers r to every sink. Sink errors are counted, never logged,
// since logging them would come straight back here.
func (s *sinkSet) emit(ctx context.Context, r slog.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		sink := s.sinks[name]
		if !sink.Enabled(r.Level) {
			continue
		}
		if err := sink.Emit(ctx, r.Clone()); err != nil {
			s.failed.Add(1)
		}
	}
}

// AttachSink adds a sink behind the default logger installed by Init. The
// returned func detaches it and is safe to call more than once.
func AttachSink(name string, sink Sink) (detach func()) {
	return sinks.attach(name, sink)
}

// SinkFailures returns how many records attached sinks failed to take.
func SinkFailures() uint64 {
	return sinks.failed.Load()
}

// FanoutHandler forwards records to a primary handler and to every
// attached sink. Attributes added with WithAttrs reach the sinks too;
// group names are not applied to sink records.
type FanoutHandler struct {
	primary slog.Handler
	sinks   *sinkSet
	attrs   []slog.Attr
}

// newFanoutHandler wraps primary.
func newFanoutHandler(primary slog.Handler, set *sinkSet) *FanoutHandler {
	if set == nil {
		set = newSinkSet()
	}
	return &FanoutHandler{primary: primary, sinks: set}
}

// Enabled implements slog.Handler.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.sinks.enabled(level)
}

// Handle implements slog.Handler.
func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.primary.Enabled(ctx, r.Level) {
		err = h.primary.Handle(ctx, r)
	}
	if len(h.attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(h.attrs...)
	}
	h.sinks.emit(ctx, r)
	return err
}

// WithAttrs implements slog.Handler.
func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &FanoutHandler{primary: h.primary.WithAttrs(attrs), sinks: h.sinks, attrs: merged}
}

// WithGroup implements slog.Handler.
func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	return &FanoutHandler{primary: h.primary.WithGroup(name), sinks: h.sinks, attrs: h.attrs}
}
