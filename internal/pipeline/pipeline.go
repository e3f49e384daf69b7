// Package pipeline runs captured frames through the loaded packet modules.
//
// One reader goroutine decodes the link layer, applies the BPF pre-filter
// and dispatches each frame to exactly one worker. A worker owns the frame
// until it hands the result to the writer goroutine, so packet buffers and
// protocol views never cross goroutines while in use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/core"
	"firestige.xyz/pktforge/internal/ipv4"
	"firestige.xyz/pktforge/internal/metrics"
	"firestige.xyz/pktforge/internal/module"
	"firestige.xyz/pktforge/internal/packet"
	api "firestige.xyz/pktforge/pkg/module"
)

type job struct {
	pkt    *packet.Packet
	orig   []byte
	ci     gopacket.CaptureInfo
	offset int
	err    error // link-layer decode error, frame passes through
}

type result struct {
	ci   gopacket.CaptureInfo
	data []byte
	pkt  *packet.Packet
}

// Pipeline processes frames with the packet modules loaded in a registry.
type Pipeline struct {
	cfg      config.PipelineConfig
	reg      *module.Registry
	filter   *Filter
	strategy DispatchStrategy
	metrics  *Metrics
	flows    *FlowTable
	logger   *slog.Logger
}

// New creates a pipeline. The registry is consulted once per Run.
func New(cfg config.PipelineConfig, reg *module.Registry) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive", core.ErrConfigInvalid)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024 // Default buffer size
	}

	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}

	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		filter:   filter,
		strategy: NewDispatchStrategy(cfg.Dispatch, cfg.Workers),
		metrics:  NewMetrics(),
		flows:    NewFlowTable(),
		logger:   slog.Default().With("component", "pipeline"),
	}, nil
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	s := p.metrics.snapshot()
	s.Flows = p.flows.Count()
	return s
}

// Flows returns the per-flow counters of the pipeline.
func (p *Pipeline) Flows() *FlowTable {
	return p.flows
}

// handlerSet maps IPv4 protocol numbers to packet modules. It holds one
// handle per module for the duration of a run.
type handlerSet struct {
	byProto map[uint8]api.PacketHandler
	handles []*module.Handle
}

func (p *Pipeline) bindHandlers() *handlerSet {
	hs := &handlerSet{byProto: make(map[uint8]api.PacketHandler)}
	for _, h := range p.reg.ByKind(api.KindPacket) {
		desc, err := h.Descriptor()
		ph, ok := desc.(api.PacketHandler)
		if err != nil || !ok {
			p.logger.Warn("packet module has no handler", "module", h.Name())
			_ = h.Release()
			continue
		}
		if prev, taken := hs.byProto[ph.Protocol()]; taken {
			p.logger.Warn("protocol already handled",
				"protocol", ph.Protocol(), "module", h.Name(), "owner", prev.Info().Name)
			_ = h.Release()
			continue
		}
		hs.byProto[ph.Protocol()] = ph
		hs.handles = append(hs.handles, h)
		p.logger.Info("packet module bound", "module", h.Name(), "protocol", ph.Protocol())
	}
	return hs
}

func (hs *handlerSet) release() {
	for i := len(hs.handles) - 1; i >= 0; i-- {
		_ = hs.handles[i].Release()
	}
}

// Run reads src until EOF or ctx is done and writes every frame that is
// not dropped to sink. It returns nil at EOF and an error wrapping
// core.ErrPipelineStopped when ctx ends first.
func (p *Pipeline) Run(ctx context.Context, src Source, sink Sink) error {
	handlers := p.bindHandlers()
	defer handlers.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link := src.LinkType()
	queues := make([]chan job, p.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan job, p.cfg.QueueSize)
	}
	results := make(chan result, p.cfg.QueueSize)

	p.logger.Info("pipeline starting",
		"workers", p.cfg.Workers,
		"dispatch", p.strategy.Name(),
		"link_type", link.String(),
		"filter_len", p.filter.Len())

	// writer
	var (
		writeErr error
		writerWg sync.WaitGroup
	)
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		for r := range results {
			if writeErr == nil {
				if err := sink.WritePacket(r.ci, r.data); err != nil {
					writeErr = fmt.Errorf("sink write failed: %w", err)
					cancel()
				} else {
					p.metrics.Written.Add(1)
					metrics.PacketsTotal.WithLabelValues("written").Inc()
				}
			}
			r.pkt.Close()
		}
	}()

	if p.cfg.StatsInterval > 0 {
		go p.reportStats(ctx, p.cfg.StatsInterval)
	}

	// workers
	var workerWg sync.WaitGroup
	for i, q := range queues {
		workerWg.Add(1)
		go func(id int, q <-chan job) {
			defer workerWg.Done()
			p.worker(id, q, results, handlers)
		}(i, q)
	}

	readErr := p.read(ctx, src, link, queues)

	for _, q := range queues {
		close(q)
	}
	workerWg.Wait()
	close(results)
	writerWg.Wait()

	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		"read", stats.Read,
		"handled", stats.Handled,
		"dropped", stats.Dropped,
		"written", stats.Written)

	switch {
	case writeErr != nil:
		return writeErr
	case readErr != nil:
		return readErr
	}
	return nil
}

func (p *Pipeline) read(ctx context.Context, src Source, link layers.LinkType, queues []chan job) error {
	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", core.ErrPipelineStopped, err)
		}

		data, ci, err := src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("source read failed: %w", err)
		}
		seq++
		p.metrics.Read.Add(1)
		metrics.PacketsTotal.WithLabelValues("read").Inc()

		pkt := packet.New(core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
			Seq:            seq,
		})

		j := job{pkt: pkt, orig: data, ci: ci}
		if !p.filter.Match(data) {
			p.metrics.Filtered.Add(1)
			metrics.PacketsTotal.WithLabelValues("filtered").Inc()
			j.err = errFiltered
		} else {
			j.offset, j.err = IPv4Offset(link, data)
		}

		key := flowKey(data, j.offset)
		if j.err == nil {
			p.flows.Record(key, len(data))
		}
		idx := p.strategy.Dispatch(key, len(queues))
		select {
		case queues[idx] <- j:
			metrics.QueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(queues[idx])))
		case <-ctx.Done():
			pkt.Close()
			return fmt.Errorf("%w: %w", core.ErrPipelineStopped, ctx.Err())
		}
	}
}

var errFiltered = errors.New("rejected by filter")

// reportStats logs the counters every interval until ctx is done.
func (p *Pipeline) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev Stats
	for {
		select {
		case <-ticker.C:
			cur := p.Stats()
			if cur.Read == prev.Read {
				continue
			}
			p.logger.Info("pipeline progress",
				"read", cur.Read,
				"pps", float64(cur.Read-prev.Read)/interval.Seconds(),
				"handled", cur.Handled,
				"dropped", cur.Dropped,
				"written", cur.Written,
				"flows", cur.Flows)
			prev = cur
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) worker(id int, q <-chan job, out chan<- result, hs *handlerSet) {
	label := strconv.Itoa(id)
	for j := range q {
		start := time.Now()
		r, keep := p.process(j, hs)
		metrics.PipelineLatencySeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
		metrics.QueueDepth.WithLabelValues(label).Set(float64(len(q)))
		if !keep {
			j.pkt.Close()
			continue
		}
		out <- r
	}
}

// process runs one frame through its packet module. The returned data is
// the modified frame, or the captured frame when nothing applied or the
// module failed.
func (p *Pipeline) process(j job, hs *handlerSet) (result, bool) {
	pkt := j.pkt
	passthrough := result{ci: j.ci, data: j.orig, pkt: pkt}

	if j.err != nil {
		if !errors.Is(j.err, errFiltered) {
			p.metrics.NonIPv4.Add(1)
		}
		return passthrough, true
	}

	ip, err := ipv4.Parse(pkt, j.offset)
	if err != nil {
		p.metrics.NonIPv4.Add(1)
		metrics.DissectErrorsTotal.WithLabelValues("ipv4", "parse").Inc()
		return passthrough, true
	}

	if p.cfg.VerifyChecksum && !ip.VerifyChecksum() {
		p.metrics.ChecksumFailures.Add(1)
		metrics.ChecksumFailuresTotal.WithLabelValues("ipv4").Inc()
		p.logger.Debug("ipv4 checksum mismatch", "seq", pkt.Seq(), "src", ip.Src().String(), "dst", ip.Dst().String())
	}

	h, ok := hs.byProto[ip.Protocol()]
	if !ok {
		p.metrics.NoHandler.Add(1)
		return passthrough, true
	}

	verdict, err := h.Handle(ip)
	p.metrics.Handled.Add(1)
	metrics.PacketsTotal.WithLabelValues("handled").Inc()
	if err != nil {
		p.metrics.HandlerErrors.Add(1)
		p.logger.Debug("packet module failed", "module", h.Info().Name, "seq", pkt.Seq(), "error", err)
		return passthrough, true
	}
	if verdict == api.VerdictDrop {
		p.metrics.Dropped.Add(1)
		metrics.PacketsTotal.WithLabelValues("dropped").Inc()
		return result{}, false
	}

	if err := ip.Forge(); err != nil {
		p.metrics.HandlerErrors.Add(1)
		p.logger.Debug("ipv4 forge failed", "seq", pkt.Seq(), "error", err)
		return passthrough, true
	}
	if pkt.Copies() > 0 {
		p.metrics.Copied.Add(1)
		metrics.BufferCopiesTotal.Inc()
	}

	return result{ci: j.ci, data: pkt.Data(), pkt: pkt}, true
}
