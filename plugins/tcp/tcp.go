// Package tcp is the built-in packet module for TCP over IPv4. It can
// verify checksums, rewrite ports and clear urgent data, and forges every
// segment it touched.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/pflag"

	"firestige.xyz/pktforge/internal/core"
	"firestige.xyz/pktforge/internal/metrics"
	tcpproto "firestige.xyz/pktforge/internal/protocol/tcp"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "tcp"

// Stats counts what the module did. All fields are cumulative.
type Stats struct {
	Handled      uint64
	Fragments    uint64
	DissectError uint64
	BadChecksum  uint64
	Rewritten    uint64
	Forged       uint64
	Dropped      uint64
}

// Module implements module.PacketHandler for protocol 6.
type Module struct {
	verify      bool
	dropInvalid bool
	clearUrgent bool
	refresh     bool
	portMap     map[uint16]uint16

	handled      atomic.Uint64
	fragments    atomic.Uint64
	dissectError atomic.Uint64
	badChecksum  atomic.Uint64
	rewritten    atomic.Uint64
	forged       atomic.Uint64
	dropped      atomic.Uint64
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "TCP over IPv4: checksum verification, port rewriting, forging",
		Author:      "pktforge",
		Kind:        module.KindPacket,
	}
}

// Init implements module.Descriptor.
//
//	--verify           verify checksums and count failures
//	--drop-invalid     drop segments whose checksum fails (implies --verify)
//	--map-port a:b     rewrite port a to b on either side, repeatable
//	--clear-urgent     clear URG and the urgent pointer
//	--refresh          recompute the checksum of every segment
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	verify := fs.Bool("verify", false, "verify checksums")
	dropInvalid := fs.Bool("drop-invalid", false, "drop segments with bad checksums")
	clearUrgent := fs.Bool("clear-urgent", false, "clear urgent data")
	refresh := fs.Bool("refresh", false, "recompute every checksum")
	mappings := fs.StringArray("map-port", nil, "port rewrite from:to")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("tcp module args: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("tcp module args: unexpected %q", fs.Args())
	}

	portMap, err := parsePortMap(*mappings)
	if err != nil {
		return err
	}

	m.verify = *verify || *dropInvalid
	m.dropInvalid = *dropInvalid
	m.clearUrgent = *clearUrgent
	m.refresh = *refresh
	m.portMap = portMap

	slog.Debug("tcp module initialized",
		"verify", m.verify,
		"drop_invalid", m.dropInvalid,
		"clear_urgent", m.clearUrgent,
		"refresh", m.refresh,
		"port_map", len(m.portMap))
	return nil
}

func parsePortMap(specs []string) (map[uint16]uint16, error) {
	out := make(map[uint16]uint16, len(specs))
	for _, spec := range specs {
		from, to, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --map-port %q: want from:to", spec)
		}
		f, err := strconv.ParseUint(from, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --map-port %q: %w", spec, err)
		}
		t, err := strconv.ParseUint(to, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --map-port %q: %w", spec, err)
		}
		if _, dup := out[uint16(f)]; dup {
			return nil, fmt.Errorf("port %d mapped twice", f)
		}
		out[uint16(f)] = uint16(t)
	}
	return out, nil
}

// Cleanup implements module.Descriptor.
func (m *Module) Cleanup() {
	s := m.Stats()
	slog.Info("tcp module cleanup",
		"handled", s.Handled,
		"fragments", s.Fragments,
		"bad_checksum", s.BadChecksum,
		"rewritten", s.Rewritten,
		"forged", s.Forged,
		"dropped", s.Dropped)
}

// Protocol implements module.PacketHandler.
func (m *Module) Protocol() uint8 { return tcpproto.ProtocolNumber }

// Handle implements module.PacketHandler. Dissection errors are returned
// with VerdictAccept so the packet passes through untouched. Fragments are
// accepted as is: only the first one carries the TCP header, and no single
// fragment carries the whole segment the checksum covers.
func (m *Module) Handle(ip module.IPv4) (module.Verdict, error) {
	m.handled.Add(1)

	if ip.IsFragment() {
		m.fragments.Add(1)
		return module.VerdictAccept, nil
	}

	v, err := tcpproto.Dissect(ip)
	if err != nil {
		m.dissectError.Add(1)
		metrics.DissectErrorsTotal.WithLabelValues(Name, reason(err)).Inc()
		return module.VerdictAccept, err
	}
	defer v.Release()

	if m.verify && !v.VerifyChecksum() {
		m.badChecksum.Add(1)
		metrics.ChecksumFailuresTotal.WithLabelValues(Name).Inc()
		slog.Debug("tcp checksum mismatch",
			"src", ip.Src().String(), "sport", v.SrcPort(),
			"dst", ip.Dst().String(), "dport", v.DstPort(),
			"checksum", v.Checksum())
		if m.dropInvalid {
			m.dropped.Add(1)
			return module.VerdictDrop, nil
		}
	}

	if err := m.rewrite(v); err != nil {
		return module.VerdictAccept, err
	}

	if m.refresh {
		if err := v.ComputeChecksum(); err != nil {
			return module.VerdictAccept, err
		}
		m.forged.Add(1)
		metrics.ForgesTotal.WithLabelValues(Name).Inc()
		return module.VerdictAccept, nil
	}

	if v.ChecksumDirty() {
		if err := v.Forge(); err != nil {
			return module.VerdictAccept, err
		}
		m.forged.Add(1)
		metrics.ForgesTotal.WithLabelValues(Name).Inc()
	}
	return module.VerdictAccept, nil
}

func (m *Module) rewrite(v *tcpproto.View) error {
	changed := false

	if to, ok := m.portMap[v.SrcPort()]; ok {
		if err := v.SetSrcPort(to); err != nil {
			return err
		}
		changed = true
	}
	if to, ok := m.portMap[v.DstPort()]; ok {
		if err := v.SetDstPort(to); err != nil {
			return err
		}
		changed = true
	}

	if m.clearUrgent {
		if f := v.Flags(); f.Has(tcpproto.FlagURG) {
			if err := v.SetFlags(f &^ tcpproto.FlagURG); err != nil {
				return err
			}
			changed = true
		}
		if v.Urgent() != 0 {
			if err := v.SetUrgent(0); err != nil {
				return err
			}
			changed = true
		}
	}

	if changed {
		m.rewritten.Add(1)
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, core.ErrTooShort):
		return "too_short"
	case errors.Is(err, core.ErrWrongProtocol):
		return "wrong_protocol"
	case errors.Is(err, core.ErrBadHeaderLength):
		return "bad_header_length"
	default:
		return "other"
	}
}

// Stats returns a snapshot of the module counters.
func (m *Module) Stats() Stats {
	return Stats{
		Handled:      m.handled.Load(),
		Fragments:    m.fragments.Load(),
		DissectError: m.dissectError.Load(),
		BadChecksum:  m.badChecksum.Load(),
		Rewritten:    m.rewritten.Load(),
		Forged:       m.forged.Load(),
		Dropped:      m.dropped.Load(),
	}
}
