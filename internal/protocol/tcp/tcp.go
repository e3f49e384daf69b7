// Package tcp dissects TCP segments carried over IPv4.
//
// A View reads header fields straight out of the packet buffer. The first
// mutation swaps the overlay to a private, writable copy obtained from the
// IPv4 layer; from then on every read and write goes to that copy. Any
// mutation marks the checksum stale, and Forge recomputes it.
package tcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/pktforge/internal/checksum"
	"firestige.xyz/pktforge/internal/core"
)

const (
	// ProtocolNumber is the IPv4 protocol number of TCP.
	ProtocolNumber = 6
	// HeaderMinLen is the size of the fixed TCP header.
	HeaderMinLen = 20
	// HeaderMaxLen is the largest header a 4-bit data offset can describe.
	HeaderMaxLen = 60

	offSrcPort  = 0
	offDstPort  = 2
	offSeq      = 4
	offAck      = 8
	offDataOff  = 12
	offFlags    = 13
	offWindow   = 14
	offChecksum = 16
	offUrgent   = 18
)

// Flags holds the nine TCP control bits (NS through FIN).
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

// Has reports whether all bits in f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	names := [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR", "NS"}
	s := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	if s == "" {
		return "none"
	}
	return s
}

// IPv4 is what a View needs from the network layer underneath it.
type IPv4 interface {
	PayloadLength() int
	Payload() []byte
	PayloadModifiable() ([]byte, error)
	HeaderLength() int
	Protocol() uint8
	Src() netip.Addr
	Dst() netip.Addr
}

type overlayKind uint8

const (
	borrowed overlayKind = iota // aliases the packet's shared bytes, read only
	owned                       // aliases the packet's private writable copy
)

// overlay is the TCP segment (header and payload) the view points at.
type overlay struct {
	kind overlayKind
	buf  []byte
}

// View is a TCP header and payload overlaid on an IPv4 packet. A View is
// owned by one goroutine and must not outlive its packet.
type View struct {
	ip            IPv4
	seg           overlay
	modified      bool
	checksumDirty bool
	released      bool
}

// Dissect builds a View over the IPv4 payload. No bytes are copied.
func Dissect(ip IPv4) (*View, error) {
	n := ip.PayloadLength()
	if n < HeaderMinLen {
		return nil, fmt.Errorf("tcp header needs %d bytes, segment has %d: %w", HeaderMinLen, n, core.ErrTooShort)
	}
	if proto := ip.Protocol(); proto != ProtocolNumber {
		return nil, fmt.Errorf("ip protocol %d is not tcp: %w", proto, core.ErrWrongProtocol)
	}

	seg := ip.Payload()
	if len(seg) < n {
		return nil, fmt.Errorf("ip payload has %d of %d bytes: %w", len(seg), n, core.ErrTooShort)
	}

	return &View{
		ip:  ip,
		seg: overlay{kind: borrowed, buf: seg[:n]},
	}, nil
}

// preModify promotes the overlay to a writable copy on first use and marks
// the checksum stale.
func (v *View) preModify() error {
	if v.released {
		return core.ErrViewReleased
	}
	if v.seg.kind == borrowed {
		buf, err := v.ip.PayloadModifiable()
		if err != nil {
			return fmt.Errorf("tcp modify: %w", err)
		}
		if len(buf) < len(v.seg.buf) {
			return fmt.Errorf("tcp modify: writable payload has %d of %d bytes: %w",
				len(buf), len(v.seg.buf), core.ErrAllocationFailed)
		}
		v.seg = overlay{kind: owned, buf: buf[:len(v.seg.buf)]}
		v.modified = true
	}
	v.checksumDirty = true
	return nil
}

func (v *View) uint16At(off int) uint16 {
	if v.released {
		return 0
	}
	return binary.BigEndian.Uint16(v.seg.buf[off:])
}

func (v *View) uint32At(off int) uint32 {
	if v.released {
		return 0
	}
	return binary.BigEndian.Uint32(v.seg.buf[off:])
}

func (v *View) setUint16(off int, val uint16) error {
	if err := v.preModify(); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(v.seg.buf[off:], val)
	return nil
}

func (v *View) setUint32(off int, val uint32) error {
	if err := v.preModify(); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(v.seg.buf[off:], val)
	return nil
}

// SrcPort returns the source port.
func (v *View) SrcPort() uint16 { return v.uint16At(offSrcPort) }

// DstPort returns the destination port.
func (v *View) DstPort() uint16 { return v.uint16At(offDstPort) }

// Seq returns the sequence number.
func (v *View) Seq() uint32 { return v.uint32At(offSeq) }

// Ack returns the acknowledgment number.
func (v *View) Ack() uint32 { return v.uint32At(offAck) }

// Window returns the receive window.
func (v *View) Window() uint16 { return v.uint16At(offWindow) }

// Checksum returns the stored checksum field, stale if ChecksumDirty.
func (v *View) Checksum() uint16 { return v.uint16At(offChecksum) }

// Urgent returns the urgent pointer.
func (v *View) Urgent() uint16 { return v.uint16At(offUrgent) }

// DataOffset returns the header length in 32-bit words as stored.
func (v *View) DataOffset() uint8 {
	if v.released {
		return 0
	}
	return v.seg.buf[offDataOff] >> 4
}

// HeaderLength returns the header length in bytes as declared by the data
// offset. The value comes off the wire and is not validated here.
func (v *View) HeaderLength() int {
	return int(v.DataOffset()) * 4
}

// Flags returns the control bits.
func (v *View) Flags() Flags {
	if v.released {
		return 0
	}
	return Flags(v.seg.buf[offFlags]) | Flags(v.seg.buf[offDataOff]&0x01)<<8
}

// SetSrcPort rewrites the source port.
func (v *View) SetSrcPort(port uint16) error { return v.setUint16(offSrcPort, port) }

// SetDstPort rewrites the destination port.
func (v *View) SetDstPort(port uint16) error { return v.setUint16(offDstPort, port) }

// SetSeq rewrites the sequence number.
func (v *View) SetSeq(seq uint32) error { return v.setUint32(offSeq, seq) }

// SetAck rewrites the acknowledgment number.
func (v *View) SetAck(ack uint32) error { return v.setUint32(offAck, ack) }

// SetWindow rewrites the receive window.
func (v *View) SetWindow(window uint16) error { return v.setUint16(offWindow, window) }

// SetUrgent rewrites the urgent pointer.
func (v *View) SetUrgent(urgent uint16) error { return v.setUint16(offUrgent, urgent) }

// SetFlags rewrites the control bits, keeping the data offset and the
// reserved bits.
func (v *View) SetFlags(f Flags) error {
	if err := v.preModify(); err != nil {
		return err
	}
	v.seg.buf[offFlags] = byte(f)
	v.seg.buf[offDataOff] = v.seg.buf[offDataOff]&^0x01 | byte(f>>8)&0x01
	return nil
}

// SetDataOffset rewrites the header length, in 32-bit words. The new
// header must fit in the segment.
func (v *View) SetDataOffset(words uint8) error {
	if v.released {
		return core.ErrViewReleased
	}
	hl := int(words) * 4
	if hl < HeaderMinLen || hl > HeaderMaxLen || hl > len(v.seg.buf) {
		return fmt.Errorf("tcp data offset %d words for %d byte segment: %w", words, len(v.seg.buf), core.ErrBadHeaderLength)
	}
	if err := v.preModify(); err != nil {
		return err
	}
	v.seg.buf[offDataOff] = words<<4 | v.seg.buf[offDataOff]&0x0F
	return nil
}

// headerLength returns the declared header length after checking it
// against the segment.
func (v *View) headerLength() (int, error) {
	if v.released {
		return 0, core.ErrViewReleased
	}
	hl := v.HeaderLength()
	if hl < HeaderMinLen || hl > len(v.seg.buf) {
		return 0, fmt.Errorf("tcp header length %d for %d byte segment: %w", hl, len(v.seg.buf), core.ErrBadHeaderLength)
	}
	return hl, nil
}

// Options returns the option bytes between the fixed header and the payload.
func (v *View) Options() ([]byte, error) {
	hl, err := v.headerLength()
	if err != nil {
		return nil, err
	}
	return v.seg.buf[HeaderMinLen:hl], nil
}

// PayloadLength returns the number of bytes after the header.
func (v *View) PayloadLength() (int, error) {
	hl, err := v.headerLength()
	if err != nil {
		return 0, err
	}
	return len(v.seg.buf) - hl, nil
}

// Payload returns the bytes after the header. Callers must not write to it.
func (v *View) Payload() ([]byte, error) {
	hl, err := v.headerLength()
	if err != nil {
		return nil, err
	}
	return v.seg.buf[hl:], nil
}

// PayloadModifiable returns the bytes after the header for writing. It
// promotes the view exactly like a field mutator.
func (v *View) PayloadModifiable() ([]byte, error) {
	if _, err := v.headerLength(); err != nil {
		return nil, err
	}
	if err := v.preModify(); err != nil {
		return nil, err
	}
	return v.Payload()
}

func (v *View) sum() uint16 {
	return checksum.TransportIPv4(v.ip.Src().As4(), v.ip.Dst().As4(), ProtocolNumber, v.seg.buf)
}

// VerifyChecksum reports whether the stored checksum matches the segment
// and its pseudo-header. It never modifies the packet.
func (v *View) VerifyChecksum() bool {
	if v.released {
		return false
	}
	return v.sum() == 0
}

// ComputeChecksum recomputes the checksum and stores it.
func (v *View) ComputeChecksum() error {
	if err := v.preModify(); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(v.seg.buf[offChecksum:], 0)
	binary.BigEndian.PutUint16(v.seg.buf[offChecksum:], v.sum())
	v.checksumDirty = false
	return nil
}

// Forge brings derived fields up to date. It must run before the packet
// leaves the pipeline if the view was modified.
func (v *View) Forge() error {
	if v.released {
		return core.ErrViewReleased
	}
	if !v.checksumDirty {
		return nil
	}
	return v.ComputeChecksum()
}

// Release discards the view. It does not forge and does not touch the packet.
func (v *View) Release() {
	v.released = true
	v.seg = overlay{}
	v.ip = nil
}

// Modified reports whether the view has switched to a writable copy.
func (v *View) Modified() bool { return v.modified }

// ChecksumDirty reports whether the stored checksum is stale.
func (v *View) ChecksumDirty() bool { return v.checksumDirty }

// Released reports whether Release was called.
func (v *View) Released() bool { return v.released }
