// Package ipv4 overlays an IPv4 header on a captured packet.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/pktforge/internal/checksum"
	"firestige.xyz/pktforge/internal/core"
	"firestige.xyz/pktforge/internal/packet"
	"firestige.xyz/pktforge/pkg/module"
)

const (
	// HeaderMinLen is the size of an IPv4 header without options.
	HeaderMinLen = 20

	offTotalLen = 2
	offFlags    = 6
	offTTL      = 8
	offProto    = 9
	offChecksum = 10
	offSrc      = 12
	offDst      = 16
)

var _ module.IPv4 = (*Packet)(nil)

// Packet is an IPv4 view over a packet.Packet. Reads always go through the
// packet's current buffer, so a copy made by any layer is seen by all.
type Packet struct {
	pkt       *packet.Packet
	offset    int // start of the IPv4 header inside the frame
	headerLen int
	totalLen  int
	dirty     bool
}

// Parse validates the IPv4 header that starts at offset inside pkt.
func Parse(pkt *packet.Packet, offset int) (*Packet, error) {
	data := pkt.Data()
	if offset < 0 || offset > len(data) {
		return nil, fmt.Errorf("ipv4 offset %d: %w", offset, core.ErrBadHeaderLength)
	}
	avail := len(data) - offset
	if avail < HeaderMinLen {
		return nil, fmt.Errorf("ipv4 header needs %d bytes, have %d: %w", HeaderMinLen, avail, core.ErrTooShort)
	}

	hdr := data[offset:]
	if version := hdr[0] >> 4; version != 4 {
		return nil, fmt.Errorf("ip version %d: %w", version, core.ErrWrongProtocol)
	}

	// IHL is in 32-bit words
	headerLen := int(hdr[0]&0x0F) * 4
	if headerLen < HeaderMinLen || headerLen > avail {
		return nil, fmt.Errorf("ipv4 ihl %d with %d bytes available: %w", headerLen, avail, core.ErrBadHeaderLength)
	}

	totalLen := int(binary.BigEndian.Uint16(hdr[offTotalLen:]))
	if totalLen < headerLen {
		return nil, fmt.Errorf("ipv4 total length %d below header length %d: %w", totalLen, headerLen, core.ErrBadHeaderLength)
	}
	if totalLen > avail {
		return nil, fmt.Errorf("ipv4 total length %d, captured %d: %w", totalLen, avail, core.ErrTooShort)
	}

	return &Packet{
		pkt:       pkt,
		offset:    offset,
		headerLen: headerLen,
		totalLen:  totalLen,
	}, nil
}

func (p *Packet) header() []byte {
	return p.pkt.Data()[p.offset : p.offset+p.headerLen]
}

// Underlying returns the packet this header belongs to.
func (p *Packet) Underlying() *packet.Packet {
	return p.pkt
}

// HeaderLength returns the IPv4 header length including options.
func (p *Packet) HeaderLength() int {
	return p.headerLen
}

// TotalLength returns the total datagram length declared by the header.
func (p *Packet) TotalLength() int {
	return p.totalLen
}

// PayloadLength returns the number of bytes after the IPv4 header.
func (p *Packet) PayloadLength() int {
	return p.totalLen - p.headerLen
}

// Payload returns the bytes after the IPv4 header. Link-layer padding past
// the declared total length is excluded.
func (p *Packet) Payload() []byte {
	return p.pkt.Data()[p.offset+p.headerLen : p.offset+p.totalLen]
}

// PayloadModifiable returns a writable payload, copying the packet first if
// it is still shared.
func (p *Packet) PayloadModifiable() ([]byte, error) {
	data, err := p.pkt.DataModifiable()
	if err != nil {
		return nil, err
	}
	return data[p.offset+p.headerLen : p.offset+p.totalLen], nil
}

// Protocol returns the transport protocol number.
func (p *Packet) Protocol() uint8 {
	return p.header()[offProto]
}

// TTL returns the time-to-live field.
func (p *Packet) TTL() uint8 {
	return p.header()[offTTL]
}

// IsFragment reports whether the datagram is a fragment.
func (p *Packet) IsFragment() bool {
	flagsOffset := binary.BigEndian.Uint16(p.header()[offFlags:])
	moreFragments := (flagsOffset & 0x2000) != 0
	fragmentOffset := flagsOffset & 0x1FFF
	return moreFragments || fragmentOffset != 0
}

// Src returns the source address.
func (p *Packet) Src() netip.Addr {
	return netip.AddrFrom4([4]byte(p.header()[offSrc : offSrc+4]))
}

// Dst returns the destination address.
func (p *Packet) Dst() netip.Addr {
	return netip.AddrFrom4([4]byte(p.header()[offDst : offDst+4]))
}

// Checksum returns the header checksum field.
func (p *Packet) Checksum() uint16 {
	return binary.BigEndian.Uint16(p.header()[offChecksum:])
}

func (p *Packet) modifiableHeader() ([]byte, error) {
	data, err := p.pkt.DataModifiable()
	if err != nil {
		return nil, err
	}
	p.dirty = true
	return data[p.offset : p.offset+p.headerLen], nil
}

// SetTTL rewrites the time-to-live field.
func (p *Packet) SetTTL(ttl uint8) error {
	hdr, err := p.modifiableHeader()
	if err != nil {
		return err
	}
	hdr[offTTL] = ttl
	return nil
}

// SetSrc rewrites the source address. Transport checksums covering the
// pseudo-header are not tracked here; the caller recomputes them with
// ComputeChecksum on the transport view.
func (p *Packet) SetSrc(addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("source %s is not an ipv4 address", addr)
	}
	hdr, err := p.modifiableHeader()
	if err != nil {
		return err
	}
	a := addr.As4()
	copy(hdr[offSrc:offSrc+4], a[:])
	return nil
}

// SetDst rewrites the destination address. See SetSrc for transport
// checksums.
func (p *Packet) SetDst(addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("destination %s is not an ipv4 address", addr)
	}
	hdr, err := p.modifiableHeader()
	if err != nil {
		return err
	}
	a := addr.As4()
	copy(hdr[offDst:offDst+4], a[:])
	return nil
}

// ChecksumDirty reports whether a header field changed since the header
// checksum was last computed.
func (p *Packet) ChecksumDirty() bool {
	return p.dirty
}

// VerifyChecksum reports whether the header checksum is valid.
func (p *Packet) VerifyChecksum() bool {
	return checksum.Checksum(p.header()) == 0
}

// ComputeChecksum recomputes and stores the header checksum.
func (p *Packet) ComputeChecksum() error {
	hdr, err := p.modifiableHeader()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(hdr[offChecksum:], 0)
	binary.BigEndian.PutUint16(hdr[offChecksum:], checksum.Checksum(hdr))
	p.dirty = false
	return nil
}

// Forge recomputes the header checksum if a field changed.
func (p *Packet) Forge() error {
	if !p.dirty {
		return nil
	}
	return p.ComputeChecksum()
}
