package module

import (
	"fmt"
	"net/netip"
)

// Verdict is what a packet module decides for a packet.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// IPv4 is the datagram a packet module receives. Payload aliases the
// captured frame; PayloadModifiable copies it on first use. Forge restores
// the header checksum after a header field changed. Transport checksums
// are the handler's business, including after SetSrc or SetDst.
type IPv4 interface {
	HeaderLength() int
	TotalLength() int
	PayloadLength() int
	Payload() []byte
	PayloadModifiable() ([]byte, error)
	Protocol() uint8
	TTL() uint8
	IsFragment() bool
	Src() netip.Addr
	Dst() netip.Addr
	SetTTL(ttl uint8) error
	SetSrc(addr netip.Addr) error
	SetDst(addr netip.Addr) error
	Forge() error
}

// PacketHandler is implemented by packet modules that own a transport
// protocol. Handle runs on a pipeline worker; the packet is exclusively
// owned by that worker for the duration of the call. A handler that
// modifies the packet must forge it before returning.
type PacketHandler interface {
	Descriptor
	Protocol() uint8
	Handle(ip IPv4) (Verdict, error)
}
