// Package core defines core types with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// RawPacket is a captured frame as handed over by a packet source.
type RawPacket struct {
	Data           []byte    // Raw frame data, zero-copy slice owned by the source
	Timestamp      time.Time // Capture timestamp
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int       // Network interface index
	Seq            uint64    // Arrival order inside the source
}

// FlowKey identifies a network flow by its 5-tuple.
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}
