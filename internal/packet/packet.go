// Package packet wraps captured frames with a copy-on-write buffer.
//
// The captured bytes usually belong to the source (a ring buffer or a
// reader's scratch space). A Packet shares them for reading and makes a
// single private copy the first time a caller asks for a writable buffer.
package packet

import (
	"fmt"
	"time"

	"firestige.xyz/pktforge/internal/core"
)

// Allocator returns a zeroed buffer of n bytes.
type Allocator func(n int) ([]byte, error)

// Option configures a Packet.
type Option func(*Packet)

// WithAllocator replaces the allocator used for the copy-on-write copy.
func WithAllocator(alloc Allocator) Option {
	return func(p *Packet) {
		p.alloc = alloc
	}
}

// Packet is a captured frame. It is not safe for concurrent use; a packet
// is processed to completion by one worker.
type Packet struct {
	raw    core.RawPacket
	data   []byte
	owned  bool
	closed bool
	copies int
	alloc  Allocator
}

func defaultAllocator(n int) ([]byte, error) {
	return make([]byte, n), nil
}

// New wraps raw without copying its data.
func New(raw core.RawPacket, opts ...Option) *Packet {
	p := &Packet{
		raw:   raw,
		data:  raw.Data,
		alloc: defaultAllocator,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromBytes wraps data captured now.
func FromBytes(data []byte, opts ...Option) *Packet {
	return New(core.RawPacket{
		Data:       data,
		Timestamp:  time.Now(),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}, opts...)
}

// Data returns the current bytes of the packet. Callers must not write to it.
func (p *Packet) Data() []byte {
	return p.data
}

// Len returns the number of captured bytes.
func (p *Packet) Len() int {
	return len(p.data)
}

// DataModifiable returns a buffer the caller may write to. The first call
// copies the captured bytes; later calls return the same copy.
func (p *Packet) DataModifiable() ([]byte, error) {
	if p.closed {
		return nil, fmt.Errorf("packet closed: %w", core.ErrAllocationFailed)
	}
	if p.owned {
		return p.data, nil
	}

	p.copies++
	buf, err := p.alloc(len(p.data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrAllocationFailed, err)
	}
	if len(buf) < len(p.data) {
		return nil, fmt.Errorf("%w: allocator returned %d bytes, need %d",
			core.ErrAllocationFailed, len(buf), len(p.data))
	}
	buf = buf[:len(p.data)]
	copy(buf, p.data)
	p.data = buf
	p.owned = true
	return p.data, nil
}

// Modified reports whether the packet owns a private copy of its bytes.
func (p *Packet) Modified() bool {
	return p.owned
}

// Copies returns how many times a modifiable copy was requested from the
// allocator. It never exceeds one for a successful packet.
func (p *Packet) Copies() int {
	return p.copies
}

// Timestamp returns the capture time.
func (p *Packet) Timestamp() time.Time {
	return p.raw.Timestamp
}

// Seq returns the arrival order assigned by the source.
func (p *Packet) Seq() uint64 {
	return p.raw.Seq
}

// Raw returns the capture metadata with the current bytes.
func (p *Packet) Raw() core.RawPacket {
	raw := p.raw
	raw.Data = p.data
	raw.CaptureLen = uint32(len(p.data))
	return raw
}

// Close marks the packet as done. Further modifiable requests fail.
func (p *Packet) Close() {
	p.closed = true
}
