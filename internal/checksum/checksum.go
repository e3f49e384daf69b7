// Package checksum implements the Internet checksum (RFC 1071) and the
// IPv4 transport pseudo-header used by TCP and UDP.
package checksum

import "encoding/binary"

// PseudoHeaderLen is the size of the IPv4 pseudo-header in bytes.
const PseudoHeaderLen = 12

// Sum accumulates b as big-endian 16-bit words into a 32-bit partial sum.
// A trailing odd byte is treated as the high half of a zero-padded word.
// The result is not folded.
func Sum(b []byte) uint32 {
	return add(0, b)
}

func add(sum uint32, b []byte) uint32 {
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
		// keep headroom for the next word
		if sum&0x80000000 != 0 {
			sum = (sum & 0xffff) + (sum >> 16)
		}
	}
	if i < n {
		sum += uint32(b[i]) << 8
	}
	return sum
}

// Fold reduces a partial sum to 16 bits with end-around carry.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// Checksum returns the one's-complement of the folded sum of b.
func Checksum(b []byte) uint16 {
	return ^Fold(Sum(b))
}

// Combine adds two folded partial sums in one's-complement arithmetic.
func Combine(a, b uint16) uint16 {
	return Fold(uint32(a) + uint32(b))
}

// PseudoHeaderIPv4 returns the partial sum of the IPv4 pseudo-header:
// source, destination, a zero byte, the protocol number and the segment
// length in network byte order.
func PseudoHeaderIPv4(src, dst [4]byte, proto uint8, length uint16) uint32 {
	var ph [PseudoHeaderLen]byte
	copy(ph[0:4], src[:])
	copy(ph[4:8], dst[:])
	ph[8] = 0
	ph[9] = proto
	binary.BigEndian.PutUint16(ph[10:12], length)
	return Sum(ph[:])
}

// TransportIPv4 returns the transport checksum of segment (header plus
// payload) carried over IPv4. The pseudo-header and segment sums are added
// before the single final complement.
//
// Computing: zero the checksum field, call TransportIPv4, store the result.
// Verifying: call TransportIPv4 on the segment as received; valid segments
// yield 0.
func TransportIPv4(src, dst [4]byte, proto uint8, segment []byte) uint16 {
	sum := PseudoHeaderIPv4(src, dst, proto, uint16(len(segment)))
	return ^Fold(add(sum, segment))
}
