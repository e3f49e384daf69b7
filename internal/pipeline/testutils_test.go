package pipeline

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

type frame struct {
	src, dst     net.IP
	sport, dport uint16
	vlan         uint16
	badTCPSum    bool
	udp          bool
}

func buildFrame(t *testing.T, f frame) []byte {
	t.Helper()
	if f.src == nil {
		f.src = net.IPv4(10, 0, 0, 1)
	}
	if f.dst == nil {
		f.dst = net.IPv4(10, 0, 0, 2)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    f.src,
		DstIP:    f.dst,
	}

	var ls []gopacket.SerializableLayer
	ls = append(ls, eth)
	if f.vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: f.vlan, Type: layers.EthernetTypeIPv4})
	}
	ls = append(ls, ip)

	if f.udp {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.sport), DstPort: layers.UDPPort(f.dport)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		ls = append(ls, udp)
	} else {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(f.sport),
			DstPort: layers.TCPPort(f.dport),
			Seq:     1,
			ACK:     true,
			Window:  1024,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		ls = append(ls, tcp)
	}
	ls = append(ls, gopacket.Payload("payload"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))

	data := append([]byte(nil), buf.Bytes()...)
	if f.badTCPSum {
		// TCP checksum sits 16 bytes into the segment
		off := len(data) - len("payload") - 20 + 16
		data[off] ^= 0xff
	}
	return data
}

func decode(t *testing.T, data []byte) gopacket.Packet {
	t.Helper()
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, p.ErrorLayer())
	return p
}

type sliceSource struct {
	link   layers.LinkType
	frames [][]byte
	next   int
	err    error
}

func (s *sliceSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.next >= len(s.frames) {
		if s.err != nil {
			return nil, gopacket.CaptureInfo{}, s.err
		}
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data := s.frames[s.next]
	s.next++
	return data, gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000, int64(s.next)),
		CaptureLength: len(data),
		Length:        len(data),
	}, nil
}

func (s *sliceSource) LinkType() layers.LinkType { return s.link }

type memSink struct {
	mu      sync.Mutex
	packets [][]byte
	failAt  int
}

func (s *memSink) WritePacket(_ gopacket.CaptureInfo, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.packets)+1 == s.failAt {
		return io.ErrClosedPipe
	}
	s.packets = append(s.packets, append([]byte(nil), data...))
	return nil
}

func (s *memSink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}
