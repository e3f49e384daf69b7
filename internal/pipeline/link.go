package pipeline

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pktforge/internal/core"
)

// errNotIPv4 marks frames that carry something other than IPv4. They are
// forwarded untouched.
var errNotIPv4 = fmt.Errorf("not ipv4: %w", core.ErrUnsupportedProto)

// IPv4Offset returns where the IPv4 header starts in a frame of the given
// link type. Ethernet frames may carry one or more 802.1Q tags.
func IPv4Offset(link layers.LinkType, data []byte) (int, error) {
	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		if len(data) == 0 || data[0]>>4 != 4 {
			return 0, errNotIPv4
		}
		return 0, nil

	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return 0, fmt.Errorf("ethernet: %w", err)
		}
		etype := eth.EthernetType
		rest := eth.Payload
		for etype == layers.EthernetTypeDot1Q || etype == layers.EthernetTypeQinQ {
			var tag layers.Dot1Q
			if err := tag.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
				return 0, fmt.Errorf("802.1q: %w", err)
			}
			etype = tag.Type
			rest = tag.Payload
		}
		if etype != layers.EthernetTypeIPv4 {
			return 0, errNotIPv4
		}
		return len(data) - len(rest), nil

	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return 0, fmt.Errorf("linux sll: %w", err)
		}
		if sll.EthernetType != layers.EthernetTypeIPv4 {
			return 0, errNotIPv4
		}
		return len(data) - len(sll.Payload), nil

	default:
		return 0, fmt.Errorf("link type %s: %w", link, core.ErrUnsupportedProto)
	}
}
