package pipeline

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/pktforge/internal/config"
	"firestige.xyz/pktforge/internal/core"
)

// DispatchStrategy determines how packets are distributed across workers.
type DispatchStrategy interface {
	// Dispatch returns the worker index (0-based) for the given flow.
	// numWorkers is guaranteed to be > 0.
	Dispatch(key core.FlowKey, numWorkers int) int

	// Name returns the strategy name for logging/metrics.
	Name() string
}

// FlowHashStrategy distributes packets by flow-hash (5-tuple FNV-1a).
// Same flow always goes to the same worker (flow affinity).
type FlowHashStrategy struct{}

func (s *FlowHashStrategy) Dispatch(key core.FlowKey, numWorkers int) int {
	return int(flowHash(key) % uint32(numWorkers))
}

func (s *FlowHashStrategy) Name() string { return config.DispatchFlowHash }

// RoundRobinStrategy distributes packets in round-robin order.
// Provides even load distribution but no flow affinity.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *RoundRobinStrategy) Dispatch(_ core.FlowKey, numWorkers int) int {
	return int(s.counter.Add(1) % uint64(numWorkers))
}

func (s *RoundRobinStrategy) Name() string { return config.DispatchRoundRobin }

// ConsistentHashStrategy places workers on a hash ring so that growing the
// pool moves only the flows that land on the new worker.
type ConsistentHashStrategy struct {
	ring  *hashring.HashRing
	nodes map[string]int
	size  int
}

// NewConsistentHashStrategy builds a ring of numWorkers nodes.
func NewConsistentHashStrategy(numWorkers int) *ConsistentHashStrategy {
	s := &ConsistentHashStrategy{}
	s.build(numWorkers)
	return s
}

func (s *ConsistentHashStrategy) build(numWorkers int) {
	names := make([]string, numWorkers)
	s.nodes = make(map[string]int, numWorkers)
	for i := range names {
		names[i] = "worker-" + strconv.Itoa(i)
		s.nodes[names[i]] = i
	}
	s.ring = hashring.New(names)
	s.size = numWorkers
}

func (s *ConsistentHashStrategy) Dispatch(key core.FlowKey, numWorkers int) int {
	if numWorkers != s.size {
		// pipelines fix the pool size up front; rebuild only if misused
		s.build(numWorkers)
	}
	node, ok := s.ring.GetNode(flowString(key))
	if !ok {
		return 0
	}
	return s.nodes[node]
}

func (s *ConsistentHashStrategy) Name() string { return config.DispatchConsistentHash }

// NewDispatchStrategy creates a dispatch strategy by name.
// Supported strategies: "flow-hash" (default), "round-robin", "consistent-hash".
func NewDispatchStrategy(name string, numWorkers int) DispatchStrategy {
	switch name {
	case config.DispatchRoundRobin:
		return &RoundRobinStrategy{}
	case config.DispatchConsistentHash:
		return NewConsistentHashStrategy(numWorkers)
	default:
		return &FlowHashStrategy{}
	}
}

// canonical orders the endpoints so both directions of a flow share a key.
func canonical(k core.FlowKey) core.FlowKey {
	if c := k.SrcIP.Compare(k.DstIP); c > 0 || (c == 0 && k.SrcPort > k.DstPort) {
		k.SrcIP, k.DstIP = k.DstIP, k.SrcIP
		k.SrcPort, k.DstPort = k.DstPort, k.SrcPort
	}
	return k
}

func flowHash(key core.FlowKey) uint32 {
	k := canonical(key)
	h := fnv.New32a()
	writeAddr(h, k.SrcIP)
	writeAddr(h, k.DstIP)
	var b [5]byte
	binary.BigEndian.PutUint16(b[0:2], k.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], k.DstPort)
	b[4] = k.Proto
	h.Write(b[:])
	return h.Sum32()
}

func writeAddr(h interface{ Write([]byte) (int, error) }, a netip.Addr) {
	if a.IsValid() {
		b := a.As16()
		h.Write(b[:])
	}
}

func flowString(key core.FlowKey) string {
	k := canonical(key)
	return k.SrcIP.String() + ":" + strconv.Itoa(int(k.SrcPort)) + "-" +
		k.DstIP.String() + ":" + strconv.Itoa(int(k.DstPort)) + "/" + strconv.Itoa(int(k.Proto))
}

// flowKey extracts the 5-tuple from an IPv4 header at off. Ports are read
// for TCP and UDP first fragments only. Frames that are not IPv4 get the
// zero key.
func flowKey(data []byte, off int) core.FlowKey {
	if off < 0 || len(data) < off+20 || data[off]>>4 != 4 {
		return core.FlowKey{}
	}
	hdr := data[off:]
	k := core.FlowKey{
		SrcIP: netip.AddrFrom4([4]byte(hdr[12:16])),
		DstIP: netip.AddrFrom4([4]byte(hdr[16:20])),
		Proto: hdr[9],
	}

	ihl := int(hdr[0]&0x0f) * 4
	fragOff := binary.BigEndian.Uint16(hdr[6:8]) & 0x1fff
	if (k.Proto == 6 || k.Proto == 17) && fragOff == 0 && ihl >= 20 && len(hdr) >= ihl+4 {
		k.SrcPort = binary.BigEndian.Uint16(hdr[ihl : ihl+2])
		k.DstPort = binary.BigEndian.Uint16(hdr[ihl+2 : ihl+4])
	}
	return k
}
