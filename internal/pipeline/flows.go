package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"

	"firestige.xyz/pktforge/internal/core"
)

// FlowStats counts the frames seen for one flow in both directions.
type FlowStats struct {
	Key     core.FlowKey
	Packets uint64
	Bytes   uint64
}

type flowCounters struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// FlowTable tracks per-flow counters for a pipeline run. Both directions of
// a flow share one entry. It is safe for concurrent use.
type FlowTable struct {
	data sync.Map // map[core.FlowKey]*flowCounters
}

// NewFlowTable creates an empty flow table.
func NewFlowTable() *FlowTable {
	return &FlowTable{}
}

// Record counts one frame of n bytes for key.
func (t *FlowTable) Record(key core.FlowKey, n int) {
	k := canonical(key)
	v, ok := t.data.Load(k)
	if !ok {
		v, _ = t.data.LoadOrStore(k, &flowCounters{})
	}
	c := v.(*flowCounters)
	c.packets.Add(1)
	c.bytes.Add(uint64(n))
}

// Get returns the counters for key in either direction.
func (t *FlowTable) Get(key core.FlowKey) (FlowStats, bool) {
	k := canonical(key)
	v, ok := t.data.Load(k)
	if !ok {
		return FlowStats{}, false
	}
	c := v.(*flowCounters)
	return FlowStats{Key: k, Packets: c.packets.Load(), Bytes: c.bytes.Load()}, true
}

// Count returns the number of flows.
// Note: This is O(n) as sync.Map doesn't track size.
func (t *FlowTable) Count() int {
	count := 0
	t.data.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Top returns the n flows with the most packets, busiest first.
func (t *FlowTable) Top(n int) []FlowStats {
	var all []FlowStats
	t.data.Range(func(k, v any) bool {
		c := v.(*flowCounters)
		all = append(all, FlowStats{Key: k.(core.FlowKey), Packets: c.packets.Load(), Bytes: c.bytes.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Packets != all[j].Packets {
			return all[i].Packets > all[j].Packets
		}
		return flowString(all[i].Key) < flowString(all[j].Key)
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Clear removes all flows.
func (t *FlowTable) Clear() {
	t.data.Range(func(key, _ any) bool {
		t.data.Delete(key)
		return true
	})
}
