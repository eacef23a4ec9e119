package fabric

// loopback.go implements an in-process Adapter used by the single-
// process demo harness and by tests that want real channel processor
// and channel stub code talking to each other without a TCP mesh. It
// is a full Adapter implementation rather than a special case buried
// inside the processor or stub, so the code paths under test are the
// same ones the distributed transport drives.

import (
	"fmt"
	"sync"
)

const sendQueueDepth = 256

type inboundMsg struct {
	sourceRank uint32
	bytes      []byte
}

// LoopbackFabric connects a fixed set of ranks in a single process.
// Every rank sharing a LoopbackFabric must be constructed via NewHub,
// which returns one Adapter per rank, each reading and writing the
// same shared set of per-rank queues.
type LoopbackFabric struct {
	rank      uint32
	worldSize uint32
	hub       *loopbackHub
}

type loopbackHub struct {
	mu         sync.Mutex
	queues     map[uint32]chan inboundMsg
	safeTimeNS uint64
}

// NewHub builds worldSize LoopbackFabric adapters, ranks 0..worldSize-1,
// sharing one set of queues so that a Send from one is observed by a
// Drain on another within the same process.
func NewHub(worldSize uint32) []*LoopbackFabric {
	hub := &loopbackHub{queues: make(map[uint32]chan inboundMsg, worldSize)}
	for r := uint32(0); r < worldSize; r++ {
		hub.queues[r] = make(chan inboundMsg, sendQueueDepth)
	}
	adapters := make([]*LoopbackFabric, worldSize)
	for r := uint32(0); r < worldSize; r++ {
		adapters[r] = &LoopbackFabric{rank: r, worldSize: worldSize, hub: hub}
	}
	return adapters
}

// Identity implements Adapter.
func (f *LoopbackFabric) Identity() (uint32, uint32) {
	return f.rank, f.worldSize
}

// Send implements Adapter.
func (f *LoopbackFabric) Send(targetRank uint32, bytes []byte, tag Tag) error {
	f.hub.mu.Lock()
	q, present := f.hub.queues[targetRank]
	f.hub.mu.Unlock()
	if !present {
		return errUnknownTarget(targetRank)
	}
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	select {
	case q <- inboundMsg{sourceRank: f.rank, bytes: cp}:
		return nil
	default:
		return errQueueSaturated(targetRank)
	}
}

// Drain implements Adapter.
func (f *LoopbackFabric) Drain(callback DrainCallback) {
	f.hub.mu.Lock()
	own := f.hub.queues[f.rank]
	f.hub.mu.Unlock()
	for {
		select {
		case msg := <-own:
			callback(msg.sourceRank, tagForBytes(msg.bytes), msg.bytes)
		default:
			return
		}
	}
}

// BarrierTimeNS implements Adapter. All ranks sharing a hub observe the
// same barrier time; SetBarrierTimeNS advances it for everyone, since a
// single process has no real conservative-synchronization boundary.
func (f *LoopbackFabric) BarrierTimeNS() uint64 {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.hub.safeTimeNS
}

// SetBarrierTimeNS advances the shared barrier time.
func (f *LoopbackFabric) SetBarrierTimeNS(ns uint64) {
	f.hub.mu.Lock()
	f.hub.safeTimeNS = ns
	f.hub.mu.Unlock()
}

// Close implements Adapter. Closing one rank's view does not tear down
// the shared hub; it only stops accepting further sends to this rank.
func (f *LoopbackFabric) Close() error {
	f.hub.mu.Lock()
	delete(f.hub.queues, f.rank)
	f.hub.mu.Unlock()
	return nil
}

func errUnknownTarget(rank uint32) error {
	return fmt.Errorf("fabric: no loopback queue for rank %d", rank)
}

func errQueueSaturated(rank uint32) error {
	return fmt.Errorf("fabric: loopback queue to rank %d saturated", rank)
}
