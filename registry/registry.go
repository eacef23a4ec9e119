// Package registry implements the channel processor's device registry:
// the table mapping a device id to its owning rank, last known
// position, antenna parameters, supported frequencies, and last-seen
// timestamp, plus the mutation rules that keep it correct under
// idempotent registration and out-of-order position updates.
package registry

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Device is one entry in the registry: the owning rank, position,
// antenna gain, supported frequencies, and liveness bookkeeping for a
// single radio.
type Device struct {
	DeviceID       uint32
	OwningRank     uint32
	NodeID         uint32
	PhyIndex       uint32
	PosX, PosY, PosZ float64
	AntennaGainDB  float64
	Frequencies    []uint32 // empty means "all frequencies accepted"
	LastSeenNS     uint64
	Active         bool
}

// idKey is the tuple registration idempotency is keyed on.
type idKey struct {
	rank     uint32
	nodeID   uint32
	phyIndex uint32
}

func (d *Device) key() idKey {
	return idKey{rank: d.OwningRank, nodeID: d.NodeID, phyIndex: d.PhyIndex}
}

// Registry is the channel processor's exclusively-owned device table.
// It is not safe for concurrent use from more than one goroutine; all
// mutation happens inside the processor's single-threaded receive loop.
type Registry struct {
	nextID   uint32
	byID     map[uint32]*Device
	byIDKey  map[idKey]uint32
}

// New constructs an empty registry. Device ids start at 1 so that 0
// can serve as the wire protocol's "not applicable" sentinel.
func New() *Registry {
	return &Registry{
		nextID:  1,
		byID:    make(map[uint32]*Device),
		byIDKey: make(map[idKey]uint32),
	}
}

// Register allocates (or recovers) a device id for the given
// idempotency tuple. A second registration with the same
// (sourceRank, nodeID, phyIndex) tuple returns the previously assigned
// id and refreshes position/frequencies instead of inserting a
// duplicate record.
func (r *Registry) Register(sourceRank, nodeID, phyIndex uint32, x, y, z, antennaGainDB float64, frequencies []uint32, nowNS uint64) uint32 {
	key := idKey{rank: sourceRank, nodeID: nodeID, phyIndex: phyIndex}
	if id, present := r.byIDKey[key]; present {
		dev := r.byID[id]
		dev.PosX, dev.PosY, dev.PosZ = x, y, z
		dev.Frequencies = append([]uint32(nil), frequencies...)
		dev.AntennaGainDB = antennaGainDB
		dev.LastSeenNS = nowNS
		dev.Active = true
		return id
	}

	id := r.nextID
	r.nextID += 1

	dev := &Device{
		DeviceID:      id,
		OwningRank:    sourceRank,
		NodeID:        nodeID,
		PhyIndex:      phyIndex,
		PosX:          x,
		PosY:          y,
		PosZ:          z,
		AntennaGainDB: antennaGainDB,
		Frequencies:   append([]uint32(nil), frequencies...),
		LastSeenNS:    nowNS,
		Active:        true,
	}
	r.byID[id] = dev
	r.byIDKey[key] = id
	return id
}

// Deregister removes the device record for deviceID. If the id is
// unknown this is a silent no-op.
func (r *Registry) Deregister(deviceID uint32) {
	dev, present := r.byID[deviceID]
	if !present {
		return
	}
	delete(r.byIDKey, dev.key())
	delete(r.byID, deviceID)
}

// UpdatePosition updates a device's position and LastSeenNS. A
// position update whose eventTimestampNS is strictly older than the
// device's current LastSeenNS is discarded. Returns false
// if the device is unknown or the update was discarded.
func (r *Registry) UpdatePosition(deviceID uint32, x, y, z float64, eventTimestampNS uint64) bool {
	dev, present := r.byID[deviceID]
	if !present {
		return false
	}
	if eventTimestampNS < dev.LastSeenNS {
		return false
	}
	dev.PosX, dev.PosY, dev.PosZ = x, y, z
	dev.LastSeenNS = eventTimestampNS
	return true
}

// Get returns a copy of the device record for deviceID and whether it
// was found.
func (r *Registry) Get(deviceID uint32) (Device, bool) {
	dev, present := r.byID[deviceID]
	if !present {
		return Device{}, false
	}
	return *dev, true
}

// SnapshotAll returns copies of every live device record, ordered by
// ascending DeviceID so the propagation engine's fan-out is
// deterministic.
func (r *Registry) SnapshotAll() []Device {
	ids := make([]uint32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.byID[id])
	}
	return out
}

// Len returns the number of live device records.
func (r *Registry) Len() int {
	return len(r.byID)
}

// ValidateOwnership returns an error if deviceID is unknown or its
// owning rank does not match sourceRank, the cross-check the channel
// processor applies to every incoming message naming a device.
func (r *Registry) ValidateOwnership(deviceID, sourceRank uint32) error {
	dev, present := r.byID[deviceID]
	if !present {
		return fmt.Errorf("registry: unknown device id %d", deviceID)
	}
	if dev.OwningRank != sourceRank {
		return fmt.Errorf("registry: device %d owned by rank %d, message claims rank %d",
			deviceID, dev.OwningRank, sourceRank)
	}
	return nil
}

// SupportsFrequency reports whether dev accepts the given frequency: an
// empty Frequencies set accepts everything.
func (d *Device) SupportsFrequency(freqHz uint32) bool {
	if len(d.Frequencies) == 0 {
		return true
	}
	for _, f := range d.Frequencies {
		if f == freqHz {
			return true
		}
	}
	return false
}
