// Package propagation implements the pure propagation engine: given a
// transmission descriptor and a registry snapshot, it yields reception
// descriptors for every frequency-compatible, above-threshold
// candidate receiver, in deterministic device-id order.
//
// Loss and delay models are consumed as pluggable, swappable
// evaluators behind the LossModel / DelayModel interfaces and never
// introspected by the engine itself; free-space defaults apply when no
// model is configured.
package propagation

import (
	"fmt"
	"math"

	"github.com/iti/wifi-mpi-channel/registry"
)

// SpeedOfLightMPS is c, used by the default delay model and the
// default free-space loss model.
const SpeedOfLightMPS = 299792458.0

// DBmToWatts and WattsToDBm are the single pair of helpers every
// dBm<->watts conversion in this module is routed through.
func DBmToWatts(dbm float64) float64 {
	return math.Pow(10, (dbm-30)/10)
}

func WattsToDBm(w float64) float64 {
	if w <= 0 {
		return math.Inf(-1)
	}
	return 10*math.Log10(w) + 30
}

// LossModel computes received power and path loss for one transmitter/
// receiver pair. Implementations are swappable; the engine never
// interprets a model's internal configuration.
type LossModel interface {
	Evaluate(txPos, rxPos [3]float64, txPowerW float64, freqHz uint32) (rxPowerW, pathLossDB float64, err error)
}

// DelayModel computes propagation delay, in nanoseconds, for one
// transmitter/receiver pair.
type DelayModel interface {
	Evaluate(txPos, rxPos [3]float64) (delayNS uint64, err error)
}

// FreeSpaceLossModel is the default model used when no external model
// is configured: L_dB = 20*log10(4*pi*d*f/c).
type FreeSpaceLossModel struct{}

func (FreeSpaceLossModel) Evaluate(txPos, rxPos [3]float64, txPowerW float64, freqHz uint32) (float64, float64, error) {
	d := euclidean(txPos, rxPos)
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, 0, fmt.Errorf("propagation: distance out of range")
	}
	if d == 0 {
		return txPowerW, 0, nil
	}
	lossDB := 20 * math.Log10(4*math.Pi*d*float64(freqHz)/SpeedOfLightMPS)
	txDBm := WattsToDBm(txPowerW)
	rxDBm := txDBm - lossDB
	return DBmToWatts(rxDBm), lossDB, nil
}

// FreeSpaceDelayModel is the default delay model: distance / c.
type FreeSpaceDelayModel struct{}

func (FreeSpaceDelayModel) Evaluate(txPos, rxPos [3]float64) (uint64, error) {
	d := euclidean(txPos, rxPos)
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, fmt.Errorf("propagation: distance out of range")
	}
	ns := d / SpeedOfLightMPS * 1e9
	return uint64(math.Round(ns)), nil
}

func euclidean(a, b [3]float64) float64 {
	return math.Sqrt((a[0]-b[0])*(a[0]-b[0]) + (a[1]-b[1])*(a[1]-b[1]) + (a[2]-b[2])*(a[2]-b[2]))
}

// TransmissionDescriptor is the ephemeral input constructed on receipt
// of a TX_REQUEST; it lives for one call into the engine.
type TransmissionDescriptor struct {
	TransmitterDeviceID uint32
	TxPowerW            float64
	FrequencyHz         uint32
	Payload             []byte
	TxVector            []byte
	TxTimestampNS       uint64
	SequenceNumber      uint32
}

// ReceptionDescriptor is emitted per surviving candidate receiver and
// backs one RX_NOTIFICATION message.
type ReceptionDescriptor struct {
	TargetDeviceID       uint32
	TargetRank           uint32
	RxPowerW             float64
	PathLossDB           float64
	DistanceM            float64
	PropagationDelayNS   uint64
	ReceptionTimestampNS uint64
	Payload              []byte
	TxVector             []byte
}

// GateObserver, if non-nil, is invoked once per candidate receiver
// considered, reporting whether it was gated out and why, or the
// computed reception parameters when it was not. Channel processors
// wire this to a trace sink without coupling this package to any
// particular logging/trace mechanism.
type GateObserver func(candidateDeviceID uint32, gated bool, reason string, rxPowerW, pathLossDB, distanceM float64, delayNS uint64)

// Engine evaluates transmissions against a registry snapshot.
// ReceptionThresholdW is the configurable linear-power floor below
// which a candidate receiver is skipped. A nil LossModel/DelayModel
// falls back to the free-space defaults.
type Engine struct {
	LossModel           LossModel
	DelayModel          DelayModel
	ReceptionThresholdW float64
}

// New constructs an Engine with the free-space defaults and the given
// reception threshold.
func New(receptionThresholdW float64) *Engine {
	return &Engine{
		LossModel:           FreeSpaceLossModel{},
		DelayModel:          FreeSpaceDelayModel{},
		ReceptionThresholdW: receptionThresholdW,
	}
}

// Evaluate runs the propagation engine for one transmission against
// reg's current snapshot, in ascending device-id order.
func (e *Engine) Evaluate(reg *registry.Registry, tx TransmissionDescriptor, observe GateObserver) ([]ReceptionDescriptor, error) {
	if tx.TxPowerW <= 0 {
		// Negative or zero transmitter power: treated as a no-op, dropped silently.
		return nil, nil
	}

	transmitter, present := reg.Get(tx.TransmitterDeviceID)
	if !present {
		return nil, fmt.Errorf("propagation: transmitter %d not registered", tx.TransmitterDeviceID)
	}
	txPos := [3]float64{transmitter.PosX, transmitter.PosY, transmitter.PosZ}

	lossModel := e.LossModel
	if lossModel == nil {
		lossModel = FreeSpaceLossModel{}
	}
	delayModel := e.DelayModel
	if delayModel == nil {
		delayModel = FreeSpaceDelayModel{}
	}

	snapshot := reg.SnapshotAll() // already ascending by DeviceID
	out := make([]ReceptionDescriptor, 0, len(snapshot))

	for _, r := range snapshot {
		if r.DeviceID == transmitter.DeviceID {
			continue
		}
		if !r.SupportsFrequency(tx.FrequencyHz) {
			if observe != nil {
				observe(r.DeviceID, true, "frequency_mismatch", 0, 0, 0, 0)
			}
			continue
		}

		rxPos := [3]float64{r.PosX, r.PosY, r.PosZ}
		distance := euclidean(txPos, rxPos)
		if math.IsInf(distance, 0) || math.IsNaN(distance) {
			if observe != nil {
				observe(r.DeviceID, true, "distance_overflow", 0, 0, distance, 0)
			}
			continue
		}

		rxPowerW, pathLossDB, err := lossModel.Evaluate(txPos, rxPos, tx.TxPowerW, tx.FrequencyHz)
		if err != nil {
			if observe != nil {
				observe(r.DeviceID, true, "model_error", 0, 0, distance, 0)
			}
			continue
		}

		if rxPowerW < e.ReceptionThresholdW {
			if observe != nil {
				observe(r.DeviceID, true, "below_threshold", rxPowerW, pathLossDB, distance, 0)
			}
			continue
		}

		delayNS, err := delayModel.Evaluate(txPos, rxPos)
		if err != nil {
			if observe != nil {
				observe(r.DeviceID, true, "model_error", rxPowerW, pathLossDB, distance, 0)
			}
			continue
		}

		if observe != nil {
			observe(r.DeviceID, false, "", rxPowerW, pathLossDB, distance, delayNS)
		}

		out = append(out, ReceptionDescriptor{
			TargetDeviceID:       r.DeviceID,
			TargetRank:           r.OwningRank,
			RxPowerW:             rxPowerW,
			PathLossDB:           pathLossDB,
			DistanceM:            distance,
			PropagationDelayNS:   delayNS,
			ReceptionTimestampNS: tx.TxTimestampNS + delayNS,
			Payload:              tx.Payload,
			TxVector:             tx.TxVector,
		})
	}

	return out, nil
}
