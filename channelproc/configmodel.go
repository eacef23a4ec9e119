package channelproc

// configmodel.go is the model extension point behind CONFIG_LOSS_MODEL
// and CONFIG_DELAY_MODEL: the messages carry an opaque parameter blob
// the core never introspects beyond routing it, unchanged, to these
// wrappers. The wrappers do not look at type_hash: whatever its value,
// they apply the free-space default plus one configurable extension, an
// additive offset covering shadowing/fading and extra cable loss, and
// behave exactly as free space when the offset attribute is absent. A
// malformed offset attribute surfaces as a model error on evaluation.

import (
	"fmt"
	"strconv"

	"github.com/iti/wifi-mpi-channel/mrnes"
	"github.com/iti/wifi-mpi-channel/propagation"
)

// configuredLossModel wraps the free-space default with an optional
// additive "extra_loss_db" attribute carried in a CONFIG_LOSS_MODEL's
// opaque parameter blob.
type configuredLossModel struct {
	spec     *mrnes.ModelSpec
	fallback propagation.LossModel
}

func newConfiguredLossModel(spec *mrnes.ModelSpec) propagation.LossModel {
	return &configuredLossModel{spec: spec, fallback: propagation.FreeSpaceLossModel{}}
}

func (m *configuredLossModel) Evaluate(txPos, rxPos [3]float64, txPowerW float64, freqHz uint32) (float64, float64, error) {
	rxPowerW, lossDB, err := m.fallback.Evaluate(txPos, rxPos, txPowerW, freqHz)
	if err != nil {
		return 0, 0, err
	}
	extraDB, err := floatAttrb(m.spec, "extra_loss_db")
	if err != nil {
		return 0, 0, fmt.Errorf("propagation: configured loss model: %w", err)
	}
	if extraDB == 0 {
		return rxPowerW, lossDB, nil
	}
	lossDB += extraDB
	dbm := propagation.WattsToDBm(txPowerW) - lossDB
	return propagation.DBmToWatts(dbm), lossDB, nil
}

// configuredDelayModel wraps the free-space default with an optional
// additive "extra_delay_ns" attribute.
type configuredDelayModel struct {
	spec     *mrnes.ModelSpec
	fallback propagation.DelayModel
}

func newConfiguredDelayModel(spec *mrnes.ModelSpec) propagation.DelayModel {
	return &configuredDelayModel{spec: spec, fallback: propagation.FreeSpaceDelayModel{}}
}

func (m *configuredDelayModel) Evaluate(txPos, rxPos [3]float64) (uint64, error) {
	delayNS, err := m.fallback.Evaluate(txPos, rxPos)
	if err != nil {
		return 0, err
	}
	extraNS, err := floatAttrb(m.spec, "extra_delay_ns")
	if err != nil {
		return 0, fmt.Errorf("propagation: configured delay model: %w", err)
	}
	if extraNS < 0 {
		return 0, fmt.Errorf("propagation: configured delay model: negative extra_delay_ns")
	}
	return delayNS + uint64(extraNS), nil
}

// floatAttrb returns 0 if name is absent, the parsed value if present
// and well-formed, or an error if present and malformed.
func floatAttrb(spec *mrnes.ModelSpec, name string) (float64, error) {
	v, present := spec.Get(name)
	if !present {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return f, nil
}
