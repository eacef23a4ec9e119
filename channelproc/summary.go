package channelproc

// summary.go accumulates the per-run summary: every non-fatal drop is
// counted by error kind and by message type, every emitted
// RX_NOTIFICATION contributes a received-power and propagation-delay
// sample, and the whole thing can be dumped to YAML or JSON at the end
// of a run.

import (
	"encoding/json"
	"os"
	"path"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/iti/wifi-mpi-channel/chanerr"
	"github.com/iti/wifi-mpi-channel/wire"
)

// RunSummary accumulates non-fatal drop counts and reception samples
// for the lifetime of one Processor.
type RunSummary struct {
	ByKind    map[string]uint64 `json:"by_kind" yaml:"by_kind"`
	ByMsgType map[string]uint64 `json:"by_msg_type" yaml:"by_msg_type"`
	Total     uint64            `json:"total" yaml:"total"`

	rxPowerDBm []float64
	delayNS    []float64
}

func newRunSummary() *RunSummary {
	return &RunSummary{
		ByKind:    make(map[string]uint64),
		ByMsgType: make(map[string]uint64),
	}
}

// Record counts one non-fatal drop.
func (s *RunSummary) Record(kind chanerr.Kind, msgType wire.MessageType) {
	s.ByKind[kind.String()] += 1
	s.ByMsgType[msgType.String()] += 1
	s.Total += 1
}

// RecordReception adds one emitted RX_NOTIFICATION's received power
// and propagation delay to the run's sample set.
func (s *RunSummary) RecordReception(rxPowerDBm float64, delayNS uint64) {
	s.rxPowerDBm = append(s.rxPowerDBm, rxPowerDBm)
	s.delayNS = append(s.delayNS, float64(delayNS))
}

// ReceptionStats summarizes every reception the processor emitted.
type ReceptionStats struct {
	Count            int     `json:"count" yaml:"count"`
	MeanRxPowerDBm   float64 `json:"mean_rx_power_dbm" yaml:"mean_rx_power_dbm"`
	StdDevRxPowerDBm float64 `json:"stddev_rx_power_dbm" yaml:"stddev_rx_power_dbm"`
	MinRxPowerDBm    float64 `json:"min_rx_power_dbm" yaml:"min_rx_power_dbm"`
	MaxRxPowerDBm    float64 `json:"max_rx_power_dbm" yaml:"max_rx_power_dbm"`
	MeanDelayNS      float64 `json:"mean_delay_ns" yaml:"mean_delay_ns"`
	MaxDelayNS       float64 `json:"max_delay_ns" yaml:"max_delay_ns"`
}

// ReceptionStats computes the summary statistics over the receptions
// recorded so far. A run with no receptions yields the zero value.
func (s *RunSummary) ReceptionStats() ReceptionStats {
	if len(s.rxPowerDBm) == 0 {
		return ReceptionStats{}
	}
	sd := 0.0
	if len(s.rxPowerDBm) > 1 {
		sd = stat.StdDev(s.rxPowerDBm, nil)
	}
	return ReceptionStats{
		Count:            len(s.rxPowerDBm),
		MeanRxPowerDBm:   stat.Mean(s.rxPowerDBm, nil),
		StdDevRxPowerDBm: sd,
		MinRxPowerDBm:    floats.Min(s.rxPowerDBm),
		MaxRxPowerDBm:    floats.Max(s.rxPowerDBm),
		MeanDelayNS:      stat.Mean(s.delayNS, nil),
		MaxDelayNS:       floats.Max(s.delayNS),
	}
}

// runSummaryDump is the serialized shape of a RunSummary: the drop
// counters plus the computed reception statistics.
type runSummaryDump struct {
	ByKind     map[string]uint64 `json:"by_kind" yaml:"by_kind"`
	ByMsgType  map[string]uint64 `json:"by_msg_type" yaml:"by_msg_type"`
	Total      uint64            `json:"total" yaml:"total"`
	Receptions ReceptionStats    `json:"receptions" yaml:"receptions"`
}

// WriteToFile serializes the summary to filename, selecting YAML or
// JSON encoding from the file extension, matching every other
// WriteToFile helper in this module.
func (s *RunSummary) WriteToFile(filename string) error {
	dump := runSummaryDump{
		ByKind:     s.ByKind,
		ByMsgType:  s.ByMsgType,
		Total:      s.Total,
		Receptions: s.ReceptionStats(),
	}

	pathExt := path.Ext(filename)
	var bytes []byte
	var err error
	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, err = yaml.Marshal(dump)
	} else {
		bytes, err = json.MarshalIndent(dump, "", "\t")
	}
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(bytes)
	return err
}
