package mrnes

// topo.go holds the bootstrap description of a single radio device:
// a position, an antenna gain, an operating frequency, and a name for
// diagnostics. A RadioFrame is the mutable construction-time form; its
// Transform() yields the serializable RadioDesc stored in YAML/JSON
// scenario files.

import (
	"encoding/json"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path"
)

var numberOfRadios int

// RadioDesc is the serializable projection of a RadioFrame, suitable
// for loading bootstrap/demo scenarios from YAML or JSON.
type RadioDesc struct {
	Name      string  `json:"name" yaml:"name"`
	Rank      int     `json:"rank" yaml:"rank"`
	NodeID    int     `json:"nodeid" yaml:"nodeid"`
	PhyIndex  int     `json:"phyindex" yaml:"phyindex"`
	X         float64 `json:"x" yaml:"x"`
	Y         float64 `json:"y" yaml:"y"`
	Z         float64 `json:"z" yaml:"z"`
	FreqHz    uint32  `json:"freqhz" yaml:"freqhz"`
	AntennaDB float64 `json:"antennadb" yaml:"antennadb"`
}

// RadioFrame is the pre-serialization, constructor-built representation
// of a radio device to be registered with a channel processor.
type RadioFrame struct {
	Name      string
	Rank      int
	NodeID    int
	PhyIndex  int
	X, Y, Z   float64
	FreqHz    uint32
	AntennaDB float64
}

// DefaultRadioName returns a unique name for a radio lacking an explicit one.
func DefaultRadioName() string {
	return fmt.Sprintf("radio.(%d)", numberOfRadios)
}

// CreateRadio is a constructor. An empty name is replaced by a generated one.
func CreateRadio(name string, rank, nodeID, phyIndex int) *RadioFrame {
	rf := new(RadioFrame)
	numberOfRadios += 1

	if len(name) == 0 {
		name = DefaultRadioName()
	}
	rf.Name = name
	rf.Rank = rank
	rf.NodeID = nodeID
	rf.PhyIndex = phyIndex
	rf.FreqHz = 2412000000 // default channel 1, 2.4GHz band
	rf.AntennaDB = 0.0

	return rf
}

// SetPosition sets the radio's Cartesian position, in meters.
func (rf *RadioFrame) SetPosition(x, y, z float64) {
	rf.X, rf.Y, rf.Z = x, y, z
}

// SetFrequency sets the radio's operating frequency, in Hz.
func (rf *RadioFrame) SetFrequency(freqHz uint32) {
	rf.FreqHz = freqHz
}

// SetAntennaGain sets the radio's antenna gain, in dB.
func (rf *RadioFrame) SetAntennaGain(gainDB float64) {
	rf.AntennaDB = gainDB
}

// Transform returns a serializable RadioDesc, transformed from a RadioFrame.
func (rf *RadioFrame) Transform() RadioDesc {
	rd := new(RadioDesc)
	rd.Name = rf.Name
	rd.Rank = rf.Rank
	rd.NodeID = rf.NodeID
	rd.PhyIndex = rf.PhyIndex
	rd.X, rd.Y, rd.Z = rf.X, rf.Y, rf.Z
	rd.FreqHz = rf.FreqHz
	rd.AntennaDB = rf.AntennaDB
	return *rd
}

// RadioDescSlice is a named slice type for use inside a ScenarioCfg.
type RadioDescSlice []RadioDesc

// ScenarioCfg contains all of the radios in one named bootstrap/demo scenario.
type ScenarioCfg struct {
	Name   string         `json:"name" yaml:"name"`
	Radios RadioDescSlice `json:"radios" yaml:"radios"`
}

// ScenarioCfgDict holds instances of ScenarioCfg, keyed by name.
type ScenarioCfgDict struct {
	DictName string                 `json:"dictname" yaml:"dictname"`
	Cfgs     map[string]ScenarioCfg `json:"cfgs" yaml:"cfgs"`
}

// CreateScenarioCfgDict is a constructor.
func CreateScenarioCfgDict(name string) *ScenarioCfgDict {
	scd := new(ScenarioCfgDict)
	scd.DictName = name
	scd.Cfgs = make(map[string]ScenarioCfg)
	return scd
}

// AddScenarioCfg includes a ScenarioCfg in the dictionary, optionally
// returning an error if one with the same name is already present.
func (scd *ScenarioCfgDict) AddScenarioCfg(sc *ScenarioCfg, overwrite bool) error {
	if !overwrite {
		if _, present := scd.Cfgs[sc.Name]; present {
			return fmt.Errorf("attempt to overwrite ScenarioCfg %s in ScenarioCfgDict", sc.Name)
		}
	}
	scd.Cfgs[sc.Name] = *sc
	return nil
}

// RecoverScenarioCfg returns a copy of the named ScenarioCfg and whether it was found.
func (scd *ScenarioCfgDict) RecoverScenarioCfg(name string) (*ScenarioCfg, bool) {
	sc, present := scd.Cfgs[name]
	if present {
		return &sc, true
	}
	return nil, false
}

// WriteToFile serializes the ScenarioCfgDict to the named file, selecting
// json or yaml encoding from the file extension.
func (scd *ScenarioCfgDict) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*scd)
	} else {
		bytes, merr = json.MarshalIndent(*scd, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	defer f.Close()
	_, werr := f.WriteString(string(bytes[:]))
	return werr
}

// ReadScenarioCfgDict deserializes a ScenarioCfgDict from bytes, or from
// the named file when dict is empty.
func ReadScenarioCfgDict(filename string, useYAML bool, dict []byte) (*ScenarioCfgDict, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	scd := ScenarioCfgDict{}
	if useYAML {
		err = yaml.Unmarshal(dict, &scd)
	} else {
		err = json.Unmarshal(dict, &scd)
	}
	if err != nil {
		return nil, err
	}

	return &scd, nil
}
