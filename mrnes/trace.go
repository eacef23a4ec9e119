package mrnes

// trace.go holds the TraceManager and the record types it accumulates
// while a channel processor or channel stub runs. The channel processor
// records registry operations (registration, position update,
// deregistration), propagation evaluations and the messages it sends;
// the stub records the messages it sends. Reception and drop events are
// not traced. The accumulated records can be flushed to YAML or JSON
// for post-run analysis.

import (
	"encoding/json"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"sort"
	"strconv"
)

type TraceRecordType int

const (
	WireType TraceRecordType = iota
	RegistryType
	PropagationType
)

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager implements the pces TraceManager interface. It is
// use to gather information about a simulation model and an execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)  // dictionary of id code -> (name,type)
	tm.Traces = make(map[int][]TraceInst) // traces have 'execution' origins, are saved by index to these
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, execID int, trace TraceInst) {

	// return if we aren't using the trace manager
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[execID]
	if !present {
		tm.Traces[execID] = make([]TraceInst, 0)
	}
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if !globalOrder {
		if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
			bytes, merr = yaml.Marshal(*tm)
		} else if pathExt == ".json" || pathExt == ".JSON" {
			bytes, merr = json.MarshalIndent(*tm, "", "\t")
		}

		if merr != nil {
			panic(merr)
		}
	} else {
		ntm := new(TraceManager)
		ntm.InUse = tm.InUse
		ntm.ExpName = tm.ExpName
		ntm.NameByID = make(map[int]NameType)
		for key, value := range tm.NameByID {
			ntm.NameByID[key] = value
		}
		ntm.Traces = make(map[int][]TraceInst)
		ntm.Traces[0] = make([]TraceInst, 0)
		for _, valueList := range tm.Traces {
			ntm.Traces[0] = append(ntm.Traces[0], valueList...)
		}

		sort.Slice(ntm.Traces[0], func(i, j int) bool {
			v1, _ := strconv.ParseFloat(ntm.Traces[0][i].TraceTime, 64)
			v2, _ := strconv.ParseFloat(ntm.Traces[0][j].TraceTime, 64)
			return v1 < v2
		})
		if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
			bytes, merr = yaml.Marshal(*ntm)
		} else if pathExt == ".json" || pathExt == ".JSON" {
			bytes, merr = json.MarshalIndent(*ntm, "", "\t")
		}

		if merr != nil {
			panic(merr)
		}
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	err := f.Close()
	if err != nil {
		panic(err)
	}
	return true
}

// WireTrace records the passage of one wire message through either the
// channel processor's receive loop or a channel stub's receive loop.
type WireTrace struct {
	Time        float64 // simulation time, seconds
	Ticks       int64
	SourceRank  int
	DestRank    int
	DeviceID    int
	SequenceNum int
	MsgType     string
	Op          string // "recv", "send", "drop", "ack"
}

func (wt *WireTrace) TraceType() TraceRecordType {
	return WireType
}

func (wt *WireTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*wt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddWireTrace adds a WireTrace record for the given message event.
func AddWireTrace(tm *TraceManager, vrt vrtime.Time, sourceRank, destRank, deviceID, seq int, msgType, op string) {
	if !tm.InUse {
		return
	}
	wt := new(WireTrace)
	wt.Time = vrt.Seconds()
	wt.Ticks = vrt.Ticks()
	wt.SourceRank = sourceRank
	wt.DestRank = destRank
	wt.DeviceID = deviceID
	wt.SequenceNum = seq
	wt.MsgType = msgType
	wt.Op = op

	traceTime := strconv.FormatFloat(wt.Time, 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: "wire", TraceStr: wt.Serialize()}
	tm.AddTrace(vrt, deviceID, trcInst)
}

// RegistryTrace records a mutation of the device registry.
type RegistryTrace struct {
	Time     float64
	DeviceID int
	Rank     int
	Op       string // "register", "deregister", "position", "reject"
}

func (rt *RegistryTrace) TraceType() TraceRecordType {
	return RegistryType
}

func (rt *RegistryTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*rt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

func AddRegistryTrace(tm *TraceManager, vrt vrtime.Time, deviceID, rank int, op string) {
	if !tm.InUse {
		return
	}
	rt := new(RegistryTrace)
	rt.Time = vrt.Seconds()
	rt.DeviceID = deviceID
	rt.Rank = rank
	rt.Op = op

	traceTime := strconv.FormatFloat(rt.Time, 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: "registry", TraceStr: rt.Serialize()}
	tm.AddTrace(vrt, deviceID, trcInst)
}

// PropagationTrace records one reception descriptor (or gating decision)
// the propagation engine produced for a given transmission.
type PropagationTrace struct {
	Time          float64
	TransmitterID int
	ReceiverID    int
	RxPowerW      float64
	PathLossDB    float64
	DistanceM     float64
	PropDelayNS   int64
	Gated         bool // true if the receiver was skipped (freq/threshold/self)
	GateReason    string
}

func (pt *PropagationTrace) TraceType() TraceRecordType {
	return PropagationType
}

func (pt *PropagationTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*pt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

func AddPropagationTrace(tm *TraceManager, vrt vrtime.Time, txID, rxID int, rxPowerW, pathLossDB, distanceM float64, propDelayNS int64, gated bool, reason string) {
	if !tm.InUse {
		return
	}
	pt := new(PropagationTrace)
	pt.Time = vrt.Seconds()
	pt.TransmitterID = txID
	pt.ReceiverID = rxID
	pt.RxPowerW = rxPowerW
	pt.PathLossDB = pathLossDB
	pt.DistanceM = distanceM
	pt.PropDelayNS = propDelayNS
	pt.Gated = gated
	pt.GateReason = reason

	traceTime := strconv.FormatFloat(pt.Time, 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: "propagation", TraceStr: pt.Serialize()}
	tm.AddTrace(vrt, txID, trcInst)
}

// SortedKeys returns the keys of Traces in ascending order, useful for
// deterministic dump ordering in tests and in the per-run summary.
func (tm *TraceManager) SortedKeys() []int {
	keys := make([]int, 0, len(tm.Traces))
	for k := range tm.Traces {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
