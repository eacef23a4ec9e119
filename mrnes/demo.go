package mrnes

// demo.go generates synthetic device-placement scenarios for test and
// demo harnesses: rngstream-seeded uniform draws, consumed through a
// pre-drawn table, place radios on a plane and jitter their heartbeat
// offsets.

import (
	"fmt"

	"github.com/iti/rngstream"
)

const numDemoU01 = 4096

var demoU01List []float64

// seedDemoRNG lazily fills demoU01List exactly once.
func seedDemoRNG(streamName string) {
	if demoU01List != nil {
		return
	}
	rng := rngstream.New(streamName)
	demoU01List = make([]float64, numDemoU01)
	for idx := 0; idx < numDemoU01; idx++ {
		demoU01List[idx] = rng.RandU01()
	}
}

// nextDemoU01 returns pre-drawn uniforms round-robin, wrapping back to
// the start of the table once all numDemoU01 entries have been used.
var demoU01Idx int

func nextDemoU01() float64 {
	if demoU01List == nil {
		seedDemoRNG("wifidevd-demo")
	}
	v := demoU01List[demoU01Idx%len(demoU01List)]
	demoU01Idx += 1
	return v
}

// DemoScenarioParams configures a synthetic device-placement scenario.
type DemoScenarioParams struct {
	Name          string
	NumRadios     int
	Rank          int     // device rank hosting all radios placed by this call
	AreaSideM     float64 // radios placed uniformly in [0,AreaSideM]^2
	FreqHz        uint32
	HeartbeatJitterNS int64 // max absolute jitter applied to each radio's heartbeat phase
}

// BuildDemoScenario constructs a ScenarioCfg of NumRadios radios
// scattered uniformly at random over a square area, all sharing one
// frequency. Draws come from a process-wide table filled once, from the
// rngstream named by the first scenario built in the process; later
// calls continue from where the previous call left off in that table.
func BuildDemoScenario(p DemoScenarioParams) (*ScenarioCfg, []int64, error) {
	if p.NumRadios <= 0 {
		return nil, nil, fmt.Errorf("demo scenario requires NumRadios > 0, got %d", p.NumRadios)
	}
	seedDemoRNG(p.Name)

	sc := &ScenarioCfg{Name: p.Name, Radios: make(RadioDescSlice, 0, p.NumRadios)}
	heartbeatOffsets := make([]int64, p.NumRadios)

	for i := 0; i < p.NumRadios; i++ {
		x := nextDemoU01() * p.AreaSideM
		y := nextDemoU01() * p.AreaSideM

		rf := CreateRadio(fmt.Sprintf("%s-radio-%d", p.Name, i), p.Rank, i, 0)
		rf.SetPosition(x, y, 0)
		if p.FreqHz != 0 {
			rf.SetFrequency(p.FreqHz)
		}
		sc.Radios = append(sc.Radios, rf.Transform())

		jitter := int64((nextDemoU01()*2 - 1) * float64(p.HeartbeatJitterNS))
		heartbeatOffsets[i] = jitter
	}

	return sc, heartbeatOffsets, nil
}
