package mrnes

// runcfg.go holds the per-process bootstrap configuration both rank
// binaries load before anything else: rank identity, the fabric's
// address book, and the handful of tunables the channel core exposes
// (reception threshold, registration timeout, position epsilon).
// Follows the same serialize-struct-to-yaml-or-json-by-extension
// convention every other dictionary in this package uses.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// RunCfg is one process's bootstrap configuration.
type RunCfg struct {
	ExpName     string `json:"expname" yaml:"expname"`
	Rank        uint32 `json:"rank" yaml:"rank"`
	WorldSize   uint32 `json:"worldsize" yaml:"worldsize"`
	ChannelRank uint32 `json:"channelrank" yaml:"channelrank"`

	// ListenAddr is the TCP address this rank accepts lower-rank peers
	// on; PeerAddrs maps every other rank to the address it listens on.
	ListenAddr string            `json:"listenaddr" yaml:"listenaddr"`
	PeerAddrs  map[uint32]string `json:"peeraddrs" yaml:"peeraddrs"`

	// ReceptionThresholdW is the linear-power floor below which a
	// candidate receiver is skipped. Meaningful on the channel rank only.
	ReceptionThresholdW float64 `json:"receptionthresholdw" yaml:"receptionthresholdw"`

	// RegistrationTimeoutMS and PositionEpsilonM tune the stub.
	RegistrationTimeoutMS int     `json:"registrationtimeoutms" yaml:"registrationtimeoutms"`
	PositionEpsilonM      float64 `json:"positionepsilonm" yaml:"positionepsilonm"`

	// MetricsAddr, when non-empty on the channel rank, serves the
	// Prometheus /metrics endpoint on this address.
	MetricsAddr string `json:"metricsaddr" yaml:"metricsaddr"`

	// TraceFile and SummaryFile name the post-run dump targets; an
	// empty name inhibits the dump.
	TraceFile   string `json:"tracefile" yaml:"tracefile"`
	SummaryFile string `json:"summaryfile" yaml:"summaryfile"`

	// Scenario names the ScenarioCfg a device rank registers at
	// bootstrap, drawn from ScenarioFile. Meaningful on device ranks only.
	ScenarioFile string `json:"scenariofile" yaml:"scenariofile"`
	Scenario     string `json:"scenario" yaml:"scenario"`
}

// Validate checks the rank arithmetic: ranks must fit the world, and
// there must be room for a channel rank plus at least one device rank.
func (rc *RunCfg) Validate() error {
	if rc.WorldSize < 2 {
		return fmt.Errorf("runcfg: worldsize %d, need at least a channel rank and one device rank", rc.WorldSize)
	}
	if rc.Rank >= rc.WorldSize {
		return fmt.Errorf("runcfg: rank %d outside world of size %d", rc.Rank, rc.WorldSize)
	}
	if rc.ChannelRank >= rc.WorldSize {
		return fmt.Errorf("runcfg: channelrank %d outside world of size %d", rc.ChannelRank, rc.WorldSize)
	}
	return nil
}

// WriteToFile stores the RunCfg to the file whose name is given,
// selecting yaml or json encoding from the extension.
func (rc *RunCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*rc)
	} else {
		bytes, merr = json.MarshalIndent(*rc, "", "\t")
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

// ReadRunCfg deserializes a RunCfg from bytes, or from the named file
// when cfg is empty.
func ReadRunCfg(filename string, useYAML bool, cfg []byte) (*RunCfg, error) {
	var err error
	if len(cfg) == 0 {
		cfg, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	rc := RunCfg{}
	if useYAML {
		err = yaml.Unmarshal(cfg, &rc)
	} else {
		err = json.Unmarshal(cfg, &rc)
	}
	if err != nil {
		return nil, err
	}

	return &rc, nil
}
