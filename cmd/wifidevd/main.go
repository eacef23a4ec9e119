// wifidevd is the device-rank bootstrap binary and demo harness: it
// loads a RunCfg, joins the fabric mesh, attaches one demo radio per
// entry in the configured scenario (or a synthetic uniformly-placed
// scenario when none is configured), and drives periodic heartbeats
// and transmissions through the channel stub until a fatal channel
// error or a termination signal. It fails fast if run on the channel
// rank.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/iti/evt/evtm"
	"go.uber.org/zap"

	"github.com/iti/wifi-mpi-channel/fabric"
	"github.com/iti/wifi-mpi-channel/mrnes"
	"github.com/iti/wifi-mpi-channel/stub"
)

const pollInterval = time.Millisecond

// demoRadio carries one scenario radio's identity and receives
// deliveries from the stub, standing in for the PHY entry point an
// integrated simulator would supply.
type demoRadio struct {
	desc   mrnes.RadioDesc
	logger *zap.Logger

	received int
}

func (r *demoRadio) NodeID() uint32                  { return uint32(r.desc.NodeID) }
func (r *demoRadio) PhyIndex() uint32                { return uint32(r.desc.PhyIndex) }
func (r *demoRadio) Position() (x, y, z float64)     { return r.desc.X, r.desc.Y, r.desc.Z }
func (r *demoRadio) ChannelNumber() uint32           { return mrnes.FreqHzToChannelNumber(r.desc.FreqHz) }
func (r *demoRadio) ChannelWidthMHz() uint32         { return 20 }
func (r *demoRadio) PhyType() uint32                 { return 0 }

func (r *demoRadio) Receive(rx stub.Reception) {
	r.received += 1
	r.logger.Info("reception delivered",
		zap.String("radio", r.desc.Name),
		zap.Uint32("transmitter", rx.TransmitterDeviceID),
		zap.Float64("rx_power_dbm", rx.RxPowerDBm),
		zap.Float64("distance_m", rx.DistanceM),
		zap.Uint64("delay_ns", rx.PropagationDelayNS))
}

func main() {
	cfgFile := flag.String("cfg", "wifidevd.yaml", "run configuration file (yaml or json)")
	useTrace := flag.Bool("trace", true, "accumulate trace records for the post-run dump")
	numDemo := flag.Int("demo-radios", 4, "synthetic radio count when no scenario file is configured")
	txEvery := flag.Duration("tx-every", time.Second, "interval between demo transmissions (0 disables)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wifidevd: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := mrnes.ReadRunCfg(*cfgFile, isYAML(*cfgFile), nil)
	if err != nil {
		logger.Fatal("read run configuration", zap.String("file", *cfgFile), zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid run configuration", zap.Error(err))
	}
	if cfg.Rank == cfg.ChannelRank {
		logger.Fatal("wifidevd must not run on the channel rank", zap.Uint32("rank", cfg.Rank))
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	expName := cfg.ExpName
	if expName == "" {
		expName = "wifichan"
	}
	trace := mrnes.CreateTraceManager(expName+"-"+runID, *useTrace)

	scenario, err := loadScenario(cfg, *numDemo)
	if err != nil {
		logger.Fatal("scenario bootstrap", zap.Error(err))
	}

	fab, err := fabric.DialMesh(cfg.Rank, cfg.WorldSize, cfg.ListenAddr, cfg.PeerAddrs)
	if err != nil {
		logger.Fatal("fabric bootstrap", zap.Error(err))
	}

	evtMgr := evtm.New()
	chanStub, err := stub.New(cfg.Rank, cfg.ChannelRank, fab, evtMgr, logger, trace)
	if err != nil {
		logger.Fatal("channel stub bootstrap", zap.Error(err))
	}
	if cfg.RegistrationTimeoutMS > 0 {
		chanStub.SetRegistrationTimeout(time.Duration(cfg.RegistrationTimeoutMS) * time.Millisecond)
	}
	if cfg.PositionEpsilonM > 0 {
		chanStub.SetPositionEpsilonM(cfg.PositionEpsilonM)
	}

	radios := make([]*demoRadio, 0, len(scenario.Radios))
	for _, rd := range scenario.Radios {
		if rd.Rank != int(cfg.Rank) {
			continue
		}
		radio := &demoRadio{desc: rd, logger: logger}
		id, err := chanStub.Attach(radio)
		if err != nil {
			logger.Fatal("attach radio", zap.String("radio", rd.Name), zap.Error(err))
		}
		logger.Info("radio attached", zap.String("radio", rd.Name), zap.Uint32("device_id", id))
		radios = append(radios, radio)
	}
	if len(radios) == 0 {
		logger.Fatal("no radios in scenario for this rank",
			zap.String("scenario", scenario.Name), zap.Uint32("rank", cfg.Rank))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("device rank running",
		zap.String("scenario", scenario.Name), zap.Int("radios", len(radios)))

	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	var txTick <-chan time.Time
	if *txEvery > 0 {
		txTicker := time.NewTicker(*txEvery)
		defer txTicker.Stop()
		txTick = txTicker.C
	}

	txIdx := 0
	exitCode := 0
loop:
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start)
			fab.SetBarrierTimeNS(uint64(elapsed.Nanoseconds()))
			if err := chanStub.Poll(); err != nil {
				logger.Error("fatal channel error, terminating", zap.Error(err))
				exitCode = 1
				break loop
			}
			if err := fab.Err(); err != nil {
				logger.Error("fabric transport error, terminating", zap.Error(err))
				exitCode = 1
				break loop
			}
			// Fire any scheduled RX deliveries whose reception time the
			// safe time has now reached.
			evtMgr.Run(elapsed.Seconds())
		case <-heartbeat.C:
			if err := chanStub.Heartbeat(); err != nil {
				logger.Warn("heartbeat send", zap.Error(err))
			}
		case <-txTick:
			radio := radios[txIdx%len(radios)]
			txIdx += 1
			payload := []byte(fmt.Sprintf("demo frame %d from %s", txIdx, radio.desc.Name))
			if err := chanStub.Send(radio, payload, 0.1, nil); err != nil {
				logger.Warn("demo transmission", zap.String("radio", radio.desc.Name), zap.Error(err))
			}
		case sig := <-sigCh:
			logger.Info("terminating on signal", zap.String("signal", sig.String()))
			break loop
		}
	}

	if cfg.TraceFile != "" {
		trace.WriteToFile(cfg.TraceFile, true)
	}
	if err := chanStub.Shutdown(); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	os.Exit(exitCode)
}

// loadScenario reads the configured ScenarioCfg, or synthesizes a
// uniformly-placed demo scenario when the configuration names none.
func loadScenario(cfg *mrnes.RunCfg, numDemo int) (*mrnes.ScenarioCfg, error) {
	if cfg.ScenarioFile == "" {
		sc, _, err := mrnes.BuildDemoScenario(mrnes.DemoScenarioParams{
			Name:              fmt.Sprintf("demo-rank-%d", cfg.Rank),
			NumRadios:         numDemo,
			Rank:              int(cfg.Rank),
			AreaSideM:         100.0,
			FreqHz:            2412000000,
			HeartbeatJitterNS: int64(time.Millisecond),
		})
		return sc, err
	}

	dict, err := mrnes.ReadScenarioCfgDict(cfg.ScenarioFile, isYAML(cfg.ScenarioFile), nil)
	if err != nil {
		return nil, err
	}
	sc, present := dict.RecoverScenarioCfg(cfg.Scenario)
	if !present {
		return nil, fmt.Errorf("scenario %q not found in %s", cfg.Scenario, cfg.ScenarioFile)
	}
	return sc, nil
}

func isYAML(filename string) bool {
	for _, ext := range []string{".yaml", ".YAML", ".yml"} {
		if len(filename) > len(ext) && filename[len(filename)-len(ext):] == ext {
			return true
		}
	}
	return false
}
