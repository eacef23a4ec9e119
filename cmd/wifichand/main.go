// wifichand is the channel-rank bootstrap binary: it loads a RunCfg,
// joins the fabric mesh, and runs the channel processor's cooperative
// receive loop until a fatal channel error or a termination signal.
// It fails fast unless the configured rank is the channel rank.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iti/wifi-mpi-channel/channelproc"
	"github.com/iti/wifi-mpi-channel/fabric"
	"github.com/iti/wifi-mpi-channel/mrnes"
)

const pollInterval = time.Millisecond

func main() {
	cfgFile := flag.String("cfg", "wifichand.yaml", "run configuration file (yaml or json)")
	useTrace := flag.Bool("trace", true, "accumulate trace records for the post-run dump")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wifichand: logger: %v\n", err)
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
	if cfg.Rank != cfg.ChannelRank {
		logger.Fatal("wifichand must run on the channel rank",
			zap.Uint32("rank", cfg.Rank), zap.Uint32("channel_rank", cfg.ChannelRank))
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	expName := cfg.ExpName
	if expName == "" {
		expName = "wifichan"
	}
	trace := mrnes.CreateTraceManager(expName+"-"+runID, *useTrace)

	fab, err := fabric.DialMesh(cfg.Rank, cfg.WorldSize, cfg.ListenAddr, cfg.PeerAddrs)
	if err != nil {
		logger.Fatal("fabric bootstrap", zap.Error(err))
	}

	proc, err := channelproc.New(cfg.Rank, cfg.ChannelRank, cfg.WorldSize, fab, cfg.ReceptionThresholdW, logger, trace)
	if err != nil {
		logger.Fatal("channel processor bootstrap", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		metrics, err := channelproc.NewMetrics(nil)
		if err != nil {
			logger.Fatal("metrics bootstrap", zap.Error(err))
		}
		proc.SetMetrics(metrics)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("channel processor running",
		zap.Uint32("world_size", cfg.WorldSize), zap.String("listen", cfg.ListenAddr))

	// Standalone operation: with no host scheduler present, safe time
	// advances with the wall clock. A host-scheduler integration calls
	// SetBarrierTimeNS from its conservative-synchronization barrier
	// instead and drives Run from its safe-time-advance hook.
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	exitCode := 0
loop:
	for {
		select {
		case <-ticker.C:
			fab.SetBarrierTimeNS(uint64(time.Since(start).Nanoseconds()))
			if err := proc.Run(); err != nil {
				logger.Error("fatal channel error, terminating", zap.Error(err))
				exitCode = 1
				break loop
			}
			if err := fab.Err(); err != nil {
				logger.Error("fabric transport error, terminating", zap.Error(err))
				exitCode = 1
				break loop
			}
		case sig := <-sigCh:
			logger.Info("terminating on signal", zap.String("signal", sig.String()))
			break loop
		}
	}

	if cfg.TraceFile != "" {
		trace.WriteToFile(cfg.TraceFile, true)
	}
	if cfg.SummaryFile != "" {
		if err := proc.Summary().WriteToFile(cfg.SummaryFile); err != nil {
			logger.Warn("write drop summary", zap.Error(err))
		}
	}
	if err := proc.Shutdown(); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	os.Exit(exitCode)
}

func isYAML(filename string) bool {
	for _, ext := range []string{".yaml", ".YAML", ".yml"} {
		if len(filename) > len(ext) && filename[len(filename)-len(ext):] == ext {
			return true
		}
	}
	return false
}
