package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/eventstore"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/recovery"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/supervisor"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  string
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Autonomous SDLC task orchestrator",
	Long: `Orchestrator runs a durable sharded task queue and a pool of
specialized workers that drive tasks through the SDLC phases with
quality gates, circuit-breakered backend calls, and automatic
recovery of abandoned work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(supervisorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig loads configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the shared database with the JSONL event log attached as a
// post-commit sink, so every committed event also lands in the durable
// history that events tail/replay/rebuild read.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	es, err := eventstore.New(
		filepath.Join(cfg.DataDir, "event-store"),
		time.Duration(cfg.LockTimeoutSeconds)*time.Second)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger := log.WithComponent("eventstore")
	st.AddSink(func(ev types.Event) {
		if _, err := es.Append(ev); err != nil {
			logger.Error().Err(err).Str("type", string(ev.Type)).Msg("event log append failed")
		}
	})
	return st, nil
}

var supervisorCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Run the supervisor control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		sup, err := supervisor.New(cfg, st)
		if err != nil {
			return err
		}

		if metricsAddr != "" {
			metrics.Register()
			go func() {
				logger := log.WithComponent("metrics")
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		ctx, cancel := signalContext()
		defer cancel()
		return sup.Run(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		lane, _ := cmd.Flags().GetString("lane")
		shard, _ := cmd.Flags().GetString("shard")
		model, _ := cmd.Flags().GetString("model")

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		runner, err := worker.New(cfg, worker.Slot{
			Lane:  types.Lane(lane),
			Shard: shard,
			Model: model,
		}, st, nil)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return runner.Run(ctx)
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Run the recovery daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		daemon, err := recovery.New(cfg, st)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return daemon.Run(ctx)
	},
}

func init() {
	supervisorCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus listen address, empty to disable")
	workerCmd.Flags().String("lane", string(types.LaneImpl), "worker lane (impl, review, analysis)")
	workerCmd.Flags().String("shard", "", "shard to claim from, empty for any")
	workerCmd.Flags().String("model", "codex", "backend family for this worker")
}
