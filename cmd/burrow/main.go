package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - integration test clusters on containerd",
	Long: `Burrow starts the containers an integration test needs: the
instances under test plus the services they depend on (ZooKeeper, Kafka,
MinIO, PostgreSQL, ...), waits until everything accepts connections and
tears it all down again, reporting sanitizer and fatal log markers.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		if env := os.Getenv(config.EnvLogLevel); env != "" && !cmd.Flags().Changed("log-level") {
			level = env
		}
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

var upCmd = &cobra.Command{
	Use:   "up -f ENV_FILE",
	Short: "Start a cluster and keep it up until interrupted",
	Long: `Start every instance declared in the environment file together with
the services they need. The cluster stays up until SIGINT or SIGTERM and is
then shut down. The exit status is non-zero when shutdown found sanitizer
reports or fatal log lines.

Examples:
  # Start the cluster described in env.yaml
  WORKER_FREE_PORTS="19000 19001 19002 19003" burrow up -f env.yaml

  # Expose Prometheus metrics while the cluster runs
  burrow up -f env.yaml --metrics-addr 127.0.0.1:9100`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringP("file", "f", "", "Environment file (required)")
	upCmd.Flags().String("metrics-addr", "", "Serve /metrics, /health and /ready on this address")
	upCmd.Flags().Bool("check-fatal", false, "Fail shutdown on fatal server log lines")
	_ = upCmd.MarkFlagRequired("file")
}

func runUp(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	checkFatal, _ := cmd.Flags().GetBool("check-fatal")

	cfg, err := config.Load(filename)
	if err != nil {
		return err
	}
	registry := services.DefaultRegistry(cfg.Services)
	if err := cfg.Validate(registry); err != nil {
		return fmt.Errorf("invalid environment file: %w", err)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	cluster, err := lifecycle.NewCluster(lifecycle.Config{
		Project:        cfg.Project,
		Runtime:        rt,
		Pool:           ports.NewPool(cfg.WorkerPorts),
		Registry:       registry,
		DataDir:        cfg.DataDir,
		Store:          store,
		Events:         broker,
		DisableCleanup: cfg.DisableCleanup,
		StopTimeout:    cfg.StopTimeout,
		PullAttempts:   cfg.PullAttempts,
	})
	if err != nil {
		return err
	}

	for _, inst := range cfg.Instances {
		if _, err := cluster.AddInstance(inst.Spec()); err != nil {
			return err
		}
		metrics.Require(metrics.KindInstance, inst.Name)
	}
	for _, c := range cluster.Services() {
		p, _ := cluster.Service(c)
		metrics.Require(metrics.KindService, p.Name())
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting cluster %s...\n", cluster.Project())
	if err := cluster.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	fmt.Println("✓ Cluster is up")
	for _, inst := range cluster.Instances() {
		fmt.Printf("  %-20s %s\n", inst.Name(), inst.Address())
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	opts := lifecycle.DefaultShutdownOptions()
	opts.IgnoreFatal = !checkFatal
	if err := cluster.Shutdown(context.Background(), opts); err != nil {
		var markers *lifecycle.MarkerError
		if errors.As(err, &markers) {
			if markers.SanitizerExcerpt != "" {
				fmt.Fprintln(os.Stderr, markers.SanitizerExcerpt)
			}
			if markers.FatalExcerpt != "" {
				fmt.Fprintln(os.Stderr, markers.FatalExcerpt)
			}
		}
		return err
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func newRuntime(cfg config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeProcess:
		return runtime.NewProcessRuntime(), nil
	default:
		return runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.Namespace)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}

func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Debug().
			Str("type", string(ev.Type)).
			Interface("metadata", ev.Metadata).
			Msg(ev.Message)
	}
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove containers and directories left by crashed runs",
	Long: `Remove everything the ledger still records for a project, or for every
project when --project is not given. Use it after a test worker was killed
before it could shut its cluster down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		projects := []string{project}
		if project == "" {
			if projects, err = store.Projects(); err != nil {
				return err
			}
		}

		var errs []error
		for _, p := range projects {
			fmt.Printf("Cleaning up %s...\n", p)
			if err := lifecycle.Reap(cmd.Context(), rt, store, p); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Println("✓ Cleanup complete")
		return nil
	},
}

func init() {
	cleanupCmd.Flags().String("project", "", "Only clean up this project")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Burrow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
