package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthchat/hearth/pkg/config"
	"github.com/hearthchat/hearth/pkg/health"
	"github.com/hearthchat/hearth/pkg/log"
	"github.com/hearthchat/hearth/pkg/manager"
	"github.com/hearthchat/hearth/pkg/worker"
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
	Use:   "hearth",
	Short: "Hearth - federated chat homeserver replication core",
	Long: `Hearth runs the persistence and replication core of a federated
chat homeserver: one writer (manager) owns the event store and stream
token allocation, any number of read-only workers follow its
replication streams and serve reads from coherent caches.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hearth version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
}

// loadConfig reads --config when given, otherwise defaults, and applies
// flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if cmd.Flags().Changed("instance") {
		cfg.Instance, _ = cmd.Flags().GetString("instance")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	return cfg, nil
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to YAML config file")
	cmd.Flags().String("instance", "", "Instance name (overrides config)")
	cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	cmd.Flags().Int("port", 0, "API listen port (overrides config)")
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the writer instance",
	Long: `Run the writer: it owns the event store, allocates stream tokens,
and publishes committed rows to connected workers over the replication
endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		m, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("starting manager: %w", err)
		}
		if err := m.Start(); err != nil {
			return err
		}
		defer m.Stop()

		waitForSignal()
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a read-only worker instance",
	Long: `Run a worker: it connects to the manager's replication endpoint,
applies row updates to its caches, and serves reads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		managerURL, _ := cmd.Flags().GetString("manager")
		if managerURL == "" {
			return fmt.Errorf("--manager is required (e.g. ws://manager:8448/replication)")
		}

		if wait, _ := cmd.Flags().GetDuration("wait-for-manager"); wait > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			checker := health.NewChecker(healthURL(managerURL))
			if _, err := checker.Wait(ctx, time.Second); err != nil {
				cancel()
				return err
			}
			cancel()
		}

		w, err := worker.New(cfg, managerURL)
		if err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()

		waitForSignal()
		return nil
	},
}

func init() {
	addCommonFlags(managerCmd)
	addCommonFlags(workerCmd)
	workerCmd.Flags().String("manager", "", "Manager replication URL")
	workerCmd.Flags().Duration("wait-for-manager", 0, "Wait up to this long for the manager to report healthy before connecting")
}

// healthURL derives the manager's health endpoint from its replication
// URL (ws://host:port/replication -> http://host:port/healthz).
func healthURL(replicationURL string) string {
	u, err := url.Parse(replicationURL)
	if err != nil {
		return replicationURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/healthz"
	return u.String()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}
