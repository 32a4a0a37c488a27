// Command conductor is the CLI entry point for Conductor's core: it boots
// a node (bootstrapping a new single-node cluster or joining an existing
// one), wires the Runtime Provider factories, and serves the Telemetry
// Interface's /metrics and health endpoints over HTTP. Structured as a
// Cobra command tree; the Submission/Worker Registration API wire
// transport is an explicit
// Non-goal of the core (spec §1), so admin operations that need it
// (register-instance, submit, set-budget) are exposed as library calls on
// *core.Core for an operator's own transport layer to call, not as CLI
// subcommands here — see DESIGN.md.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/conductor/pkg/core"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/spf13/cobra"
)

var (
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
	Use:     "conductor",
	Short:   "Conductor - meta-orchestrator for agent-executing runtime hosts",
	Version: Version,
	Long: `Conductor routes submitted tasks to one of a fleet of registered
runtime hosts, enforcing per-tenant budgets and quotas, surviving worker
failures through retries and a runtime-kind fallback ladder, and emitting
an auditable lifecycle event stream.`,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("conductor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverBootstrapCmd, serverJoinCmd)

	for _, cmd := range []*cobra.Command{serverBootstrapCmd, serverJoinCmd} {
		cmd.Flags().String("node-id", "conductor-1", "Unique node ID")
		cmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
		cmd.Flags().String("data-dir", "./conductor-data", "Data directory for durable state")
		cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP endpoint")
		cmd.Flags().String("remote-sandbox-target", "", "gRPC target for the RemoteSandbox runtime provider (empty disables it)")
		cmd.Flags().Bool("enable-microvm", false, "Enable the MicroVM runtime provider (requires a containerd socket)")
		cmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path for the MicroVM provider")
		cmd.Flags().String("host-sandbox-dir", "", "Base directory for the HostSandbox provider's per-session workspaces")
		cmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Conductor core node",
}

var serverBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a new single-node Conductor cluster",
	RunE:  runServer(true),
}

var serverJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start this node and join an existing cluster (the leader must AddVoter it out of band)",
	RunE:  runServer(false),
}

func runServer(bootstrap bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		remoteSandboxTarget, _ := cmd.Flags().GetString("remote-sandbox-target")
		enableMicroVM, _ := cmd.Flags().GetBool("enable-microvm")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		hostSandboxDir, _ := cmd.Flags().GetString("host-sandbox-dir")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		if hostSandboxDir == "" {
			hostSandboxDir = dataDir + "/sandboxes"
		}

		cfg := core.DefaultConfig(nodeID, bindAddr, dataDir)
		cfg.RemoteSandboxTarget = remoteSandboxTarget
		cfg.EnableMicroVMProvider = enableMicroVM
		cfg.ContainerdSocketPath = containerdSocket
		cfg.HostSandboxBaseDir = hostSandboxDir

		prober := registry.NewHTTPProber("/healthz", 5*time.Second)

		c, err := core.New(cfg, prober)
		if err != nil {
			return fmt.Errorf("create core: %w", err)
		}

		fmt.Printf("Starting Conductor node %s (bind=%s data=%s)\n", nodeID, bindAddr, dataDir)

		if bootstrap {
			if err := c.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			fmt.Println("✓ Cluster bootstrapped")
		} else {
			if err := c.Join(); err != nil {
				return fmt.Errorf("join: %w", err)
			}
			fmt.Println("✓ Node started, awaiting AddVoter from the cluster leader")
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("raft", true, "started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoint:  http://%s/health\n", metricsAddr)

		fmt.Println("Conductor is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		if err := c.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	}
}
