package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/daemon"
	"github.com/autoswarm/autoswarmd/pkg/gateway"
	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autoswarmd",
	Short: "Reconciles unmanaged Docker Swarm containers and application metadata against a control plane",
	Long: `autoswarmd is a node-local daemon that keeps a Docker Swarm node's
services in agreement with an external application control plane: it
converts unmanaged containers into single-replica services and keeps
each managed service's labels and network attachments aligned with the
control plane's declared state.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("autoswarmd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", envOr("AUTOSWARM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", os.Getenv("AUTOSWARM_LOG_JSON") == "true", "Output logs in JSON format")
	rootCmd.PersistentFlags().String("docker-host", envOr("DOCKER_HOST", "unix:///var/run/docker.sock"), "Docker engine endpoint")
	rootCmd.PersistentFlags().String("traefik-network", envOr("AUTOSWARM_TRAEFIK_NETWORK", "traefik-public"), "Ingress overlay network name")
	rootCmd.PersistentFlags().Int("reconcile-interval", envOrInt("AUTOSWARM_RECONCILE_INTERVAL", 60), "Periodic reconciliation interval in seconds")
	rootCmd.PersistentFlags().String("dokploy-url", envOr("AUTOSWARM_DOKPLOY_URL", "http://dokploy:3000"), "Control-plane base URL")
	rootCmd.PersistentFlags().String("dokploy-api-key", os.Getenv("AUTOSWARM_DOKPLOY_API_KEY"), "Control-plane API key (unset disables control-plane integration)")
	rootCmd.PersistentFlags().Int("dokploy-cache-ttl", envOrInt("AUTOSWARM_DOKPLOY_CACHE_TTL", 30), "Control-plane cache TTL in seconds")
	rootCmd.PersistentFlags().String("metrics-addr", envOr("AUTOSWARM_METRICS_ADDR", "127.0.0.1:9090"), "Address for the metrics/health HTTP server")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	dockerHost, _ := cmd.Flags().GetString("docker-host")
	traefikNetwork, _ := cmd.Flags().GetString("traefik-network")
	reconcileIntervalSec, _ := cmd.Flags().GetInt("reconcile-interval")
	dokployURL, _ := cmd.Flags().GetString("dokploy-url")
	dokployAPIKey, _ := cmd.Flags().GetString("dokploy-api-key")
	dokployCacheTTLSec, _ := cmd.Flags().GetInt("dokploy-cache-ttl")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("main")

	gw, err := gateway.NewDockerGateway(dockerHost)
	if err != nil {
		return fmt.Errorf("failed to connect to docker engine: %w", err)
	}
	metrics.SetVersion(Version)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	d, err := daemon.New(ctx, gw, daemon.Config{
		TraefikNetwork:    traefikNetwork,
		ReconcileInterval: time.Duration(reconcileIntervalSec) * time.Second,
		DokployURL:        dokployURL,
		DokployAPIKey:     dokployAPIKey,
		DokployCacheTTL:   time.Duration(dokployCacheTTLSec) * time.Second,
	})
	if err != nil {
		metrics.SetComponent(metrics.ComponentGateway, false, err.Error())
		return err
	}
	metrics.SetComponent(metrics.ComponentGateway, true, "connected")
	if dokployAPIKey != "" {
		metrics.SetComponent(metrics.ComponentControlPlane, true, "enabled")
	} else {
		metrics.SetComponent(metrics.ComponentControlPlane, true, "disabled")
	}

	d.Run(ctx)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
