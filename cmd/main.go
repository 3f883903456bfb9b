package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marchproxy-dblb/internal/config"
	"marchproxy-dblb/internal/grpc"
	"marchproxy-dblb/internal/supervisor"
)

var (
	version   = "1.0.0"
	buildTime = "development"
	gitCommit = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	rootCmd := &cobra.Command{
		Use:     "dblb",
		Short:   "MarchProxy Database Load Balancer",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
		Long: `MarchProxy DBLB - dual-mode proxy fronting sharded data stores:
- MongoDB mode: session-affine TCP load balancing across mongos routers
- Redis mode: protocol-aware proxy for Redis Cluster with MOVED/ASK handling`,
	}

	rootCmd.AddCommand(newRunCmd(logger), newConfigCmd(), newValidateCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("dblb: command failed")
	}
}

func newRunCmd(logger *logrus.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(configPath, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var mode, output string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate an example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Example(mode)
			if err != nil {
				return err
			}
			body, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if err := os.WriteFile(output, body, 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Printf("Configuration file generated: %s\n", output)
			fmt.Printf("Edit it to match your environment and run:\n  dblb run --config %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "proxy mode: mongodb or redis")
	cmd.Flags().StringVar(&output, "output", "", "output file path")
	cmd.MarkFlagRequired("mode")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Configuration file validation failed: %v\n", err)
				return err
			}
			fmt.Println("Configuration file is valid")
			fmt.Printf("  Proxy mode: %s\n", cfg.Proxy.Mode)
			fmt.Printf("  Listen address: %s\n", cfg.Server.ListenAddr)
			fmt.Printf("  Max connections: %d\n", cfg.Server.MaxConnections)
			switch cfg.Proxy.Mode {
			case "mongodb":
				fmt.Printf("  MongoDB mongos endpoints: %d instances\n", len(cfg.Proxy.MongoDB.MongosEndpoints))
				for i, ep := range cfg.Proxy.MongoDB.MongosEndpoints {
					fmt.Printf("    %d: %s\n", i+1, ep)
				}
			case "redis":
				fmt.Printf("  Redis cluster nodes: %d instances\n", len(cfg.Proxy.Redis.ClusterNodes))
				for i, n := range cfg.Proxy.Redis.ClusterNodes {
					fmt.Printf("    %d: %s\n", i+1, n)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file to validate")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dblb %s (built: %s, commit: %s)\n", version, buildTime, gitCommit)
			fmt.Println("MarchProxy Database Load Balancer")
			fmt.Println()
			fmt.Println("Modes:")
			fmt.Println("  - MongoDB: session-affine load balancing across mongos routers")
			fmt.Println("  - Redis: Redis Cluster protocol-aware proxy with MOVED/ASK handling")
		},
	}
}

func runProxy(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogging(logger, cfg.Logging)

	logger.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"commit":     gitCommit,
		"mode":       cfg.Proxy.Mode,
	}).Info("starting MarchProxy DBLB")

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	grpcServer := grpc.NewServer("0.0.0.0", 50052, sup, logger)
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.WithError(err).Error("gRPC admin server error")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sup.GetStats()); err != nil {
			logger.WithError(err).Error("failed to encode /status response")
		}
	})
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":7002", Handler: metricsMux}
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("starting metrics/health server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics server shutdown error")
	}
	if err := grpcServer.Stop(); err != nil {
		logger.WithError(err).Error("gRPC server shutdown error")
	}
	sup.Shutdown(30 * time.Second)

	logger.Info("shutdown complete")
	return nil
}

func configureLogging(logger *logrus.Logger, lc config.LoggingConfig) {
	if lc.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
