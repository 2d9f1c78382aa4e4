package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/ipcd/internal/cmd/client"
	serverrun "github.com/rzbill/ipcd/internal/cmd/server"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

func main() {
	level, err := logpkg.ParseLevel(os.Getenv("IPCD_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	var apiURL string
	rootCmd := &cobra.Command{
		Use:           "ipcd",
		Short:         "Shared-memory IPC media driver",
		Long:          "ipcd runs the media driver that owns publication logs and position counters, and inspects a running driver.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envDefault("IPCD_URL", "http://127.0.0.1:8090"), "Admin HTTP base URL")

	rootCmd.AddCommand(newDriverCommand())
	clientcmd.Register(rootCmd, func() string { return apiURL })

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

func newDriverCommand() *cobra.Command {
	driverCmd := &cobra.Command{Use: "driver", Short: "Driver commands"}

	startCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the driver with its admin HTTP and gRPC servers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, driverOptions(cmd)); err != nil {
				return fmt.Errorf("driver error: %w", err)
			}
			return nil
		},
	}
	addDriverFlags(startCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := serverrun.LoadConfig(driverOptions(cmd))
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	addDriverFlags(configCmd)

	driverCmd.AddCommand(startCmd, configCmd)
	return driverCmd
}

func addDriverFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", os.Getenv("IPCD_CONFIG"), "Config file (.toml or .json)")
	cmd.Flags().String("dir", "", "Driver directory (overrides config and IPCD_DIR)")
	cmd.Flags().String("http", "", "Admin HTTP listen address (overrides config)")
	cmd.Flags().String("grpc", "", "Admin gRPC listen address (overrides config)")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
}

func driverOptions(cmd *cobra.Command) serverrun.Options {
	path, _ := cmd.Flags().GetString("config")
	dir, _ := cmd.Flags().GetString("dir")
	httpAddr, _ := cmd.Flags().GetString("http")
	grpcAddr, _ := cmd.Flags().GetString("grpc")
	level, _ := cmd.Flags().GetString("log-level")
	return serverrun.Options{ConfigPath: path, DriverDir: dir, HTTPAddr: httpAddr, GRPCAddr: grpcAddr, LogLevel: level}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
