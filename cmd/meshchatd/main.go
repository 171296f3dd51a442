// Command meshchatd runs one node of a replicated chat cluster:
// failure detection, leader election, and TCP chat sessions over a
// statically configured peer list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshchatd",
		Short: "run a node of a replicated chat cluster",
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		serverID       string
		configPath     string
		logLevel       string
		opsAddr        string
		eventTrailPath string
		eventTrailRows int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the server process for one cluster member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serverID, configPath, logLevel, opsAddr, eventTrailPath, eventTrailRows)
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "", "this node's server_id, must match an entry in --config (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the cluster configuration JSON file (required)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "", "address for the read-only ops dashboard, e.g. :9100 (disabled if empty)")
	cmd.Flags().StringVar(&eventTrailPath, "event-trail", "", "path to the SQLite operational event trail (disabled if empty)")
	cmd.Flags().IntVar(&eventTrailRows, "event-trail-max-rows", 10000, "rows to retain in the event trail before pruning")
	cmd.MarkFlagRequired("server-id")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(serverID, configPath, logLevel, opsAddr, eventTrailPath string, eventTrailRows int) error {
	log, err := newLogger(logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	cluster, err := clusterconfig.Load(configPath)
	if err != nil {
		return err
	}
	self, err := cluster.Self(serverID)
	if err != nil {
		return err
	}

	srv, err := server.New(self, cluster, sugar, server.Options{
		EventTrailPath: eventTrailPath,
		EventTrailRows: eventTrailRows,
		OpsAddr:        opsAddr,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sugar.Infow("shutting down", "server_id", serverID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(ctx)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
