// Command meshchat-client is a terminal client for a meshchat
// cluster: it identifies with set_username, follows redirects to the
// current leader, and keeps its session alive with periodic pings.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/chatclient"
	"github.com/meshchat/meshchat/internal/clusterconfig"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshchat-client",
		Short: "connect to a meshchat cluster as a terminal client",
	}
	root.AddCommand(connectCmd())
	return root
}

func connectCmd() *cobra.Command {
	var (
		host       string
		port       int
		configPath string
		username   string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "open an interactive chat session against the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()

			entries, timeouts, err := entryPeers(host, port, configPath)
			if err != nil {
				return err
			}
			return runAgainst(entries, username, timeouts, log.Sugar())
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "pin the initial peer's host (otherwise the --config peer list is tried in order)")
	cmd.Flags().IntVar(&port, "port", 0, "pin the initial peer's TCP port")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the cluster configuration JSON file")

	cmd.Flags().StringVar(&username, "username", "", "username to identify with (required)")

	return cmd
}

// entryPeers resolves the list of peers to try: a pinned --host/--port
// pair wins; otherwise the static peer list from --config.
func entryPeers(host string, port int, configPath string) ([]clusterconfig.PeerDescriptor, clusterconfig.Timeouts, error) {
	if host != "" && port != 0 {
		entry := clusterconfig.PeerDescriptor{ServerID: "pinned", Host: host, TCPPort: port}
		return []clusterconfig.PeerDescriptor{entry}, clusterconfig.DefaultTimeouts(), nil
	}
	if configPath == "" {
		return nil, clusterconfig.Timeouts{}, fmt.Errorf("either --host and --port, or --config, must be given")
	}
	cluster, err := clusterconfig.Load(configPath)
	if err != nil {
		return nil, clusterconfig.Timeouts{}, err
	}
	return cluster.Peers, cluster.Timeouts, nil
}

// runAgainst tries each entry peer in order until a session runs to a
// clean end. A session that dies without a redirect falls through to
// the next peer in the list.
func runAgainst(entries []clusterconfig.PeerDescriptor, username string, timeouts clusterconfig.Timeouts, log *zap.SugaredLogger) error {
	var lastErr error
	for _, entry := range entries {
		c := chatclient.New(entry, username, timeouts, log)
		err := c.Run()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warnw("session against peer failed, trying next", "peer", entry.ServerID, "err", err)
	}
	return fmt.Errorf("no peer accepted the session: %w", lastErr)
}
