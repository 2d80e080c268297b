package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AbdelStark/guts-sub000/pkg/consensus"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
	"github.com/AbdelStark/guts-sub000/pkg/node"
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
	Use:   "guts",
	Short: "Guts - decentralized code collaboration node",
	Long: `Guts is a self-hostable, federated code-collaboration node:
repositories, pull requests, issues, and CI runs replicate across
cooperating nodes that agree on every state change through consensus.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Guts version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage this Guts node",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a Guts node",
	RunE:  runNodeStart,
}

func init() {
	nodeStartCmd.Flags().String("name", "guts-node", "Node name")
	nodeStartCmd.Flags().String("data-dir", "/var/lib/guts", "Data directory")
	nodeStartCmd.Flags().Bool("ephemeral", false, "Keep all state in memory")
	nodeStartCmd.Flags().Bool("consensus", false, "Enable multi-validator consensus")
	nodeStartCmd.Flags().String("raft-bind", "127.0.0.1:7200", "Replicated log bind address")
	nodeStartCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster")
	nodeStartCmd.Flags().StringSlice("peers", nil, "Cluster peers as id=host:port pairs")
	nodeStartCmd.Flags().Duration("block-time", 2*time.Second, "Block proposal interval")
	nodeStartCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")

	nodeCmd.AddCommand(nodeStartCmd)
}

func runNodeStart(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	consensusEnabled, _ := cmd.Flags().GetBool("consensus")
	raftBind, _ := cmd.Flags().GetString("raft-bind")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	peers, _ := cmd.Flags().GetStringSlice("peers")
	blockTime, _ := cmd.Flags().GetDuration("block-time")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := node.Config{
		Name:             name,
		DataDir:          dataDir,
		Ephemeral:        ephemeral,
		ConsensusEnabled: consensusEnabled,
		RaftBind:         raftBind,
		RaftBootstrap:    bootstrap,
		BlockTime:        blockTime,
	}
	for _, p := range peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("malformed peer %q, want id=host:port", p)
		}
		cfg.RaftPeers = append(cfg.RaftPeers, consensus.RaftPeer{ID: id, Address: addr})
	}

	n, err := node.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics server failed", err)
			}
		}()
	}

	log.Info("node running, press ctrl-c to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
