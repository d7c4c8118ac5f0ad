// Command sraftd runs one S-Raft node: it loads configuration, opens the
// persistent log store, wires the transport and consensus core together
// (internal/raft.Node), and serves until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuntdari/raft-for-EC2/internal/config"
	raerrors "github.com/kuntdari/raft-for-EC2/internal/errors"
	"github.com/kuntdari/raft-for-EC2/internal/logging"
	"github.com/kuntdari/raft-for-EC2/internal/metrics"
	"github.com/kuntdari/raft-for-EC2/internal/raft"
	"github.com/kuntdari/raft-for-EC2/internal/store"
	"github.com/kuntdari/raft-for-EC2/internal/transport"
)

// Exit codes per spec.md §6.2: "Exit 0 on graceful shutdown (SIGINT/
// SIGTERM), non-zero on bind failure, malformed peer list, or log-store
// fatal."
const (
	exitOK = iota
	exitConfigInvalid
	exitMalformedPeerList
	exitBindFailure
	exitLogStoreFatal
)

var (
	configPath  string
	dataDir     string
	nodeID      uint64
	bindHost    string
	bindPort    int
	peersFlag   string
	debug       bool
	originalRaft bool
	metricsPath string
)

func main() {
	root := &cobra.Command{
		Use:   "sraftd",
		Short: "sraftd runs one node of an S-Raft cluster",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file (optional)")
	flags.StringVar(&dataDir, "data-dir", "./data", "directory for the persistent log store")
	flags.Uint64Var(&nodeID, "node-id", 0, "this node's id (0: infer from matching bind address against --peers)")
	flags.StringVar(&bindHost, "bind-host", "", "address to listen on")
	flags.IntVar(&bindPort, "bind-port", 0, "port to listen on")
	flags.StringVar(&peersFlag, "peers", "", "comma-separated host:port list, identical on every node")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.BoolVar(&originalRaft, "original-raft", false, "disable the S-Raft sub-leader extension")
	flags.StringVar(&metricsPath, "metrics-path", "", "newline-delimited metrics output path (empty: discard)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sraftd:", err)
		os.Exit(exitConfigInvalid)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sraftd: loading config:", err)
		os.Exit(exitConfigInvalid)
	}
	applyFlagOverrides(cmd, &cfg)

	logging.SetLevel(logLevel(cfg.Debug))

	selfAddr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	id, peerAddrs, err := resolvePeers(cfg.NodeID, selfAddr, cfg.Peers)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sraftd:", err)
		os.Exit(exitMalformedPeerList)
	}
	cfg.NodeID = id

	if err := cfg.Validate(len(cfg.Peers)); err != nil {
		fmt.Fprintln(os.Stderr, "sraftd: invalid config:", err)
		os.Exit(exitConfigInvalid)
	}

	logger := logging.New(fmt.Sprintf("node-%d", id))

	st, err := store.Open(dataDir)
	if err != nil {
		logger.Errorf("opening log store at %q: %v", dataDir, err)
		os.Exit(exitLogStoreFatal)
	}
	defer st.Close()

	sink, err := metrics.NewFileSink(cfg.MetricsPath)
	if err != nil {
		logger.Errorf("opening metrics sink: %v", err)
		os.Exit(exitConfigInvalid)
	}
	defer sink.Close()

	tr, err := transport.New(selfAddr, logger.With("transport"))
	if err != nil {
		logger.Errorf("binding %q: %v", selfAddr, err)
		os.Exit(exitBindFailure)
	}

	node, err := raft.NewNode(id, peerAddrs, st, cfg, tr, sink, logger)
	if err != nil {
		logger.Errorf("starting node: %v", err)
		return raerrors.Trace(err)
	}

	logger.Infof("listening on %s, peers=%v, enable_subleader=%v", selfAddr, peerAddrs, cfg.SubleaderActive())
	go node.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("shutting down")
	node.Stop()
	tr.Close()
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID = nodeID
	}
	if flags.Changed("bind-host") {
		cfg.BindHost = bindHost
	}
	if flags.Changed("bind-port") {
		cfg.BindPort = bindPort
	}
	if flags.Changed("peers") {
		cfg.Peers = splitPeers(peersFlag)
	}
	if flags.Changed("debug") {
		cfg.Debug = debug
	}
	if flags.Changed("original-raft") {
		cfg.OriginalRaft = originalRaft
	}
	if flags.Changed("metrics-path") {
		cfg.MetricsPath = metricsPath
	}
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logLevel(debug bool) string {
	if debug {
		return "debug"
	}
	return "info"
}

// resolvePeers assigns every entry in peerList a 1-based id by its
// position (the same list is given to every node in the cluster, so the
// position is a stable, cluster-wide id), infers this node's own id by
// matching selfAddr against that list when explicitNodeID is 0, and
// returns the PeerAddr slice for everyone else.
func resolvePeers(explicitNodeID uint64, selfAddr string, peerList []string) (uint64, []raft.PeerAddr, error) {
	if len(peerList) == 0 {
		return 0, nil, raerrors.New("sraftd: peer list must not be empty")
	}

	id := explicitNodeID
	if id == 0 {
		for i, addr := range peerList {
			if addr == selfAddr {
				id = uint64(i + 1)
				break
			}
		}
		if id == 0 {
			return 0, nil, raerrors.Errorf("sraftd: self address %q not found in peer list %v", selfAddr, peerList)
		}
	}

	var peers []raft.PeerAddr
	for i, addr := range peerList {
		peerID := uint64(i + 1)
		if peerID == id {
			continue
		}
		peers = append(peers, raft.PeerAddr{ID: peerID, Addr: addr})
	}
	return id, peers, nil
}
