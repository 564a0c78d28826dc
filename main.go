package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bootjp/tabletnode/kv"
)

var (
	myAddr         = flag.String("address", "localhost:50051", "TCP host+port for this node")
	raftID         = flag.String("raft_id", "", "Node id used by Raft")
	raftDir        = flag.String("raft_data_dir", "data/", "Raft data dir, empty keeps the log in memory")
	raftBootstrap  = flag.Bool("raft_bootstrap", false, "Whether to bootstrap the Raft cluster")
	raftPeers      = flag.String("raft_peers", "", "Bootstrap voters as id=address,... (defaults to this node alone)")
	configPath     = flag.String("config", "", "TOML config with node limits and declared tablets")
	metricsAddress = flag.String("metrics_address", "", "TCP host+port serving Prometheus metrics")
)

func main() {
	flag.Parse()

	if *raftID == "" {
		log.Fatalf("flag --raft_id is required")
	}

	cfg, err := kv.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := kv.NewJSONLogger(os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)

	nc := nodeConfig{
		raftID:         *raftID,
		address:        *myAddr,
		raftDataDir:    *raftDir,
		bootstrap:      *raftBootstrap,
		peers:          *raftPeers,
		metricsAddress: *metricsAddress,
	}
	n, err := newNode(nc, cfg, logger.With(slog.String("raft_id", *raftID)))
	if err != nil {
		log.Fatalf("failed to start node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, runCtx := errgroup.WithContext(ctx)
	if err := n.run(runCtx, eg, net.ListenConfig{}, nc); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
	if err := eg.Wait(); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
