package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raftadmin"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bootjp/tabletnode/hydra"
	"github.com/bootjp/tabletnode/kv"
	"github.com/bootjp/tabletnode/tablet"
)

const (
	raftDirPerm         = 0o755
	snapshotRetainCount = 3
	tabletMountInterval = time.Second
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

type nodeConfig struct {
	raftID         string
	address        string
	raftDataDir    string
	bootstrap      bool
	peers          string
	metricsAddress string
}

// node is one member of a tablet cell: the automaton, its parts and the raft
// group carrying their mutations.
type node struct {
	cfg       *kv.Config
	log       *slog.Logger
	automaton *hydra.Automaton
	manager   *hydra.RaftManager
	slot      *tablet.Slot
	writes    *tablet.WriteManager
	raft      *raft.Raft
	transport *transport.Manager
}

func raftDataDir(baseDir, raftID string) string {
	if baseDir == "" {
		return ""
	}
	return filepath.Join(baseDir, raftID)
}

// setupStorage keeps the raft log in memory when dir is empty.
func setupStorage(dir string) (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if dir == "" {
		return raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), nil
	}
	if err := os.MkdirAll(dir, raftDirPerm); err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	ldb, err := boltdb.NewBoltStore(filepath.Join(dir, "logs.dat"))
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	sdb, err := boltdb.NewBoltStore(filepath.Join(dir, "stable.dat"))
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	fss, err := raft.NewFileSnapshotStore(dir, snapshotRetainCount, os.Stderr)
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	return ldb, sdb, fss, nil
}

func newNode(nc nodeConfig, cfg *kv.Config, logger *slog.Logger) (*node, error) {
	if nc.address == "" {
		return nil, ErrAddressRequired
	}
	servers, err := resolveBootstrapServers(nc.raftID, nc.address, nc.bootstrap, nc.peers)
	if err != nil {
		return nil, err
	}

	a := hydra.NewAutomaton(hydra.WithAutomatonLogger(logger))
	manager := hydra.NewRaftManager(a,
		hydra.WithApplyTimeout(cfg.MutationApplyTimeout.Duration),
		hydra.WithRaftMutationLogging(cfg.EnableMutationLogging),
	)
	slot := tablet.NewSlot(a, manager, cfg, tablet.WithSlotLogger(logger))
	writes, err := tablet.NewWriteManager(slot, a, manager, tablet.WithWriteManagerLogger(logger))
	if err != nil {
		return nil, err
	}

	ldb, sdb, fss, err := setupStorage(raftDataDir(nc.raftDataDir, nc.raftID))
	if err != nil {
		return nil, err
	}

	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(nc.raftID)
	c.Logger = hclog.New(&hclog.LoggerOptions{
		Name:       "raft-" + nc.raftID,
		JSONFormat: true,
		Level:      hclog.Info,
	})
	manager.ConfigureRaft(c)

	tm := transport.New(raft.ServerAddress(nc.address), []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	})

	r, err := raft.NewRaft(c, manager, ldb, sdb, fss, tm.Transport())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	manager.Attach(r)

	if nc.bootstrap {
		f := r.BootstrapCluster(bootstrapConfiguration(nc.raftID, nc.address, servers))
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, errors.WithStack(err)
		}
	}

	return &node{
		cfg:       cfg,
		log:       logger,
		automaton: a,
		manager:   manager,
		slot:      slot,
		writes:    writes,
		raft:      r,
		transport: tm,
	}, nil
}

func (n *node) isLeader() bool {
	n.automaton.Lock()
	defer n.automaton.Unlock()
	return n.manager.IsLeader()
}

// mountDeclaredTablets mounts the configured tablets the cell does not know
// yet. Followers leave it to the leader.
func (n *node) mountDeclaredTablets(ctx context.Context) error {
	for _, cfg := range n.cfg.Tablets {
		if !n.isLeader() {
			return nil
		}
		n.automaton.Lock()
		mounted := n.slot.FindTablet(cfg.ID) != nil
		n.automaton.Unlock()
		if mounted {
			continue
		}

		err := n.slot.MountTablet(cfg).Wait(ctx)
		switch {
		case err == nil:
		case errors.Is(err, kv.ErrTabletAlreadyMounted),
			errors.Is(err, kv.ErrNotLeader),
			errors.Is(err, kv.ErrLeadershipLost):
			n.log.Debug("tablet mount skipped",
				slog.String("tablet_id", cfg.ID.String()),
				slog.Any("error", err),
			)
		default:
			return errors.Wrapf(err, "mount tablet %s", cfg.ID)
		}
	}
	return nil
}

func (n *node) runTabletMounter(ctx context.Context) error {
	ticker := time.NewTicker(tabletMountInterval)
	defer ticker.Stop()
	for {
		if err := n.mountDeclaredTablets(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.log.Warn("failed to mount declared tablets", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (n *node) newGRPCServer() *grpc.Server {
	s := grpc.NewServer()
	n.transport.Register(s)
	leaderhealth.Setup(n.raft, s, []string{"TabletNode"})
	raftadmin.Register(s, n.raft)
	return s
}

// run starts every node task on eg; they stop when ctx is done.
func (n *node) run(ctx context.Context, eg *errgroup.Group, lc net.ListenConfig, nc nodeConfig) error {
	grpcSock, err := lc.Listen(ctx, "tcp", nc.address)
	if err != nil {
		return errors.WithStack(err)
	}
	s := n.newGRPCServer()

	eg.Go(func() error { return n.manager.Run(ctx) })
	eg.Go(func() error { return n.slot.Run(ctx, n.cfg.StoreMaintenancePeriod.Duration) })
	eg.Go(func() error { return n.runTabletMounter(ctx) })
	eg.Go(func() error {
		return errors.WithStack(s.Serve(grpcSock))
	})
	eg.Go(func() error {
		<-ctx.Done()
		n.log.Info("shutting down", slog.String("address", nc.address), slog.Any("reason", ctx.Err()))
		s.GracefulStop()
		if err := n.raft.Shutdown().Error(); err != nil {
			return errors.WithStack(err)
		}
		return nil
	})

	if nc.metricsAddress == "" {
		return nil
	}
	metricsSock, err := lc.Listen(ctx, "tcp", nc.metricsAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	eg.Go(func() error {
		if err := hs.Serve(metricsSock); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.WithStack(hs.Shutdown(shutdownCtx))
	})
	return nil
}
