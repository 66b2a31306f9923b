package main

import (
	"fmt"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/auth"
	"github.com/latticedb/raft/config"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/logmanager"
	"github.com/latticedb/raft/logstore/boltlog"
	"github.com/latticedb/raft/server"
	"github.com/latticedb/raft/statemachine/memsm"
)

// runServer loads cfg, opens every declared log's bbolt-backed
// persistent log paired with a fresh memsm state machine, registers a
// consensus.Instance per log with the shared peer directory, and
// blocks running the reactor until shutdown.
func runServer(cfg *config.Config) error {
	logger := raft.NewLogger(raft.LogLevelInfo)

	peers := raft.NewPeerDirectory(cfg.NodeId)
	for _, p := range cfg.Peers {
		if err := peers.Add(raft.ServerId(p.NodeId), p.NodeAddress); err != nil {
			return fmt.Errorf("raftdoc: %w", err)
		}
	}

	logs := logmanager.New(peers, logger)
	for _, l := range cfg.Logs {
		store, err := boltlog.Open(l.Path)
		if err != nil {
			return fmt.Errorf("raftdoc: open log %s at %s: %w", l.Lid.String(), l.Path, err)
		}
		inst := consensus.New(cfg.NodeId, l.Lid, store, memsm.New(), peers, logger, consensus.DefaultOptions())
		logs.Register(inst)
	}

	srv := server.New(server.Options{
		Id:              cfg.NodeId,
		ListenAddr:      cfg.NodeAddress,
		CommunityString: cfg.CommunityString,
		Auth:            auth.AllowAll{},
		DynamicPeering:  cfg.DynamicPeering,
	}, peers, logs, logger)

	logger.Infow("raftdoc starting", "node_id", uint64(cfg.NodeId), "addr", cfg.NodeAddress, "logs", len(cfg.Logs))
	return srv.Serve()
}
