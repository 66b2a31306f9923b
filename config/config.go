// Package config decodes and validates the example host's
// configuration file: the recognized `server.*`, `peers[]`, and
// `logs[]` options. It is a pure decode-and-validate package — no I/O
// facade, no HTTP.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/latticedb/raft"
	"github.com/pelletier/go-toml/v2"
)

// Peer is one statically configured cluster member.
type Peer struct {
	NodeId      uint64 `toml:"node_id"`
	NodeAddress string `toml:"node_address"`
}

// LogSpec declares one LogId this process hosts and the on-disk path
// of its persistent log.
type LogSpec struct {
	Lid  string `toml:"lid"`
	Path string `toml:"path"`
}

// serverSection mirrors the `[server]` table of the config file.
type serverSection struct {
	NodeId          uint64 `toml:"node_id"`
	NodeAddress     string `toml:"node_address"`
	BindingAddr     string `toml:"binding_addr"`
	CommunityString string `toml:"community_string"`
	DynamicPeering  string `toml:"dynamic_peering"`
}

// file is the raw decoded shape of the TOML document.
type file struct {
	Server serverSection `toml:"server"`
	Peers  []Peer        `toml:"peers"`
	Logs   []LogSpec     `toml:"logs"`
}

// Config is the validated, typed configuration this process runs
// with.
type Config struct {
	NodeId          raft.ServerId
	NodeAddress     string
	BindingAddr     string
	CommunityString string
	DynamicPeering  string

	Peers []Peer
	Logs  []ResolvedLog
}

// ResolvedLog pairs a parsed LogId with its on-disk path.
type ResolvedLog struct {
	Lid  raft.LogId
	Path string
}

// ElectionTimeoutMin/Max and HeartbeatInterval are deliberately not
// config-file options; callers needing non-default timing knobs
// construct consensus.Options directly.

// Load reads, decodes, and validates the TOML configuration file at
// path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a TOML configuration document already in
// memory (used by Load and directly by tests).
func Parse(raw []byte) (*Config, error) {
	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if f.Server.NodeAddress == "" {
		return nil, fmt.Errorf("config: server.node_address is required")
	}
	if f.Server.CommunityString == "" {
		return nil, fmt.Errorf("config: server.community_string is required")
	}
	if f.Server.DynamicPeering != "" && len(f.Peers) > 0 {
		return nil, fmt.Errorf("config: server.dynamic_peering is only valid when peers[] is empty")
	}

	cfg := &Config{
		NodeId:          raft.ServerId(f.Server.NodeId),
		NodeAddress:     f.Server.NodeAddress,
		BindingAddr:     f.Server.BindingAddr,
		CommunityString: f.Server.CommunityString,
		DynamicPeering:  f.Server.DynamicPeering,
		Peers:           f.Peers,
	}
	for _, p := range f.Peers {
		if raft.ServerId(p.NodeId) == cfg.NodeId {
			return nil, fmt.Errorf("config: peers[] must not contain the local node_id %d", cfg.NodeId)
		}
	}

	seen := make(map[raft.LogId]bool, len(f.Logs))
	for _, l := range f.Logs {
		lid, err := raft.ParseLogId(l.Lid)
		if err != nil {
			return nil, fmt.Errorf("config: logs[]: %w", err)
		}
		if seen[lid] {
			return nil, fmt.Errorf("config: logs[]: duplicate lid %s", l.Lid)
		}
		seen[lid] = true
		if l.Path == "" {
			return nil, fmt.Errorf("config: logs[]: lid %s has empty path", l.Lid)
		}
		cfg.Logs = append(cfg.Logs, ResolvedLog{Lid: lid, Path: l.Path})
	}
	if len(cfg.Logs) == 0 {
		return nil, fmt.Errorf("config: logs[] must declare at least one log")
	}

	return cfg, nil
}

// DialTimeout is the fixed timeout the example host uses for every
// outbound client dial (redirect-and-retry included); deliberately a
// package constant rather than a config-file option.
const DialTimeout = 3 * time.Second
