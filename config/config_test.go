package config_test

import (
	"testing"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/config"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
[server]
node_id = 1
node_address = "127.0.0.1:7001"
binding_addr = "127.0.0.1:8001"
community_string = "test-cluster"

[[peers]]
node_id = 2
node_address = "127.0.0.1:7002"

[[peers]]
node_id = 3
node_address = "127.0.0.1:7003"

[[logs]]
lid = "00000000-0000-0000-0000-000000000001"
path = "/var/lib/raftdoc/log1"
`

func TestParseValidDocument(t *testing.T) {
	cfg, err := config.Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Equal(t, raft.ServerId(1), cfg.NodeId)
	require.Equal(t, "127.0.0.1:7001", cfg.NodeAddress)
	require.Equal(t, "test-cluster", cfg.CommunityString)
	require.Len(t, cfg.Peers, 2)
	require.Len(t, cfg.Logs, 1)
}

func TestParseRejectsMissingCommunityString(t *testing.T) {
	_, err := config.Parse([]byte(`
[server]
node_id = 1
node_address = "127.0.0.1:7001"

[[logs]]
lid = "00000000-0000-0000-0000-000000000001"
path = "/tmp/log1"
`))
	require.Error(t, err)
}

func TestParseRejectsLocalIdInPeers(t *testing.T) {
	_, err := config.Parse([]byte(`
[server]
node_id = 1
node_address = "127.0.0.1:7001"
community_string = "c"

[[peers]]
node_id = 1
node_address = "127.0.0.1:7001"

[[logs]]
lid = "00000000-0000-0000-0000-000000000001"
path = "/tmp/log1"
`))
	require.Error(t, err)
}

func TestParseRejectsDynamicPeeringWithStaticPeers(t *testing.T) {
	_, err := config.Parse([]byte(`
[server]
node_id = 1
node_address = "127.0.0.1:7001"
community_string = "c"
dynamic_peering = "127.0.0.1:7002"

[[peers]]
node_id = 2
node_address = "127.0.0.1:7002"

[[logs]]
lid = "00000000-0000-0000-0000-000000000001"
path = "/tmp/log1"
`))
	require.Error(t, err)
}

func TestParseRequiresAtLeastOneLog(t *testing.T) {
	_, err := config.Parse([]byte(`
[server]
node_id = 1
node_address = "127.0.0.1:7001"
community_string = "c"
`))
	require.Error(t, err)
}
