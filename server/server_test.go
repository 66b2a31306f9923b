package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/logmanager"
	"github.com/latticedb/raft/logstore/memlog"
	"github.com/latticedb/raft/message"
	"github.com/latticedb/raft/server"
	"github.com/latticedb/raft/statemachine/memsm"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startSingleNode boots a one-member cluster hosting one log, with
// election timing cranked down so the lone node takes leadership
// quickly.
func startSingleNode(t *testing.T, community string) (srv *server.Server, addr string, logId raft.LogId) {
	t.Helper()
	addr = freeAddr(t)
	logger := raft.NewLogger(raft.LogLevelError)

	logId, err := raft.ParseLogId("00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)

	peers := raft.NewPeerDirectory(1)
	logs := logmanager.New(peers, logger)
	inst := consensus.New(1, logId, memlog.New(), memsm.New(), peers, logger, consensus.Options{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  25 * time.Millisecond,
	})
	logs.Register(inst)

	srv = server.New(server.Options{
		Id:              1,
		ListenAddr:      addr,
		CommunityString: community,
	}, peers, logs, logger)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)
	return srv, addr, logId
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	var nc net.Conn
	var err error
	for attempt := 0; attempt < 50; attempt++ {
		nc, err = net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return nc
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never accepted: %v", addr, err)
	return nil
}

// TestSingleNodeProposalEndToEnd drives the whole stack over a real
// socket: preamble handshake, leader election off the reactor's own
// timers, proposal append, commit, apply, and the framed response back
// to the client.
func TestSingleNodeProposalEndToEnd(t *testing.T) {
	srv, addr, logId := startSingleNode(t, "test-cluster")

	nc := dialWithRetry(t, addr)
	defer nc.Close()

	clientId := raft.NewClientId()
	require.NoError(t, message.WriteFrame(nc, message.KindClientPreamble, &message.ClientPreamble{
		Id: clientId, Username: "u", Password: "p",
	}))

	entry := memsm.EncodeCommand(memsm.Command{Type: memsm.CommandSet, Key: "doc", Value: []byte("v1")})
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, message.WriteFrame(nc, message.KindProposal, &message.Proposal{
			LogId: logId, Client: clientId, Entry: entry,
		}))
		require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := message.ReadFrame(nc)
		require.NoError(t, err)
		resp, ok := payload.(*message.ProposalResponse)
		require.True(t, ok, "unexpected response type %T", payload)
		if resp.Kind == message.ProposalSuccess {
			require.Equal(t, []byte("ok"), resp.Data)
			break
		}
		// Leadership hasn't been established yet; retry until deadline.
		require.True(t, time.Now().Before(deadline),
			"leader never emerged, last response kind %d", resp.Kind)
		time.Sleep(50 * time.Millisecond)
	}

	// The embedding-host path: an in-process Submit travels the same
	// dispatch pipeline and reads back the value the socket client
	// just committed.
	queryBytes, err := memsm.QueryValueBytes("doc")
	require.NoError(t, err)
	ft := srv.Submit(message.KindQuery, &message.Query{
		LogId: logId, Client: raft.NewClientId(), Query: queryBytes,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := ft.Result(ctx)
	require.NoError(t, err)
	resp, ok := result.Payload.(*message.ProposalResponse)
	require.True(t, ok)
	require.Equal(t, message.ProposalSuccess, resp.Kind)
	require.Equal(t, []byte("v1"), resp.Data)
}

// TestServerPreambleCommunityMismatchDrops: a Server preamble with
// the wrong community string is dropped without promotion, observable
// to the dialer as a closed connection.
func TestServerPreambleCommunityMismatchDrops(t *testing.T) {
	_, addr, _ := startSingleNode(t, "right-community")

	nc := dialWithRetry(t, addr)
	defer nc.Close()

	require.NoError(t, message.WriteFrame(nc, message.KindServerPreamble, &message.ServerPreamble{
		Id: 9, Addr: "127.0.0.1:1", Community: "wrong-community",
	}))
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err := nc.Read(buf)
	require.Error(t, err, "connection should have been reset by the server")
}
