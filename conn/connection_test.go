package conn_test

import (
	"net"
	"testing"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/conn"
	"github.com/latticedb/raft/message"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestEnqueueFlowsToPeer(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	events := make(chan conn.Event, 16)
	c := conn.New(1, a, events)

	req := &message.RequestVoteRequest{Term: 1, CandidateId: 2, LastLogIndex: 0, LastLogTerm: 0}
	require.NoError(t, c.Enqueue(message.KindRequestVoteRequest, req))

	kind, v, err := message.ReadFrame(b)
	require.NoError(t, err)
	require.Equal(t, message.KindRequestVoteRequest, kind)
	got := v.(*message.RequestVoteRequest)
	require.Equal(t, req, got)
}

func TestReaderEmitsDataEvent(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	events := make(chan conn.Event, 16)
	conn.New(1, a, events)

	frame, err := message.EncodeFrame(message.KindPing, &message.Ping{})
	require.NoError(t, err)
	go func() { _, _ = b.Write(frame) }()

	select {
	case ev := <-events:
		require.Equal(t, conn.Token(1), ev.Token)
		require.Equal(t, conn.EventData, ev.Kind)
		require.NotEmpty(t, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data event")
	}
}

func TestResetEmitsEventOnPeerClose(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()

	events := make(chan conn.Event, 16)
	conn.New(1, a, events)
	b.Close()

	select {
	case ev := <-events:
		require.Equal(t, conn.EventReset, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reset event")
	}
}

func TestPromoteTransitionsState(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	c := conn.New(1, a, make(chan conn.Event, 16))
	require.Equal(t, conn.Unknown, c.State())

	c.PromotePeer(raft.ServerId(5), "127.0.0.1:9000")
	require.Equal(t, conn.Peer, c.State())
	require.Equal(t, raft.ServerId(5), c.PeerId())
	require.Equal(t, "127.0.0.1:9000", c.Addr())
}

func TestEnqueueReportsLimitReachedOnOverflow(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	c := conn.New(1, a, make(chan conn.Event, 16))
	// Nobody is draining b, so the writer goroutine will block on its
	// first net.Pipe write; once the bounded queue fills, Enqueue must
	// fail fast rather than block the reactor.
	var lastErr error
	for i := 0; i < 8192; i++ {
		if err := c.Enqueue(message.KindPing, &message.Ping{}); err != nil {
			lastErr = err
			break
		}
	}
	require.ErrorIs(t, lastErr, raft.ErrConnLimitReached)
}
