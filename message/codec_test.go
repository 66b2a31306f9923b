package message_test

import (
	"bytes"
	"testing"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
	"github.com/stretchr/testify/require"
)

func TestServerPreambleRoundTrip(t *testing.T) {
	want := message.ServerPreamble{
		Id:        7,
		Addr:      "127.0.0.1:9001",
		Community: "test-cluster",
		Peers: []message.PeerAddr{
			{Id: 1, Addr: "127.0.0.1:9002"},
			{Id: 2, Addr: "127.0.0.1:9003"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, message.WriteFrame(&buf, message.KindServerPreamble, &want))

	kind, v, err := message.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, message.KindServerPreamble, kind)
	got, ok := v.(*message.ServerPreamble)
	require.True(t, ok)
	require.Equal(t, want, *got)
}

func TestFramerRetainsPartialFrame(t *testing.T) {
	var buf bytes.Buffer
	req := message.AppendEntriesRequest{
		Term:         3,
		LeaderId:     1,
		PrevLogIndex: 5,
		PrevLogTerm:  2,
		Entries: []message.Entry{
			{Term: 3, Command: []byte("x")},
		},
		LeaderCommit: 5,
	}
	require.NoError(t, message.WriteFrame(&buf, message.KindAppendEntriesRequest, &req))
	whole := buf.Bytes()

	var f message.Framer
	// Feed everything but the last byte: no frame should be ready yet.
	f.Feed(whole[:len(whole)-1])
	_, _, ok, err := f.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, f.Pending(), 0)

	// Feed the remaining byte: the frame should now decode.
	f.Feed(whole[len(whole)-1:])
	kind, v, ok, err := f.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, message.KindAppendEntriesRequest, kind)
	got, ok := v.(*message.AppendEntriesRequest)
	require.True(t, ok)
	require.Equal(t, req, *got)
	require.Equal(t, 0, f.Pending())
}

func TestRequestVoteResponseRoundTrip(t *testing.T) {
	want := message.RequestVoteResponse{
		LogId:    raft.LogId{1, 2, 3},
		ServerId: 9,
		Term:     4,
		Result:   message.VoteGranted,
	}
	var buf bytes.Buffer
	require.NoError(t, message.WriteFrame(&buf, message.KindRequestVoteResponse, &want))
	_, v, err := message.ReadFrame(&buf)
	require.NoError(t, err)
	got := v.(*message.RequestVoteResponse)
	require.Equal(t, want, *got)
}
