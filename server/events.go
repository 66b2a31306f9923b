package server

import (
	"net"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/conn"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/message"
)

// The reactor drains a single channel of these event values (plus
// conn.Event, pushed directly by each connection's reader/writer
// goroutines): one funnel covers the dynamic number of logs, peers,
// and reconnect timers that a static channel-per-source select cannot
// express.

// acceptedEvent reports a newly accepted inbound socket, not yet
// wrapped in a conn.Connection.
type acceptedEvent struct {
	nc net.Conn
}

// electionTimeoutEvent fires when a log's election timer expires.
type electionTimeoutEvent struct {
	logId raft.LogId
}

// heartbeatTimeoutEvent fires when a (log, peer) heartbeat timer
// expires.
type heartbeatTimeoutEvent struct {
	logId raft.LogId
	peer  raft.ServerId
}

// heartbeatKey identifies one per-(log, peer) heartbeat timer.
type heartbeatKey struct {
	logId raft.LogId
	peer  raft.ServerId
}

// reconnectTimeoutEvent fires when a Peer connection's reconnect timer
// expires.
type reconnectTimeoutEvent struct {
	token  conn.Token
	peerId raft.ServerId
	addr   string
}

// localRequestEvent carries an in-process client request into the
// reactor, paired with the future its submitter blocks on.
type localRequestEvent struct {
	kind    message.Kind
	payload interface{}
	future  raft.FutureTask[*consensus.ClientMessage, interface{}]
}
