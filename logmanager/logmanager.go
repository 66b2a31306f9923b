// Package logmanager fans peer and client messages out to the right
// per-log consensus.Instance by LogId and owns the shared peer
// directory. Deferred client requests are replayed by each Instance
// itself when its transaction stack empties. One process hosts many independent logs; the manager
// is the only component that sees all of them.
package logmanager

import (
	"fmt"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/message"
	"go.uber.org/zap"
)

// Manager owns every consensus.Instance hosted by this process.
type Manager struct {
	logs   map[raft.LogId]*consensus.Instance
	peers  *raft.PeerDirectory
	logger *zap.SugaredLogger
}

// New creates an empty Manager. Logs are registered with Register once
// their PersistentLog/StateMachine pair has been opened.
func New(peers *raft.PeerDirectory, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		logs:   make(map[raft.LogId]*consensus.Instance),
		peers:  peers,
		logger: logger,
	}
}

// Register adds a consensus.Instance under its own LogId.
func (m *Manager) Register(inst *consensus.Instance) {
	m.logs[inst.LogId()] = inst
}

// Instances returns every registered log, for the reactor to iterate
// when arming startup timers or broadcasting a peer reset.
func (m *Manager) Instances() []*consensus.Instance {
	out := make([]*consensus.Instance, 0, len(m.logs))
	for _, inst := range m.logs {
		out = append(out, inst)
	}
	return out
}

// Lookup returns the instance for logId, if this process hosts it.
func (m *Manager) Lookup(logId raft.LogId) (*consensus.Instance, bool) {
	inst, ok := m.logs[logId]
	return inst, ok
}

// DispatchPeer routes one decoded peer-to-peer message to its log,
// discarding it with a log line if this process doesn't host that
// log — logs are added and removed independently across the cluster,
// so an unknown log_id from a peer is noise, not an error.
func (m *Manager) DispatchPeer(from raft.ServerId, kind message.Kind, payload interface{}) consensus.Actions {
	logId, ok := peerLogId(payload)
	if !ok {
		m.logger.Warnw("peer message with no log_id field", "from", from, "kind", kind)
		return consensus.Actions{}
	}
	inst, ok := m.logs[logId]
	if !ok {
		m.logger.Debugw("discarding peer message for unhosted log",
			"from", from, "log_id", logId.String(), "kind", kind)
		return consensus.Actions{}
	}

	switch req := payload.(type) {
	case *message.AppendEntriesRequest:
		return inst.HandleAppendEntriesRequest(from, req)
	case *message.AppendEntriesResponse:
		return inst.HandleAppendEntriesResponse(from, req)
	case *message.RequestVoteRequest:
		return inst.HandleRequestVoteRequest(from, req)
	case *message.RequestVoteResponse:
		return inst.HandleRequestVoteResponse(from, req)
	case *message.TransactionBegin:
		return inst.HandleTransactionBeginMsg(from, req)
	case *message.TransactionCommit:
		return inst.HandleTransactionCommitMsg(from, req)
	case *message.TransactionRollback:
		return inst.HandleTransactionRollbackMsg(from, req)
	default:
		m.logger.Warnw("unexpected peer message kind", "from", from, "kind", kind)
		return consensus.Actions{}
	}
}

// DispatchClient routes one decoded client request to its log. Unlike
// peer messages, an unknown log_id is answered with UnknownLeader
// rather than silently dropped, since the client is actively waiting on
// a response.
func (m *Manager) DispatchClient(client raft.ClientId, kind message.Kind, payload interface{}) consensus.Actions {
	logId, ok := clientLogId(payload)
	if !ok {
		m.logger.Warnw("client message with no log_id field", "client", client.String(), "kind", kind)
		return consensus.Actions{}
	}
	inst, ok := m.logs[logId]
	if !ok {
		var actions consensus.Actions
		actions.Client = append(actions.Client, consensus.ClientMessage{
			Client: client,
			Kind:   message.KindProposalResponse,
			Payload: &message.ProposalResponse{
				Kind: message.ProposalUnknownLeader,
			},
		})
		return actions
	}

	switch req := payload.(type) {
	case *message.Proposal:
		return inst.HandleProposal(client, req)
	case *message.Query:
		return inst.HandleQuery(client, req)
	case *message.Ping:
		return inst.HandlePing(client, req)
	case *message.ClientTransactionBegin:
		return inst.HandleClientTransactionBegin(client, req)
	case *message.ClientTransactionCommit:
		return inst.HandleClientTransactionCommit(client, req)
	case *message.ClientTransactionRollback:
		return inst.HandleClientTransactionRollback(client, req)
	default:
		m.logger.Warnw("unexpected client message kind", "client", client.String(), "kind", kind)
		return consensus.Actions{}
	}
}

// BroadcastPeerReset notifies every hosted log that peer's connection
// reset, so each leader instance resets that peer's replication
// bookkeeping.
func (m *Manager) BroadcastPeerReset(peer raft.ServerId) consensus.Actions {
	var merged consensus.Actions
	for _, inst := range m.logs {
		a := inst.HandlePeerReset(peer)
		merged.Peer = append(merged.Peer, a.Peer...)
		merged.Client = append(merged.Client, a.Client...)
	}
	return merged
}

// AddPeer inserts addr into the shared peer directory and adds the
// peer's replication bookkeeping to every hosted log. Nothing is sent
// to the new peer here and no heartbeat timer is armed for it.
func (m *Manager) AddPeer(id raft.ServerId, addr string) error {
	if m.peers.ContainsAddr(addr) {
		return fmt.Errorf("%w: address %s already registered", raft.ErrClusterViolation, addr)
	}
	m.peers.Set(id, addr)
	for _, inst := range m.logs {
		inst.AddPeer(id)
	}
	return nil
}

// PeerLogId extracts the LogId embedded in a decoded peer-to-peer
// message, for callers (the reactor) that need to know which log's
// timers to rearm after dispatching.
func PeerLogId(payload interface{}) (raft.LogId, bool) {
	return peerLogId(payload)
}

func peerLogId(payload interface{}) (raft.LogId, bool) {
	switch v := payload.(type) {
	case *message.AppendEntriesRequest:
		return v.LogId, true
	case *message.AppendEntriesResponse:
		return v.LogId, true
	case *message.RequestVoteRequest:
		return v.LogId, true
	case *message.RequestVoteResponse:
		return v.LogId, true
	case *message.TransactionBegin:
		return v.LogId, true
	case *message.TransactionCommit:
		return v.LogId, true
	case *message.TransactionRollback:
		return v.LogId, true
	default:
		return raft.LogId{}, false
	}
}

// ClientLogId extracts the LogId embedded in a decoded client
// request, mirroring PeerLogId.
func ClientLogId(payload interface{}) (raft.LogId, bool) {
	return clientLogId(payload)
}

// ClientRequestId extracts the ClientId a client request names, for
// callers (the reactor's in-process submission path) that must route
// the response back without a socket to read it from.
func ClientRequestId(payload interface{}) (raft.ClientId, bool) {
	switch v := payload.(type) {
	case *message.Proposal:
		return v.Client, true
	case *message.Query:
		return v.Client, true
	case *message.Ping:
		return v.Client, true
	case *message.ClientTransactionBegin:
		return v.Client, true
	case *message.ClientTransactionCommit:
		return v.Client, true
	case *message.ClientTransactionRollback:
		return v.Client, true
	default:
		return raft.ClientId{}, false
	}
}

func clientLogId(payload interface{}) (raft.LogId, bool) {
	switch v := payload.(type) {
	case *message.Proposal:
		return v.LogId, true
	case *message.Query:
		return v.LogId, true
	case *message.Ping:
		return v.LogId, true
	case *message.ClientTransactionBegin:
		return v.LogId, true
	case *message.ClientTransactionCommit:
		return v.LogId, true
	case *message.ClientTransactionRollback:
		return v.LogId, true
	default:
		return raft.LogId{}, false
	}
}
