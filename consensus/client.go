package consensus

import (
	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
	"github.com/latticedb/raft/transaction"
)

// redirect builds the ProposalResponse a non-leader returns for a
// mutating request. A leader hint whose address is absent from the
// peer directory would redirect the client outside the known cluster,
// which is a ClusterViolation rather than an ordinary NotLeader.
func (i *Instance) redirect() *message.ProposalResponse {
	if leader, ok := i.LeaderHint(); ok {
		addr, found := i.peers.Lookup(leader)
		if !found {
			return &message.ProposalResponse{Kind: message.ProposalClusterViolation, LeaderAddr: addr}
		}
		return &message.ProposalResponse{Kind: message.ProposalNotLeader, LeaderAddr: addr}
	}
	return &message.ProposalResponse{Kind: message.ProposalUnknownLeader}
}

// deferOrReject queues req for re-delivery unless it belongs to the
// active transaction's ancestry. Only HandleProposal routes requests
// through it: transaction begin, commit and rollback requests are not
// deferred (a begin opens a nested frame, and a commit or rollback
// naming a session not on the stack is answered NotActive).
func (i *Instance) deferOrReject(actions *Actions, client raft.ClientId, session raft.TransactionId, req interface{}) bool {
	if !i.txn.Active() {
		return false
	}
	if i.txn.OwnedByParent(session) {
		return false
	}
	if err := i.txn.Defer(client, req); err != nil {
		i.degradeWithErr(err)
	}
	return true
}

// HandleProposal implements the leader-only mutating-write path:
// non-leaders redirect, transaction-foreign requests defer,
// everything else is appended to the log and tracked in pending until
// it commits.
func (i *Instance) HandleProposal(client raft.ClientId, req *message.Proposal) Actions {
	var actions Actions

	if i.degraded {
		actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
			Kind: message.ProposalFailure, Reason: "log degraded",
		})
		return actions
	}
	if i.role != Leader {
		actions.replyToClient(client, message.KindProposalResponse, i.redirect())
		return actions
	}
	if i.deferOrReject(&actions, client, req.Session, req) {
		return actions
	}

	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
			Kind: message.ProposalFailure, Reason: "internal error",
		})
		return actions
	}
	newIndex := lastIndex + 1
	if err := i.log.AppendEntries(newIndex, []message.Entry{{Term: i.CurrentTerm(), Command: req.Entry}}); err != nil {
		i.degradeWithErr(err)
		actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
			Kind: message.ProposalFailure, Reason: "internal error",
		})
		return actions
	}
	i.pending[newIndex] = proposalOrigin{client: client, session: req.Session}
	if req.Session != (raft.TransactionId{}) {
		if _, err := i.txn.CountUp(); err != nil {
			i.degradeWithErr(err)
		}
	}

	for _, p := range i.peers.Ids() {
		i.appendActionsForPeer(&actions, p)
	}
	// With no peers, the local append alone is a majority: advance
	// commit so a single-node log still makes progress. A no-op in a
	// real cluster, where no match_index has moved yet.
	i.advanceCommitIndex(&actions)
	return actions
}

// HandleQuery implements the read-only query path, gated by a
// read-index discipline: a freshly elected leader must commit at
// least one entry in its own term before serving reads,
// so it cannot answer with data a since-deposed leader never actually
// committed.
func (i *Instance) HandleQuery(client raft.ClientId, req *message.Query) Actions {
	var actions Actions

	if i.role != Leader {
		actions.replyToClient(client, message.KindProposalResponse, i.redirect())
		return actions
	}
	if !i.committedInCurrentTerm {
		actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
			Kind: message.ProposalFailure, Reason: "leader has not yet committed in its own term",
		})
		return actions
	}

	result, err := i.sm.Query(req.Query)
	if err != nil {
		actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
			Kind: message.ProposalFailure, Reason: err.Error(),
		})
		return actions
	}
	actions.replyToClient(client, message.KindProposalResponse, &message.ProposalResponse{
		Kind: message.ProposalSuccess, Data: result,
	})
	return actions
}

// HandlePing answers a keepalive, additionally confirming whether
// Session still names an active transaction ancestor.
func (i *Instance) HandlePing(client raft.ClientId, req *message.Ping) Actions {
	var actions Actions
	if req.Session == (raft.TransactionId{}) || i.txn.OwnedByParent(req.Session) {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionSuccess,
		})
		return actions
	}
	actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
		Kind: message.TransactionFailure, Reason: "NotActive",
	})
	return actions
}

// HandleClientTransactionBegin opens a new transaction frame and
// broadcasts it to every peer. Transaction bracket messages are sent
// directly, outside the replicated log.
func (i *Instance) HandleClientTransactionBegin(client raft.ClientId, req *message.ClientTransactionBegin) Actions {
	var actions Actions
	if i.role != Leader {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: "NotLeader",
		})
		return actions
	}

	snapshot := transaction.Snapshot{
		CommitIndex: i.commitIndex,
		LastApplied: i.lastApplied,
	}
	if err := i.txn.Begin(req.Session, snapshot); err != nil {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: err.Error(),
		})
		return actions
	}

	actions.broadcast(i.peers.Ids(), message.KindTransactionBegin, &message.TransactionBegin{
		LogId:       i.logId,
		Session:     req.Session,
		CommitIndex: snapshot.CommitIndex,
		LastApplied: snapshot.LastApplied,
	})
	actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
		Kind: message.TransactionSuccess,
	})
	return actions
}

// HandleClientTransactionCommit closes the active transaction frame. If
// the whole stack drains, every request deferred during its lifetime is
// replayed as if freshly received.
func (i *Instance) HandleClientTransactionCommit(client raft.ClientId, req *message.ClientTransactionCommit) Actions {
	var actions Actions
	if i.role != Leader {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: "NotLeader",
		})
		return actions
	}
	if !i.txn.OwnedByParent(req.Session) {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: "NotActive",
		})
		return actions
	}

	_, empty, deferred, err := i.txn.Commit()
	if err != nil {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: err.Error(),
		})
		return actions
	}

	actions.broadcast(i.peers.Ids(), message.KindTransactionCommit, &message.TransactionCommit{
		LogId: i.logId, Session: req.Session,
	})
	actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
		Kind: message.TransactionSuccess,
	})
	if empty {
		// The committed work is permanent: clear the state machine's
		// revert bookkeeping without undoing anything. Only done once
		// the whole stack closes — a parent frame may still roll back
		// and needs the inner frames' revert records intact.
		i.sm.Rollback()
		i.redeliverDeferred(&actions, deferred)
	}
	return actions
}

// HandleClientTransactionRollback undoes every effect applied since the
// transaction began: state-machine commands are reverted in reverse
// order and commit_index/last_applied/each peer's next_index are
// restored to the begin-time snapshot.
func (i *Instance) HandleClientTransactionRollback(client raft.ClientId, req *message.ClientTransactionRollback) Actions {
	var actions Actions
	if i.role != Leader {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: "NotLeader",
		})
		return actions
	}
	if !i.txn.OwnedByParent(req.Session) {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: "NotActive",
		})
		return actions
	}

	snapshot, empty, deferred, err := i.txn.Rollback()
	if err != nil {
		actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
			Kind: message.TransactionFailure, Reason: err.Error(),
		})
		return actions
	}

	for idx := i.lastApplied; idx > snapshot.LastApplied; idx-- {
		_, command, err := i.log.Entry(idx)
		if err != nil {
			i.degradeWithErr(err)
			break
		}
		if err := i.sm.Revert(command); err != nil {
			i.degradeWithErr(err)
			break
		}
		delete(i.pending, idx)
	}
	i.lastApplied = snapshot.LastApplied
	i.commitIndex = snapshot.CommitIndex
	// The entries written during the transaction were provisional:
	// truncate them out of the log outright so a later proposal reuses
	// their indices, and rewind every peer's replication pointer to
	// match.
	if err := i.log.AppendEntries(snapshot.LastApplied+1, nil); err != nil {
		i.degradeWithErr(err)
	}
	for _, state := range i.repl {
		state.nextIndex = snapshot.LastApplied + 1
		if state.matchIndex > snapshot.LastApplied {
			state.matchIndex = snapshot.LastApplied
		}
	}

	actions.broadcast(i.peers.Ids(), message.KindTransactionRollback, &message.TransactionRollback{
		LogId: i.logId, Session: req.Session,
	})
	actions.replyToClient(client, message.KindTransactionResponse, &message.TransactionResponse{
		Kind: message.TransactionSuccess,
	})
	if empty {
		i.redeliverDeferred(&actions, deferred)
	}
	return actions
}

// redeliverDeferred replays each request queued while a transaction held
// the log, dispatching it through the same handler it would have taken
// on first arrival.
func (i *Instance) redeliverDeferred(actions *Actions, deferred []transaction.DeferredRequest) {
	for _, d := range deferred {
		switch req := d.Message.(type) {
		case *message.Proposal:
			merge(actions, i.HandleProposal(d.Client, req))
		case *message.Query:
			merge(actions, i.HandleQuery(d.Client, req))
		case *message.Ping:
			merge(actions, i.HandlePing(d.Client, req))
		case *message.ClientTransactionBegin:
			merge(actions, i.HandleClientTransactionBegin(d.Client, req))
		case *message.ClientTransactionCommit:
			merge(actions, i.HandleClientTransactionCommit(d.Client, req))
		case *message.ClientTransactionRollback:
			merge(actions, i.HandleClientTransactionRollback(d.Client, req))
		}
	}
}

func merge(dst *Actions, src Actions) {
	dst.Peer = append(dst.Peer, src.Peer...)
	dst.Client = append(dst.Client, src.Client...)
	if src.RearmElection {
		dst.RearmElection = true
		dst.ElectionTimeout = src.ElectionTimeout
	}
	if src.ClearElection {
		dst.ClearElection = true
	}
	dst.RearmHeartbeat = append(dst.RearmHeartbeat, src.RearmHeartbeat...)
	dst.ClearHeartbeat = append(dst.ClearHeartbeat, src.ClearHeartbeat...)
}
