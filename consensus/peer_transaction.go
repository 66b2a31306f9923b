package consensus

import (
	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
	"github.com/latticedb/raft/transaction"
)

// HandleTransactionBeginMsg is a follower's reaction to a leader-
// broadcast TransactionBegin. A follower mirrors the
// leader's own transaction.Manager stack frame for frame: Begin pushes
// a new frame and only rejects a session that is already active
// somewhere on the stack, so a follower nests exactly as deep as the
// leader that is driving it.
func (i *Instance) HandleTransactionBeginMsg(from raft.ServerId, req *message.TransactionBegin) Actions {
	var actions Actions
	if err := i.txn.Begin(req.Session, transaction.Snapshot{
		CommitIndex: req.CommitIndex,
		LastApplied: req.LastApplied,
	}); err != nil {
		i.logger.Warnw("rejecting duplicate transaction begin from leader",
			i.logFields("from", from, "err", err)...)
	}
	return actions
}

// HandleTransactionCommitMsg closes the top frame once the named
// session is found anywhere on the stack. An unmatched
// session (the follower never saw the matching Begin, e.g. it joined
// mid-transaction) answers with no peer action: there is no
// TransactionResponse channel back to a leader over peer messages, only
// to clients, so this is logged and dropped rather than guessed at.
func (i *Instance) HandleTransactionCommitMsg(from raft.ServerId, req *message.TransactionCommit) Actions {
	var actions Actions
	if !i.txn.OwnedByParent(req.Session) {
		i.logger.Warnw("transaction commit for unknown session", i.logFields("from", from)...)
		return actions
	}
	_, empty, _, err := i.txn.Commit()
	if err != nil {
		i.degradeWithErr(err)
		return actions
	}
	if empty {
		// Mirror the leader: the committed work is permanent, so the
		// state machine's revert bookkeeping is cleared without undoing.
		i.sm.Rollback()
	}
	return actions
}

// HandleTransactionRollbackMsg closes the top frame once the named
// session is found anywhere on the stack, and reverts every
// state-machine effect applied since that frame's Begin, restoring
// commit_index/last_applied to the snapshot.
func (i *Instance) HandleTransactionRollbackMsg(from raft.ServerId, req *message.TransactionRollback) Actions {
	var actions Actions
	if !i.txn.OwnedByParent(req.Session) {
		i.logger.Warnw("transaction rollback for unknown session", i.logFields("from", from)...)
		return actions
	}

	snapshot, _, _, err := i.txn.Rollback()
	if err != nil {
		i.degradeWithErr(err)
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
	}
	i.lastApplied = snapshot.LastApplied
	i.commitIndex = snapshot.CommitIndex
	// Discard the provisional entries written during the transaction,
	// matching the leader's own truncation so the two logs stay
	// identical up to the restored point.
	if err := i.log.AppendEntries(snapshot.LastApplied+1, nil); err != nil {
		i.degradeWithErr(err)
	}
	return actions
}
