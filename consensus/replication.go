package consensus

import (
	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
)

// appendActionsForPeer appends the AppendEntries message that should
// currently be sent to peer, covering entries from repl[peer].nextIndex
// through the latest local index (possibly empty, i.e. a heartbeat).
func (i *Instance) appendActionsForPeer(actions *Actions, peer raft.ServerId) {
	state, ok := i.repl[peer]
	if !ok {
		return
	}
	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		return
	}

	var prevTerm raft.Term
	prevIndex := state.nextIndex - 1
	if prevIndex > 0 {
		t, _, err := i.log.Entry(prevIndex)
		if err != nil {
			i.degradeWithErr(err)
			return
		}
		prevTerm = t
	}

	var entries []message.Entry
	for idx := state.nextIndex; idx <= lastIndex; idx++ {
		term, command, err := i.log.Entry(idx)
		if err != nil {
			i.degradeWithErr(err)
			return
		}
		entries = append(entries, message.Entry{Term: term, Command: command})
	}

	actions.sendTo(peer, message.KindAppendEntriesRequest, &message.AppendEntriesRequest{
		LogId:        i.logId,
		Term:         i.CurrentTerm(),
		LeaderId:     i.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: i.commitIndex,
	})
}

// HandleHeartbeatTimeout resends the current replication state to peer
// (empty AppendEntries if nothing new), leader-only.
func (i *Instance) HandleHeartbeatTimeout(peer raft.ServerId) Actions {
	var actions Actions
	if i.role != Leader {
		return actions
	}
	i.appendActionsForPeer(&actions, peer)
	actions.RearmHeartbeat = append(actions.RearmHeartbeat, peer)
	return actions
}

// HandleAppendEntriesRequest implements the follower log-matching and
// append rules.
func (i *Instance) HandleAppendEntriesRequest(from raft.ServerId, req *message.AppendEntriesRequest) Actions {
	var actions Actions

	respond := func(result message.AppendResult, conflictIndex raft.LogIndex) Actions {
		var ackIndex raft.LogIndex
		if result == message.AppendSuccess {
			ackIndex = req.PrevLogIndex + raft.LogIndex(len(req.Entries))
		}
		actions.sendTo(from, message.KindAppendEntriesResponse, &message.AppendEntriesResponse{
			LogId:         i.logId,
			ServerId:      i.id,
			Term:          i.CurrentTerm(),
			Result:        result,
			ConflictIndex: conflictIndex,
			AckIndex:      ackIndex,
		})
		return actions
	}

	if req.Term < i.CurrentTerm() {
		return respond(message.AppendStaleTerm, 0)
	}

	if _, err := i.stepDownIfStale(req.Term, req.LeaderId, true); err != nil {
		i.degradeWithErr(err)
		return respond(message.AppendInternalError, 0)
	}
	if i.role == Candidate {
		// An equal-or-greater-term AppendEntries from a leader steps a
		// candidate down even without a term increase.
		i.role = Follower
		i.votes = nil
	}
	i.hasLeader = true
	i.leaderHint = req.LeaderId
	// Any message from the current leader renews the election timeout.
	actions.RearmElection = true
	actions.ElectionTimeout = i.randomElectionTimeout()

	if req.PrevLogIndex > 0 {
		lastIndex, err := i.log.LatestIndex()
		if err != nil {
			i.degradeWithErr(err)
			return respond(message.AppendInternalError, 0)
		}
		if req.PrevLogIndex > lastIndex {
			return respond(message.AppendInconsistentPrevEntry, lastIndex)
		}
		term, _, err := i.log.Entry(req.PrevLogIndex)
		if err != nil {
			i.degradeWithErr(err)
			return respond(message.AppendInternalError, 0)
		}
		if term != req.PrevLogTerm {
			return respond(message.AppendInconsistentPrevEntry, req.PrevLogIndex-1)
		}
	}

	if len(req.Entries) > 0 {
		if err := i.log.AppendEntries(req.PrevLogIndex+1, req.Entries); err != nil {
			i.degradeWithErr(err)
			return respond(message.AppendInternalError, 0)
		}
	}

	if req.LeaderCommit > i.commitIndex {
		lastIndex, err := i.log.LatestIndex()
		if err != nil {
			i.degradeWithErr(err)
			return respond(message.AppendInternalError, 0)
		}
		newCommit := req.LeaderCommit
		if newCommit > lastIndex {
			newCommit = lastIndex
		}
		if err := i.commitAndApply(newCommit, &actions); err != nil {
			i.degradeWithErr(err)
			return respond(message.AppendInternalError, 0)
		}
	}

	return respond(message.AppendSuccess, 0)
}

// HandleAppendEntriesResponse implements the leader's next_index /
// match_index bookkeeping and commit advancement.
func (i *Instance) HandleAppendEntriesResponse(from raft.ServerId, resp *message.AppendEntriesResponse) Actions {
	var actions Actions

	if resp.Term > i.CurrentTerm() {
		if _, err := i.stepDownIfStale(resp.Term, 0, false); err != nil {
			i.degradeWithErr(err)
		}
		return actions
	}
	if i.role != Leader {
		return actions
	}
	state, ok := i.repl[from]
	if !ok {
		return actions
	}

	switch resp.Result {
	case message.AppendSuccess:
		// resp.AckIndex is the index range the acknowledged request
		// actually covered — never the leader's current log tip:
		// a later proposal may already have sent a further-reaching
		// AppendEntries before this reply arrives, so crediting the
		// peer with the local latest index here would let the leader
		// count a not-yet-durable entry toward commit. A reply for an
		// older, already-superseded request is simply ignored.
		if resp.AckIndex > state.matchIndex {
			state.matchIndex = resp.AckIndex
		}
		if resp.AckIndex+1 > state.nextIndex {
			state.nextIndex = resp.AckIndex + 1
		}
		i.advanceCommitIndex(&actions)
	case message.AppendInconsistentPrevEntry:
		if resp.ConflictIndex > 0 {
			state.nextIndex = resp.ConflictIndex
		} else if state.nextIndex > 1 {
			state.nextIndex--
		}
		i.appendActionsForPeer(&actions, from)
	case message.AppendStaleTerm, message.AppendInternalError:
		// Nothing to do: a stale-term reply means our term won already
		// moved past theirs; an internal error is retried on the next
		// heartbeat.
	}
	return actions
}

// advanceCommitIndex implements the standard Raft commit-counting rule
//: for each N > commit_index, if log[N].term == current
// term and a majority of peers (including self) have match_index >= N,
// set commit_index = N. Entries from a prior term are never committed
// by counting replicas directly.
func (i *Instance) advanceCommitIndex(actions *Actions) {
	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		return
	}
	currentTerm := i.CurrentTerm()
	majority := (len(i.peers.Ids())+1)/2 + 1

	newCommit := i.commitIndex
	for n := i.commitIndex + 1; n <= lastIndex; n++ {
		term, _, err := i.log.Entry(n)
		if err != nil {
			i.degradeWithErr(err)
			return
		}
		if term != currentTerm {
			continue
		}
		count := 1 // self
		for _, state := range i.repl {
			if state.matchIndex >= n {
				count++
			}
		}
		if count >= majority {
			newCommit = n
		}
	}
	if newCommit > i.commitIndex {
		if err := i.commitAndApply(newCommit, actions); err != nil {
			i.degradeWithErr(err)
			return
		}
		// Nudge every peer with the freshly advanced leader_commit right
		// away rather than waiting for the next heartbeat, so a
		// majority-reached commit is visible cluster-wide promptly.
		for _, p := range i.peers.Ids() {
			i.appendActionsForPeer(actions, p)
		}
	}
}

// commitAndApply advances commit_index to newCommit and applies every
// newly committed entry to the state machine in order, delivering
// ProposalResponse.Success to any tracked origin.
func (i *Instance) commitAndApply(newCommit raft.LogIndex, actions *Actions) error {
	if newCommit <= i.commitIndex {
		return nil
	}
	i.commitIndex = newCommit
	currentTerm := i.CurrentTerm()

	for idx := i.lastApplied + 1; idx <= newCommit; idx++ {
		term, command, err := i.log.Entry(idx)
		if err != nil {
			return err
		}
		response, err := i.sm.Apply(command)
		if err != nil {
			return err
		}
		if term == currentTerm {
			i.committedInCurrentTerm = true
		}
		if origin, ok := i.pending[idx]; ok {
			delete(i.pending, idx)
			actions.replyToClient(origin.client, message.KindProposalResponse, &message.ProposalResponse{
				Kind: message.ProposalSuccess,
				Data: response,
			})
		}
	}
	i.lastApplied = newCommit
	return nil
}

// HandlePeerReset invalidates in-flight leader replication state for
// peer after its connection resets: next_index is reset so
// retransmission resumes on the next heartbeat.
func (i *Instance) HandlePeerReset(peer raft.ServerId) Actions {
	var actions Actions
	if i.role != Leader {
		return actions
	}
	state, ok := i.repl[peer]
	if !ok {
		return actions
	}
	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		return actions
	}
	state.nextIndex = lastIndex + 1
	return actions
}

// AddPeer inserts replication bookkeeping for a newly learned peer.
func (i *Instance) AddPeer(peer raft.ServerId) {
	if i.role != Leader {
		return
	}
	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		return
	}
	if i.repl == nil {
		i.repl = make(map[raft.ServerId]*peerReplState)
	}
	i.repl[peer] = &peerReplState{nextIndex: lastIndex + 1, matchIndex: 0}
}
