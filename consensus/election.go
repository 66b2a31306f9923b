package consensus

import (
	"math/rand"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
)

// randomElectionTimeout picks a timeout uniformly within
// [ElectionTimeoutMin, ElectionTimeoutMax).
func (i *Instance) randomElectionTimeout() time.Duration {
	min, max := i.opts.ElectionTimeoutMin, i.opts.ElectionTimeoutMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (i *Instance) lastLogIndexTerm() (raft.LogIndex, raft.Term, error) {
	idx, err := i.log.LatestIndex()
	if err != nil {
		return 0, 0, err
	}
	if idx == raft.NoIndex {
		return 0, 0, nil
	}
	term, err := i.log.LatestTerm()
	if err != nil {
		return 0, 0, err
	}
	return idx, term, nil
}

// upToDate implements the log-up-to-date comparison: a greater last
// log term wins; on equal term, a greater last log index wins.
func upToDate(candidateTerm raft.Term, candidateIndex raft.LogIndex, localTerm raft.Term, localIndex raft.LogIndex) bool {
	if candidateTerm != localTerm {
		return candidateTerm > localTerm
	}
	return candidateIndex >= localIndex
}

// HandleElectionTimeout transitions Follower->Candidate, or restarts
// a Candidate's own election.
func (i *Instance) HandleElectionTimeout() Actions {
	var actions Actions
	if i.role == Leader {
		// A leader has no election timer; a stray firing is ignored.
		return actions
	}

	i.logger.Infow("election timeout fired, starting election", i.logFields()...)

	newTerm, err := i.log.IncrementCurrentTerm()
	if err != nil {
		i.degradeWithErr(err)
		return actions
	}
	if err := i.log.SetVotedFor(i.id); err != nil {
		i.degradeWithErr(err)
		return actions
	}

	i.role = Candidate
	i.votes = map[raft.ServerId]bool{i.id: true}
	i.hasLeader = false

	lastIndex, lastTerm, err := i.lastLogIndexTerm()
	if err != nil {
		i.degradeWithErr(err)
		return actions
	}

	req := &message.RequestVoteRequest{
		LogId:        i.logId,
		Term:         newTerm,
		CandidateId:  i.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	actions.broadcast(i.peers.Ids(), message.KindRequestVoteRequest, req)
	if i.maybeWinElection(&actions) {
		// A log with no peers wins with its own vote alone; no election
		// timer to rearm.
		return actions
	}
	actions.RearmElection = true
	actions.ElectionTimeout = i.randomElectionTimeout()
	return actions
}

// HandleRequestVoteRequest implements the follower vote-granting
// rules.
func (i *Instance) HandleRequestVoteRequest(from raft.ServerId, req *message.RequestVoteRequest) Actions {
	var actions Actions

	respond := func(result message.VoteResult) Actions {
		actions.sendTo(from, message.KindRequestVoteResponse, &message.RequestVoteResponse{
			LogId:    i.logId,
			ServerId: i.id,
			Term:     i.CurrentTerm(),
			Result:   result,
		})
		return actions
	}

	if req.Term < i.CurrentTerm() {
		return respond(message.VoteStaleTerm)
	}

	if _, err := i.stepDownIfStale(req.Term, 0, false); err != nil {
		i.degradeWithErr(err)
		return respond(message.VoteInternalError)
	}

	votedFor, hasVote, err := i.log.VotedFor()
	if err != nil {
		i.degradeWithErr(err)
		return respond(message.VoteInternalError)
	}
	if hasVote && votedFor != req.CandidateId {
		return respond(message.VoteAlreadyVoted)
	}
	if hasVote && votedFor == req.CandidateId {
		// Idempotent: a repeated vote request from the same candidate
		// in the same term is granted again.
		return respond(message.VoteGranted)
	}

	lastIndex, lastTerm, err := i.lastLogIndexTerm()
	if err != nil {
		i.degradeWithErr(err)
		return respond(message.VoteInternalError)
	}
	if !upToDate(req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex) {
		return respond(message.VoteInconsistentLog)
	}

	if err := i.log.SetVotedFor(req.CandidateId); err != nil {
		i.degradeWithErr(err)
		return respond(message.VoteInternalError)
	}
	return respond(message.VoteGranted)
}

// HandleRequestVoteResponse counts granted votes toward a majority
// and transitions Candidate->Leader once one is reached.
func (i *Instance) HandleRequestVoteResponse(from raft.ServerId, resp *message.RequestVoteResponse) Actions {
	var actions Actions

	if resp.Term > i.CurrentTerm() {
		if _, err := i.stepDownIfStale(resp.Term, 0, false); err != nil {
			i.degradeWithErr(err)
		}
		return actions
	}
	if i.role != Candidate || resp.Result != message.VoteGranted {
		return actions
	}

	i.votes[from] = true
	i.maybeWinElection(&actions)
	return actions
}

// maybeWinElection checks the candidate's granted-vote set against the
// cluster majority and performs the Candidate->Leader transition once
// it is reached: replication bookkeeping is initialized for
// every peer, the election timer is cleared in favor of per-peer
// heartbeats, and an immediate (possibly empty) AppendEntries
// establishes leadership.
func (i *Instance) maybeWinElection(actions *Actions) bool {
	majority := (len(i.peers.Ids())+1)/2 + 1
	if len(i.votes) < majority {
		return false
	}

	i.logger.Infow("won election, becoming leader", i.logFields()...)
	i.role = Leader
	i.hasLeader = true
	i.leaderHint = i.id
	i.committedInCurrentTerm = false

	lastIndex, err := i.log.LatestIndex()
	if err != nil {
		i.degradeWithErr(err)
		return true
	}
	i.repl = make(map[raft.ServerId]*peerReplState)
	peerIds := i.peers.Ids()
	for _, p := range peerIds {
		i.repl[p] = &peerReplState{nextIndex: lastIndex + 1, matchIndex: 0}
	}

	actions.ClearElection = true
	actions.RearmHeartbeat = append(actions.RearmHeartbeat, peerIds...)

	for _, p := range peerIds {
		i.appendActionsForPeer(actions, p)
	}
	return true
}
