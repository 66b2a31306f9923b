// Package consensus implements the per-log consensus state machine:
// leader election, log replication, commit advancement, and client
// dispatch, wired to a transaction.Manager and a
// logstore.PersistentLog + statemachine.StateMachine pair.
//
// The Instance is a pure state machine: every Handle* method takes
// one event and returns an Actions batch for the reactor to execute,
// which keeps the algorithmic core testable without goroutines,
// timers, or sockets.
package consensus

import (
	"fmt"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/logstore"
	"github.com/latticedb/raft/message"
	"github.com/latticedb/raft/statemachine"
	"github.com/latticedb/raft/transaction"
	"go.uber.org/zap"
)

// Role is a consensus instance's place in the
// leader/follower/candidate state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Options configures the timing knobs of one consensus Instance.
type Options struct {
	// ElectionTimeoutMin/Max bound the randomized election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is the fixed leader-only per-peer heartbeat
	// period.
	HeartbeatInterval time.Duration
}

// DefaultOptions returns timing knobs in the range commonly used by
// Raft reference implementations in this pack (150-300ms election,
// 50ms heartbeat).
func DefaultOptions() Options {
	return Options{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// proposalOrigin tracks who to answer once an entry commits.
type proposalOrigin struct {
	client  raft.ClientId
	session raft.TransactionId
}

// peerReplState is the leader's per-peer replication bookkeeping.
type peerReplState struct {
	nextIndex  raft.LogIndex
	matchIndex raft.LogIndex
}

// Instance is one independent, per-log consensus state machine. It
// exclusively owns its PersistentLog, StateMachine, and
// transaction.Manager; no other code touches them.
type Instance struct {
	id    raft.ServerId
	logId raft.LogId

	log logstore.PersistentLog
	sm  statemachine.StateMachine
	txn *transaction.Manager

	peers *raft.PeerDirectory

	logger *zap.SugaredLogger
	opts   Options

	role Role

	commitIndex raft.LogIndex
	lastApplied raft.LogIndex

	// degraded is set when a persistent-log I/O failure occurs on a
	// critical path. The instance keeps running but every mutating
	// request fails fast.
	degraded bool

	// hasLeader/leaderHint: follower-only pointer to the last leader
	// that successfully appended.
	hasLeader  bool
	leaderHint raft.ServerId

	// votes: candidate-only granted-vote set for the current term.
	votes map[raft.ServerId]bool

	// repl: leader-only per-peer replication state.
	repl map[raft.ServerId]*peerReplState

	// pending: leader-only, LogIndex -> origin, so a commit can be
	// routed back to the client (or transaction-tagged request) that
	// proposed it.
	pending map[raft.LogIndex]proposalOrigin

	// committedInCurrentTerm tracks whether the leader has yet
	// committed any entry in the current term, gating reads until the
	// leader has proven its log is current.
	committedInCurrentTerm bool
}

// New creates a consensus Instance for logId. The persistent log and
// state machine passed in become exclusively owned by this instance.
func New(id raft.ServerId, logId raft.LogId, log logstore.PersistentLog, sm statemachine.StateMachine, peers *raft.PeerDirectory, logger *zap.SugaredLogger, opts Options) *Instance {
	return &Instance{
		id:      id,
		logId:   logId,
		log:     log,
		sm:      sm,
		txn:     transaction.NewManager(),
		peers:   peers,
		logger:  logger,
		opts:    opts,
		role:    Follower,
		pending: make(map[raft.LogIndex]proposalOrigin),
	}
}

// --- identity / accessors (also satisfies raft.Identity for LogFields) ---

func (i *Instance) Id() raft.ServerId         { return i.id }
func (i *Instance) LogId() raft.LogId         { return i.logId }
func (i *Instance) RoleString() string        { return i.role.String() }
func (i *Instance) Role() Role                { return i.role }
func (i *Instance) Degraded() bool            { return i.degraded }
func (i *Instance) Txn() *transaction.Manager { return i.txn }

func (i *Instance) CurrentTerm() raft.Term {
	t, err := i.log.CurrentTerm()
	if err != nil {
		return 0
	}
	return t
}

func (i *Instance) CommitIndex() raft.LogIndex { return i.commitIndex }
func (i *Instance) LastApplied() raft.LogIndex { return i.lastApplied }

// RandomElectionTimeout exposes the randomized election timeout
// computation for the reactor to use when arming a log's very first
// timer at startup, before any election has ever fired.
func (i *Instance) RandomElectionTimeout() time.Duration { return i.randomElectionTimeout() }

// HeartbeatInterval exposes this instance's fixed per-peer heartbeat
// period.
func (i *Instance) HeartbeatInterval() time.Duration { return i.opts.HeartbeatInterval }

func (i *Instance) LeaderHint() (raft.ServerId, bool) {
	if i.role == Leader {
		return i.id, true
	}
	return i.leaderHint, i.hasLeader
}

func (i *Instance) logFields(kv ...interface{}) []interface{} {
	fields := raft.LogFields(i, kv...)
	return append(fields, "log_id", i.logId.String())
}

// Actions is the batch value produced by one consensus step: outbound
// peer messages, client responses, timers to arm/clear. The reactor
// executes one Actions batch atomically with respect to the next
// event.
type Actions struct {
	// Peer holds outbound peer-directed messages.
	Peer []PeerMessage
	// Client holds responses ready to deliver to a connected client.
	Client []ClientMessage

	// RearmElection requests the election timer be (re)armed with the
	// given randomized timeout; ElectionTimeout is valid only when
	// RearmElection is true.
	RearmElection   bool
	ElectionTimeout time.Duration
	// ClearElection requests the election timer be cancelled (the
	// instance became Leader and now relies on heartbeat timers
	// instead).
	ClearElection bool

	// RearmHeartbeat requests the heartbeat timer for each named peer
	// be (re)armed at opts.HeartbeatInterval.
	RearmHeartbeat []raft.ServerId
	// ClearHeartbeat requests the heartbeat timer for each named peer
	// be cleared (stepping down from leader).
	ClearHeartbeat []raft.ServerId
}

func (a *Actions) sendTo(to raft.ServerId, kind message.Kind, payload interface{}) {
	a.Peer = append(a.Peer, PeerMessage{To: to, Kind: kind, Payload: payload})
}

func (a *Actions) broadcast(peers []raft.ServerId, kind message.Kind, payload interface{}) {
	for _, p := range peers {
		a.sendTo(p, kind, payload)
	}
}

func (a *Actions) replyToClient(client raft.ClientId, kind message.Kind, payload interface{}) {
	a.Client = append(a.Client, ClientMessage{Client: client, Kind: kind, Payload: payload})
}

// PeerMessage is one outbound message bound for a peer.
type PeerMessage struct {
	To      raft.ServerId
	Kind    message.Kind
	Payload interface{}
}

// ClientMessage is one outbound response bound for a client.
type ClientMessage struct {
	Client  raft.ClientId
	Kind    message.Kind
	Payload interface{}
}

// degradeWithErr marks the instance degraded after a persistent-log
// I/O failure on a critical path. The callers emit an internal-error
// response; the rest of the process continues.
func (i *Instance) degradeWithErr(err error) {
	i.degraded = true
	i.logger.Errorw("persistent log I/O failure on critical path; log degraded",
		i.logFields(zap.Error(err))...)
}

// stepDownIfStale observes a message term and, if it is strictly
// greater than the local term, updates the current term, clears the
// vote, and becomes Follower before acting on the message.
// Returns true if a step-down occurred.
func (i *Instance) stepDownIfStale(term raft.Term, leader raft.ServerId, haveLeader bool) (bool, error) {
	if term <= i.CurrentTerm() {
		return false, nil
	}
	if err := i.log.SetCurrentTerm(term); err != nil {
		return false, fmt.Errorf("set current term: %w", err)
	}
	wasLeader := i.role == Leader
	i.role = Follower
	i.votes = nil
	i.repl = nil
	i.committedInCurrentTerm = false
	if haveLeader {
		i.hasLeader = true
		i.leaderHint = leader
	}
	if wasLeader {
		i.logger.Infow("stepping down: observed greater term", i.logFields("observed_term", uint64(term))...)
	}
	return true, nil
}
