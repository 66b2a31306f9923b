// Package message defines the wire message set of the engine:
// peer-to-peer RPCs, client-to-server requests, server-to-client
// responses, and the connection preamble, plus a length-prefixed
// msgpack frame codec for putting them on a socket.
package message

import "github.com/latticedb/raft"

// Kind discriminates the payload that follows a frame's length prefix.
type Kind uint8

const (
	KindServerPreamble Kind = iota + 1
	KindServerAddPreamble
	KindClientPreamble

	KindAppendEntriesRequest
	KindAppendEntriesResponse
	KindRequestVoteRequest
	KindRequestVoteResponse
	KindTransactionBegin
	KindTransactionCommit
	KindTransactionRollback

	KindProposal
	KindQuery
	KindPing
	KindClientTransactionBegin
	KindClientTransactionCommit
	KindClientTransactionRollback

	KindProposalResponse
	KindTransactionResponse
)

// Entry is one command in a log: the term it was appended in and its
// opaque payload.
type Entry struct {
	Term    raft.Term
	Command []byte
}

// PeerAddr is one element of a Server preamble's gossiped peer list.
type PeerAddr struct {
	Id   raft.ServerId
	Addr string
}

// --- Preamble ---

// ServerPreamble identifies the connecting party as a peer, advertises
// its own address, proves cluster membership via the community string,
// and gossips the peers it already knows about.
type ServerPreamble struct {
	Id        raft.ServerId
	Addr      string
	Community string
	Peers     []PeerAddr
}

// ServerAddPreamble is sent by a bootstrapping server performing
// dynamic peering to ask an existing
// peer to admit it and gossip the full peer set back.
type ServerAddPreamble struct {
	Id        raft.ServerId
	Community string
	Addr      string
}

// ClientPreamble identifies the connecting party as a client and
// presents credentials for the authenticator.
type ClientPreamble struct {
	Id       raft.ClientId
	Username string
	Password string
}

// --- Peer-to-peer RPCs ---

type AppendEntriesRequest struct {
	LogId        raft.LogId
	Term         raft.Term
	LeaderId     raft.ServerId
	PrevLogIndex raft.LogIndex
	PrevLogTerm  raft.Term
	Entries      []Entry
	LeaderCommit raft.LogIndex
}

// AppendResult enumerates the outcomes of an AppendEntries call.
type AppendResult uint8

const (
	AppendSuccess AppendResult = iota
	AppendStaleTerm
	AppendInconsistentPrevEntry
	AppendInternalError
)

type AppendEntriesResponse struct {
	LogId    raft.LogId
	ServerId raft.ServerId
	Term     raft.Term
	Result   AppendResult
	// ConflictIndex is the log-matching hint, populated only when
	// Result == AppendInconsistentPrevEntry.
	ConflictIndex raft.LogIndex
	// AckIndex is the highest LogIndex the follower has durably appended
	// as of this reply, i.e. PrevLogIndex+len(Entries) from the request
	// being acknowledged. Populated only when Result == AppendSuccess;
	// the leader must use this value (never its own current log tip) to
	// advance matchIndex/nextIndex, since a later proposal may have sent
	// a second, further-reaching AppendEntries before this reply arrives.
	AckIndex raft.LogIndex
}

type RequestVoteRequest struct {
	LogId        raft.LogId
	Term         raft.Term
	CandidateId  raft.ServerId
	LastLogIndex raft.LogIndex
	LastLogTerm  raft.Term
}

// VoteResult enumerates the outcomes of a RequestVote call.
type VoteResult uint8

const (
	VoteGranted VoteResult = iota
	VoteStaleTerm
	VoteAlreadyVoted
	VoteInconsistentLog
	VoteInternalError
)

type RequestVoteResponse struct {
	LogId    raft.LogId
	ServerId raft.ServerId
	Term     raft.Term
	Result   VoteResult
}

// TransactionBegin is broadcast by the leader when a transaction opens
// on a log; it carries the snapshot rollback must restore.
type TransactionBegin struct {
	LogId            raft.LogId
	Session          raft.TransactionId
	CommitIndex      raft.LogIndex
	LastApplied      raft.LogIndex
	FollowerStateMin raft.LogIndex
}

type TransactionCommit struct {
	LogId   raft.LogId
	Session raft.TransactionId
}

type TransactionRollback struct {
	LogId   raft.LogId
	Session raft.TransactionId
}

// --- Client-to-server requests ---

// Proposal is a mutating client request. Session is the zero
// TransactionId when the proposal is untagged (ordinary, non
// transactional); otherwise it names the transaction the proposal
// belongs to.
type Proposal struct {
	LogId   raft.LogId
	Client  raft.ClientId
	Session raft.TransactionId
	Entry   []byte
}

// Query is an idempotent read-only client request.
type Query struct {
	LogId  raft.LogId
	Client raft.ClientId
	Query  []byte
}

// Ping keeps a client connection alive and, when Session is set,
// verifies a transaction is still active on the leader.
type Ping struct {
	LogId   raft.LogId
	Client  raft.ClientId
	Session raft.TransactionId
}

type ClientTransactionBegin struct {
	LogId   raft.LogId
	Client  raft.ClientId
	Session raft.TransactionId
}

type ClientTransactionCommit struct {
	LogId   raft.LogId
	Client  raft.ClientId
	Session raft.TransactionId
}

type ClientTransactionRollback struct {
	LogId   raft.LogId
	Client  raft.ClientId
	Session raft.TransactionId
}

// --- Server-to-client responses ---

// ProposalResultKind enumerates the shapes a ProposalResponse can take.
type ProposalResultKind uint8

const (
	ProposalSuccess ProposalResultKind = iota
	ProposalUnknownLeader
	ProposalNotLeader
	ProposalFailure
	ProposalClusterViolation
)

type ProposalResponse struct {
	Kind ProposalResultKind
	// Data carries the apply() response bytes when Kind == ProposalSuccess.
	Data []byte
	// LeaderAddr carries the redirect address when Kind == ProposalNotLeader
	// or ProposalClusterViolation.
	LeaderAddr string
	// Reason carries a message when Kind == ProposalFailure.
	Reason string
}

type TransactionResultKind uint8

const (
	TransactionSuccess TransactionResultKind = iota
	TransactionFailure
)

type TransactionResponse struct {
	Kind   TransactionResultKind
	Reason string
}
