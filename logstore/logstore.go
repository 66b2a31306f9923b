// Package logstore defines the persistent log contract
// and ships two implementations: an in-memory log for tests, and a
// bbolt-backed log that survives process restart.
package logstore

import (
	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
)

// PersistentLog is the durable term/vote and entry-append contract
// one consensus instance drives. Every mutating operation must be
// observable after process restart. Implementations are exclusively
// owned by a single consensus instance; no concurrent access is made
// across goroutines.
type PersistentLog interface {
	// CurrentTerm returns the last durably stored term.
	CurrentTerm() (raft.Term, error)

	// SetCurrentTerm durably persists t and clears VotedFor.
	SetCurrentTerm(t raft.Term) error

	// IncrementCurrentTerm reads the current term, adds 1, persists it,
	// clears VotedFor, and returns the new term.
	IncrementCurrentTerm() (raft.Term, error)

	// VotedFor returns the candidate voted for in CurrentTerm, if any.
	// ok is false if no vote has been cast in the current term.
	VotedFor() (id raft.ServerId, ok bool, err error)

	// SetVotedFor durably persists a vote for id in the current term.
	SetVotedFor(id raft.ServerId) error

	// LatestIndex returns the highest LogIndex stored, or raft.NoIndex
	// if the log is empty.
	LatestIndex() (raft.LogIndex, error)

	// LatestTerm returns the term of the entry at LatestIndex, or 0 if
	// the log is empty.
	LatestTerm() (raft.Term, error)

	// Entry returns the term and payload stored at index. index must be
	// between 1 and LatestIndex inclusive.
	Entry(index raft.LogIndex) (raft.Term, []byte, error)

	// AppendEntries requires fromIndex <= LatestIndex()+1. Any entries
	// already stored at or after fromIndex are truncated before the new
	// entries are appended; this is the only mechanism by which
	// entries may be removed.
	AppendEntries(fromIndex raft.LogIndex, entries []message.Entry) error
}
