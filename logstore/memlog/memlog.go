// Package memlog is an in-memory PersistentLog: a zero-dependency
// reference log that exists purely to exercise the consensus state
// machine without disk I/O.
package memlog

import (
	"fmt"
	"sync"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/logstore"
	"github.com/latticedb/raft/message"
)

type entry struct {
	term    raft.Term
	command []byte
}

// Log is an in-memory PersistentLog. Every method takes an internal
// mutex, so concurrent calls are safe, although the engine drives each
// log from a single owner.
type Log struct {
	mu sync.Mutex

	currentTerm raft.Term
	votedFor    raft.ServerId
	hasVote     bool

	entries []entry // entries[i] holds LogIndex i+1
}

var _ logstore.PersistentLog = (*Log)(nil)

// New creates an empty in-memory log.
func New() *Log {
	return &Log{}
}

func (l *Log) CurrentTerm() (raft.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTerm, nil
}

func (l *Log) SetCurrentTerm(t raft.Term) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTerm = t
	l.hasVote = false
	return nil
}

func (l *Log) IncrementCurrentTerm() (raft.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentTerm++
	l.hasVote = false
	return l.currentTerm, nil
}

func (l *Log) VotedFor() (raft.ServerId, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.votedFor, l.hasVote, nil
}

func (l *Log) SetVotedFor(id raft.ServerId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votedFor = id
	l.hasVote = true
	return nil
}

func (l *Log) LatestIndex() (raft.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return raft.LogIndex(len(l.entries)), nil
}

func (l *Log) LatestTerm() (raft.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, nil
	}
	return l.entries[len(l.entries)-1].term, nil
}

func (l *Log) Entry(index raft.LogIndex) (raft.Term, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 1 || int(index) > len(l.entries) {
		return 0, nil, fmt.Errorf("memlog: index %d out of range [1, %d]", index, len(l.entries))
	}
	e := l.entries[index-1]
	return e.term, e.command, nil
}

func (l *Log) AppendEntries(fromIndex raft.LogIndex, entries []message.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(fromIndex) > len(l.entries)+1 {
		return fmt.Errorf("memlog: fromIndex %d exceeds latest index + 1 (%d)", fromIndex, len(l.entries)+1)
	}
	l.entries = l.entries[:fromIndex-1]
	for _, e := range entries {
		l.entries = append(l.entries, entry{term: e.Term, command: e.Command})
	}
	return nil
}
