// Package raft implements a multi-log replicated state-machine engine:
// many independent Raft-style consensus instances, multiplexed over one
// peer mesh and one I/O event loop per process.
package raft

import (
	"fmt"

	"github.com/google/uuid"
)

// ServerId identifies a peer in the cluster. Stable for the lifetime of
// the peer, chosen at deployment time.
type ServerId uint64

func (id ServerId) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// ClientId identifies a connected client. Generated by the client and
// presented in its preamble.
type ClientId uuid.UUID

func (id ClientId) String() string {
	return uuid.UUID(id).String()
}

// NewClientId generates a fresh random ClientId.
func NewClientId() ClientId {
	return ClientId(uuid.New())
}

// LogId identifies one independent replicated log within a peer. Every
// consensus instance, persistent log, and state machine is keyed by
// exactly one LogId.
type LogId uuid.UUID

func (id LogId) String() string {
	return uuid.UUID(id).String()
}

// ParseLogId parses the canonical UUID text form of a LogId.
func ParseLogId(s string) (LogId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return LogId{}, fmt.Errorf("parse log id %q: %w", s, err)
	}
	return LogId(u), nil
}

// TransactionId identifies a multi-command transaction scope. Also used
// by clients to tag individual proposals as belonging to a transaction.
type TransactionId uuid.UUID

func (id TransactionId) String() string {
	return uuid.UUID(id).String()
}

// NewTransactionId generates a fresh random TransactionId.
func NewTransactionId() TransactionId {
	return TransactionId(uuid.New())
}

// Term is a monotonically non-decreasing leadership epoch.
type Term uint64

// LogIndex is a 1-based position within a log. 0 means "no entry".
type LogIndex uint64

// NoIndex is the sentinel LogIndex value meaning "no entry exists".
const NoIndex LogIndex = 0

// Less reports whether idx comes strictly before other.
func (idx LogIndex) Less(other LogIndex) bool { return idx < other }
