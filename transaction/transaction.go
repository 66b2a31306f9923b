// Package transaction implements the per-log nested transaction
// manager: a stack of frames, snapshot/rollback semantics, and
// message-queueing while a transaction holds the log. Exclusively
// owned by one consensus instance; never touched from more than one
// goroutine.
package transaction

import "github.com/latticedb/raft"

// Snapshot is the set of indexes a rollback must restore.
type Snapshot struct {
	CommitIndex      raft.LogIndex
	LastApplied      raft.LogIndex
	FollowerStateMin raft.LogIndex
}

// DeferredRequest is a client request that arrived while a transaction
// it did not belong to was active, queued for re-delivery once the
// log resumes normal operation.
type DeferredRequest struct {
	Client  raft.ClientId
	Message interface{}
}

type frame struct {
	session  raft.TransactionId
	snapshot Snapshot
	counter  int
	deferred []DeferredRequest
}

// Manager is the per-log transaction stack. The newest frame is the
// active one; at most one is visible to peers at a time, but nesting
// is permitted for bookkeeping and parent-owned deferrals.
type Manager struct {
	stack []*frame
}

// NewManager returns an empty (no active transaction) Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Active reports whether any transaction frame is on the stack.
func (m *Manager) Active() bool { return len(m.stack) > 0 }

// Depth returns the number of nested frames currently on the stack.
func (m *Manager) Depth() int { return len(m.stack) }

// ActiveSession returns the session of the top (currently visible)
// frame, if any.
func (m *Manager) ActiveSession() (raft.TransactionId, bool) {
	if len(m.stack) == 0 {
		return raft.TransactionId{}, false
	}
	return m.stack[len(m.stack)-1].session, true
}

// OwnedByParent reports whether session matches any frame on the
// stack, not just the top one — such requests bypass the deferred
// queue.
func (m *Manager) OwnedByParent(session raft.TransactionId) bool {
	for _, f := range m.stack {
		if f.session == session {
			return true
		}
	}
	return false
}

// Begin pushes a new frame for session, capturing snapshot for a
// later Rollback. Returns ErrAlreadyActive if session already names a
// frame anywhere in the current stack; sessions within a stack are
// pairwise distinct.
func (m *Manager) Begin(session raft.TransactionId, snapshot Snapshot) error {
	if m.OwnedByParent(session) {
		return raft.ErrAlreadyActive
	}
	m.stack = append(m.stack, &frame{session: session, snapshot: snapshot})
	return nil
}

// CountUp increments the top frame's message counter and returns the
// new value, used to verify the local revert count against
// expectations.
func (m *Manager) CountUp() (int, error) {
	if len(m.stack) == 0 {
		return 0, raft.ErrNotActive
	}
	top := m.stack[len(m.stack)-1]
	top.counter++
	return top.counter, nil
}

// Defer appends a client request to the active frame's deferred queue.
// Callers (the consensus instance) are responsible for only calling this for
// requests that fail the OwnedByParent ownership test.
func (m *Manager) Defer(client raft.ClientId, message interface{}) error {
	if len(m.stack) == 0 {
		return raft.ErrNotActive
	}
	top := m.stack[len(m.stack)-1]
	top.deferred = append(top.deferred, DeferredRequest{Client: client, Message: message})
	return nil
}

// Commit pops the top frame. If the stack becomes empty the log
// resumes normal operation and every deferred request accumulated
// across the whole (now-closed) stack is returned for re-delivery. If
// a parent frame remains, the popped frame's deferred requests bubble
// up to become the parent's and nil is returned — they will surface
// once the outermost frame closes.
func (m *Manager) Commit() (Snapshot, bool, []DeferredRequest, error) {
	return m.pop()
}

// Rollback pops the top frame exactly like Commit, returning the same
// shape; callers use the returned Snapshot to restore commit_index,
// last_applied, and per-follower next_index.
func (m *Manager) Rollback() (Snapshot, bool, []DeferredRequest, error) {
	return m.pop()
}

func (m *Manager) pop() (Snapshot, bool, []DeferredRequest, error) {
	if len(m.stack) == 0 {
		return Snapshot{}, true, nil, raft.ErrNotActive
	}
	top := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	if len(m.stack) == 0 {
		return top.snapshot, true, top.deferred, nil
	}
	parent := m.stack[len(m.stack)-1]
	parent.deferred = append(parent.deferred, top.deferred...)
	return top.snapshot, false, nil, nil
}
