package transaction_test

import (
	"testing"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/transaction"
	"github.com/stretchr/testify/require"
)

func TestBeginDuplicateSessionIsAlreadyActive(t *testing.T) {
	m := transaction.NewManager()
	session := raft.NewTransactionId()
	require.NoError(t, m.Begin(session, transaction.Snapshot{CommitIndex: 5, LastApplied: 5}))
	require.ErrorIs(t, m.Begin(session, transaction.Snapshot{}), raft.ErrAlreadyActive)
}

func TestCommitRollbackWithNoActiveTransactionIsNotActive(t *testing.T) {
	m := transaction.NewManager()
	_, _, _, err := m.Commit()
	require.ErrorIs(t, err, raft.ErrNotActive)
	_, _, _, err = m.Rollback()
	require.ErrorIs(t, err, raft.ErrNotActive)
}

func TestDeferredRequestsDrainOnlyWhenStackEmpty(t *testing.T) {
	m := transaction.NewManager()
	outer := raft.NewTransactionId()
	inner := raft.NewTransactionId()

	require.NoError(t, m.Begin(outer, transaction.Snapshot{CommitIndex: 1}))
	require.NoError(t, m.Defer(raft.NewClientId(), "deferred-in-outer"))

	require.NoError(t, m.Begin(inner, transaction.Snapshot{CommitIndex: 2}))
	require.NoError(t, m.Defer(raft.NewClientId(), "deferred-in-inner"))

	snap, empty, deferred, err := m.Rollback()
	require.NoError(t, err)
	require.False(t, empty)
	require.Nil(t, deferred)
	require.Equal(t, raft.LogIndex(2), snap.CommitIndex)

	// outer is still active; its own deferral plus the bubbled-up
	// inner deferral should both surface once outer itself closes.
	snap, empty, deferred, err = m.Commit()
	require.NoError(t, err)
	require.True(t, empty)
	require.Equal(t, raft.LogIndex(1), snap.CommitIndex)
	require.Len(t, deferred, 2)
}

func TestOwnedByParentChecksWholeStack(t *testing.T) {
	m := transaction.NewManager()
	outer := raft.NewTransactionId()
	inner := raft.NewTransactionId()
	other := raft.NewTransactionId()

	require.NoError(t, m.Begin(outer, transaction.Snapshot{}))
	require.NoError(t, m.Begin(inner, transaction.Snapshot{}))

	require.True(t, m.OwnedByParent(outer))
	require.True(t, m.OwnedByParent(inner))
	require.False(t, m.OwnedByParent(other))
}

func TestCountUpRequiresActiveTransaction(t *testing.T) {
	m := transaction.NewManager()
	_, err := m.CountUp()
	require.ErrorIs(t, err, raft.ErrNotActive)

	require.NoError(t, m.Begin(raft.NewTransactionId(), transaction.Snapshot{}))
	n, err := m.CountUp()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = m.CountUp()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
