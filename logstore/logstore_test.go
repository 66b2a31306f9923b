package logstore_test

import (
	"path/filepath"
	"testing"

	"github.com/latticedb/raft/logstore"
	"github.com/latticedb/raft/logstore/boltlog"
	"github.com/latticedb/raft/logstore/memlog"
	"github.com/latticedb/raft/message"
	"github.com/stretchr/testify/require"
)

// Both PersistentLog implementations must satisfy the identical
// contract; this table drives the same assertions against each so the
// two never silently diverge.
func implementations(t *testing.T) map[string]logstore.PersistentLog {
	t.Helper()
	dir := t.TempDir()
	bl, err := boltlog.Open(filepath.Join(dir, "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bl.Close() })
	return map[string]logstore.PersistentLog{
		"memlog":  memlog.New(),
		"boltlog": bl,
	}
}

func TestPersistentLogTermAndVote(t *testing.T) {
	for name, l := range implementations(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			term, err := l.CurrentTerm()
			require.NoError(t, err)
			require.Equal(t, uint64(0), uint64(term))

			_, ok, err := l.VotedFor()
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, l.SetVotedFor(7))
			id, ok, err := l.VotedFor()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, uint64(7), uint64(id))

			// Advancing the term clears any vote cast in the prior term.
			require.NoError(t, l.SetCurrentTerm(3))
			_, ok, err = l.VotedFor()
			require.NoError(t, err)
			require.False(t, ok)

			next, err := l.IncrementCurrentTerm()
			require.NoError(t, err)
			require.Equal(t, uint64(4), uint64(next))
		})
	}
}

func TestPersistentLogAppendAndTruncate(t *testing.T) {
	for name, l := range implementations(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			idx, err := l.LatestIndex()
			require.NoError(t, err)
			require.Equal(t, uint64(0), uint64(idx))

			entries := []message.Entry{
				{Term: 1, Command: []byte("a")},
				{Term: 1, Command: []byte("b")},
				{Term: 2, Command: []byte("c")},
			}
			require.NoError(t, l.AppendEntries(1, entries))

			idx, err = l.LatestIndex()
			require.NoError(t, err)
			require.Equal(t, uint64(3), uint64(idx))

			term, cmd, err := l.Entry(2)
			require.NoError(t, err)
			require.Equal(t, uint64(1), uint64(term))
			require.Equal(t, []byte("b"), cmd)

			// Truncate from index 2 onward and append a fresh entry.
			require.NoError(t, l.AppendEntries(2, []message.Entry{{Term: 3, Command: []byte("z")}}))

			idx, err = l.LatestIndex()
			require.NoError(t, err)
			require.Equal(t, uint64(2), uint64(idx))

			term, cmd, err = l.Entry(2)
			require.NoError(t, err)
			require.Equal(t, uint64(3), uint64(term))
			require.Equal(t, []byte("z"), cmd)

			latestTerm, err := l.LatestTerm()
			require.NoError(t, err)
			require.Equal(t, uint64(3), uint64(latestTerm))
		})
	}
}

func TestPersistentLogAppendRejectsGap(t *testing.T) {
	for name, l := range implementations(t) {
		l := l
		t.Run(name, func(t *testing.T) {
			err := l.AppendEntries(2, []message.Entry{{Term: 1, Command: []byte("x")}})
			require.Error(t, err)
		})
	}
}
