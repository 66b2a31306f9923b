// Package boltlog is a PersistentLog backed by a go.etcd.io/bbolt
// file: every mutation survives process restart. An embedded KV store
// is the conventional backing for a consensus log of this shape.
package boltlog

import (
	"encoding/binary"
	"fmt"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/logstore"
	"github.com/latticedb/raft/message"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keyHasVote     = []byte("has_vote")
)

// Log is a PersistentLog backed by one bbolt database file, one
// instance per LogId.
type Log struct {
	db *bolt.DB
}

var _ logstore.PersistentLog = (*Log)(nil)

// Open opens (creating if necessary) the bbolt database at path and
// returns a PersistentLog backed by it.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltlog: init buckets: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database file.
func (l *Log) Close() error { return l.db.Close() }

func indexKey(index raft.LogIndex) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

func encodeEntry(term raft.Term, command []byte) []byte {
	buf := make([]byte, 8+len(command))
	binary.BigEndian.PutUint64(buf[:8], uint64(term))
	copy(buf[8:], command)
	return buf
}

func decodeEntry(data []byte) (raft.Term, []byte) {
	term := raft.Term(binary.BigEndian.Uint64(data[:8]))
	command := append([]byte(nil), data[8:]...)
	return term, command
}

func (l *Log) CurrentTerm() (raft.Term, error) {
	var term raft.Term
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCurrentTerm)
		if v != nil {
			term = raft.Term(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return term, err
}

func (l *Log) SetCurrentTerm(t raft.Term) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(t))
		if err := b.Put(keyCurrentTerm, v[:]); err != nil {
			return err
		}
		return b.Delete(keyHasVote)
	})
}

func (l *Log) IncrementCurrentTerm() (raft.Term, error) {
	var newTerm raft.Term
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var current raft.Term
		if v := b.Get(keyCurrentTerm); v != nil {
			current = raft.Term(binary.BigEndian.Uint64(v))
		}
		newTerm = current + 1
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(newTerm))
		if err := b.Put(keyCurrentTerm, v[:]); err != nil {
			return err
		}
		return b.Delete(keyHasVote)
	})
	return newTerm, err
}

func (l *Log) VotedFor() (raft.ServerId, bool, error) {
	var id raft.ServerId
	var ok bool
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyHasVote); v == nil {
			return nil
		}
		if v := b.Get(keyVotedFor); v != nil {
			id = raft.ServerId(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return id, ok, err
}

func (l *Log) SetVotedFor(id raft.ServerId) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(id))
		if err := b.Put(keyVotedFor, v[:]); err != nil {
			return err
		}
		return b.Put(keyHasVote, []byte{1})
	})
}

func (l *Log) LatestIndex() (raft.LogIndex, error) {
	var idx raft.LogIndex
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, _ := c.Last()
		if k != nil {
			idx = raft.LogIndex(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return idx, err
}

func (l *Log) LatestTerm() (raft.Term, error) {
	var term raft.Term
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		_, v := c.Last()
		if v != nil {
			term, _ = decodeEntry(v)
		}
		return nil
	})
	return term, err
}

func (l *Log) Entry(index raft.LogIndex) (raft.Term, []byte, error) {
	var term raft.Term
	var command []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("boltlog: no entry at index %d", index)
		}
		term, command = decodeEntry(v)
		return nil
	})
	return term, command, err
}

func (l *Log) AppendEntries(fromIndex raft.LogIndex, entries []message.Entry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		k, _ := c.Last()
		var latest raft.LogIndex
		if k != nil {
			latest = raft.LogIndex(binary.BigEndian.Uint64(k))
		}
		if int(fromIndex) > int(latest)+1 {
			return fmt.Errorf("boltlog: fromIndex %d exceeds latest index + 1 (%d)", fromIndex, latest+1)
		}
		for idx := fromIndex; idx <= latest; idx++ {
			if err := b.Delete(indexKey(idx)); err != nil {
				return err
			}
		}
		for i, e := range entries {
			idx := fromIndex + raft.LogIndex(i)
			if err := b.Put(indexKey(idx), encodeEntry(e.Term, e.Command)); err != nil {
				return err
			}
		}
		return nil
	})
}
