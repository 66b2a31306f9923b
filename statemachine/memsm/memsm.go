// Package memsm is a tiny in-memory key/value StateMachine: a
// mutex-guarded map with msgpack snapshot/restore, implementing the
// full apply/query/revert/rollback contract.
package memsm

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/latticedb/raft/statemachine"
	"github.com/ugorji/go/codec"
)

var mh = &codec.MsgpackHandle{}

// CommandType enumerates the operations this reference state machine
// understands.
type CommandType uint8

const (
	CommandSet CommandType = iota
	CommandUnset
)

// Command is the opaque payload carried by a Proposal entry.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// EncodeCommand serializes a Command to the bytes a Proposal carries.
func EncodeCommand(c Command) []byte {
	var buf bytes.Buffer
	_ = codec.NewEncoder(&buf, mh).Encode(c)
	return buf.Bytes()
}

// DecodeCommand deserializes bytes produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := codec.NewDecoderBytes(data, mh).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("memsm: decode command: %w", err)
	}
	return c, nil
}

// QueryKeys, when encoded as a Query's payload, asks for every key
// currently set.
type QueryKeys struct{}

// QueryValue, when encoded as a Query's payload, asks for one key's value.
type QueryValue struct{ Key string }

// QueryValueBytes encodes a QueryValue{Key: key} lookup as the bytes a
// Query's Query field carries, for callers (the example CLI) that
// don't otherwise touch this package's codec handle.
func QueryValueBytes(key string) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh).Encode(QueryValue{Key: key}); err != nil {
		return nil, fmt.Errorf("memsm: encode query: %w", err)
	}
	return buf.Bytes(), nil
}

type undoRecord struct {
	key      string
	hadValue bool
	value    []byte
}

// StateMachine is the reference in-memory key/value store.
type StateMachine struct {
	mu     sync.Mutex
	states map[string][]byte
	undo   []undoRecord
}

var _ statemachine.StateMachine = (*StateMachine)(nil)

// New creates an empty StateMachine.
func New() *StateMachine {
	return &StateMachine{states: map[string][]byte{}}
}

func (m *StateMachine) Apply(command []byte) ([]byte, error) {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	oldValue, hadValue := m.states[cmd.Key]
	m.undo = append(m.undo, undoRecord{key: cmd.Key, hadValue: hadValue, value: oldValue})

	switch cmd.Type {
	case CommandSet:
		m.states[cmd.Key] = cmd.Value
	case CommandUnset:
		delete(m.states, cmd.Key)
	default:
		return nil, fmt.Errorf("memsm: unknown command type %d", cmd.Type)
	}
	return []byte("ok"), nil
}

func (m *StateMachine) Query(query []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var asValue QueryValue
	if err := codec.NewDecoderBytes(query, mh).Decode(&asValue); err == nil && asValue.Key != "" {
		v, ok := m.states[asValue.Key]
		if !ok {
			return nil, nil
		}
		return append([]byte(nil), v...), nil
	}

	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh).Encode(keys); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *StateMachine) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyValues := make(map[string][]byte, len(m.states))
	for k, v := range m.states {
		keyValues[k] = append([]byte(nil), v...)
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh).Encode(keyValues); err != nil {
		return nil, fmt.Errorf("memsm: snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *StateMachine) Restore(snapshot []byte) error {
	var keyValues map[string][]byte
	if err := codec.NewDecoderBytes(snapshot, mh).Decode(&keyValues); err != nil {
		return fmt.Errorf("memsm: restore: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = keyValues
	m.undo = nil
	return nil
}

// Revert undoes the most recently applied command, restoring the
// key's prior value (or absence thereof). Consensus calls this once
// per rolled-back entry in reverse index order, so the top of the
// undo stack always corresponds to the entry being reverted.
func (m *StateMachine) Revert(command []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.undo) == 0 {
		return fmt.Errorf("memsm: revert called with no pending undo record")
	}
	rec := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	if rec.hadValue {
		m.states[rec.key] = rec.value
	} else {
		delete(m.states, rec.key)
	}
	return nil
}

// Rollback clears the undo buffer without undoing state, used when a
// transaction commits instead of rolling back.
func (m *StateMachine) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
}

// KeyValues returns a defensive copy of every key currently set, used
// by tests.
func (m *StateMachine) KeyValues() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.states))
	for k, v := range m.states {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
