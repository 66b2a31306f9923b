package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/latticedb/raft"
	"github.com/ugorji/go/codec"
)

// mh is the single msgpack handle shared by every encode/decode
// call.
var mh = &codec.MsgpackHandle{}

// lengthPrefixSize is the width of the frame length prefix.
const lengthPrefixSize = 4

// maxFrameSize bounds a single decoded frame; a peer advertising a
// longer frame is protocol noise, not a valid message.
const maxFrameSize = 64 << 20

func payloadOf(kind Kind, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("message: encode kind %d: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// EncodeFrame assembles one length-prefixed, kind-tagged, msgpack-
// encoded frame: [4-byte big-endian length][1-byte kind][payload].
// Used by raft/conn to build a frame once before it is placed on a
// connection's write queue.
func EncodeFrame(kind Kind, v interface{}) ([]byte, error) {
	payload, err := payloadOf(kind, v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, lengthPrefixSize+1+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(payload)+1))
	frame[lengthPrefixSize] = byte(kind)
	copy(frame[lengthPrefixSize+1:], payload)
	return frame, nil
}

// WriteFrame writes one frame (see EncodeFrame) to w in a single Write
// call so that a short write never leaves a half-frame on the wire.
func WriteFrame(w io.Writer, kind Kind, v interface{}) error {
	frame, err := EncodeFrame(kind, v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// decodeInto allocates the Go value for kind and decodes payload into it.
func decodeInto(kind Kind, payload []byte) (interface{}, error) {
	decode := func(v interface{}) (interface{}, error) {
		dec := codec.NewDecoderBytes(payload, mh)
		if err := dec.Decode(v); err != nil {
			return nil, fmt.Errorf("message: decode kind %d: %w", kind, err)
		}
		return v, nil
	}
	switch kind {
	case KindServerPreamble:
		return decode(&ServerPreamble{})
	case KindServerAddPreamble:
		return decode(&ServerAddPreamble{})
	case KindClientPreamble:
		return decode(&ClientPreamble{})
	case KindAppendEntriesRequest:
		return decode(&AppendEntriesRequest{})
	case KindAppendEntriesResponse:
		return decode(&AppendEntriesResponse{})
	case KindRequestVoteRequest:
		return decode(&RequestVoteRequest{})
	case KindRequestVoteResponse:
		return decode(&RequestVoteResponse{})
	case KindTransactionBegin:
		return decode(&TransactionBegin{})
	case KindTransactionCommit:
		return decode(&TransactionCommit{})
	case KindTransactionRollback:
		return decode(&TransactionRollback{})
	case KindProposal:
		return decode(&Proposal{})
	case KindQuery:
		return decode(&Query{})
	case KindPing:
		return decode(&Ping{})
	case KindClientTransactionBegin:
		return decode(&ClientTransactionBegin{})
	case KindClientTransactionCommit:
		return decode(&ClientTransactionCommit{})
	case KindClientTransactionRollback:
		return decode(&ClientTransactionRollback{})
	case KindProposalResponse:
		return decode(&ProposalResponse{})
	case KindTransactionResponse:
		return decode(&TransactionResponse{})
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", raft.ErrMalformedFrame, kind)
	}
}

// ReadFrame reads exactly one frame from r, blocking until it is fully
// available. Used for the handshake-style reads in tests and in the
// raftdoc client; the reactor's per-connection reads use
// Framer instead, which never blocks.
func ReadFrame(r io.Reader) (Kind, interface{}, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame length %d", raft.ErrMalformedFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	kind := Kind(body[0])
	v, err := decodeInto(kind, body[1:])
	if err != nil {
		return 0, nil, err
	}
	return kind, v, nil
}
