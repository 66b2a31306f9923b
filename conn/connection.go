// Package conn implements the per-socket connection state machine:
// the Unknown → Peer(id) | Client(id) promotion states, the FIFO
// outbound write queue, and partial-frame-retaining reads.
//
// Every connection funnels raw inbound bytes and reset notifications
// into one channel for the single reactor goroutine to drain; the
// framer itself is driven only by that goroutine, never by a
// connection's own reader goroutine.
package conn

import (
	"io"
	"net"
	"sync"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/message"
)

// State is a connection's place in the Unknown/Peer/Client machine.
type State int

const (
	Unknown State = iota
	Peer
	Client
)

func (s State) String() string {
	switch s {
	case Peer:
		return "peer"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

// Token is a stable, reactor-assigned handle for one connection. Ids
// (ServerId, ClientId) are indirected through a token so consensus and
// the log manager never hold a dangling connection reference across a
// reconnect.
type Token uint64

// EventKind discriminates the payload carried by an Event.
type EventKind int

const (
	// EventData carries freshly read bytes for the reactor to feed into
	// this connection's Framer.
	EventData EventKind = iota
	// EventReset reports that a send or receive returned a fatal error;
	// the connection is already closed by the time this is observed.
	EventReset
)

// Event is what a Connection's reader/writer goroutines funnel into
// the reactor's single shared channel. The reactor is the only code
// that ever inspects or mutates the Connection named by Token.
type Event struct {
	Token Token
	Kind  EventKind
	Data  []byte
	Err   error
}

// maxWriteQueueLen bounds the outbound FIFO queue; the reactor resets
// a connection whose queue overflows rather than letting it grow
// without bound.
const maxWriteQueueLen = 4096

// readBufferSize is the chunk size used for each blocking Read.
const readBufferSize = 32 * 1024

// Connection is one socket's framing, write queue, and promotion state.
// Exactly one goroutine (the reactor, in raft/server) may call Feed,
// NextFrame, Promote*, or read State/PeerId/ClientId/Addr; the reader
// and writer goroutines started by New touch only the net.Conn and the
// write queue.
type Connection struct {
	token Token
	nc    net.Conn

	framer message.Framer

	state    State
	peerId   raft.ServerId
	clientId raft.ClientId
	// addr is the advertised address for a Peer connection (from its
	// preamble, not the TCP source), used for reconnects.
	addr string

	writeCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps nc as a fresh Unknown connection identified by token.
// events receives every inbound byte chunk and reset notification;
// typically a single channel shared by every connection the reactor
// owns.
func New(token Token, nc net.Conn, events chan<- Event) *Connection {
	c := &Connection{
		token:   token,
		nc:      nc,
		writeCh: make(chan []byte, maxWriteQueueLen),
		closed:  make(chan struct{}),
	}
	go c.readLoop(events)
	go c.writeLoop(events)
	return c
}

func (c *Connection) readLoop(events chan<- Event) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events <- Event{Token: c.token, Kind: EventData, Data: data}
		}
		if err != nil {
			if err != io.EOF {
				events <- Event{Token: c.token, Kind: EventReset, Err: err}
			} else {
				events <- Event{Token: c.token, Kind: EventReset, Err: io.EOF}
			}
			c.closeLocal()
			return
		}
	}
}

func (c *Connection) writeLoop(events chan<- Event) {
	for {
		select {
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				events <- Event{Token: c.token, Kind: EventReset, Err: err}
				c.closeLocal()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

// Reset tears down the socket from the reactor side (e.g. a peer
// preamble superseding an older connection for the same id). Safe to
// call even if the connection already failed on its own.
func (c *Connection) Reset() { c.closeLocal() }

// Enqueue encodes kind/payload and appends it to the FIFO write queue.
// Writes are never blocking from the reactor's point of view: a full
// queue is reported as an error instead of stalling the caller, so the
// reactor can reset the connection rather than wedge on back-pressure.
func (c *Connection) Enqueue(kind message.Kind, payload interface{}) error {
	frame, err := message.EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	select {
	case c.writeCh <- frame:
		return nil
	default:
		return raft.ErrConnLimitReached
	}
}

// Feed appends newly read bytes to the connection's framer. Only the
// reactor goroutine may call this.
func (c *Connection) Feed(data []byte) { c.framer.Feed(data) }

// NextFrame pops one complete frame, if available; see message.Framer.
func (c *Connection) NextFrame() (message.Kind, interface{}, bool, error) {
	return c.framer.Next()
}

func (c *Connection) Token() Token            { return c.token }
func (c *Connection) State() State            { return c.state }
func (c *Connection) PeerId() raft.ServerId   { return c.peerId }
func (c *Connection) ClientId() raft.ClientId { return c.clientId }
func (c *Connection) Addr() string            { return c.addr }

// PromotePeer transitions an Unknown connection to Peer(id), recording
// the preamble-advertised address (stored for future reconnects, never
// the TCP source address).
func (c *Connection) PromotePeer(id raft.ServerId, addr string) {
	c.state = Peer
	c.peerId = id
	c.addr = addr
}

// PromoteClient transitions an Unknown connection to Client(id).
func (c *Connection) PromoteClient(id raft.ClientId) {
	c.state = Client
	c.clientId = id
}
