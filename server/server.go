// Package server implements the single-threaded reactor: it accepts
// connections, fans every inbound byte chunk, timer expiry, and
// connection reset into one channel, and is the only code that
// executes a consensus.Actions batch (enqueuing outbound messages on
// connections, (re)arming timers, mutating the shared PeerDirectory).
//
// The reactor owns the connection slab outright; connections are
// referenced by stable tokens and ids are indirected through token
// lookup maps, so nothing downstream ever holds a socket handle that
// could dangle across a reconnect.
package server

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/auth"
	"github.com/latticedb/raft/conn"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/logmanager"
	"github.com/latticedb/raft/message"
	"go.uber.org/zap"
)

// Options configures one Server process.
type Options struct {
	Id              raft.ServerId
	ListenAddr      string
	CommunityString string
	Auth            auth.Authenticator
	// DynamicPeering, if non-empty, is the address of an existing peer
	// to bootstrap from via a ServerAdd preamble, used only when no
	// static peers are configured.
	DynamicPeering string
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectBase == 0 {
		o.ReconnectBase = 100 * time.Millisecond
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 5 * time.Second
	}
	if o.Auth == nil {
		o.Auth = auth.AllowAll{}
	}
	return o
}

// Server owns the listening socket, the connection slab, every timer,
// the shared PeerDirectory, and the logmanager.Manager. Exactly one
// goroutine (run) ever touches these fields after Serve starts it;
// every other goroutine in this package only funnels events into
// s.events.
type Server struct {
	id     raft.ServerId
	opts   Options
	logger *zap.SugaredLogger

	peers *raft.PeerDirectory
	logs  *logmanager.Manager

	listener net.Listener

	events     chan interface{}
	connEvents chan conn.Event
	shutdownCh chan error

	conns       map[conn.Token]*conn.Connection
	nextToken   conn.Token
	peerConns   map[raft.ServerId]conn.Token
	clientConns map[raft.ClientId]conn.Token
	backoffs    map[conn.Token]*conn.Backoff

	// localWaiters holds the future behind each in-process Submit call,
	// keyed by the ClientId its request named; consulted before the
	// connection slab when a client response is delivered.
	localWaiters map[raft.ClientId]raft.FutureTask[*consensus.ClientMessage, interface{}]

	election  *timerSet[raft.LogId]
	heartbeat *timerSet[heartbeatKey]
	reconnect *timerSet[conn.Token]

	serveFlag    uint32
	shutdownOnce sync.Once
}

// New constructs a Server. logs must already have every local
// consensus.Instance registered; peers is the directory those
// instances share.
func New(opts Options, peers *raft.PeerDirectory, logs *logmanager.Manager, logger *zap.SugaredLogger) *Server {
	opts = opts.withDefaults()
	return &Server{
		id:           opts.Id,
		opts:         opts,
		logger:       logger,
		peers:        peers,
		logs:         logs,
		events:       make(chan interface{}, 256),
		connEvents:   make(chan conn.Event, 256),
		shutdownCh:   make(chan error, 4),
		conns:        make(map[conn.Token]*conn.Connection),
		peerConns:    make(map[raft.ServerId]conn.Token),
		clientConns:  make(map[raft.ClientId]conn.Token),
		backoffs:     make(map[conn.Token]*conn.Backoff),
		localWaiters: make(map[raft.ClientId]raft.FutureTask[*consensus.ClientMessage, interface{}]),
		election:     newTimerSet[raft.LogId](),
		heartbeat:    newTimerSet[heartbeatKey](),
		reconnect:    newTimerSet[conn.Token](),
	}
}

// Serve binds the listening socket, dials every statically configured
// peer, performs dynamic-peering bootstrap if configured, arms every
// log's initial election timer, and runs the reactor until shutdown.
// It blocks until the server is shut down and returns the error (if
// any) that caused it.
func (s *Server) Serve() error {
	if !atomic.CompareAndSwapUint32(&s.serveFlag, 0, 1) {
		return fmt.Errorf("raft/server: Serve() can only be called once")
	}

	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Infow("listening", "addr", listener.Addr().String())

	go s.acceptLoop()
	go s.handleTerminal()
	go s.forwardConnEvents()

	for id, addr := range s.peers.Snapshot() {
		s.dialPeer(id, addr)
	}
	if s.opts.DynamicPeering != "" && len(s.peers.Snapshot()) == 0 {
		s.bootstrapDynamicPeering(s.opts.DynamicPeering)
	}

	for _, inst := range s.logs.Instances() {
		s.armElection(inst)
	}

	return s.run()
}

// forwardConnEvents relays every conn.Event onto the single reactor
// funnel channel, since conn.Connection is typed against its own
// chan<- conn.Event rather than the reactor's chan interface{}.
func (s *Server) forwardConnEvents() {
	for ev := range s.connEvents {
		s.events <- ev
	}
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.shutdownCh <- err
			return
		}
		s.events <- acceptedEvent{nc: nc}
	}
}

// Submit funnels one client request from in-process code (an embedding
// host) through the same dispatch path a socket frame takes, returning
// a future that resolves to the first response addressed to the
// request's own ClientId. Responses to any other client still travel
// their sockets as usual. A request deferred behind an active
// transaction resolves only once that transaction closes; callers
// bound the wait with the context they pass to Result.
func (s *Server) Submit(kind message.Kind, payload interface{}) raft.FutureTask[*consensus.ClientMessage, interface{}] {
	ft := raft.NewFutureTask[*consensus.ClientMessage, interface{}](payload)
	s.events <- localRequestEvent{kind: kind, payload: payload, future: ft}
	return ft
}

// Shutdown asks the reactor to stop: the listener closes, every
// connection resets, and Serve returns nil. Safe to call from any
// goroutine; redundant calls after the first are drained harmlessly.
func (s *Server) Shutdown() {
	select {
	case s.shutdownCh <- nil:
	default:
	}
}

func (s *Server) handleTerminal() {
	sig := <-terminalSignalCh()
	s.logger.Infow("terminal signal captured", "signal", sig)
	s.shutdownCh <- nil
}

// terminalSignalCh returns a channel that fires on the signals that
// usually indicate a process's controlling terminal going away.
func terminalSignalCh() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return ch
}

func (s *Server) run() error {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case err := <-s.shutdownCh:
			s.shutdown()
			return err
		}
	}
}

func (s *Server) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case acceptedEvent:
		s.handleAccept(e.nc)
	case conn.Event:
		s.handleConnEvent(e)
	case electionTimeoutEvent:
		s.handleElectionTimeout(e.logId)
	case heartbeatTimeoutEvent:
		s.handleHeartbeatTimeout(e.logId, e.peer)
	case reconnectTimeoutEvent:
		s.handleReconnectTimeout(e)
	case localRequestEvent:
		s.handleLocalRequest(e)
	default:
		s.logger.Warnw("unrecognized reactor event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Server) handleAccept(nc net.Conn) {
	token := s.nextToken
	s.nextToken++
	s.conns[token] = conn.New(token, nc, s.connEvents)
	s.logger.Debugw("accepted connection", "token", uint64(token), "remote", nc.RemoteAddr().String())
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Infow("shutting down")
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for _, c := range s.conns {
			c.Reset()
		}
		s.election.stopAll()
		s.heartbeat.stopAll()
		s.reconnect.stopAll()
		for client, ft := range s.localWaiters {
			delete(s.localWaiters, client)
			raft.SetFutureResult(ft, nil, raft.ErrServerShutdown)
		}
	})
}

// lookupInstance fetches the consensus.Instance for logId; callers
// silently discard the event if this server doesn't host it (shouldn't happen for
// timers armed by this same server, but defensive against races during
// shutdown).
func (s *Server) lookupInstance(logId raft.LogId) (*consensus.Instance, bool) {
	return s.logs.Lookup(logId)
}

func (s *Server) handleElectionTimeout(logId raft.LogId) {
	inst, ok := s.lookupInstance(logId)
	if !ok {
		return
	}
	s.executeActions(logId, inst.HandleElectionTimeout())
}

func (s *Server) handleHeartbeatTimeout(logId raft.LogId, peer raft.ServerId) {
	inst, ok := s.lookupInstance(logId)
	if !ok {
		return
	}
	s.executeActions(logId, inst.HandleHeartbeatTimeout(peer))
}

// sendPeer delivers kind/payload to peer over its current connection,
// if one exists. A peer with no live connection simply misses this
// message; replication naturally retries on the next heartbeat.
func (s *Server) sendPeer(peer raft.ServerId, kind message.Kind, payload interface{}) {
	token, ok := s.peerConns[peer]
	if !ok {
		return
	}
	c, ok := s.conns[token]
	if !ok {
		return
	}
	if err := c.Enqueue(kind, payload); err != nil {
		s.logger.Warnw("peer write queue overflow, resetting connection", "peer", peer.String(), "err", err)
		s.resetConnection(token)
	}
}

func (s *Server) sendClient(client raft.ClientId, kind message.Kind, payload interface{}) {
	if ft, ok := s.localWaiters[client]; ok {
		delete(s.localWaiters, client)
		m := consensus.ClientMessage{Client: client, Kind: kind, Payload: payload}
		raft.SetFutureResult(ft, &m, nil)
		return
	}
	token, ok := s.clientConns[client]
	if !ok {
		return
	}
	c, ok := s.conns[token]
	if !ok {
		return
	}
	if err := c.Enqueue(kind, payload); err != nil {
		s.logger.Warnw("client write queue overflow, resetting connection", "client", client.String(), "err", err)
		s.resetConnection(token)
	}
}
