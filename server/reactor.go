package server

import (
	"net"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/conn"
	"github.com/latticedb/raft/consensus"
	"github.com/latticedb/raft/logmanager"
	"github.com/latticedb/raft/message"
)

// handleConnEvent processes one conn.Event: either freshly read bytes
// to feed into the connection's Framer, or a fatal reset reported by
// that connection's reader/writer goroutine.
func (s *Server) handleConnEvent(e conn.Event) {
	c, ok := s.conns[e.Token]
	if !ok {
		return
	}
	switch e.Kind {
	case conn.EventData:
		c.Feed(e.Data)
		s.drainFrames(c)
	case conn.EventReset:
		s.logger.Debugw("connection reset", "token", uint64(e.Token), "err", e.Err)
		s.onConnReset(c)
	}
}

// drainFrames pops every complete frame currently buffered on c and
// dispatches each in turn. A malformed frame resets
// the connection outright rather than reaching consensus.
func (s *Server) drainFrames(c *conn.Connection) {
	for {
		kind, payload, ok, err := c.NextFrame()
		if err != nil {
			s.logger.Warnw("malformed frame, resetting connection",
				"token", uint64(c.Token()), "err", err)
			s.resetConnection(c.Token())
			return
		}
		if !ok {
			return
		}
		s.processFrame(c, kind, payload)
	}
}

// processFrame routes one decoded frame according to the connection's
// current promotion state.
func (s *Server) processFrame(c *conn.Connection, kind message.Kind, payload interface{}) {
	switch c.State() {
	case conn.Unknown:
		s.handlePreamble(c, kind, payload)
	case conn.Peer:
		logId, _ := logmanager.PeerLogId(payload)
		actions := s.logs.DispatchPeer(c.PeerId(), kind, payload)
		s.executeActions(logId, actions)
	case conn.Client:
		logId, _ := logmanager.ClientLogId(payload)
		actions := s.logs.DispatchClient(c.ClientId(), kind, payload)
		s.executeActions(logId, actions)
	}
}

// handlePreamble processes the first frame on a socket, promoting it
// to Peer or Client, or dropping it outright.
func (s *Server) handlePreamble(c *conn.Connection, kind message.Kind, payload interface{}) {
	switch kind {
	case message.KindServerPreamble:
		req := payload.(*message.ServerPreamble)
		if req.Community != s.opts.CommunityString {
			s.logger.Warnw("community mismatch on server preamble, dropping",
				"from", req.Id.String())
			s.resetConnection(c.Token())
			return
		}
		s.promotePeerConn(c, req.Id, req.Addr)
		for _, p := range req.Peers {
			if p.Id == s.id {
				continue
			}
			if _, known := s.peers.Lookup(p.Id); known {
				continue
			}
			if err := s.logs.AddPeer(p.Id, p.Addr); err != nil {
				s.logger.Warnw("failed to learn gossiped peer", "peer", p.Id.String(), "err", err)
				continue
			}
			s.dialPeer(p.Id, p.Addr)
		}

	case message.KindServerAddPreamble:
		req := payload.(*message.ServerAddPreamble)
		if req.Community != s.opts.CommunityString {
			s.logger.Warnw("community mismatch on ServerAdd preamble, dropping",
				"from", req.Id.String())
			s.resetConnection(c.Token())
			return
		}
		if err := s.logs.AddPeer(req.Id, req.Addr); err != nil {
			s.logger.Warnw("ServerAdd failed", "from", req.Id.String(), "err", err)
		}
		s.promotePeerConn(c, req.Id, req.Addr)
		reply := s.serverPreamble()
		if err := c.Enqueue(message.KindServerPreamble, reply); err != nil {
			s.logger.Warnw("failed to reply to ServerAdd preamble", "err", err)
		}

	case message.KindClientPreamble:
		req := payload.(*message.ClientPreamble)
		if !s.opts.Auth.Authenticate(req.Username, req.Password) {
			s.logger.Infow("client auth rejected", "client", req.Id.String(), "username", req.Username)
			s.resetConnection(c.Token())
			return
		}
		c.PromoteClient(req.Id)
		s.clientConns[req.Id] = c.Token()

	default:
		s.logger.Warnw("unexpected frame before preamble, resetting", "token", uint64(c.Token()), "kind", kind)
		s.resetConnection(c.Token())
	}
}

// promotePeerConn promotes c to Peer(id), closing and replacing any
// previously existing connection for that peer id and clearing its
// reconnect timer.
func (s *Server) promotePeerConn(c *conn.Connection, id raft.ServerId, addr string) {
	if oldToken, ok := s.peerConns[id]; ok && oldToken != c.Token() {
		if old, ok := s.conns[oldToken]; ok {
			old.Reset()
			delete(s.conns, oldToken)
		}
		s.reconnect.clearIfPresent(oldToken)
		delete(s.backoffs, oldToken)
	}
	// armReconnect keys its timer off the synthetic per-peer token, not
	// a connection token, so that is the key to clear.
	s.reconnect.clearIfPresent(conn.Token(^uint64(0) - uint64(id)))
	c.PromotePeer(id, addr)
	s.peerConns[id] = c.Token()
	s.peers.Set(id, addr)
}

// serverPreamble builds the Server preamble this process sends on
// every outbound peer dial and dynamic-peering reply.
func (s *Server) serverPreamble() *message.ServerPreamble {
	snapshot := s.peers.Snapshot()
	peers := make([]message.PeerAddr, 0, len(snapshot))
	for id, addr := range snapshot {
		peers = append(peers, message.PeerAddr{Id: id, Addr: addr})
	}
	return &message.ServerPreamble{
		Id:        s.id,
		Addr:      s.opts.ListenAddr,
		Community: s.opts.CommunityString,
		Peers:     peers,
	}
}

// dialPeer opens an outbound connection to a known peer and sends our
// Server preamble as the first frame. Failures are not fatal to
// startup; a reconnect timer takes over.
func (s *Server) dialPeer(id raft.ServerId, addr string) {
	nc, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		s.logger.Debugw("dial failed, arming reconnect", "peer", id.String(), "addr", addr, "err", err)
		s.armReconnect(id, addr)
		return
	}
	token := s.nextToken
	s.nextToken++
	c := conn.New(token, nc, s.connEvents)
	if err := c.Enqueue(message.KindServerPreamble, s.serverPreamble()); err != nil {
		s.logger.Warnw("failed to enqueue outbound preamble", "peer", id.String(), "err", err)
		c.Reset()
		s.armReconnect(id, addr)
		return
	}
	s.conns[token] = c
	c.PromotePeer(id, addr)
	s.peerConns[id] = token
	if b, ok := s.backoffs[conn.Token(^uint64(0)-uint64(id))]; ok {
		b.Reset()
	}
}

// bootstrapDynamicPeering sends a ServerAdd preamble to an existing
// cluster member, asking to be admitted and gossiped the full peer
// set.
func (s *Server) bootstrapDynamicPeering(addr string) {
	nc, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		s.logger.Warnw("dynamic peering dial failed", "addr", addr, "err", err)
		return
	}
	token := s.nextToken
	s.nextToken++
	c := conn.New(token, nc, s.connEvents)
	req := &message.ServerAddPreamble{Id: s.id, Community: s.opts.CommunityString, Addr: s.opts.ListenAddr}
	if err := c.Enqueue(message.KindServerAddPreamble, req); err != nil {
		s.logger.Warnw("failed to enqueue ServerAdd preamble", "err", err)
		c.Reset()
		return
	}
	s.conns[token] = c
}

// onConnReset handles a connection that failed on its own (read/write
// error). For Peer connections, a reconnect timer is armed; Client and
// Unknown connections are simply dropped.
func (s *Server) onConnReset(c *conn.Connection) {
	token := c.Token()
	delete(s.conns, token)

	switch c.State() {
	case conn.Peer:
		peer := c.PeerId()
		if s.peerConns[peer] == token {
			delete(s.peerConns, peer)
		}
		// HandlePeerReset never arms/clears a timer (see
		// consensus/replication.go), so a zero LogId is safe here: the
		// merged batch can only carry peer/client messages.
		s.executeActions(raft.LogId{}, s.logs.BroadcastPeerReset(peer))
		if addr, ok := s.peers.Lookup(peer); ok {
			s.armReconnect(peer, addr)
		}
	case conn.Client:
		client := c.ClientId()
		if s.clientConns[client] == token {
			delete(s.clientConns, client)
		}
	}
}

// resetConnection tears a connection down from the reactor side (a
// protocol violation, a superseded preamble, or an auth rejection).
func (s *Server) resetConnection(token conn.Token) {
	c, ok := s.conns[token]
	if !ok {
		return
	}
	c.Reset()
	s.onConnReset(c)
}

// armReconnect (re)arms the one-per-token reconnect timer for peer at
// addr, using the peer's dedicated Backoff so repeated failures back
// off rather than hot-looping.
func (s *Server) armReconnect(peer raft.ServerId, addr string) {
	token, ok := s.peerConns[peer]
	if !ok {
		// No connection token is tracked for this peer (a failed dial,
		// or a reset: onConnReset drops the peerConns entry before
		// arming): key the backoff and timer off a synthetic per-peer
		// token derived from the id so repeated failures still back off.
		token = conn.Token(^uint64(0) - uint64(peer))
	}
	b, ok := s.backoffs[token]
	if !ok {
		b = conn.NewBackoff(s.opts.ReconnectBase, s.opts.ReconnectMax)
		s.backoffs[token] = b
	}
	d := b.Next()
	s.reconnect.rearm(token, d, func() {
		s.events <- reconnectTimeoutEvent{token: token, peerId: peer, addr: addr}
	})
}

func (s *Server) handleReconnectTimeout(e reconnectTimeoutEvent) {
	s.reconnect.clearIfPresent(e.token)
	if _, known := s.peers.Lookup(e.peerId); !known {
		return
	}
	if _, connected := s.peerConns[e.peerId]; connected {
		return
	}
	s.dialPeer(e.peerId, e.addr)
}

// handleLocalRequest dispatches one Submit-ted request exactly as if
// it had arrived framed on a client socket, with the submitter's
// future registered to intercept the response in sendClient. A request
// the transaction queue defers resolves later, when its re-delivered
// response flows through the same interception.
func (s *Server) handleLocalRequest(e localRequestEvent) {
	client, ok := logmanager.ClientRequestId(e.payload)
	if !ok {
		raft.SetFutureResult(e.future, nil, raft.ErrMalformedFrame)
		return
	}
	logId, _ := logmanager.ClientLogId(e.payload)
	s.localWaiters[client] = e.future
	s.executeActions(logId, s.logs.DispatchClient(client, e.kind, e.payload))
}

// armElection (re)arms the per-log election timer using inst's
// randomized timeout, clearing any previous one first.
func (s *Server) armElection(inst *consensus.Instance) {
	logId := inst.LogId()
	s.election.rearm(logId, inst.RandomElectionTimeout(), func() {
		s.events <- electionTimeoutEvent{logId: logId}
	})
}

// armHeartbeat (re)arms the per-(log,peer) heartbeat timer at inst's
// fixed interval.
func (s *Server) armHeartbeat(inst *consensus.Instance, peer raft.ServerId) {
	logId := inst.LogId()
	key := heartbeatKey{logId: logId, peer: peer}
	s.heartbeat.rearm(key, inst.HeartbeatInterval(), func() {
		s.events <- heartbeatTimeoutEvent{logId: logId, peer: peer}
	})
}

func (s *Server) clearHeartbeat(logId raft.LogId, peer raft.ServerId) {
	s.heartbeat.clearIfPresent(heartbeatKey{logId: logId, peer: peer})
}

// executeActions applies one consensus.Actions batch for logId:
// enqueueing outbound peer/client messages and (re)arming or clearing
// the named timers. The reactor applies an entire batch before
// processing the next event. logId may be the zero value only
// when the caller knows the batch can never carry a timer request
// (e.g. the merged BroadcastPeerReset batch).
func (s *Server) executeActions(logId raft.LogId, actions consensus.Actions) {
	for _, m := range actions.Peer {
		s.sendPeer(m.To, m.Kind, m.Payload)
	}
	for _, m := range actions.Client {
		s.sendClient(m.Client, m.Kind, m.Payload)
	}

	if !actions.RearmElection && !actions.ClearElection &&
		len(actions.RearmHeartbeat) == 0 && len(actions.ClearHeartbeat) == 0 {
		return
	}

	if actions.RearmElection {
		s.election.rearm(logId, actions.ElectionTimeout, func() {
			s.events <- electionTimeoutEvent{logId: logId}
		})
	}
	if actions.ClearElection {
		// Consensus only requests this on a Candidate->Leader
		// transition, whose election timer is necessarily armed (or just
		// fired and not yet collected); absence is a logic bug, so the
		// asserting clear is correct here.
		s.election.clear(logId)
	}
	if len(actions.RearmHeartbeat) > 0 || len(actions.ClearHeartbeat) > 0 {
		inst, ok := s.logs.Lookup(logId)
		if !ok {
			return
		}
		for _, p := range actions.RearmHeartbeat {
			s.armHeartbeat(inst, p)
		}
		for _, p := range actions.ClearHeartbeat {
			s.clearHeartbeat(logId, p)
		}
	}
}
