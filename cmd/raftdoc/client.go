// raftdoc is the example host: a thin CLI that talks the client wire
// protocol directly against a raftdoc cluster, wiring memsm as its
// state machine.
package main

import (
	"fmt"
	"net"
	"time"

	"github.com/latticedb/raft"
	"github.com/latticedb/raft/config"
	"github.com/latticedb/raft/message"
)

// maxRedirects bounds how many NotLeader redirects one CLI invocation
// follows before giving up, so a partitioned cluster can't send the
// client in circles forever.
const maxRedirects = 5

// dialAndGreet opens a connection to addr and sends the client
// preamble with the given credentials, returning the fresh ClientId
// the server will address responses to.
func dialAndGreet(addr, username, password string) (net.Conn, raft.ClientId, error) {
	nc, err := net.DialTimeout("tcp", addr, config.DialTimeout)
	if err != nil {
		return nil, raft.ClientId{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientId := raft.NewClientId()
	if err := message.WriteFrame(nc, message.KindClientPreamble, &message.ClientPreamble{
		Id: clientId, Username: username, Password: password,
	}); err != nil {
		nc.Close()
		return nil, raft.ClientId{}, fmt.Errorf("send preamble: %w", err)
	}
	return nc, clientId, nil
}

// proposalResult is the outcome of one query/proposal round-trip,
// after following any NotLeader redirects.
type proposalResult struct {
	data []byte
}

// runProposal sends req (already addressed to logId/client) to addr
// and follows redirects until a terminal response or maxRedirects is
// exhausted.
func runProposal(addr, username, password string, kind message.Kind, build func(client raft.ClientId) interface{}) (*proposalResult, error) {
	for attempt := 0; attempt < maxRedirects; attempt++ {
		nc, clientId, err := dialAndGreet(addr, username, password)
		if err != nil {
			return nil, err
		}
		req := build(clientId)
		if err := message.WriteFrame(nc, kind, req); err != nil {
			nc.Close()
			return nil, fmt.Errorf("send request: %w", err)
		}
		nc.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, payload, err := message.ReadFrame(nc)
		nc.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		resp, ok := payload.(*message.ProposalResponse)
		if !ok {
			return nil, fmt.Errorf("unexpected response type %T", payload)
		}
		switch resp.Kind {
		case message.ProposalSuccess:
			return &proposalResult{data: resp.Data}, nil
		case message.ProposalNotLeader:
			if resp.LeaderAddr == "" {
				return nil, fmt.Errorf("not leader, and no redirect address given")
			}
			addr = resp.LeaderAddr
			continue
		case message.ProposalUnknownLeader:
			return nil, fmt.Errorf("cluster has no known leader yet")
		case message.ProposalClusterViolation:
			return nil, fmt.Errorf("cluster violation: redirect to %s is outside the known cluster", resp.LeaderAddr)
		default:
			return nil, fmt.Errorf("proposal failed: %s", resp.Reason)
		}
	}
	return nil, fmt.Errorf("exceeded %d redirects without reaching the leader", maxRedirects)
}

// runTransactionOp sends a transaction-bracket request (begin/commit/
// rollback) to addr and expects a TransactionResponse. Unlike
// runProposal there is no redirect to follow: TransactionResponse
// carries no LeaderAddr field, so a "not leader" rejection is reported
// to the caller directly rather than retried.
func runTransactionOp(addr, username, password string, kind message.Kind, build func(client raft.ClientId) interface{}) error {
	nc, clientId, err := dialAndGreet(addr, username, password)
	if err != nil {
		return err
	}
	req := build(clientId)
	if err := message.WriteFrame(nc, kind, req); err != nil {
		nc.Close()
		return fmt.Errorf("send request: %w", err)
	}
	nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, payload, err := message.ReadFrame(nc)
	nc.Close()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	resp, ok := payload.(*message.TransactionResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", payload)
	}
	if resp.Kind == message.TransactionSuccess {
		return nil
	}
	return fmt.Errorf("transaction failed: %s", resp.Reason)
}
