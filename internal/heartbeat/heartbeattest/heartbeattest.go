// Package heartbeattest supplies in-memory fakes of heartbeat.ReplicationGroup
// and heartbeat.PeerTransport for exercising the Manager without a real
// peer connection, the way the teacher's tests fake external services with
// small recording structs rather than mocking frameworks.
package heartbeattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamcore-io/broker/internal/heartbeat"
)

// Group is a fake ReplicationGroup recording every reply and failure it
// receives, for assertions in manager tests.
type Group struct {
	id     string
	peerID string

	mu           sync.Mutex
	term         int64
	prevLogIndex int64
	prevLogTerm  int64
	commitIndex  int64
	replies      []heartbeat.HeartbeatReply
	failures     []error
}

// NewGroup creates a fake replication group led by this node, heartbeating
// peerID.
func NewGroup(id, peerID string, term int64) *Group {
	return &Group{id: id, peerID: peerID, term: term}
}

func (g *Group) GroupID() string { return g.id }
func (g *Group) PeerID() string  { return g.peerID }

func (g *Group) Term() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.term
}

// SetTerm updates the group's term, e.g. to simulate an election.
func (g *Group) SetTerm(term int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.term = term
}

func (g *Group) PrevLogIndex() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prevLogIndex
}

func (g *Group) PrevLogTerm() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prevLogTerm
}

func (g *Group) CommitIndex() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commitIndex
}

// SetLogState updates the group's replicated-log position, e.g. to
// simulate appended entries between heartbeat ticks.
func (g *Group) SetLogState(prevLogIndex, prevLogTerm, commitIndex int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prevLogIndex = prevLogIndex
	g.prevLogTerm = prevLogTerm
	g.commitIndex = commitIndex
}

func (g *Group) OnHeartbeatReply(reply heartbeat.HeartbeatReply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, reply)
}

func (g *Group) OnHeartbeatFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, err)
}

// Replies returns every reply recorded so far, in arrival order.
func (g *Group) Replies() []heartbeat.HeartbeatReply {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]heartbeat.HeartbeatReply, len(g.replies))
	copy(out, g.replies)
	return out
}

// Failures returns every failure recorded so far, in arrival order.
func (g *Group) Failures() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]error, len(g.failures))
	copy(out, g.failures)
	return out
}

// Transport is a fake PeerTransport whose behavior per peer is
// configurable and which records every batch it was asked to send, so
// tests can assert "at most one RPC per peer per tick" and similar
// invariants.
type Transport struct {
	mu sync.Mutex

	// respond, keyed by peer id, decides how SendHeartbeats behaves for
	// that peer. Peers absent from this map succeed trivially, replying
	// Success:true for every group in the batch.
	respond map[string]func(batch []heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error)

	calls []Call
}

// Call records one SendHeartbeats invocation.
type Call struct {
	PeerID string
	Batch  []heartbeat.GroupHeartbeat
}

// NewTransport creates a Transport where every peer succeeds by default.
func NewTransport() *Transport {
	return &Transport{respond: make(map[string]func([]heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error))}
}

// SetResponder overrides how SendHeartbeats behaves for a given peer.
func (t *Transport) SetResponder(peerID string, fn func(batch []heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond[peerID] = fn
}

// SetFailure makes every heartbeat RPC to peerID fail with err.
func (t *Transport) SetFailure(peerID string, err error) {
	t.SetResponder(peerID, func([]heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error) {
		return nil, err
	})
}

func (t *Transport) SendHeartbeats(_ context.Context, peerID string, batch []heartbeat.GroupHeartbeat) ([]heartbeat.HeartbeatReply, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{PeerID: peerID, Batch: batch})
	fn := t.respond[peerID]
	t.mu.Unlock()

	if fn != nil {
		return fn(batch)
	}

	replies := make([]heartbeat.HeartbeatReply, len(batch))
	for i, gh := range batch {
		replies[i] = heartbeat.HeartbeatReply{GroupID: gh.GroupID, Success: true, Term: gh.Term}
	}
	return replies, nil
}

// Calls returns every recorded SendHeartbeats invocation, in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallsToPeer filters Calls to a single peer id, for asserting
// "at most one RPC per peer per tick".
func (t *Transport) CallsToPeer(peerID string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.PeerID == peerID {
			out = append(out, c)
		}
	}
	return out
}

// ErrSimulated is a canned transport failure for tests.
var ErrSimulated = fmt.Errorf("simulated transport failure")
