// Package heartbeat implements the Raft-style heartbeat manager (§4.7):
// it batches heartbeats per tick across every replication group sharing a
// peer, sends at most one RPC per peer per tick, and uses a per-peer
// outstanding permit so a stuck peer never accumulates stacked heartbeat
// RPCs while its previous one is still in flight.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/streamcore-io/broker/internal/logging"
	"github.com/streamcore-io/broker/internal/metrics"
)

// GroupHeartbeat is one replication group's contribution to a batched
// heartbeat RPC sent to a single peer (§3): the log-matching fields let the
// peer detect divergence without a separate RPC.
type GroupHeartbeat struct {
	GroupID      string
	Term         int64
	PrevLogIndex int64
	PrevLogTerm  int64
	CommitIndex  int64
}

// HeartbeatReply is one replication group's result within a batched
// heartbeat RPC's response.
type HeartbeatReply struct {
	GroupID      string
	Success      bool
	Term         int64 // the peer's term, for step-down detection by the group
	LastLogIndex int64 // the peer's last log index, for leader to adjust its replication cursor
}

// ReplicationGroup is the external collaborator (§4.7) representing one
// replication group this node leads: it names the peer its heartbeat is
// due to and is notified of the outcome.
type ReplicationGroup interface {
	GroupID() string
	PeerID() string
	Term() int64
	PrevLogIndex() int64
	PrevLogTerm() int64
	CommitIndex() int64
	OnHeartbeatReply(reply HeartbeatReply)
	OnHeartbeatFailure(err error)
}

// PeerTransport is the external collaborator (§4.8) that actually sends a
// batched heartbeat RPC to one peer, covering every group sharing that
// peer in this tick.
type PeerTransport interface {
	SendHeartbeats(ctx context.Context, peerID string, batch []GroupHeartbeat) ([]HeartbeatReply, error)
}

// groupTable keeps replication groups sorted by GroupID so lookup is
// O(log n) via sort.Search (insertion and removal then shift the slice) — the idiomatic
// stdlib answer for an ordered set at the scale a single shard manages
// (hundreds to low thousands of groups), in the absence of any
// ordered-map/skiplist/btree dependency anywhere in the retrieval pack.
type groupTable struct {
	mu     sync.RWMutex
	groups []ReplicationGroup
}

func (t *groupTable) search(id string) (int, bool) {
	i := sort.Search(len(t.groups), func(i int) bool { return t.groups[i].GroupID() >= id })
	if i < len(t.groups) && t.groups[i].GroupID() == id {
		return i, true
	}
	return i, false
}

func (t *groupTable) add(g ReplicationGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, found := t.search(g.GroupID())
	if found {
		t.groups[i] = g
		return
	}
	t.groups = append(t.groups, nil)
	copy(t.groups[i+1:], t.groups[i:])
	t.groups[i] = g
}

func (t *groupTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, found := t.search(id)
	if !found {
		return
	}
	t.groups = append(t.groups[:i], t.groups[i+1:]...)
}

func (t *groupTable) snapshot() []ReplicationGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ReplicationGroup, len(t.groups))
	copy(out, t.groups)
	return out
}

// Manager coordinates leader-liveness heartbeats across every replication
// group this node leads, batching per peer per tick.
type Manager struct {
	transport PeerTransport
	logger    zerolog.Logger
	metrics   *metrics.Registry

	groups groupTable

	permitMu sync.Mutex
	permits  map[string]*semaphore.Weighted // peerID -> weight-1 outstanding permit

	gate *pool.ContextPool
}

// New creates a Manager. Start must be called before ticks are driven, so
// the gate exists to track background RPC goroutines. reg may be nil to
// disable heartbeat RPC metrics (e.g. in tests).
func New(transport PeerTransport, logger zerolog.Logger, reg *metrics.Registry) *Manager {
	return &Manager{
		transport: transport,
		logger:    logger,
		metrics:   reg,
		permits:   make(map[string]*semaphore.Weighted),
	}
}

// Start prepares the manager's background-task gate, scoped to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.gate = pool.New().WithContext(ctx)
}

// AddGroup registers a replication group for heartbeat dispatch.
func (m *Manager) AddGroup(g ReplicationGroup) { m.groups.add(g) }

// RemoveGroup stops heartbeating a group, e.g. after this node steps down
// as its leader.
func (m *Manager) RemoveGroup(groupID string) { m.groups.remove(groupID) }

// GroupCount reports how many groups are currently registered, for tests
// and metrics.
func (m *Manager) GroupCount() int {
	return len(m.groups.snapshot())
}

func (m *Manager) permitFor(peerID string) *semaphore.Weighted {
	m.permitMu.Lock()
	defer m.permitMu.Unlock()
	p, ok := m.permits[peerID]
	if !ok {
		p = semaphore.NewWeighted(1)
		m.permits[peerID] = p
	}
	return p
}

// Tick runs one heartbeat round (§4.7 steps 1-7):
//  1. Snapshot the registered groups.
//  2. Partition them by peer id.
//  3. For each peer with its outstanding permit free, build the batch and
//     dispatch exactly one RPC via the gate.
//  4. Peers whose previous heartbeat RPC hasn't completed are skipped this
//     tick entirely — never more than one outstanding RPC per peer.
//  5. On reply, invoke OnHeartbeatReply exactly once per group in the
//     batch with that group's result.
//  6. On transport failure, invoke OnHeartbeatFailure on every group in
//     the batch — a failed peer affects every group that shares it.
//  7. Release the peer's permit once the RPC (success or failure)
//     completes, making it eligible for the next tick.
func (m *Manager) Tick(ctx context.Context) {
	batches := make(map[string][]ReplicationGroup)
	for _, g := range m.groups.snapshot() {
		peer := g.PeerID()
		batches[peer] = append(batches[peer], g)
	}

	for peerID, groups := range batches {
		permit := m.permitFor(peerID)
		if !permit.TryAcquire(1) {
			m.logger.Debug().Str("peer_id", peerID).Msg("skipping tick: previous heartbeat still outstanding")
			if m.metrics != nil {
				m.metrics.HeartbeatRPCsSkipped.WithLabelValues(peerID).Inc()
			}
			continue
		}

		peerID := peerID
		groups := groups
		m.gate.Go(func(ctx context.Context) error {
			defer permit.Release(1)
			defer logging.RecoverPanic(m.logger, "heartbeat_tick", map[string]any{"peer_id": peerID})
			m.dispatchToPeer(ctx, peerID, groups)
			return nil
		})
	}
}

func (m *Manager) dispatchToPeer(ctx context.Context, peerID string, groups []ReplicationGroup) {
	batch := make([]GroupHeartbeat, len(groups))
	byGroupID := make(map[string]ReplicationGroup, len(groups))
	for i, g := range groups {
		batch[i] = GroupHeartbeat{
			GroupID:      g.GroupID(),
			Term:         g.Term(),
			PrevLogIndex: g.PrevLogIndex(),
			PrevLogTerm:  g.PrevLogTerm(),
			CommitIndex:  g.CommitIndex(),
		}
		byGroupID[g.GroupID()] = g
	}

	if m.metrics != nil {
		m.metrics.HeartbeatRPCsSent.WithLabelValues(peerID).Inc()
	}
	replies, err := m.transport.SendHeartbeats(ctx, peerID, batch)
	if err != nil {
		if m.metrics != nil {
			m.metrics.HeartbeatRPCsFailed.WithLabelValues(peerID).Inc()
		}
		wrapped := fmt.Errorf("heartbeat RPC to peer %s: %w", peerID, err)
		for _, g := range groups {
			g.OnHeartbeatFailure(wrapped)
		}
		return
	}

	seen := make(map[string]bool, len(replies))
	for _, reply := range replies {
		g, ok := byGroupID[reply.GroupID]
		if !ok {
			continue // stale reply for a group no longer registered with this peer
		}
		g.OnHeartbeatReply(reply)
		seen[reply.GroupID] = true
	}

	// Groups batched but absent from the reply are treated as a failure
	// for that group specifically, not the whole peer: the transport
	// still answered, just incompletely.
	for _, g := range groups {
		if !seen[g.GroupID()] {
			g.OnHeartbeatFailure(fmt.Errorf("peer %s omitted group %s from its heartbeat reply", peerID, g.GroupID()))
		}
	}
}

// Stop waits for every in-flight heartbeat RPC to finish.
func (m *Manager) Stop() error {
	if m.gate == nil {
		return nil
	}
	return m.gate.Wait()
}
