package gossip

import (
	"sync"
	"time"
)

// Role describes a peer's position in the election.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleLeader  Role = "leader"
)

// Status describes whether a peer is still considered live.
type Status string

const (
	StatusAlive   Status = "alive"
	StatusRemoved Status = "removed"
)

// PeerState is the gossip engine's view of one node: who it is, where to
// reach it, when it was last heard from, and its role/status.
type PeerState struct {
	ID        string
	Endpoint  string
	LastHeard time.Time
	Role      Role
	Status    Status
}

// peerTable is the in-memory, per-engine store of PeerState, keyed by id.
// It plays the same role the teacher's StateMachine plays for EndpointState,
// but is keyed by stable node id rather than dial address, per the spec's
// data model (§3) which treats id as the peer's primary key and endpoint as
// just one of its attributes.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]PeerState
}

func newPeerTable() *peerTable {
	return &peerTable{peers: map[string]PeerState{}}
}

// get returns the current state for id and whether it is known at all.
func (t *peerTable) get(id string) (PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// upsert stores p unconditionally and returns the previous state if any.
func (t *peerTable) upsert(p PeerState) (PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, existed := t.peers[p.ID]
	t.peers[p.ID] = p
	return prev, existed
}

// touch refreshes lastHeard for id, leaving role/status as currently known.
// If id is unknown it is a no-op; the caller is expected to upsert first.
func (t *peerTable) touch(id string, when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.LastHeard = when
	t.peers[id] = p
}

// setRole updates the role for id without touching lastHeard/status.
func (t *peerTable) setRole(id string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.Role = role
	t.peers[id] = p
}

// markRemoved marks id as removed, returning its PeerState as it was right
// before the transition (role preserved) and whether a transition actually
// happened (it is a no-op, returning ok=false, if id was already removed or unknown).
func (t *peerTable) markRemoved(id string) (PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok || p.Status == StatusRemoved {
		return PeerState{}, false
	}
	before := p
	p.Status = StatusRemoved
	t.peers[id] = p
	return before, true
}

// all returns a snapshot of every known peer, alive or removed.
func (t *peerTable) all() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerState, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// alive returns a snapshot of peers currently marked alive.
func (t *peerTable) alive() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerState, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Status == StatusAlive {
			out = append(out, p)
		}
	}
	return out
}

// currentLeader returns the alive peer currently believed to hold role=leader, if any.
func (t *peerTable) currentLeader() (PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Status == StatusAlive && p.Role == RoleLeader {
			return p, true
		}
	}
	return PeerState{}, false
}
