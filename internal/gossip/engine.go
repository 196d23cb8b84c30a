// Package gossip implements the membership-and-election substrate described
// in §4.2 of the spec: an epidemic-style "hello" broadcast carrying liveness
// and role information, with deterministic-by-id leader election.
//
// The design is adapted from the teacher's toy gossip protocol
// (mcastellin-golang-mastery/gossip/pkg) but trades its TCP+net/rpc transport
// for the connectionless UDP datagram transport the spec requires (§4.1), and
// trades its per-NodeAddr heartbeat/version state machine for the explicit
// id/role/status PeerState and tagged Event stream the spec's data model and
// design notes call for (§3, §9).
package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/fleetwarden/internal/transport"
)

const (
	// numGossipRoundPeers is the number of peers contacted in a single round.
	numGossipRoundPeers = 2
)

// Config carries an Engine's construction-time parameters (§4.2).
type Config struct {
	ID            string
	BindAddr      string
	InitialPeers  []string
	Interval      time.Duration
	Timeout       time.Duration
	Logger        *zap.Logger
}

// Engine is one instance of the gossip/election substrate. The fleet agent
// runs one Engine for the whole fleet and, optionally, one additional Engine
// per floating-address sub-election (§4.6).
type Engine struct {
	id       string
	bindAddr string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	socket *transport.Socket
	table  *peerTable

	subMu sync.RWMutex
	subs  []Subscriber

	electionPending bool
	electionTimer   *time.Timer

	events    chan func()
	closing   chan chan error
	cancel    context.CancelFunc
	started   bool
	startStop sync.Mutex
}

// New constructs an Engine. Serve must be called to actually start gossiping.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		id:       cfg.ID,
		bindAddr: cfg.BindAddr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger,
		table:    newPeerTable(),
		events:   make(chan func(), 64),
		closing:  make(chan chan error),
	}
	e.socket = transport.NewSocket(cfg.BindAddr, logger)

	e.table.upsert(PeerState{
		ID:        cfg.ID,
		Endpoint:  cfg.BindAddr,
		LastHeard: time.Now(),
		Role:      RoleCitizen,
		Status:    StatusAlive,
	})
	for _, addr := range cfg.InitialPeers {
		if addr == cfg.BindAddr {
			continue
		}
		// Initial peers are known only by endpoint until their first hello
		// reveals their id; seed them with an endpoint-derived placeholder id
		// so a gossip round has somewhere to send its first hello. The
		// placeholder is replaced (and an Added event fires for the real id)
		// the moment a hello actually arrives.
		e.table.upsert(PeerState{
			ID:        "endpoint:" + addr,
			Endpoint:  addr,
			LastHeard: time.Time{},
			Role:      RoleCitizen,
			Status:    StatusAlive,
		})
	}

	return e
}

// Subscribe registers a Subscriber that receives every Event this Engine emits.
// Subscribers must be registered before Serve is called to avoid racing with
// the very first dispatched event.
func (e *Engine) Subscribe(sub Subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, sub)
}

// IsLeader reports whether the local engine currently believes it is the leader.
func (e *Engine) IsLeader() bool {
	p, ok := e.table.get(e.id)
	return ok && p.Role == RoleLeader && p.Status == StatusAlive
}

// Self returns the local engine's own current PeerState.
func (e *Engine) Self() PeerState {
	p, _ := e.table.get(e.id)
	return p
}

// Peers returns a snapshot of every peer currently believed alive.
func (e *Engine) Peers() []PeerState {
	return e.table.alive()
}

// Serve opens the datagram socket and starts the engine's single serialized
// dispatch loop plus the socket-reader and timer goroutines that feed it (§5: "a single
// logical thread of control observing timers and the datagram socket").
func (e *Engine) Serve() error {
	e.startStop.Lock()
	defer e.startStop.Unlock()
	if e.started {
		return fmt.Errorf("engine %s already started", e.id)
	}

	if err := e.socket.Listen(); err != nil {
		return fmt.Errorf("gossip engine %s: %w", e.id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	go e.readLoop(ctx)
	go e.timerLoop(ctx)
	go e.dispatchLoop(ctx)

	return nil
}

// Shutdown stops the engine's goroutines and closes its socket.
func (e *Engine) Shutdown() error {
	e.startStop.Lock()
	defer e.startStop.Unlock()
	if !e.started {
		return fmt.Errorf("engine %s not started", e.id)
	}
	e.started = false
	if e.cancel != nil {
		e.cancel()
	}
	return e.socket.Close()
}

// readLoop pulls datagrams off the socket and hands them to the dispatch loop
// as a closure, preserving total ordering of handling without holding the
// socket read blocked on processing.
func (e *Engine) readLoop(ctx context.Context) {
	for {
		dg, err := e.socket.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.logger.Debug("datagram read failed", zap.Error(err))
				return
			}
		}

		msg, err := decodeHello(dg.Payload)
		if err != nil {
			// Malformed gossip message: dropped (§7).
			e.logger.Debug("dropping malformed gossip message", zap.String("from", dg.From), zap.Error(err))
			continue
		}

		select {
		case e.events <- func() { e.handleHello(msg) }:
		case <-ctx.Done():
			return
		}
	}
}

// timerLoop owns the heartbeat and gossip-round tickers and the timeout scan,
// submitting each tick to the dispatch loop so all mutation happens from one
// serialized path (§5, §9).
func (e *Engine) timerLoop(ctx context.Context) {
	heartbeat := time.NewTicker(e.interval)
	defer heartbeat.Stop()
	gossipRound := time.NewTicker(e.interval)
	defer gossipRound.Stop()
	timeoutScan := time.NewTicker(e.timeout / 4)
	defer timeoutScan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			submit(ctx, e.events, e.beatSelf)
		case <-gossipRound.C:
			submit(ctx, e.events, e.gossipRound)
		case <-timeoutScan.C:
			submit(ctx, e.events, e.scanTimeouts)
		}
	}
}

func submit(ctx context.Context, ch chan func(), fn func()) {
	select {
	case ch <- fn:
	case <-ctx.Done():
	}
}

// dispatchLoop is the engine's single serialized thread of control: every
// mutation to the peer table and every Event delivered to subscribers happens
// here, one at a time (§5: "This serialization is a correctness requirement").
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.events:
			fn()
		}
	}
}

func (e *Engine) emit(kind EventKind, peer PeerState) {
	e.subMu.RLock()
	subs := append([]Subscriber(nil), e.subs...)
	e.subMu.RUnlock()

	for _, sub := range subs {
		sub(Event{Kind: kind, Peer: peer})
	}
}

// beatSelf refreshes the local node's own heartbeat and triggers an election
// check. Hellos are sent separately, by gossipRound.
func (e *Engine) beatSelf() {
	e.table.touch(e.id, time.Now())
	e.checkElection()
}

// gossipRound broadcasts a hello to a sample of known peers, excluding self.
func (e *Engine) gossipRound() {
	self, _ := e.table.get(e.id)
	targets := randomPeers(e.table.alive(), map[string]struct{}{e.id: {}}, numGossipRoundPeers)
	if len(targets) == 0 {
		return
	}

	msg := helloMessage{
		ID:       e.id,
		Endpoint: e.bindAddr,
		Role:     self.Role,
		KnownPeers: announceAll(e.table.all(), e.id),
	}
	payload, err := encodeHello(msg)
	if err != nil {
		e.logger.Warn("failed to encode hello", zap.Error(err))
		return
	}
	for _, p := range targets {
		e.socket.Send(p.Endpoint, payload)
	}
}

func announceAll(peers []PeerState, excludeID string) []peerAnnounce {
	out := make([]peerAnnounce, 0, len(peers))
	for _, p := range peers {
		if p.ID == excludeID {
			continue
		}
		out = append(out, peerAnnounce{ID: p.ID, Endpoint: p.Endpoint, Role: p.Role})
	}
	return out
}

// handleHello processes one inbound hello message (§4.2): updates the
// sender's lastHeard, learns about any previously-unknown knownPeers, and
// reacts to a leader claim.
func (e *Engine) handleHello(msg helloMessage) {
	if msg.ID == e.id {
		return
	}

	prev, existed := e.table.get(msg.ID)
	e.table.upsert(PeerState{
		ID:        msg.ID,
		Endpoint:  msg.Endpoint,
		LastHeard: time.Now(),
		Role:      msg.Role,
		Status:    StatusAlive,
	})
	// Drop any endpoint-keyed placeholder this hello resolves.
	e.resolvePlaceholder(msg.Endpoint, msg.ID)

	if !existed || prev.Status == StatusRemoved {
		e.emit(EventAdded, mustGet(e.table, msg.ID))
	}

	for _, known := range msg.KnownPeers {
		if known.ID == e.id {
			continue
		}
		if _, ok := e.table.get(known.ID); !ok {
			e.table.upsert(PeerState{
				ID:        known.ID,
				Endpoint:  known.Endpoint,
				LastHeard: time.Time{},
				Role:      known.Role,
				Status:    StatusAlive,
			})
			e.emit(EventAdded, mustGet(e.table, known.ID))
		}
	}

	if msg.Role == RoleLeader {
		e.observeLeaderClaim(msg.ID)
	}

	e.checkElection()
}

// resolvePlaceholder removes the synthetic "endpoint:<addr>" entry created at
// construction time once the real id behind that endpoint is known.
func (e *Engine) resolvePlaceholder(endpoint, realID string) {
	placeholderID := "endpoint:" + endpoint
	if placeholderID == realID {
		return
	}
	if _, ok := e.table.get(placeholderID); ok {
		e.table.markRemoved(placeholderID)
	}
}

// observeLeaderClaim applies the deterministic tie-break: the lowest id
// claiming leader wins; any other peer (including self) currently believing
// itself leader with a higher id reverts to citizen.
func (e *Engine) observeLeaderClaim(claimantID string) {
	current, hasLeader := e.table.currentLeader()
	if hasLeader && current.ID == claimantID {
		return
	}
	if hasLeader && current.ID < claimantID {
		// We already have a lower-id leader; the new claim loses. Demote the
		// claimant back to citizen in our local view.
		e.table.setRole(claimantID, RoleCitizen)
		return
	}
	if hasLeader {
		e.table.setRole(current.ID, RoleCitizen)
	}

	selfState, _ := e.table.get(e.id)
	if selfState.Role == RoleLeader && e.id > claimantID {
		e.table.setRole(e.id, RoleCitizen)
	}

	e.table.setRole(claimantID, RoleLeader)
	if claimantID != e.id {
		e.emit(EventLeader, mustGet(e.table, claimantID))
	}
}

// scanTimeouts marks any peer whose lastHeard exceeds timeout as removed and
// emits Removed for it, preserving its pre-removal role in the event.
func (e *Engine) scanTimeouts() {
	now := time.Now()
	for _, p := range e.table.alive() {
		if p.ID == e.id {
			continue
		}
		if p.LastHeard.IsZero() {
			continue // never actually heard from a seed/placeholder yet
		}
		if now.Sub(p.LastHeard) <= e.timeout {
			continue
		}
		before, ok := e.table.markRemoved(p.ID)
		if !ok {
			continue
		}
		e.emit(EventRemoved, before)
	}
	e.checkElection()
}

// checkElection implements §4.2's election trigger: when no alive peer holds
// role=leader, wait a random backoff less than interval, then claim
// leadership. A settled leader, of any id, is not challenged — the lowest-id
// tie-break only resolves genuinely simultaneous claims, in observeLeaderClaim.
func (e *Engine) checkElection() {
	if _, ok := e.table.currentLeader(); ok {
		e.electionPending = false
		if e.electionTimer != nil {
			e.electionTimer.Stop()
			e.electionTimer = nil
		}
		return
	}
	if e.electionPending {
		return
	}
	e.electionPending = true

	backoff := electionBackoff(e.interval)
	e.electionTimer = time.AfterFunc(backoff, func() {
		submit(context.Background(), e.events, e.claimLeadership)
	})
}

// claimLeadership fires after the election backoff elapses. If a leader has
// appeared in the meantime, stand down; otherwise claim leadership.
func (e *Engine) claimLeadership() {
	e.electionPending = false
	if _, ok := e.table.currentLeader(); ok {
		return
	}

	e.table.setRole(e.id, RoleLeader)
	e.emit(EventElected, mustGet(e.table, e.id))

	self, _ := e.table.get(e.id)
	msg := helloMessage{
		ID:         e.id,
		Endpoint:   e.bindAddr,
		Role:       self.Role,
		KnownPeers: announceAll(e.table.all(), e.id),
	}
	payload, err := encodeHello(msg)
	if err != nil {
		e.logger.Warn("failed to encode election hello", zap.Error(err))
		return
	}
	for _, p := range e.table.alive() {
		if p.ID == e.id {
			continue
		}
		e.socket.Send(p.Endpoint, payload)
	}
}

func mustGet(t *peerTable, id string) PeerState {
	p, _ := t.get(id)
	return p
}
