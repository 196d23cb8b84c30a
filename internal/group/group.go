// Package group implements the Group Controller and the Pending-Removal
// Buffer (§4.5): it owns group definitions, computes diff = desired − actual,
// issues create/destroy requests through the Cloud Adapter, and reacts to
// gossip membership events while honoring the leadership-gating and
// pending-removal staging protocol described in §4.5 and resolved by §9's
// Open Questions.
package group

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/fleetwarden/internal/cache"
	"github.com/mcastellin/fleetwarden/internal/cloud"
	"github.com/mcastellin/fleetwarden/internal/cloudcall"
	"github.com/mcastellin/fleetwarden/internal/gossip"
	"github.com/mcastellin/fleetwarden/internal/registry"
)

// DefaultEnrichmentCacheSize and DefaultEnrichmentCacheTTL bound the
// instance-lookup cache fronting Get(id) enrichment calls (§SPEC_FULL domain
// stack: "a bounded TTL cache fronting the Cloud Adapter's get(id)").
const (
	DefaultEnrichmentCacheSize = 512
	DefaultEnrichmentCacheTTL  = 2 * time.Minute
)

// DefaultCallTimeout bounds every Cloud Adapter call issued by the Controller
// (§5: "every Cloud Adapter call carries a caller-chosen timeout").
const DefaultCallTimeout = 30 * time.Second

// Group is an immutable-after-registration group definition (§3).
type Group struct {
	MatchTags       map[string]struct{}
	DesiredSize     int
	Template        cloud.Template
	FloatingAddress string

	index int
}

// Index returns the group's registration order, used by the floating-address
// sub-election to disambiguate its bind port (§4.6: "bound to port + k where
// k is the group's registration index").
func (g *Group) Index() int {
	return g.index
}

type pendingRemoval struct {
	ID    string
	Tags  map[string]struct{}
	Known bool
}

// Controller is the Group Controller (§4.5).
type Controller struct {
	registry     *registry.Registry
	cloudAdapter cloud.Adapter
	fleetTag     string
	pool         *cloudcall.Pool
	logger       *zap.Logger
	callTimeout  time.Duration
	isLeader     func() bool
	enrich       func(ctx context.Context, id string) (cloud.Instance, error)
	cache        *cache.InstanceCache

	mu            sync.Mutex
	groups        []*Group
	pending       []pendingRemoval
	bootstrapDone bool
}

// NewController constructs a Controller. isLeader queries the local engine's
// current leadership status; it is passed as a function rather than a
// pointer back to the engine, per §9's guidance against cyclic references.
func NewController(
	reg *registry.Registry,
	adapter cloud.Adapter,
	fleetTag string,
	pool *cloudcall.Pool,
	logger *zap.Logger,
	isLeader func() bool,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		registry:     reg,
		cloudAdapter: adapter,
		fleetTag:     fleetTag,
		pool:         pool,
		logger:       logger,
		callTimeout:  DefaultCallTimeout,
		isLeader:     isLeader,
		cache:        cache.New(DefaultEnrichmentCacheSize, DefaultEnrichmentCacheTTL),
	}
	c.enrich = adapter.Get
	return c
}

// RegisterGroup adds g to the set of groups this controller converges.
// Groups are immutable after registration and live for the agent's lifetime (§3).
func (c *Controller) RegisterGroup(g Group) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	g.index = len(c.groups)
	stored := &g
	c.groups = append(c.groups, stored)
	return stored
}

// Groups returns every registered group.
func (c *Controller) Groups() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Group(nil), c.groups...)
}

// HandleEvent is the Subscriber the Controller registers on the fleet-wide
// gossip Engine. Handling is serialized by the Engine's dispatch loop; the
// Controller's own mutex additionally serializes it with RegisterGroup,
// Groups and Balance called from other goroutines.
func (c *Controller) HandleEvent(evt gossip.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Kind {
	case gossip.EventAdded:
		c.handleAdded(evt.Peer)
	case gossip.EventRemoved:
		c.handleRemoved(evt.Peer)
	case gossip.EventElected:
		c.handleElected()
	case gossip.EventLeader:
		c.handleLeader()
	}
}

// handleAdded enriches the Registry via Get(id) (§4.5) and, if the newcomer
// announced itself as leader, clears the Pending-Removal Buffer and marks
// bootstrap done (§9 Open Question 2: any observed leader role in an added or
// leader event is authoritative).
func (c *Controller) handleAdded(peer gossip.PeerState) {
	if peer.Role == gossip.RoleLeader {
		c.pending = nil
		c.bootstrapDone = true
	}

	id := peer.ID
	if cached, ok := c.cache.Get(id); ok {
		c.registry.Upsert(instanceToNode(cached))
		return
	}

	c.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		inst, err := c.enrich(ctx, id)
		if err != nil {
			c.logger.Warn("enrichment lookup failed", zap.String("id", id), zap.Error(err))
			return
		}
		c.cache.Put(id, inst)
		c.registry.Upsert(instanceToNode(inst))
	})
}

// handleRemoved implements the leadership gating and staging protocol (§4.5).
func (c *Controller) handleRemoved(peer gossip.PeerState) {
	if c.isLeader != nil && c.isLeader() {
		c.runRemovalPipeline(peer.ID)
		return
	}

	if peer.Role == gossip.RoleLeader {
		node, ok := c.registry.Get(peer.ID)
		c.pending = append(c.pending, pendingRemoval{ID: peer.ID, Tags: node.Tags, Known: ok})
	}
	// A non-leader sighting of a non-leader removal is ignored (§4.5).
}

// handleElected drains the Pending-Removal Buffer in insertion order, then,
// if this is the first election this agent has observed, balances every
// group (bootstrap convergence). Subsequent elections only drain the buffer (§4.5, §9).
func (c *Controller) handleElected() {
	toDrain := c.pending
	c.pending = nil
	for _, pr := range toDrain {
		if !pr.Known {
			continue
		}
		c.runRemovalPipelineWithTags(pr.ID, pr.Tags)
	}

	if !c.bootstrapDone {
		for _, g := range c.groups {
			c.balanceLocked(g)
		}
		c.bootstrapDone = true
	}
}

// handleLeader clears the Pending-Removal Buffer and marks bootstrap done
// when a remote peer is recognized as leader (§4.5).
func (c *Controller) handleLeader() {
	c.pending = nil
	c.bootstrapDone = true
}

// runRemovalPipeline destroys id, drops it from the Registry, and re-balances
// every group whose membership predicate the departed node satisfied.
func (c *Controller) runRemovalPipeline(id string) {
	node, ok := c.registry.Get(id)
	if !ok {
		// Event for unknown id: ignored, the Registry is the source of truth (§7).
		c.logger.Debug("removed event for unknown id, ignoring", zap.String("id", id))
		return
	}
	c.runRemovalPipelineWithTags(id, node.Tags)
}

func (c *Controller) runRemovalPipelineWithTags(id string, tags map[string]struct{}) {
	c.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if err := c.cloudAdapter.Destroy(ctx, id); err != nil {
			c.logger.Warn("destroy failed", zap.String("id", id), zap.Error(err))
		}
	})
	c.registry.Remove(id)

	snapshot := registry.Node{Tags: tags}
	for _, g := range c.groups {
		if registry.Belongs(snapshot, g.MatchTags, c.fleetTag) {
			c.balanceLocked(g)
		}
	}
}

// Balance converges g to its desiredSize (§4.5's "balance" algorithm). It
// acquires the Controller's mutex; callers already holding it must use
// balanceLocked instead.
func (c *Controller) Balance(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceLocked(g)
}

func (c *Controller) balanceLocked(g *Group) {
	members := c.registry.ByGroup(g.MatchTags, c.fleetTag)
	diff := g.DesiredSize - len(members)

	switch {
	case diff > 0:
		for i := 0; i < diff; i++ {
			tmpl := g.Template
			tmpl.NameBase = fmt.Sprintf("%s-%s", g.Template.NameBase, xid.New().String())
			c.pool.Submit(func(ctx context.Context) {
				ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
				defer cancel()
				if _, err := c.cloudAdapter.Create(ctx, tmpl); err != nil {
					c.logger.Warn("create failed", zap.String("name", tmpl.NameBase), zap.Error(err))
				}
			})
		}

	case diff < 0:
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		toRemove := members[:-diff]
		for _, n := range toRemove {
			id := n.ID
			c.registry.Remove(id)
			c.pool.Submit(func(ctx context.Context) {
				ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
				defer cancel()
				if err := c.cloudAdapter.Destroy(ctx, id); err != nil {
					c.logger.Warn("destroy failed", zap.String("id", id), zap.Error(err))
				}
			})
		}
	}
}

func instanceToNode(inst cloud.Instance) registry.Node {
	n := registry.Node{
		ID:     inst.ID,
		Name:   inst.Name,
		Region: inst.Region,
		Tags:   map[string]struct{}{},
	}
	for _, t := range inst.Tags {
		n.Tags[t] = struct{}{}
	}
	for _, a := range inst.Addresses {
		switch a.Kind {
		case "private":
			if n.PrivateAddress == "" {
				n.PrivateAddress = a.Value
			}
		case "public":
			if n.PublicAddress == "" {
				n.PublicAddress = a.Value
			}
		}
	}
	return n
}
