package group

import (
	"context"
	"testing"
	"time"

	"github.com/mcastellin/fleetwarden/internal/cloud"
	"github.com/mcastellin/fleetwarden/internal/cloudcall"
	"github.com/mcastellin/fleetwarden/internal/gossip"
	"github.com/mcastellin/fleetwarden/internal/registry"
)

func tagSet(tags ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

func newTestController(t *testing.T, reg *registry.Registry, adapter cloud.Adapter, isLeader func() bool) (*Controller, *cloudcall.Pool) {
	t.Helper()
	pool := cloudcall.New(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	c := NewController(reg, adapter, "fleet", pool, nil, isLeader)
	return c, pool
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestColdStartCreatesDesiredSize(t *testing.T) {
	reg := registry.New()
	adapter := cloud.NewFake()
	c, _ := newTestController(t, reg, adapter, func() bool { return true })

	g := c.RegisterGroup(Group{
		MatchTags:   tagSet("ENV:T"),
		DesiredSize: 2,
		Template:    cloud.Template{NameBase: "T", Tags: []string{"ENV:T", "fleet"}},
	})

	c.HandleEvent(gossip.Event{Kind: gossip.EventElected, Peer: gossip.PeerState{ID: "self"}})

	waitFor(t, time.Second, func() bool { return len(adapter.CreateCalls) == 2 })
	_ = g
}

func TestBalanceIsIdempotentWhenAlreadyAtDesiredSize(t *testing.T) {
	reg := registry.New()
	reg.Upsert(registry.Node{ID: "1", Tags: tagSet("ENV:T", "fleet")})
	adapter := cloud.NewFake()
	c, _ := newTestController(t, reg, adapter, func() bool { return true })

	g := c.RegisterGroup(Group{MatchTags: tagSet("ENV:T"), DesiredSize: 1})

	c.Balance(g)
	time.Sleep(20 * time.Millisecond)
	c.Balance(g)
	time.Sleep(20 * time.Millisecond)

	if len(adapter.CreateCalls) != 0 || len(adapter.DestroyCalls) != 0 {
		t.Fatalf("expected no calls once at desired size, got creates=%v destroys=%v",
			adapter.CreateCalls, adapter.DestroyCalls)
	}
}

func TestOneOfTwoDiesLeaderHeals(t *testing.T) {
	// §8 scenario 2: "one of two dies". B is leader, A departs; B destroys A
	// and creates exactly one replacement.
	reg := registry.New()
	reg.Upsert(registry.Node{ID: "A", Tags: tagSet("ENV:T", "fleet")})
	reg.Upsert(registry.Node{ID: "B", Tags: tagSet("ENV:T", "fleet")})
	adapter := cloud.NewFake()
	c, _ := newTestController(t, reg, adapter, func() bool { return true })

	c.RegisterGroup(Group{
		MatchTags:   tagSet("ENV:T"),
		DesiredSize: 2,
		Template:    cloud.Template{NameBase: "T", Tags: []string{"ENV:T", "fleet"}},
	})

	c.HandleEvent(gossip.Event{
		Kind: gossip.EventRemoved,
		Peer: gossip.PeerState{ID: "A", Role: gossip.RoleCitizen},
	})

	waitFor(t, time.Second, func() bool {
		return len(adapter.DestroyCalls) == 1 && len(adapter.CreateCalls) == 1
	})
	if _, ok := reg.Get("A"); ok {
		t.Fatal("expected node A to be removed from the registry")
	}
}

func TestLeaderDiesBuffersThenDrainsOnElection(t *testing.T) {
	// §8 scenario 3: "leader dies". B observes removed(A, role:leader) while
	// not yet leader; buffers. B then wins election and drains: destroys A,
	// creates a replacement.
	reg := registry.New()
	reg.Upsert(registry.Node{ID: "A", Tags: tagSet("ENV:T", "fleet")})
	reg.Upsert(registry.Node{ID: "B", Tags: tagSet("ENV:T", "fleet")})
	adapter := cloud.NewFake()

	isLeader := false
	c, _ := newTestController(t, reg, adapter, func() bool { return isLeader })

	c.RegisterGroup(Group{
		MatchTags:   tagSet("ENV:T"),
		DesiredSize: 2,
		Template:    cloud.Template{NameBase: "T", Tags: []string{"ENV:T", "fleet"}},
	})

	// B has already recognized A as the fleet leader before A dies.
	c.HandleEvent(gossip.Event{Kind: gossip.EventLeader, Peer: gossip.PeerState{ID: "A", Role: gossip.RoleLeader}})

	c.HandleEvent(gossip.Event{
		Kind: gossip.EventRemoved,
		Peer: gossip.PeerState{ID: "A", Role: gossip.RoleLeader},
	})

	// Not leader yet: nothing should have happened.
	time.Sleep(20 * time.Millisecond)
	if len(adapter.DestroyCalls) != 0 {
		t.Fatal("expected no destroy before this agent becomes leader")
	}

	isLeader = true
	c.HandleEvent(gossip.Event{Kind: gossip.EventElected, Peer: gossip.PeerState{ID: "B"}})

	waitFor(t, time.Second, func() bool {
		return len(adapter.DestroyCalls) == 1 && len(adapter.CreateCalls) == 1
	})
}

func TestNonLeaderIgnoresNonLeaderRemoval(t *testing.T) {
	reg := registry.New()
	reg.Upsert(registry.Node{ID: "A", Tags: tagSet("ENV:T", "fleet")})
	adapter := cloud.NewFake()
	c, _ := newTestController(t, reg, adapter, func() bool { return false })

	c.RegisterGroup(Group{MatchTags: tagSet("ENV:T"), DesiredSize: 1})

	c.HandleEvent(gossip.Event{
		Kind: gossip.EventRemoved,
		Peer: gossip.PeerState{ID: "A", Role: gossip.RoleCitizen},
	})

	time.Sleep(20 * time.Millisecond)
	if len(c.pending) != 0 {
		t.Fatal("expected a non-leader removal of a non-leader peer to be ignored, not buffered")
	}
}

func TestBootstrapRebalanceFiresOnlyOnce(t *testing.T) {
	reg := registry.New()
	adapter := cloud.NewFake()
	c, _ := newTestController(t, reg, adapter, func() bool { return true })

	c.RegisterGroup(Group{
		MatchTags:   tagSet("ENV:T"),
		DesiredSize: 1,
		Template:    cloud.Template{NameBase: "T", Tags: []string{"ENV:T", "fleet"}},
	})

	c.HandleEvent(gossip.Event{Kind: gossip.EventElected, Peer: gossip.PeerState{ID: "self"}})
	waitFor(t, time.Second, func() bool { return len(adapter.CreateCalls) == 1 })

	// A second election for the same agent must not trigger another fleet-wide rebalance.
	c.HandleEvent(gossip.Event{Kind: gossip.EventElected, Peer: gossip.PeerState{ID: "self"}})
	time.Sleep(30 * time.Millisecond)

	if len(adapter.CreateCalls) != 1 {
		t.Fatalf("expected bootstrap rebalance to fire exactly once, got %d creates", len(adapter.CreateCalls))
	}
}
