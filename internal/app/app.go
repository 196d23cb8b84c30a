// Package app wires together the fleet agent's components: the Cloud
// Adapter, the identity provider, the Registry, the fleet-wide gossip
// Engine, the Group Controller, the cloudcall worker pool, and one
// floating-address sub-election per group that declares one (§4.6).
//
// The wiring follows the teacher's App{logger, server, workers, cleanup}
// lifecycle (distributed-queue/main.go), generalized from an HTTP-server app
// to an agent whose "server" is the fleet gossip Engine and whose "workers"
// are the cloudcall pool and the floating sub-elections.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/fleetwarden/internal/cloud"
	"github.com/mcastellin/fleetwarden/internal/cloudcall"
	"github.com/mcastellin/fleetwarden/internal/config"
	"github.com/mcastellin/fleetwarden/internal/floating"
	"github.com/mcastellin/fleetwarden/internal/gossip"
	"github.com/mcastellin/fleetwarden/internal/group"
	"github.com/mcastellin/fleetwarden/internal/identity"
	"github.com/mcastellin/fleetwarden/internal/registry"
)

// DefaultFloatingBasePort is added to a group's registration index to derive
// the bind port of that group's floating-address sub-election (§4.6).
const DefaultFloatingBasePort = 20000

// starterStopper mirrors the teacher's workerStarterStopper contract,
// generalized to cover both the cloudcall pool and any floating sub-election.
type starterStopper interface {
	Start(ctx context.Context)
	Stop()
}

type poolAdapter struct{ pool *cloudcall.Pool }

func (p poolAdapter) Start(ctx context.Context) { p.pool.Start(ctx) }
func (p poolAdapter) Stop()                     { p.pool.Stop() }

type subElectionAdapter struct{ se *floating.SubElection }

func (s subElectionAdapter) Start(ctx context.Context) {
	if err := s.se.Serve(); err != nil {
		zap.L().Warn("floating sub-election failed to start", zap.Error(err))
	}
}
func (s subElectionAdapter) Stop() { s.se.Shutdown() }

// App owns every long-lived component of a running agent.
type App struct {
	logger *zap.Logger

	engine     *gossip.Engine
	controller *group.Controller
	workers    []starterStopper
}

// AddWorker registers a background component started before, and stopped
// after, the fleet engine serves.
func (a *App) AddWorker(w starterStopper) {
	a.workers = append(a.workers, w)
}

// Run starts every registered worker, then the fleet engine, and blocks until
// SIGINT/SIGTERM (§6: "process supervision ... out of scope as a design, but
// a complete repo still needs a concrete process entry point").
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, w := range a.workers {
		w.Start(ctx)
		defer w.Stop()
	}

	if err := a.engine.Serve(); err != nil {
		return fmt.Errorf("start fleet engine: %w", err)
	}
	defer a.engine.Shutdown()

	a.logger.Info("fleetwarden agent started", zap.String("id", a.engine.Self().ID))
	<-ctx.Done()
	a.logger.Info("fleetwarden agent shutting down")
	return nil
}

// Build constructs an App from cfg: it lists existing fleet members through
// the Cloud Adapter, resolves this node's own id, fatally errors if that id
// is absent from the listing (§9 Open Question 3), seeds the Registry, and
// wires the gossip Engine, Group Controller, cloudcall Pool, and any declared
// floating-address sub-elections.
func Build(cfg *config.Config, adapter cloud.Adapter, idProvider identity.Provider, bindHost string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	selfID, err := idProvider.SelfID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve self identity: %w", err)
	}

	instances, err := adapter.List(ctx, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("list fleet members: %w", err)
	}

	reg := registry.New()
	found := false
	peerEndpoints := []string{}
	for _, inst := range instances {
		n := instanceToNode(inst)
		reg.Upsert(n)
		if inst.ID == selfID {
			found = true
			continue
		}
		if ep := n.Endpoint(); ep != "" {
			peerEndpoints = append(peerEndpoints, fmt.Sprintf("%s:%d", ep, cfg.Port))
		}
	}
	if !found {
		return nil, fmt.Errorf("self id %q not found in the initial fleet listing for tag %q", selfID, cfg.Tag)
	}

	pool := cloudcall.New(4, logger)

	engine := gossip.New(gossip.Config{
		ID:           selfID,
		BindAddr:     fmt.Sprintf("%s:%d", bindHost, cfg.Port),
		InitialPeers: peerEndpoints,
		Interval:     time.Duration(cfg.Interval) * time.Millisecond,
		Timeout:      time.Duration(cfg.Timeout) * time.Millisecond,
		Logger:       logger,
	})

	controller := group.NewController(reg, adapter, cfg.Tag, pool, logger, engine.IsLeader)
	engine.Subscribe(controller.HandleEvent)

	a := &App{logger: logger, engine: engine, controller: controller}
	a.AddWorker(poolAdapter{pool})

	for _, gc := range cfg.Groups {
		matchTags := map[string]struct{}{}
		for _, t := range gc.MatchTags {
			matchTags[t] = struct{}{}
		}
		g := controller.RegisterGroup(group.Group{
			MatchTags:       matchTags,
			DesiredSize:     gc.DesiredSize,
			Template:        gc.Template.ToCloudTemplate(),
			FloatingAddress: gc.FloatingAddress,
		})

		if gc.FloatingAddress == "" {
			continue
		}

		members := reg.ByGroup(matchTags, cfg.Tag)
		memberEndpoints := make([]string, 0, len(members))
		for _, m := range members {
			if m.ID == selfID {
				continue
			}
			if ep := m.Endpoint(); ep != "" {
				memberEndpoints = append(memberEndpoints, fmt.Sprintf("%s:%d", ep, DefaultFloatingBasePort+g.Index()))
			}
		}

		se := floating.New(selfID, bindHost, DefaultFloatingBasePort, g.Index(), memberEndpoints, gc.FloatingAddress, adapter, pool, logger)
		a.AddWorker(subElectionAdapter{se})
	}

	return a, nil
}

func instanceToNode(inst cloud.Instance) registry.Node {
	n := registry.Node{ID: inst.ID, Name: inst.Name, Region: inst.Region, Tags: map[string]struct{}{}}
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
