// Package floating implements the Floating-Address Sub-Election (§4.6): a
// second Gossip Engine instance scoped to one group's members, whose sole
// purpose is to reassign a mobile address to whichever member currently wins
// that engine's election.
package floating

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/fleetwarden/internal/cloud"
	"github.com/mcastellin/fleetwarden/internal/cloudcall"
	"github.com/mcastellin/fleetwarden/internal/gossip"
)

// HeartbeatInterval and Timeout are tighter than the fleet engine's defaults
// because the sub-election governs a client-visible address flip (§4.6).
const (
	HeartbeatInterval = 3 * time.Second
	Timeout           = 10 * time.Second
)

// SubElection wraps a scoped Engine plus the Cloud Adapter call needed to act
// on its outcome. The Cloud Adapter handle is passed in at construction
// rather than reached through a back-reference to the enclosing agent, per
// §9's guidance resolving the cyclic-reference pattern in the source material.
type SubElection struct {
	Engine  *gossip.Engine
	Address string

	adapter cloud.Adapter
	pool    *cloudcall.Pool
	logger  *zap.Logger
}

// New constructs a SubElection bound to port basePort+k, where k is the owning
// group's registration index, disambiguating multiple concurrent
// sub-elections running on the same host (§4.6).
func New(
	selfID string,
	bindHost string,
	basePort int,
	groupIndex int,
	memberEndpoints []string,
	address string,
	adapter cloud.Adapter,
	pool *cloudcall.Pool,
	logger *zap.Logger,
) *SubElection {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gossip.New(gossip.Config{
		ID:           selfID,
		BindAddr:     fmt.Sprintf("%s:%d", bindHost, basePort+groupIndex),
		InitialPeers: memberEndpoints,
		Interval:     HeartbeatInterval,
		Timeout:      Timeout,
		Logger:       logger,
	})

	se := &SubElection{Engine: engine, Address: address, adapter: adapter, pool: pool, logger: logger}
	engine.Subscribe(se.handleEvent)
	return se
}

// Serve starts the underlying Engine.
func (se *SubElection) Serve() error {
	return se.Engine.Serve()
}

// Shutdown stops the underlying Engine.
func (se *SubElection) Shutdown() error {
	return se.Engine.Shutdown()
}

// handleEvent reacts to elected(self) by calling AssignFloatingAddress.
// Every other event is irrelevant to this sub-election's sole purpose (§4.6).
func (se *SubElection) handleEvent(evt gossip.Event) {
	if evt.Kind != gossip.EventElected {
		return
	}

	selfID := evt.Peer.ID
	address := se.Address
	se.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := se.adapter.AssignFloatingAddress(ctx, address, selfID); err != nil {
			se.logger.Warn("floating address assignment failed",
				zap.String("address", address), zap.String("id", selfID), zap.Error(err))
		}
	})
}
