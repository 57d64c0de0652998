package app

import (
	"context"

	"github.com/r3e-network/execfabric/internal/mesh"
	"github.com/r3e-network/execfabric/internal/persistence"
)

// persistenceSafetyNetService adapts the persistence manager's cron-driven
// safety net to the lifecycle manager.
type persistenceSafetyNetService struct {
	persist         *persistence.Manager
	intervalMinutes int
}

func (s persistenceSafetyNetService) Name() string { return "persistence-safety-net" }

func (s persistenceSafetyNetService) Start(context.Context) error {
	s.persist.StartSafetyNet(s.intervalMinutes)
	return nil
}

func (s persistenceSafetyNetService) Stop(context.Context) error {
	s.persist.StopSafetyNet()
	return nil
}

// meshDaemonService adapts the mesh relay's heartbeat and relay loops to
// the lifecycle manager.
type meshDaemonService struct {
	relay *mesh.Relay
}

func (s meshDaemonService) Name() string { return "mesh-relay" }

func (s meshDaemonService) Start(ctx context.Context) error {
	s.relay.StartDaemons(ctx)
	return nil
}

func (s meshDaemonService) Stop(context.Context) error {
	s.relay.Stop()
	return nil
}
