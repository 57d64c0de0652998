// Package system provides the lifecycle manager the coordinator uses to
// start and stop its background components (the persistence safety net,
// the mesh relay daemons) in a deterministic order.
package system

import "context"

// Service is a lifecycle-managed background component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
