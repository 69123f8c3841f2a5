package tracker

import "context"

// Store persists cases. Apply commits a batch of changes atomically: either
// every change lands or none does.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, trackedEntity string) (*Case, error)
	List(ctx context.Context, limit, offset int) ([]*Case, int, error)
	Apply(ctx context.Context, trackedEntity string, changes Changes) error
}
