package domain

import "context"

// EngineCache holds constructed engines keyed by their configuration tuple
type EngineCache interface {
	// Acquire leases the cached engine for key, building it with create on a miss.
	// The engine is not closed before release is called.
	Acquire(ctx context.Context, key string, create func() (DocumentEngine, error)) (engine DocumentEngine, release func(), err error)

	// Delete evicts the engine stored under key
	Delete(ctx context.Context, key string) error

	// CleanExpired disposes of every expired engine
	CleanExpired(ctx context.Context) error
}
