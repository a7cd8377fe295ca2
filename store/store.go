// Package store defines the aggregate persistence interface. The job
// package defines the queue, result and dedup contracts; the composite
// Store composes them. Backends: Redis, Postgres and Memory.
package store

import (
	"context"

	"github.com/xraph/jobq/job"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem contract so the queue and
// the registry share one connection and one namespace.
type Store interface {
	job.QueueStore
	job.ResultStore
	job.DedupStore

	// Migrate creates or updates the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
