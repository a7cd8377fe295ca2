// Package registry is the single writer of job results. It enforces the
// job state machine inside an atomic read-modify-write on the result
// store, stamps terminal results with their TTL and retries transient
// backend failures with bounded exponential backoff before reporting
// jobq.ErrRegistryUnreachable.
//
// Producers read results through [Registry.Get]. A result read after its
// TTL returns a *jobq.NotFoundError with Expired set; an ID the registry
// has never seen returns one with Expired unset.
package registry
