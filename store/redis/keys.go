package redis

// Redis key naming conventions for jobq data. Every key carries the same
// hash tag so the Lua scripts, which touch per-job keys they derive from a
// prefix, stay within one cluster slot.

const defaultNamespace = "{jobq}"

type keys struct {
	ns string
}

// jobPrefix is the prefix of per-job hashes: {jobq}:job:{id}
func (k keys) jobPrefix() string { return k.ns + ":job:" }

// job returns the hash holding a queued job and its claim.
func (k keys) job(id string) string { return k.jobPrefix() + id }

// ready is the Sorted Set of eligible jobs scored by priority then enqueue time.
func (k keys) ready() string { return k.ns + ":ready" }

// eligible is the Sorted Set of eligible jobs scored by the time they became eligible.
func (k keys) eligible() string { return k.ns + ":eligible" }

// delayed is the Sorted Set of deferred jobs scored by run time.
func (k keys) delayed() string { return k.ns + ":delayed" }

// running is the Sorted Set of claimed jobs scored by last heartbeat.
func (k keys) running() string { return k.ns + ":running" }

// lease is the counter that issues claim leases.
func (k keys) lease() string { return k.ns + ":lease" }

// result returns the key of a job's registry record: {jobq}:result:{id}
func (k keys) result(id string) string { return k.ns + ":result:" + id }

// tombstone marks a result that existed and expired: {jobq}:tomb:{id}
func (k keys) tombstone(id string) string { return k.ns + ":tomb:" + id }

// counts is the Hash of per-state transition counters.
func (k keys) counts() string { return k.ns + ":counts" }

// dedup returns the key holding a dedup reservation: {jobq}:dedup:{key}
func (k keys) dedup(key string) string { return k.ns + ":dedup:" + key }
