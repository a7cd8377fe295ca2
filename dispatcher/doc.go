// Package dispatcher pulls claims from the durable queue store and hands
// them to the worker pool, keeping at most C claims outstanding. It is the
// sole authority deciding whether a failed attempt is retried or fails
// terminally, and it records every resulting state transition in the job
// registry.
//
// The claim loop polls adaptively: it waits PollMin after finding work
// and doubles the wait up to PollMax while the queue stays empty. A slot
// freeing up wakes the loop early.
//
// Two recovery loops run beside it. The stall check force-cancels local
// slots whose heartbeat is older than StallGrace and settles their job as
// stalled without waiting for the slot to return. The reaper takes over
// claims held by dead worker processes through the store's ReapStale.
package dispatcher
