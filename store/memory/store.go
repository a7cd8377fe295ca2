package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle), so we verify each contract.
var (
	_ job.QueueStore  = (*Store)(nil)
	_ job.ResultStore = (*Store)(nil)
	_ job.DedupStore  = (*Store)(nil)
)

type entry struct {
	job      *job.Job
	attempts int
	runAt    time.Time
	seq      uint64
	claim    *job.Claim
}

type dedupEntry struct {
	handle  job.Handle
	expires time.Time
}

// Option configures a memory Store.
type Option func(*Store)

// WithTombstoneTTL sets how long an expired result is reported as expired
// rather than never seen.
func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Store) { s.tombstoneTTL = d }
}

// WithClock replaces time.Now, for tests that exercise TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and single-process
// development; nothing survives a restart.
type Store struct {
	mu sync.Mutex

	queue      map[string]*entry
	results    map[string]*job.Result
	tombstones map[string]time.Time
	counts     job.Counts
	dedup      map[string]dedupEntry

	seq   uint64
	lease uint64

	tombstoneTTL time.Duration
	now          func() time.Time
	unavailable  error
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		queue:        make(map[string]*entry),
		results:      make(map[string]*job.Result),
		tombstones:   make(map[string]time.Time),
		counts:       make(job.Counts),
		dedup:        make(map[string]dedupEntry),
		tombstoneTTL: 24 * time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable makes every subsequent call fail with err wrapped in
// jobq.ErrStoreUnavailable, simulating an outage. Pass nil to recover.
func (m *Store) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

func (m *Store) check() error {
	if m.unavailable != nil {
		return &jobq.StoreError{Op: "jobq/memory", Err: m.unavailable}
	}
	return nil
}

func (m *Store) clock() time.Time { return m.now().UTC() }

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only while an outage is simulated.
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// Enqueue persists a new pending job.
func (m *Store) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	key := j.ID.String()
	if _, exists := m.queue[key]; exists {
		return jobq.ErrJobAlreadyExists
	}
	cp := *j
	m.seq++
	m.queue[key] = &entry{job: &cp, runAt: j.RunAt(), seq: m.seq}
	return nil
}

// DequeueBatch atomically claims up to max eligible jobs.
func (m *Store) DequeueBatch(_ context.Context, workerID id.WorkerID, maxJobs int) ([]*job.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if maxJobs <= 0 {
		return nil, nil
	}

	now := m.clock()
	candidates := make([]*entry, 0, len(m.queue))
	for _, e := range m.queue {
		if e.claim != nil || e.runAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}

	// Sort: priority DESC, EnqueuedAt ASC, insertion order ASC.
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority > b.job.Priority
		}
		if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
			return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
		}
		return a.seq < b.seq
	})
	if len(candidates) > maxJobs {
		candidates = candidates[:maxJobs]
	}

	claims := make([]*job.Claim, len(candidates))
	for i, e := range candidates {
		e.attempts++
		e.claim = m.newClaim(e, workerID, now)
		claims[i] = copyClaim(e.claim)
	}
	return claims, nil
}

func (m *Store) newClaim(e *entry, workerID id.WorkerID, now time.Time) *job.Claim {
	m.lease++
	return &job.Claim{
		Job:         e.job,
		Attempt:     e.attempts,
		Lease:       strconv.FormatUint(m.lease, 10),
		WorkerID:    workerID,
		ClaimedAt:   now,
		HeartbeatAt: now,
	}
}

// copyClaim returns a copy callers can hold without racing with the store.
func copyClaim(c *job.Claim) *job.Claim {
	cp := *c
	j := *c.Job
	cp.Job = &j
	return &cp
}

// held returns the entry for c if c is still its current claim.
func (m *Store) held(c *job.Claim) (*entry, error) {
	e, ok := m.queue[c.Job.ID.String()]
	if !ok || e.claim == nil || e.claim.Lease != c.Lease {
		return nil, jobq.ErrClaimNotHeld
	}
	return e, nil
}

// Requeue returns a claimed job to the pending view after delay.
func (m *Store) Requeue(_ context.Context, c *job.Claim, delay time.Duration) error {
	return m.requeue(c, delay, false)
}

// Release requeues c and gives back the attempt it counted.
func (m *Store) Release(_ context.Context, c *job.Claim, delay time.Duration) error {
	return m.requeue(c, delay, true)
}

func (m *Store) requeue(c *job.Claim, delay time.Duration, refund bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	e, err := m.held(c)
	if err != nil {
		return err
	}
	e.claim = nil
	e.runAt = m.clock().Add(delay)
	if refund && e.attempts > 0 {
		e.attempts--
	}
	return nil
}

// Complete releases a claim and removes the job.
func (m *Store) Complete(_ context.Context, c *job.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	if _, err := m.held(c); err != nil {
		return err
	}
	delete(m.queue, c.Job.ID.String())
	return nil
}

// Cancel removes a still-pending job.
func (m *Store) Cancel(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}

	key := jobID.String()
	e, ok := m.queue[key]
	if !ok || e.claim != nil {
		return false, nil
	}
	delete(m.queue, key)
	return true, nil
}

// Heartbeat refreshes the liveness timestamp of a claim.
func (m *Store) Heartbeat(_ context.Context, c *job.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	e, err := m.held(c)
	if err != nil {
		return err
	}
	e.claim.HeartbeatAt = m.clock()
	return nil
}

// ReapStale transfers claims with stale heartbeats to workerID.
func (m *Store) ReapStale(_ context.Context, workerID id.WorkerID, threshold time.Duration) ([]*job.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	now := m.clock()
	cutoff := now.Add(-threshold)
	var reaped []*job.Claim
	for _, e := range m.queue {
		if e.claim == nil || !e.claim.HeartbeatAt.Before(cutoff) {
			continue
		}
		e.claim = m.newClaim(e, workerID, now)
		reaped = append(reaped, copyClaim(e.claim))
	}
	return reaped, nil
}

// QueueStats returns counts for the health reporter.
func (m *Store) QueueStats(_ context.Context) (job.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return job.QueueStats{}, err
	}

	now := m.clock()
	var st job.QueueStats
	for _, e := range m.queue {
		if e.claim != nil {
			st.Running++
			continue
		}
		st.Pending++
		if e.runAt.After(now) {
			st.Deferred++
			continue
		}
		if st.OldestEligible.IsZero() || e.runAt.Before(st.OldestEligible) {
			st.OldestEligible = e.runAt
		}
	}
	return st, nil
}

// ──────────────────────────────────────────────────
// Result Store
// ──────────────────────────────────────────────────

// UpdateResult applies fn to the current result under the store lock.
func (m *Store) UpdateResult(_ context.Context, jobID id.JobID, fn func(*job.Result) (*job.Result, error)) (*job.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	key := jobID.String()
	cur := m.results[key]
	if cur != nil && cur.Expired(m.clock()) {
		m.expire(key, cur)
		cur = nil
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.State != next.State {
		m.counts[next.State]++
	}
	m.results[key] = next.Clone()
	delete(m.tombstones, key)
	return next, nil
}

// GetResult returns the stored result or a *jobq.NotFoundError.
func (m *Store) GetResult(_ context.Context, jobID id.JobID) (*job.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	key := jobID.String()
	now := m.clock()
	if r, ok := m.results[key]; ok {
		if !r.Expired(now) {
			return r.Clone(), nil
		}
		m.expire(key, r)
	}
	if until, ok := m.tombstones[key]; ok && now.Before(until) {
		return nil, &jobq.NotFoundError{ID: key, Expired: true}
	}
	return nil, &jobq.NotFoundError{ID: key}
}

func (m *Store) expire(key string, r *job.Result) {
	delete(m.results, key)
	m.tombstones[key] = r.ExpiresAt.Add(m.tombstoneTTL)
}

// PurgeExpired reclaims expired results and stale tombstones.
func (m *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}

	n := 0
	for key, r := range m.results {
		if r.Expired(now) {
			m.expire(key, r)
			n++
		}
	}
	for key, until := range m.tombstones {
		if !now.Before(until) {
			delete(m.tombstones, key)
		}
	}
	for key, d := range m.dedup {
		if !now.Before(d.expires) {
			delete(m.dedup, key)
		}
	}
	return n, nil
}

// CountTransitions returns the per-state transition counters.
func (m *Store) CountTransitions(_ context.Context) (job.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	out := make(job.Counts, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Dedup Store
// ──────────────────────────────────────────────────

// ReserveDedupKey stores h under key unless a live reservation exists.
func (m *Store) ReserveDedupKey(_ context.Context, key string, h job.Handle, window time.Duration) (job.Handle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return job.Handle{}, false, err
	}

	now := m.clock()
	if d, ok := m.dedup[key]; ok && now.Before(d.expires) {
		return d.handle, false, nil
	}
	m.dedup[key] = dedupEntry{handle: h, expires: now.Add(window)}
	return h, true, nil
}

// ReleaseDedupKey drops key if it still maps to jobID.
func (m *Store) ReleaseDedupKey(_ context.Context, key string, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	if d, ok := m.dedup[key]; ok && d.handle.ID == jobID {
		delete(m.dedup, key)
	}
	return nil
}
