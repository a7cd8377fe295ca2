package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/dispatcher"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/middleware"
	"github.com/xraph/jobq/queue"
	"github.com/xraph/jobq/registry"
	"github.com/xraph/jobq/store/memory"
	"github.com/xraph/jobq/worker"
)

type harness struct {
	store    *memory.Store
	registry *registry.Registry
	tasks    *job.Registry
	pool     *worker.Pool
	disp     *dispatcher.Dispatcher
}

type setup struct {
	concurrency int
	cfg         func(*dispatcher.Config)
	backoff     backoff.Strategy
	admission   *queue.Manager
	mws         []middleware.Middleware
	// queue, when set, wraps the store the dispatcher claims from.
	queue func(*memory.Store) job.QueueStore
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.concurrency == 0 {
		s.concurrency = 2
	}
	if s.backoff == nil {
		s.backoff = backoff.Constant(10 * time.Millisecond)
	}
	logger := slog.Default()
	st := memory.New()
	reg := registry.New(st, registry.WithRetry(1, time.Millisecond))
	tasks := job.NewRegistry()
	pool := worker.NewPool(worker.NewExecutor(tasks, logger, s.mws...), logger,
		worker.WithPoolConcurrency(s.concurrency),
		worker.WithHeartbeatInterval(10*time.Millisecond),
		worker.WithHeartbeater(st),
	)

	cfg := dispatcher.DefaultConfig()
	cfg.Concurrency = s.concurrency
	cfg.PollMin = 10 * time.Millisecond
	cfg.PollMax = 100 * time.Millisecond
	if s.cfg != nil {
		s.cfg(&cfg)
	}
	opts := []dispatcher.Option{
		dispatcher.WithConfig(cfg),
		dispatcher.WithBackoff(s.backoff),
		dispatcher.WithLogger(logger),
	}
	if s.admission != nil {
		opts = append(opts, dispatcher.WithAdmission(s.admission))
	}
	var qs job.QueueStore = st
	if s.queue != nil {
		qs = s.queue(st)
	}
	h := &harness{
		store:    st,
		registry: reg,
		tasks:    tasks,
		pool:     pool,
		disp:     dispatcher.New(qs, reg, pool, opts...),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.disp.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) submit(t *testing.T, fn string, mutate func(*job.Job)) id.JobID {
	t.Helper()
	j := &job.Job{
		ID:           id.NewJobID(),
		FunctionName: fn,
		EnqueuedAt:   time.Now().UTC(),
		MaxRetries:   2,
		Timeout:      time.Second,
	}
	if mutate != nil {
		mutate(j)
	}
	ctx := context.Background()
	if _, err := h.registry.RecordTransition(ctx, j.ID, job.StateQueued, job.Update{
		FunctionName: fn,
		EnqueuedAt:   j.EnqueuedAt,
	}); err != nil {
		t.Fatalf("record queued: %v", err)
	}
	if err := h.store.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j.ID
}

func (h *harness) waitTerminal(t *testing.T, jid id.JobID, within time.Duration) *job.Result {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		res, err := h.registry.Get(context.Background(), jid)
		if err == nil && res.State.Terminal() {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, err := h.registry.Get(context.Background(), jid)
	t.Fatalf("job %s not terminal within %v: %+v, %v", jid, within, res, err)
	return nil
}

func TestSuccess(t *testing.T) {
	h := newHarness(t, setup{})
	job.RegisterDefinition(h.tasks, job.NewDefinition("echo", func(_ context.Context, in struct{ Text string }) (string, error) {
		return in.Text, nil
	}))
	h.start(t)

	jid := h.submit(t, "echo", func(j *job.Job) { j.Kwargs = json.RawMessage(`{"Text":"hi"}`) })
	res := h.waitTerminal(t, jid, 2*time.Second)

	if res.State != job.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", res.State, res.Error)
	}
	if string(res.Payload) != `"hi"` {
		t.Errorf("payload = %s", res.Payload)
	}
	if res.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", res.Attempt)
	}

	st, err := h.store.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if st.Pending != 0 || st.Running != 0 {
		t.Errorf("queue not drained: %+v", st)
	}
}

func TestZeroRetriesRunsOnce(t *testing.T) {
	h := newHarness(t, setup{})
	var calls atomic.Int32
	h.tasks.Register("flaky", func(context.Context, job.Args, job.Kwargs) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	})
	h.start(t)

	jid := h.submit(t, "flaky", func(j *job.Job) { j.MaxRetries = 0 })
	res := h.waitTerminal(t, jid, 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
	if res.State != job.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if res.Error.Kind != job.KindRetriesExhausted || res.Error.Cause != job.KindFailure {
		t.Errorf("error = %+v", res.Error)
	}
}

func TestForeignCancellationConsumesAttempt(t *testing.T) {
	h := newHarness(t, setup{})
	var calls atomic.Int32
	h.tasks.Register("call", func(context.Context, job.Args, job.Kwargs) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("call upstream: %w", context.Canceled)
	})
	h.start(t)

	jid := h.submit(t, "call", func(j *job.Job) { j.MaxRetries = 0 })
	res := h.waitTerminal(t, jid, 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
	if res.State != job.StateFailed || res.Attempt != 1 {
		t.Fatalf("result = state %s attempt %d", res.State, res.Attempt)
	}
	if res.Error.Kind != job.KindRetriesExhausted || res.Error.Cause != job.KindFailure {
		t.Errorf("error = %+v", res.Error)
	}
}

func TestRetriesWithIncreasingDelay(t *testing.T) {
	const maxRetries = 3
	h := newHarness(t, setup{backoff: backoff.NewExponential(50*time.Millisecond, time.Second)})

	var mu sync.Mutex
	var starts []time.Time
	h.tasks.Register("flaky", func(context.Context, job.Args, job.Kwargs) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, errors.New("still failing")
	})
	h.start(t)

	jid := h.submit(t, "flaky", func(j *job.Job) { j.MaxRetries = maxRetries })
	res := h.waitTerminal(t, jid, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != maxRetries+1 {
		t.Fatalf("attempts = %d, want %d", len(starts), maxRetries+1)
	}
	if res.Attempt != maxRetries+1 {
		t.Errorf("recorded attempt = %d", res.Attempt)
	}
	prev := time.Duration(0)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap <= prev {
			t.Errorf("gap %d = %v, not longer than previous %v", i, gap, prev)
		}
		prev = gap
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, setup{})
	var calls atomic.Int32
	h.tasks.Register("bad", func(context.Context, job.Args, job.Kwargs) (any, error) {
		calls.Add(1)
		return nil, job.Permanent(errors.New("invalid request"))
	})
	h.start(t)

	res := h.waitTerminal(t, h.submit(t, "bad", nil), 2*time.Second)
	if res.State != job.StateFailed || res.Error.Kind != job.KindFailure {
		t.Fatalf("result = %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// claimLog records the priority of every job claimed through it.
type claimLog struct {
	*memory.Store

	mu         sync.Mutex
	priorities []int
}

func (l *claimLog) DequeueBatch(ctx context.Context, wid id.WorkerID, n int) ([]*job.Claim, error) {
	claims, err := l.Store.DequeueBatch(ctx, wid, n)
	l.mu.Lock()
	for _, c := range claims {
		l.priorities = append(l.priorities, c.Job.Priority)
	}
	l.mu.Unlock()
	return claims, err
}

func TestPriorityOrder(t *testing.T) {
	const concurrency = 5
	var claimed *claimLog
	h := newHarness(t, setup{
		concurrency: concurrency,
		queue: func(st *memory.Store) job.QueueStore {
			claimed = &claimLog{Store: st}
			return claimed
		},
	})

	var mu sync.Mutex
	var order []int
	job.RegisterDefinition(h.tasks, job.NewDefinition("prio", func(_ context.Context, p int) (any, error) {
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	}))

	ids := make([]id.JobID, 0, 50)
	for i := range 50 {
		p := i % 3
		ids = append(ids, h.submit(t, "prio", func(j *job.Job) {
			j.Priority = p
			j.Args = json.RawMessage(`[` + string(rune('0'+p)) + `]`)
		}))
	}
	h.start(t)
	for _, jid := range ids {
		h.waitTerminal(t, jid, 5*time.Second)
	}

	claimed.mu.Lock()
	defer claimed.mu.Unlock()
	if len(claimed.priorities) != 50 {
		t.Fatalf("claimed %d jobs, want 50", len(claimed.priorities))
	}
	// Every job was queued before the first claim, so claims never go up
	// in priority: all priority-2 jobs are claimed before any priority-0.
	for i := 1; i < len(claimed.priorities); i++ {
		if claimed.priorities[i] > claimed.priorities[i-1] {
			t.Fatalf("claim %d has priority %d after priority %d: %v", i, claimed.priorities[i], claimed.priorities[i-1], claimed.priorities)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("ran %d jobs", len(order))
	}
	// Execution may reorder only within a single in-flight window.
	for i, p := range order {
		for k := i + concurrency; k < len(order); k++ {
			if order[k] > p {
				t.Fatalf("priority %d started at %d, after priority %d at %d", order[k], k, p, i)
			}
		}
	}
}

func TestTimeoutObservedWithinGrace(t *testing.T) {
	h := newHarness(t, setup{})
	release := make(chan struct{})
	defer close(release)
	h.tasks.Register("hang", func(context.Context, job.Args, job.Kwargs) (any, error) {
		<-release
		return nil, nil
	})
	h.start(t)

	start := time.Now()
	jid := h.submit(t, "hang", func(j *job.Job) {
		j.Timeout = 200 * time.Millisecond
		j.MaxRetries = 0
	})
	res := h.waitTerminal(t, jid, 2*time.Second)

	if elapsed := time.Since(start); elapsed > 200*time.Millisecond+500*time.Millisecond {
		t.Errorf("timeout recorded after %v", elapsed)
	}
	if res.Error == nil || res.Error.Cause != job.KindTimeout {
		t.Errorf("error = %+v, want timeout cause", res.Error)
	}
}

func TestTimeoutRequeuedWhileRetriesRemain(t *testing.T) {
	h := newHarness(t, setup{})
	release := make(chan struct{})
	defer close(release)

	var (
		calls atomic.Int32
		jid   id.JobID
	)
	seen := make(chan *job.Result, 1)
	h.tasks.Register("slow-once", func(ctx context.Context, _ job.Args, _ job.Kwargs) (any, error) {
		if calls.Add(1) == 1 {
			<-release
			return nil, nil
		}
		res, err := h.registry.Get(ctx, jid)
		if err != nil {
			return nil, err
		}
		seen <- res
		return "ok", nil
	})
	jid = h.submit(t, "slow-once", func(j *job.Job) {
		j.Timeout = 100 * time.Millisecond
		j.MaxRetries = 1
	})
	h.start(t)

	res := h.waitTerminal(t, jid, 3*time.Second)

	if res.State != job.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", res.State, res.Error)
	}
	if res.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Attempt)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("handler called %d times, want 2", n)
	}
	// The retry carries the error recorded when the first attempt timed out.
	select {
	case during := <-seen:
		if during.Error == nil || during.Error.Kind != job.KindTimeout {
			t.Errorf("error during retry = %+v, want timeout", during.Error)
		}
	default:
		t.Fatal("second attempt never read its result")
	}
}

func TestDeferredPickedUpPromptly(t *testing.T) {
	h := newHarness(t, setup{})
	ran := make(chan time.Time, 1)
	h.tasks.Register("later", func(context.Context, job.Args, job.Kwargs) (any, error) {
		ran <- time.Now()
		return nil, nil
	})
	h.start(t)

	runAt := time.Now().Add(300 * time.Millisecond)
	h.submit(t, "later", func(j *job.Job) { j.DeferUntil = &runAt })

	select {
	case at := <-ran:
		if at.Before(runAt) {
			t.Fatalf("ran %v before its deferral", runAt.Sub(at))
		}
		if late := at.Sub(runAt); late > 100*time.Millisecond+200*time.Millisecond {
			t.Errorf("picked up %v late", late)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("deferred job never ran")
	}
}

func TestAdmissionDenialKeepsAttempts(t *testing.T) {
	h := newHarness(t, setup{
		concurrency: 4,
		admission:   queue.NewManager(queue.Config{Task: "gated", MaxConcurrency: 1}),
	})
	var active, peak atomic.Int32
	h.tasks.Register("gated", func(context.Context, job.Args, job.Kwargs) (any, error) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})

	var ids []id.JobID
	for range 4 {
		ids = append(ids, h.submit(t, "gated", func(j *job.Job) { j.MaxRetries = 0 }))
	}
	h.start(t)

	for _, jid := range ids {
		res := h.waitTerminal(t, jid, 5*time.Second)
		if res.State != job.StateSucceeded || res.Attempt != 1 {
			t.Errorf("result = state %s attempt %d", res.State, res.Attempt)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak = %d, want 1", peak.Load())
	}
}

func TestStalledSlotIsRequeued(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var first atomic.Bool
	wedge := func(ctx context.Context, c *job.Claim, next middleware.Handler) (any, error) {
		if first.CompareAndSwap(false, true) {
			<-release
		}
		return next(ctx)
	}
	h := newHarness(t, setup{
		mws: []middleware.Middleware{wedge},
		cfg: func(c *dispatcher.Config) {
			c.StallGrace = 100 * time.Millisecond
			c.ReapInterval = time.Hour
		},
	})
	h.tasks.Register("work", func(context.Context, job.Args, job.Kwargs) (any, error) { return "ok", nil })
	h.start(t)

	jid := h.submit(t, "work", func(j *job.Job) { j.Timeout = 30 * time.Millisecond })
	res := h.waitTerminal(t, jid, 3*time.Second)
	if res.State != job.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", res.State, res.Error)
	}
	if res.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Attempt)
	}
}

func TestReapsClaimOfDeadWorker(t *testing.T) {
	h := newHarness(t, setup{
		cfg: func(c *dispatcher.Config) {
			c.StallGrace = 80 * time.Millisecond
			c.ReapInterval = 20 * time.Millisecond
		},
	})
	h.tasks.Register("work", func(context.Context, job.Args, job.Kwargs) (any, error) { return "ok", nil })

	ctx := context.Background()
	jid := h.submit(t, "work", nil)
	claims, err := h.store.DequeueBatch(ctx, id.NewWorkerID(), 1)
	if err != nil || len(claims) != 1 {
		t.Fatalf("dead worker claim: %v, %d", err, len(claims))
	}
	if _, err := h.registry.RecordTransition(ctx, jid, job.StateRunning, job.Update{Attempt: 1}); err != nil {
		t.Fatalf("record running: %v", err)
	}

	h.start(t)
	res := h.waitTerminal(t, jid, 3*time.Second)
	if res.State != job.StateSucceeded || res.Attempt != 2 {
		t.Fatalf("result = state %s attempt %d", res.State, res.Attempt)
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, setup{})
	started := make(chan struct{})
	h.tasks.Register("long", func(ctx context.Context, _ job.Args, _ job.Kwargs) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.start(t)

	jid := h.submit(t, "long", func(j *job.Job) { j.Timeout = time.Minute })
	<-started
	if !h.pool.Cancel(jid, jobq.ErrCancelled) {
		t.Fatal("no slot running the job")
	}
	res := h.waitTerminal(t, jid, 2*time.Second)
	if res.State != job.StateFailed || res.Error.Kind != job.KindCancelled {
		t.Fatalf("result = %+v", res)
	}
}

func TestStopInterruptsAndRequeues(t *testing.T) {
	h := newHarness(t, setup{concurrency: 1})
	started := make(chan struct{})
	h.tasks.Register("long", func(ctx context.Context, _ job.Args, _ job.Kwargs) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.start(t)

	jid := h.submit(t, "long", func(j *job.Job) { j.Timeout = time.Minute })
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.disp.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}

	res, err := h.registry.Get(context.Background(), jid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.State != job.StateQueued {
		t.Errorf("state = %s, want queued", res.State)
	}
	claims, err := h.store.DequeueBatch(context.Background(), id.NewWorkerID(), 1)
	if err != nil || len(claims) != 1 {
		t.Fatalf("requeued job not claimable: %v, %d", err, len(claims))
	}
	if claims[0].Attempt != 1 {
		t.Errorf("interrupted attempt was consumed: attempt = %d", claims[0].Attempt)
	}
}
