package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func acquired(m *Manager, task string) bool {
	ok, _ := m.Acquire(task)
	return ok
}

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	if !acquired(m, "any-task") {
		t.Fatal("expected Acquire to succeed for unconfigured task")
	}
	m.Release("any-task")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Task:           "chat.generate",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("chat.generate") != 0 {
		t.Fatal("expected 0 active jobs initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Task:           "chat.generate",
		MaxConcurrency: 2,
	})

	if !acquired(m, "chat.generate") {
		t.Fatal("first Acquire should succeed")
	}
	if !acquired(m, "chat.generate") {
		t.Fatal("second Acquire should succeed")
	}
	ok, retryAfter := m.Acquire("chat.generate")
	if ok {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}
	if retryAfter != 0 {
		t.Errorf("concurrency denial retryAfter = %v, want 0", retryAfter)
	}

	m.Release("chat.generate")
	if !acquired(m, "chat.generate") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Task:           "q",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !acquired(m, "q") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("q") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("q"))
	}

	m.Release("q")
	m.Release("q")
	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("q"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Task:      "limited",
		RateLimit: 1.0,
		RateBurst: 1,
	})

	if !acquired(m, "limited") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited")

	ok, retryAfter := m.Acquire("limited")
	if ok {
		t.Fatal("second Acquire should fail (rate limited)")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("retryAfter = %v, want within (0, 1s]", retryAfter)
	}

	time.Sleep(1100 * time.Millisecond)
	if !acquired(m, "limited") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Task:      "bursty",
		RateLimit: 10.0,
		RateBurst: 3,
	})

	for i := range 3 {
		if !acquired(m, "bursty") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release("bursty")
	}
}

func TestManager_ConcurrencyDenialKeepsTokens(t *testing.T) {
	m := NewManager(Config{
		Task:           "both",
		MaxConcurrency: 1,
		RateLimit:      1,
		RateBurst:      2,
	})

	if !acquired(m, "both") {
		t.Fatal("first Acquire should succeed")
	}
	if acquired(m, "both") {
		t.Fatal("second Acquire should hit the concurrency cap")
	}
	m.Release("both")
	if !acquired(m, "both") {
		t.Fatal("a concurrency denial must not consume a rate token")
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig(t *testing.T) {
	m := NewManager(Config{
		Task:           "dyn",
		MaxConcurrency: 1,
	})

	m.Acquire("dyn")
	if acquired(m, "dyn") {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetConfig(Config{
		Task:           "dyn",
		MaxConcurrency: 3,
	})

	if !acquired(m, "dyn") {
		t.Fatal("should succeed after raising concurrency")
	}
	if m.ActiveCount("dyn") != 2 {
		t.Fatalf("active count not preserved across reconfiguration: %d", m.ActiveCount("dyn"))
	}
	m.Release("dyn")
	m.Release("dyn")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Task:           "concurrent",
		MaxConcurrency: 50,
	})

	var count atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if acquired(m, "concurrent") {
				count.Add(1)
				time.Sleep(time.Millisecond)
				m.Release("concurrent")
			}
		}()
	}

	wg.Wait()

	if count.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Task:           "q",
		MaxConcurrency: 5,
	})

	m.Release("q")
	if m.ActiveCount("q") != 0 {
		t.Fatal("active count should not go below 0")
	}
}
