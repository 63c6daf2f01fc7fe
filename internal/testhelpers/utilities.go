package testhelpers

import (
	"math"
	"sync"
	"testing"
	"time"
)

// ========================================
// Numeric Helpers
// ========================================

// AssertInRange fails when v is outside [lo, hi]
func AssertInRange(t *testing.T, v, lo, hi float64, msg string) {
	t.Helper()
	if v < lo || v > hi || math.IsNaN(v) {
		t.Errorf("%s: %v outside [%v, %v]", msg, v, lo, hi)
	}
}

// ========================================
// Concurrent Testing Helpers
// ========================================

// ConcurrentTest runs fn on goroutines workers and waits for all of them
func ConcurrentTest(t *testing.T, goroutines int, fn func(workerID int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			fn(id)
		}(i)
	}
	wg.Wait()
}

// ConcurrentTestWithTimeout is ConcurrentTest that fails when the workers outlive timeout
func ConcurrentTestWithTimeout(t *testing.T, timeout time.Duration, goroutines int, fn func(workerID int)) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		ConcurrentTest(t, goroutines, fn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("concurrent test did not complete within %v", timeout)
	}
}
