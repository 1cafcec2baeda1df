package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type flakyChecker struct {
	failuresLeft int32
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	if atomic.AddInt32(&f.failuresLeft, -1) >= 0 {
		return Result{Healthy: false, Message: "not ready yet", CheckedAt: time.Now()}
	}
	return Result{Healthy: true, Message: "ready", CheckedAt: time.Now()}
}

func (f *flakyChecker) Type() CheckType { return CheckTypeTCP }

func TestWaitHealthyReturnsOnceCheckerReportsHealthy(t *testing.T) {
	checker := &flakyChecker{failuresLeft: 2}
	cfg := Config{Interval: 5 * time.Millisecond}

	result, err := WaitHealthy(context.Background(), checker, cfg)
	if err != nil {
		t.Fatalf("WaitHealthy returned error: %v", err)
	}
	if !result.Healthy {
		t.Fatalf("expected final result to be healthy, got %+v", result)
	}
}

func TestWaitHealthyStopsWhenContextExpires(t *testing.T) {
	checker := &flakyChecker{failuresLeft: 1 << 20} // never reports healthy
	cfg := Config{Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := WaitHealthy(ctx, checker, cfg)
	if err == nil {
		t.Fatal("expected WaitHealthy to return an error once ctx expired")
	}
}

func TestWaitHealthyHonorsStartPeriod(t *testing.T) {
	checker := &flakyChecker{failuresLeft: 0}
	cfg := Config{Interval: 5 * time.Millisecond, StartPeriod: 40 * time.Millisecond}

	start := time.Now()
	result, err := WaitHealthy(context.Background(), checker, cfg)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("WaitHealthy returned error: %v", err)
	}
	if !result.Healthy {
		t.Fatalf("expected healthy result, got %+v", result)
	}
	if elapsed < cfg.StartPeriod {
		t.Fatalf("expected WaitHealthy to wait out StartPeriod (%v), only took %v", cfg.StartPeriod, elapsed)
	}
}
