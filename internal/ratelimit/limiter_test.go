package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireWithinBurst(t *testing.T) {
	l := New(10, time.Hour)
	start := time.Now()
	if err := l.Acquire(context.Background(), 10); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("burst acquire should not block")
	}
	if l.Available() != 0 {
		t.Errorf("expected empty bucket, got %d", l.Available())
	}
}

func TestAcquireZeroWeight(t *testing.T) {
	l := New(1, time.Hour)
	_ = l.Acquire(context.Background(), 1)
	if err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("zero weight must not block or fail: %v", err)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(2, time.Hour)
	if err := l.Acquire(context.Background(), 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireConcurrent(t *testing.T) {
	l := New(50, time.Hour)
	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(context.Background(), 2)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if l.Available() != 0 {
		t.Errorf("expected 50 units consumed, %d left", l.Available())
	}
}

func TestMaxRate(t *testing.T) {
	l := New(0, 0)
	if got := l.MaxRate(); got < 16.66 || got > 16.67 {
		t.Errorf("default max rate = %v", got)
	}
}
