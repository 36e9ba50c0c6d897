package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     attempts,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoIsBounded(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (bounded)", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	bad := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Errorf("Do() error = %v, want bad input", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastPolicy(5), func(context.Context) error {
		calls++
		return errors.New("never")
	})
	if err == nil {
		t.Fatal("Do() on cancelled context should fail")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1", calls)
	}
}

func TestNewBackOffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, Multiplier: 2}
	b := p.NewBackOff()
	want := []time.Duration{10, 20, 40, 40}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("step %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

func TestAttemptsFloor(t *testing.T) {
	if got := (Policy{}).Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
	if got := fastPolicy(3).Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3", got)
	}
}
