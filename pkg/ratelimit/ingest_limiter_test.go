package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_LocalWindow(t *testing.T) {
	l := New(nil, &Config{Requests: 2, Window: time.Minute, MaxWait: time.Second})
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(context.Background(), "conn:1"); !ok {
			t.Fatalf("Allow() #%d = false, want true", i+1)
		}
	}

	ok, wait := l.Allow(context.Background(), "conn:1")
	if ok {
		t.Fatal("Allow() #3 = true, want false")
	}
	if wait != time.Minute {
		t.Errorf("wait = %v, want 1m", wait)
	}

	if ok, _ := l.Allow(context.Background(), "conn:2"); !ok {
		t.Error("other key should not share the window")
	}

	current = current.Add(61 * time.Second)
	if ok, _ := l.Allow(context.Background(), "conn:1"); !ok {
		t.Error("Allow() after window = false, want true")
	}
}

func TestLimiter_WaitGivesUp(t *testing.T) {
	l := New(nil, &Config{Requests: 1, Window: time.Hour, MaxWait: time.Millisecond})
	ctx := context.Background()

	if err := l.Wait(ctx, "k"); err != nil {
		t.Fatalf("Wait() first = %v", err)
	}
	if err := l.Wait(ctx, "k"); !errors.Is(err, ErrLimited) {
		t.Errorf("Wait() second = %v, want ErrLimited", err)
	}
}
