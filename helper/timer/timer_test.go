package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if Sleep(ctx, clock.NewMock(), time.Hour) {
		t.Fatal("Sleep returned true on a cancelled context")
	}
}

func TestSleepMockClock(t *testing.T) {
	clk := clock.NewMock()
	done := make(chan bool)

	go func() {
		done <- Sleep(context.Background(), clk, time.Minute)
	}()

	// Wait for the timer to be registered on the mock before moving the clock.
	deadline := time.Now().Add(5 * time.Second)
	for {
		clk.Add(time.Minute)
		select {
		case ok := <-done:
			if !ok {
				t.Fatal("Sleep returned false")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("Sleep did not return")
		}
	}
}

func TestRunWithTickerStopsOnError(t *testing.T) {
	var calls atomic.Int32
	errStop := errors.New("stop")

	err := RunWithTicker(context.Background(), &Interval{Duration: time.Millisecond}, func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			return errStop
		}
		return nil
	})

	if !errors.Is(err, errStop) {
		t.Fatalf("unexpected error %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}
