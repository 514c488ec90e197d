package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 1, 10, 12, 0, 25, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2026, 1, 10, 12, 1, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("aligned next tick = %s, want %s", got, want)
	}

	unaligned := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got, want := unaligned.nextTick(now), now.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("unaligned next tick = %s, want %s", got, want)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		})
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if ticks.Load() == 0 {
		t.Fatal("no ticks fired")
	}
}

func TestNewPanicsOnInvalidInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive interval")
		}
	}()
	New(Options{}, zerolog.Nop())
}
