package livequery

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottlerLeadingEdgeFiresImmediately(t *testing.T) {
	var calls atomic.Int32
	th := newThrottler(50*time.Millisecond, func() { calls.Add(1) })
	defer th.Close()

	th.Trigger()
	deadline := time.Now().Add(200 * time.Millisecond)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 leading call, got %d", got)
	}
}

func TestThrottlerCoalescesDuringCooldown(t *testing.T) {
	var calls atomic.Int32
	th := newThrottler(40*time.Millisecond, func() { calls.Add(1) })
	defer th.Close()

	th.Trigger()
	time.Sleep(5 * time.Millisecond)
	// These all land during the cooldown window and should coalesce into a
	// single trailing call.
	th.Trigger()
	th.Trigger()
	th.Trigger()

	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 1 leading + 1 coalesced trailing call, got %d", got)
	}
}

func TestThrottlerNoTrailingCallWithoutCoalescedSignal(t *testing.T) {
	var calls atomic.Int32
	th := newThrottler(20*time.Millisecond, func() { calls.Add(1) })
	defer th.Close()

	th.Trigger()
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 call when nothing coalesced, got %d", got)
	}
}

func TestThrottlerCloseStopsFurtherCalls(t *testing.T) {
	var calls atomic.Int32
	th := newThrottler(20*time.Millisecond, func() { calls.Add(1) })

	th.Trigger()
	time.Sleep(50 * time.Millisecond)
	th.Close()

	before := calls.Load()
	th.Trigger() // no-op after close
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != before {
		t.Fatalf("Trigger after Close caused more calls: before=%d after=%d", before, got)
	}
}
