package scheduler

import (
	"sync/atomic"
	"testing"
)

type fakeChain struct{ height atomic.Uint64 }

func (f *fakeChain) Height() uint64 { return f.height.Load() }

func newTestScheduler(chain *fakeChain, produced *int, advance bool) *Scheduler {
	s := New(chain, func(now uint64) error {
		*produced++
		if advance {
			chain.height.Store(chain.height.Load() + 1)
		}
		return nil
	}, 1_000_000, 600)
	return s
}

func TestCurrentSlot(t *testing.T) {
	s := New(&fakeChain{}, nil, 1_000_000, 600)
	cases := []struct {
		now  uint64
		slot uint64
	}{
		{999_999, 0},
		{1_000_000, 0},
		{1_000_599, 0},
		{1_000_600, 1},
		{1_006_000, 10},
	}
	for _, c := range cases {
		if got := s.CurrentSlot(c.now); got != c.slot {
			t.Errorf("CurrentSlot(%d) = %d, want %d", c.now, got, c.slot)
		}
	}
}

func TestTick_AtMostOncePerSlot(t *testing.T) {
	chain := &fakeChain{}
	produced := 0
	s := newTestScheduler(chain, &produced, false)

	// Slot 1 open (next height 1 <= expected 1), same slot ticked thrice.
	s.now = func() uint64 { return 1_000_700 }
	s.Tick()
	s.Tick()
	s.Tick()
	if produced != 1 {
		t.Errorf("want exactly 1 attempt within a slot, got %d", produced)
	}

	// Next slot allows another attempt.
	s.now = func() uint64 { return 1_001_300 }
	s.Tick()
	if produced != 2 {
		t.Errorf("want a second attempt in the next slot, got %d", produced)
	}
}

func TestTick_ScheduleAheadGuard(t *testing.T) {
	chain := &fakeChain{}
	chain.height.Store(10)
	produced := 0
	s := newTestScheduler(chain, &produced, false)

	// Expected height 1, tip 10: far ahead of schedule — refuse.
	s.now = func() uint64 { return 1_000_700 }
	s.Tick()
	if produced != 0 {
		t.Errorf("production must be refused when tip runs ahead of schedule, got %d attempts", produced)
	}
}

func TestTick_SlotNotOpenYet(t *testing.T) {
	chain := &fakeChain{}
	produced := 0
	s := newTestScheduler(chain, &produced, false)

	// Slot 0, next height 1 > expected 0: too early.
	s.now = func() uint64 { return 1_000_100 }
	s.Tick()
	if produced != 0 {
		t.Errorf("must not produce before the next height's slot opens, got %d", produced)
	}
}

func TestTick_CatchUpRateLimited(t *testing.T) {
	chain := &fakeChain{}
	produced := 0
	s := newTestScheduler(chain, &produced, true)

	// 10 slots elapsed, tip 0: catch-up engages, capped per tick.
	s.now = func() uint64 { return 1_006_000 }
	s.Tick()
	if produced != CatchUpPerSecond {
		t.Errorf("catch-up tick should produce %d blocks, got %d", CatchUpPerSecond, produced)
	}

	// Subsequent ticks keep draining the backlog.
	s.Tick()
	if produced != 2*CatchUpPerSecond {
		t.Errorf("second catch-up tick should add %d more, got %d total", CatchUpPerSecond, produced)
	}
}

func TestTick_CatchUpStopsAtSchedule(t *testing.T) {
	chain := &fakeChain{}
	chain.height.Store(9)
	produced := 0
	s := newTestScheduler(chain, &produced, true)

	// Expected 10, tip 9: only 1 behind — not catch-up territory; live path
	// takes over and attempts once.
	s.now = func() uint64 { return 1_006_000 }
	s.Tick()
	if produced != 1 {
		t.Errorf("1-behind should use the live path (one attempt), got %d", produced)
	}
}
