// Package scheduler drives block production along wall-clock slot boundaries.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/log"
)

// ChainView is the read-only view the scheduler needs of the chain.
type ChainView interface {
	Height() uint64
}

// ProduceFunc attempts to produce, accept, and broadcast one block extending
// the current tip. now is the wall clock in unix seconds. Returning an error
// does not stop the scheduler; the slot is simply missed.
type ProduceFunc func(now uint64) error

// Schedule-pacing constants: how far the tip may run ahead of the wall-clock
// slot, how far behind it must fall before catch-up engages, and the catch-up
// production rate ceiling.
const (
	MaxScheduleAhead = 2
	CatchUpLag       = 3
	CatchUpPerSecond = 2
)

// ErrStopped is returned by Run when the context is cancelled.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler ticks once per second, attempting production at most once per
// slot on the live path, and at up to CatchUpPerSecond blocks per second
// when the chain has fallen more than CatchUpLag slots behind the clock.
type Scheduler struct {
	chain            ChainView
	produce          ProduceFunc
	genesisTimestamp uint64
	slotSeconds      uint64

	lastAttempt uint64 // highest slot production was attempted for
	now         func() uint64
}

// New creates a slot scheduler.
func New(chain ChainView, produce ProduceFunc, genesisTimestamp, slotSeconds uint64) *Scheduler {
	if slotSeconds == 0 {
		slotSeconds = config.SlotSeconds
	}
	return &Scheduler{
		chain:            chain,
		produce:          produce,
		genesisTimestamp: genesisTimestamp,
		slotSeconds:      slotSeconds,
		now:              func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// CurrentSlot returns the wall-clock slot index: (now - genesis) / slot.
func (s *Scheduler) CurrentSlot(now uint64) uint64 {
	if now <= s.genesisTimestamp {
		return 0
	}
	return (now - s.genesisTimestamp) / s.slotSeconds
}

// ExpectedHeight is the height the chain should have reached by now: one
// block per elapsed slot.
func (s *Scheduler) ExpectedHeight(now uint64) uint64 {
	return s.CurrentSlot(now)
}

// Tick runs one scheduling decision. Exposed for tests; Run calls it once
// per second.
func (s *Scheduler) Tick() {
	now := s.now()
	expected := s.ExpectedHeight(now)
	tip := s.chain.Height()

	// Schedule-ahead guard: never produce past the wall clock.
	if tip > expected+MaxScheduleAhead {
		return
	}

	// Catch-up: well behind the schedule, produce a burst (rate-limited by
	// the once-per-second tick cadence times CatchUpPerSecond).
	if expected > tip && expected-tip > CatchUpLag {
		for i := 0; i < CatchUpPerSecond; i++ {
			if s.chain.Height() >= s.ExpectedHeight(s.now()) {
				break
			}
			if err := s.produce(s.now()); err != nil {
				log.Scheduler.Debug().Err(err).Msg("catch-up production attempt failed")
				break
			}
		}
		return
	}

	// Live path: at most one attempt per slot, once the slot for the next
	// height has opened.
	nextHeight := tip + 1
	slot := s.CurrentSlot(now)
	if nextHeight > expected {
		return // The next block's slot hasn't arrived yet.
	}
	if slot <= s.lastAttempt {
		return // Already attempted this slot.
	}
	s.lastAttempt = slot
	if err := s.produce(now); err != nil {
		log.Scheduler.Debug().Uint64("slot", slot).Err(err).Msg("slot production attempt failed")
	}
}

// Run ticks until the context is cancelled. The chain store is expected to
// have been flushed by the production path itself; Run only paces attempts.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Scheduler.Info().
		Uint64("slot_seconds", s.slotSeconds).
		Msg("slot scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Scheduler.Info().Msg("slot scheduler stopped")
			return ErrStopped
		case <-ticker.C:
			s.Tick()
		}
	}
}
