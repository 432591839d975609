package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives scan cycles: a periodic loop with jitter plus an
// optional reactive trigger fed by watched-source activity. Both enter
// the same single-flight critical section; the reactive path drops its
// request when a scan is already running.
type Scheduler struct {
	upgrader *Upgrader
	interval time.Duration
	jitter   time.Duration

	scanMu sync.Mutex
}

func NewScheduler(upgrader *Upgrader, interval, jitter time.Duration) *Scheduler {
	return &Scheduler{upgrader: upgrader, interval: interval, jitter: jitter}
}

// Run loops until ctx is cancelled. Cycle errors never terminate the
// loop; only cancellation does.
func (s *Scheduler) Run(ctx context.Context) {
	for ctx.Err() == nil {
		s.scanMu.Lock()
		s.runOne(ctx)
		s.scanMu.Unlock()

		if err := sleepCtx(ctx, s.delay()); err != nil {
			return
		}
	}
}

func (s *Scheduler) delay() time.Duration {
	d := s.interval
	if s.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.jitter)))
	}
	return d
}

// runOne executes a cycle and absorbs its failure modes. Callers must
// hold scanMu.
func (s *Scheduler) runOne(ctx context.Context) {
	err := s.upgrader.RunCycle(ctx)
	if err == nil {
		return
	}

	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		metRateLimitSeconds.Add(rl.RetryAfter.Seconds())
		log.Warn().Dur("wait", rl.RetryAfter).Msg("Cycle rate limited, sleeping")
		if err := sleepCtx(ctx, rl.RetryAfter+rateLimitMargin); err != nil {
			return
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// shutting down
	default:
		metErrors.Inc()
		log.Error().Err(err).Msg("Cycle failed")
	}
}

// TriggerNow runs an immediate cycle unless one is already in flight,
// in which case the trigger is dropped. Returns whether a cycle ran.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	if !s.scanMu.TryLock() {
		return false
	}
	defer s.scanMu.Unlock()

	log.Info().Msg("Fast trigger: immediate scan")
	s.runOne(ctx)
	return true
}

// WatchAndTrigger consumes activity events and fires reactive scans
// until ctx is cancelled or the stream closes.
func (s *Scheduler) WatchAndTrigger(ctx context.Context, events <-chan ActivityEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.TriggerNow(ctx) {
				log.Debug().Str("source", ev.Source.String()).Msg("Scan in flight, trigger dropped")
			}
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
