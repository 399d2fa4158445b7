package relayer

import (
	"context"
	"sync"

	"gopropbridge/types"

	"github.com/rs/zerolog"
)

// RetryScheduler re-queues retryable failures after a bounded, increasing
// delay. Retries of different messages run independently; retries of the
// same message are serialized because a new attempt is only scheduled after
// the previous one has been recorded as failed.
type RetryScheduler struct {
	clock      Clock
	backoff    Backoff
	maxRetries int
	log        zerolog.Logger

	// resubmit pushes the event back into the relayer's processing path
	resubmit func(ev *types.CanonicalEvent)

	mu      sync.Mutex
	waiting map[string]struct{}
	wg      sync.WaitGroup
}

func NewRetryScheduler(clock Clock, backoff Backoff, maxRetries int, log zerolog.Logger, resubmit func(ev *types.CanonicalEvent)) *RetryScheduler {
	return &RetryScheduler{
		clock:      clock,
		backoff:    backoff,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "retry").Logger(),
		resubmit:   resubmit,
		waiting:    make(map[string]struct{}),
	}
}

// Exhausted reports whether a message that already failed retryCount times
// has used up its retry budget.
func (s *RetryScheduler) Exhausted(retryCount int) bool {
	return retryCount >= s.maxRetries
}

// NextDelay is the wait before the attempt following retryCount failures.
func (s *RetryScheduler) NextDelay(retryCount int) int64 {
	return int64(s.backoff.Delay(retryCount).Seconds())
}

// Schedule arms a one-shot timer that re-queues the event. A message already
// waiting is not armed twice.
func (s *RetryScheduler) Schedule(ctx context.Context, ev *types.CanonicalEvent, retryCount int) {
	s.mu.Lock()
	if _, ok := s.waiting[ev.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.waiting[ev.ID] = struct{}{}
	s.mu.Unlock()

	delay := s.backoff.Delay(retryCount)
	s.log.Info().Str("msg", ev.ID).Int("retryCount", retryCount).
		Dur("delay", delay).Msg("scheduling retry")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.waiting, ev.ID)
			s.mu.Unlock()
		}()

		select {
		case <-s.clock.After(delay):
			s.resubmit(ev)
		case <-ctx.Done():
		}
	}()
}

// Wait blocks until all armed timers have fired or been cancelled.
func (s *RetryScheduler) Wait() {
	s.wg.Wait()
}
