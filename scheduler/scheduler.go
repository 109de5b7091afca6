// Package scheduler refreshes sessions shortly before their access tokens expire.
// All pending refreshes live in one delay queue driven by a single timer.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Refresher performs the refreshes the scheduler decides on
type Refresher interface {
	// RefreshScheduled rotates the session's tokens and returns the new access token lifetime
	RefreshScheduled(ctx context.Context, sessionID string) (time.Duration, error)
	// Terminate ends a session whose refreshes keep failing
	Terminate(ctx context.Context, sessionID string)
}

// Scheduler is safe for concurrent use. Arm and Cancel may be called before Run.
type Scheduler struct {
	margin       time.Duration
	minDelay     time.Duration
	retryBackoff time.Duration
	maxFailures  int
	maxInFlight  int
	nowFunc      func() time.Time
	logger       zerolog.Logger

	mu      sync.Mutex
	queue   delayQueue
	entries map[string]*entry
	gen     map[string]uint64 // bumped by Arm and Cancel; stale retries are dropped
	wake    chan struct{}
}

type Option func(*Scheduler)

// WithMargin sets how long before expiry the refresh runs
func WithMargin(margin time.Duration) Option {
	return func(s *Scheduler) {
		s.margin = margin
	}
}

// WithMinDelay is the earliest a refresh may run after being armed
func WithMinDelay(minDelay time.Duration) Option {
	return func(s *Scheduler) {
		s.minDelay = minDelay
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(s *Scheduler) {
		s.retryBackoff = backoff
	}
}

// WithMaxFailures ends a session after n consecutive failed refreshes. 0 retries forever.
func WithMaxFailures(n int) Option {
	return func(s *Scheduler) {
		s.maxFailures = n
	}
}

// WithMaxInFlight bounds concurrent refresh calls
func WithMaxInFlight(n int) Option {
	return func(s *Scheduler) {
		s.maxInFlight = n
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func New(options ...Option) *Scheduler {
	s := &Scheduler{
		margin:       5 * time.Minute,
		minDelay:     time.Second,
		retryBackoff: time.Minute,
		maxInFlight:  16,
		nowFunc:      time.Now,
		logger:       log.Logger,
		entries:      make(map[string]*entry),
		gen:          make(map[string]uint64),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Arm schedules a refresh at lifetime minus the margin, replacing any pending one
func (s *Scheduler) Arm(sessionID string, lifetime time.Duration) {
	delay := lifetime - s.margin
	if delay < s.minDelay {
		delay = s.minDelay
	}

	s.mu.Lock()
	s.gen[sessionID]++
	s.schedule(sessionID, s.nowFunc().Add(delay), 0)
	s.mu.Unlock()
	s.signal()
}

// Cancel drops any pending refresh for the session
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.gen, sessionID)
	if e, ok := s.entries[sessionID]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.entries, sessionID)
		metrics.SetScheduledSessions(len(s.entries))
	}
}

// Due returns when the session's next refresh runs
func (s *Scheduler) Due(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of pending refreshes
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run drives the queue until ctx is done, then waits for in-flight refreshes
func (s *Scheduler) Run(ctx context.Context, refresher Refresher) error {
	sem := make(chan struct{}, s.maxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, d := range s.popDue() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(d dueEntry) {
				defer wg.Done()
				defer func() { <-sem }()
				s.fire(ctx, refresher, d.entry, d.gen)
			}(d)
		}

		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = next.Sub(s.nowFunc())
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(wait, 0))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

type dueEntry struct {
	entry *entry
	gen   uint64
}

func (s *Scheduler) popDue() []dueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var due []dueEntry
	for {
		e := s.queue.peek()
		if e == nil || e.due.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.entries, e.sessionID)
		due = append(due, dueEntry{entry: e, gen: s.gen[e.sessionID]})
	}
	if len(due) > 0 {
		metrics.SetScheduledSessions(len(s.entries))
	}
	return due
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.queue.peek()
	if e == nil {
		return time.Time{}, false
	}
	return e.due, true
}

func (s *Scheduler) fire(ctx context.Context, refresher Refresher, e *entry, gen uint64) {
	logger := s.logger.With().Str("session_id", e.sessionID).Logger()

	lifetime, err := refresher.RefreshScheduled(ctx, e.sessionID)
	switch {
	case err == nil:
		s.rearm(e.sessionID, lifetime)
	case errors.Is(err, autherrors.ErrSessionTerminated):
		logger.Info().Err(err).Msg("session ended, no further refreshes")
		s.forget(e.sessionID, gen)
	case ctx.Err() != nil:
		return
	default:
		failures := e.failures + 1
		if s.maxFailures > 0 && failures >= s.maxFailures {
			logger.Warn().Err(err).Int("failures", failures).Msg("refresh retries exhausted, ending session")
			s.forget(e.sessionID, gen)
			refresher.Terminate(ctx, e.sessionID)
			return
		}
		logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", s.retryBackoff).Msg("scheduled refresh failed")
		s.retry(e.sessionID, gen, failures)
	}
}

// rearm is Arm for a session that has not been cancelled while its refresh ran
func (s *Scheduler) rearm(sessionID string, lifetime time.Duration) {
	s.mu.Lock()
	_, live := s.gen[sessionID]
	s.mu.Unlock()
	if live {
		s.Arm(sessionID, lifetime)
	}
}

// retry re-queues after the backoff unless the session was re-armed or cancelled meanwhile
func (s *Scheduler) retry(sessionID string, gen uint64, failures int) {
	s.mu.Lock()
	current, ok := s.gen[sessionID]
	if !ok || current != gen {
		s.mu.Unlock()
		return
	}
	s.schedule(sessionID, s.nowFunc().Add(s.retryBackoff), failures)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) forget(sessionID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.gen[sessionID]; ok && current == gen {
		delete(s.gen, sessionID)
	}
}

// schedule must be called with mu held
func (s *Scheduler) schedule(sessionID string, due time.Time, failures int) {
	if e, ok := s.entries[sessionID]; ok {
		e.due = due
		e.failures = failures
		heap.Fix(&s.queue, e.index)
		return
	}
	e := &entry{sessionID: sessionID, due: due, failures: failures}
	heap.Push(&s.queue, e)
	s.entries[sessionID] = e
	metrics.SetScheduledSessions(len(s.entries))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
