package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"example.com/beacon/internal/domain"
)

const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxFailures     = 5
	DefaultBackoffDuration = 60 * time.Second
)

type schedulerState int

const (
	stateIdle schedulerState = iota
	stateFlushing
	stateBackoff
)

func (s schedulerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFlushing:
		return "flushing"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// envelope is the batch-level data sent with every push.
type envelope struct {
	apiKey     string
	identifyID string
	userID     string
	appVersion string
	info       map[string]any
}

// scheduler owns the queue and pushes it on a timer or on request. At most
// one push is in flight: mu guards the queue and the state, and a flush
// only starts from idle.
type scheduler struct {
	clock       quartz.Clock
	log         slog.Logger
	pusher      Pusher
	interval    time.Duration
	maxFailures int
	backoff     time.Duration

	mu           sync.Mutex
	env          envelope
	queue        eventQueue
	state        schedulerState
	failures     int
	backoffUntil time.Time
	// gen changes on stop; a push started under an older generation does
	// not touch the queue when it completes.
	gen     uint64
	stopped bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(clock quartz.Clock, log slog.Logger, pusher Pusher, interval time.Duration, maxFailures int, backoff time.Duration) *scheduler {
	return &scheduler{
		clock:       clock,
		log:         log,
		pusher:      pusher,
		interval:    interval,
		maxFailures: maxFailures,
		backoff:     backoff,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// start launches the timer loop.
func (s *scheduler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.interval, "tracker", "flush")
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flush(ctx)
			case <-s.kick:
				s.flush(ctx)
			}
		}
	}()
}

// enqueue adds ev unless the scheduler is stopped. mutate, when set, runs
// under the same lock so envelope changes land with the event.
func (s *scheduler) enqueue(ev domain.Event, mutate func(*envelope)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if mutate != nil {
		mutate(&s.env)
	}
	s.queue.Enqueue(ev)
	return true
}

// requestFlush asks the loop for an out-of-cycle flush. It is dropped if a
// flush is already running.
func (s *scheduler) requestFlush() {
	s.mu.Lock()
	busy := s.stopped || s.state == stateFlushing
	s.mu.Unlock()
	if busy {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// flush pushes the whole queue once if the state allows it and reports
// whether a push was attempted.
func (s *scheduler) flush(ctx context.Context) bool {
	s.mu.Lock()
	if !s.canFlushLocked() {
		s.mu.Unlock()
		return false
	}
	s.state = stateFlushing
	gen := s.gen
	events := s.queue.Drain()
	batch := &domain.Batch{
		APIKey:     s.env.apiKey,
		IdentifyID: s.env.identifyID,
		UserID:     s.env.userID,
		AppVersion: s.env.appVersion,
		Info:       s.env.info,
		Events:     events,
	}
	s.mu.Unlock()

	err := s.pusher.Push(ctx, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug(ctx, "push finished after stop, result ignored", slog.Error(err))
		return true
	}
	if err == nil {
		s.queue.Remove(len(events))
		s.failures = 0
		s.state = stateIdle
		s.log.Debug(ctx, "pushed events", slog.F("count", len(events)))
		return true
	}

	s.queue.Release()
	s.failures++
	s.state = stateIdle
	if s.failures >= s.maxFailures {
		s.state = stateBackoff
		s.backoffUntil = s.clock.Now().Add(s.backoff)
	}
	s.log.Debug(ctx, "push failed",
		slog.F("failures", s.failures),
		slog.F("queued", s.queue.Len()),
		slog.F("state", s.state),
		slog.Error(err),
	)
	return true
}

func (s *scheduler) canFlushLocked() bool {
	if s.stopped || s.state == stateFlushing {
		return false
	}
	if s.state == stateBackoff {
		if s.clock.Now().Before(s.backoffUntil) {
			return false
		}
		// The failure count is kept, so the next failure backs off again.
		s.state = stateIdle
	}
	return s.queue.Len() > 0 && s.env.identifyID != ""
}

// stop cancels the timer loop and resets in-memory state. It does not wait
// for a push started by a direct flush call.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	s.queue.Reset()
	s.failures = 0
	s.backoffUntil = time.Time{}
	s.state = stateIdle
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
