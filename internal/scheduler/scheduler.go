// Package scheduler drives time-based work without blocking callers.
// Strategies never sleep; they register callbacks that fire on a worker
// pool, so a slow callback cannot stall the timer loop or other runs.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/algobot/internal/metrics"
)

// CancelFunc stops a scheduled job. It is safe to call more than once.
type CancelFunc func()

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of goroutines executing callbacks.
	Workers int
	// QueueSize bounds the callback queue.
	QueueSize int
}

// DefaultConfig returns default scheduler config.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 64,
	}
}

// Scheduler executes callbacks at scheduled times on a fixed worker
// pool. Periodic jobs skip a fire when the previous one is still
// running rather than queueing unboundedly.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	jobs chan func()
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// New creates and starts a scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	s := &Scheduler{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		jobs:     make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case job := <-s.jobs:
			job()
		}
	}
}

func (s *Scheduler) enqueue(job func()) {
	select {
	case s.jobs <- job:
	case <-s.done:
	}
}

// ScheduleAt runs fn once at t. If t is in the past, fn runs as soon as
// a worker is free.
func (s *Scheduler) ScheduleAt(t time.Time, fn func()) CancelFunc {
	delay := time.Until(t)
	if delay < 0 {
		delay = 0
	}

	var cancelled atomic.Bool
	timer := time.AfterFunc(delay, func() {
		if cancelled.Load() {
			return
		}
		s.enqueue(fn)
	})

	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// ScheduleEvery runs fn every interval until the returned CancelFunc is
// called or the scheduler stops. A fire is skipped if the previous one
// is still executing.
func (s *Scheduler) ScheduleEvery(interval time.Duration, fn func()) CancelFunc {
	stop := make(chan struct{})
	var stopOnce sync.Once
	var running atomic.Bool

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-stop:
				return
			case <-ticker.C:
				if !running.CompareAndSwap(false, true) {
					s.recorder.RecordJobDropped()
					continue
				}
				s.enqueue(func() {
					defer running.Store(false)
					fn()
				})
			}
		}
	}()

	return func() {
		stopOnce.Do(func() { close(stop) })
	}
}

// Stop halts all timers and workers. In-flight callbacks finish; queued
// callbacks that have not started are discarded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
