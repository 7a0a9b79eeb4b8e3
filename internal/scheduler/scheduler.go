// Package scheduler runs extraction jobs on a bounded queue with a fixed
// worker pool and timer-driven retries.
//
// Retries never occupy a worker: a failed job arms a timer and the worker
// moves on; the timer requeues the job with its attempt count. Queue
// overflow is reported to the caller, who persists the payload as deferred
// for the recovery sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/recall/internal/backoff"
	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/observability"
)

// Job is one queued extraction unit.
type Job struct {
	ConversationID string
	Attempt        int
}

// Processor executes jobs. Abandon is called once when a job exhausts its
// retry budget.
type Processor interface {
	Process(ctx context.Context, conversationID string) error
	Abandon(ctx context.Context, conversationID string, err error)
}

// Config tunes the scheduler.
type Config struct {
	Workers       int
	QueueCapacity int
	// MaxAttempts counts the initial attempt plus retries.
	MaxAttempts int
	// RetrySchedule holds the delay before each retry. Defaults to the
	// extraction schedule (60s, 300s, 1800s).
	RetrySchedule []time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = backoff.ExtractionSchedule
	}
	return c
}

// Scheduler owns the queue and worker pool.
type Scheduler struct {
	cfg       Config
	processor Processor
	logger    *observability.Logger
	metrics   *observability.Metrics

	queue chan Job
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

// New creates a scheduler. Call Start to launch the workers.
func New(processor Processor, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		metrics:   metrics,
		queue:     make(chan Job, cfg.QueueCapacity),
		quit:      make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Enqueue adds a job without blocking. A full queue returns QueueOverflow;
// the caller persists the payload as deferred instead of failing the
// webhook.
func (s *Scheduler) Enqueue(job Job) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return faults.New(faults.QueueOverflow, "scheduler is shutting down")
	}
	s.mu.Unlock()

	select {
	case s.queue <- job:
		s.gauge()
		return nil
	default:
		return faults.New(faults.QueueOverflow, "job queue at capacity %d", s.cfg.QueueCapacity)
	}
}

// Depth reports the number of queued jobs.
func (s *Scheduler) Depth() int { return len(s.queue) }

// Stop drains in-flight work. Queued and retrying jobs are left to the
// recovery sweep; their state files already record them as unfinished.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
	s.mu.Unlock()

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.DeadlineExceeded, ctx.Err(), "scheduler shutdown grace exceeded")
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.gauge()
			s.handle(ctx, job)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, job Job) {
	err := s.processor.Process(ctx, job.ConversationID)
	if err == nil {
		s.count("success")
		return
	}

	attempt := job.Attempt + 1
	if !faults.Transient(err) {
		// Schema violations and other deterministic failures will fail the
		// same way on every attempt.
		s.warn(ctx, "extraction job failed deterministically, not retried",
			"conversation_id", job.ConversationID, "attempts", attempt, "error", err)
		s.processor.Abandon(ctx, job.ConversationID, err)
		s.count("abandoned")
		return
	}
	if attempt >= s.cfg.MaxAttempts {
		s.warn(ctx, "extraction job abandoned",
			"conversation_id", job.ConversationID, "attempts", attempt, "error", err)
		s.processor.Abandon(ctx, job.ConversationID, err)
		s.count("abandoned")
		return
	}

	delay := backoff.ScheduleDelay(s.cfg.RetrySchedule, attempt)
	s.warn(ctx, "extraction job failed, retry scheduled",
		"conversation_id", job.ConversationID, "attempt", attempt, "delay", delay, "error", err)
	s.count("retry")
	if s.metrics != nil {
		s.metrics.JobRetries.Inc()
	}
	s.requeueAfter(Job{ConversationID: job.ConversationID, Attempt: attempt}, delay)
}

// requeueAfter arms a retry timer. Workers stay free while the job waits.
func (s *Scheduler) requeueAfter(job Job, delay time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		if err := s.Enqueue(job); err != nil {
			// The state file still marks the job unfinished; the sweep
			// will pick it up.
			s.warn(context.Background(), "retry requeue dropped",
				"conversation_id", job.ConversationID, "error", err)
		}
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) gauge() {
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
}

func (s *Scheduler) count(outcome string) {
	if s.metrics != nil {
		s.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) warn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(ctx, msg, args...)
	}
}
