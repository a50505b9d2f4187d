// Package scheduler bounds how many transcription jobs run at once. Each job
// keeps its own sequential escalation loop; the scheduler only decides when
// it may start.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("scheduler closed")

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error)
}

// Outcome pairs a batch job with its result. Index is the job's position in
// the submitted batch.
type Outcome struct {
	Index  int
	Result orchestrator.Result
	Err    error
}

type Scheduler struct {
	runner   Runner
	limit    int
	sem      *semaphore.Weighted
	log      *slog.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
}

func New(runner Runner, concurrency int, log *slog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		limit:  concurrency,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		log:    log.With(slog.String("component", "scheduler")),
	}
}

// Run waits for a free slot and runs job in the calling goroutine.
func (s *Scheduler) Run(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error) {
	if err := s.enter(); err != nil {
		return orchestrator.Result{}, err
	}
	defer s.wg.Done()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return orchestrator.Result{JobID: job.ID, AudioPath: job.AudioPath, Error: err.Error()}, err
	}
	defer s.sem.Release(1)
	return s.execute(ctx, job)
}

// Submit waits for a free slot, then runs job in the background and hands the
// outcome to done. It returns once the job has started.
func (s *Scheduler) Submit(ctx context.Context, job orchestrator.Job, done func(orchestrator.Result, error)) error {
	if err := s.enter(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.wg.Done()
		return err
	}
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		res, err := s.execute(context.WithoutCancel(ctx), job)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

// RunAll runs a batch and returns one outcome per job in submission order.
// Individual job failures are reported in their outcome, not as an error.
func (s *Scheduler) RunAll(ctx context.Context, jobs []orchestrator.Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := s.Run(gctx, job)
			outcomes[i] = Outcome{Index: i, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// InFlight reports how many jobs are currently running.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Close rejects new work and waits for running jobs to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) enter() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	res, err := s.runner.Run(ctx, job)
	if err != nil {
		s.log.Debug("job ended with error", slog.String("job_id", res.JobID), slog.String("error", err.Error()))
	}
	return res, err
}
