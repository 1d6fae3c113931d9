package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fleet-dispatch/internal/observability"
)

// Handler runs one job attempt.
type Handler func(ctx context.Context, job Job) error

// AbandonFunc is told about a job that will not run again, together with
// the jobs of its chain that were dropped with it.
type AbandonFunc func(ctx context.Context, job Job, err error)

// Worker pulls jobs from a queue and runs them with retries, per-attempt
// timeouts and continuation chains.
type Worker struct {
	Queue       Queue
	Concurrency int
	// RetryBackoff is the first retry delay; it doubles per attempt up to
	// MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Logger       zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	abandoned map[string]AbandonFunc
	now       func() time.Time
}

func NewWorker(q Queue, concurrency int, logger zerolog.Logger) *Worker {
	return &Worker{
		Queue:        q,
		Concurrency:  concurrency,
		RetryBackoff: time.Second,
		MaxBackoff:   time.Minute,
		Logger:       logger,
		handlers:     make(map[string]Handler),
		abandoned:    make(map[string]AbandonFunc),
		now:          time.Now,
	}
}

// Handle registers the handler for a job kind.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// OnAbandon registers a callback for jobs of kind that exhaust their
// attempts or are abandoned by their handler.
func (w *Worker) OnAbandon(kind string, fn AbandonFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned[kind] = fn
}

// Run consumes jobs until the context ends or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		job, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			w.Logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.RetryBackoff):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs a single attempt of job and schedules whatever follows:
// a retry, the next job of its chain, or nothing. Follow-up jobs are
// enqueued even when ctx has ended, and an attempt cut short by ctx is put
// back without being counted.
func (w *Worker) Process(ctx context.Context, job Job) {
	job.Attempt++
	log := w.Logger.With().Str("job", job.ID).Str("kind", job.Kind).Int("attempt", job.Attempt).Logger()
	bg := context.WithoutCancel(ctx)

	err := w.run(ctx, job)
	if err == nil {
		observability.QueueJobs.WithLabelValues(job.Kind, "ok").Inc()
		w.releaseNext(bg, job, log)
		return
	}

	if !errors.Is(err, ErrAbandon) && ctx.Err() != nil {
		observability.QueueJobs.WithLabelValues(job.Kind, "interrupted").Inc()
		job.Attempt--
		job.NotBefore = w.now()
		log.Info().Err(err).Msg("job interrupted by shutdown; requeued")
		w.enqueue(bg, job, log)
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if errors.Is(err, ErrAbandon) || job.Attempt >= maxAttempts {
		observability.QueueJobs.WithLabelValues(job.Kind, "abandoned").Inc()
		log.Warn().Err(err).Int("dropped", len(job.Chain)).Msg("job abandoned")
		w.abandon(bg, job, err)
		return
	}

	observability.QueueJobs.WithLabelValues(job.Kind, "retry").Inc()
	delay := w.backoff(job.Attempt)
	job.NotBefore = w.now().Add(delay)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed")
	w.enqueue(bg, job, log)
}

// enqueue puts job back on the queue. A queue that was closed during
// shutdown loses the job quietly; any other failure abandons it.
func (w *Worker) enqueue(ctx context.Context, job Job, log zerolog.Logger) {
	err := w.Queue.Enqueue(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed):
		log.Warn().Err(err).Str("next", job.ID).Msg("queue closed; job dropped")
	default:
		log.Error().Err(err).Str("next", job.ID).Msg("enqueue failed")
		w.abandon(ctx, job, err)
	}
}

func (w *Worker) run(ctx context.Context, job Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.Kind]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for kind %q", ErrAbandon, job.Kind)
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) releaseNext(ctx context.Context, job Job, log zerolog.Logger) {
	next, ok := Chain(job.Chain)
	if !ok {
		return
	}
	next.Attempt = 0
	next.NotBefore = w.now().Add(next.Delay)
	w.enqueue(ctx, next, log)
}

func (w *Worker) abandon(ctx context.Context, job Job, err error) {
	w.mu.RLock()
	fn := w.abandoned[job.Kind]
	w.mu.RUnlock()
	if fn != nil {
		fn(ctx, job, err)
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.RetryBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if w.MaxBackoff > 0 && d >= w.MaxBackoff {
			return w.MaxBackoff
		}
	}
	return d
}
