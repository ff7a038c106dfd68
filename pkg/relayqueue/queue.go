// Package relayqueue implements the FIFO of relay jobs the passive monitor
// feeds. A single drain loop processes jobs in order and requeues retryable
// failures at the front so ordering survives a transient error.
package relayqueue

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/internal/metrics"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 5 * time.Second
	DefaultMaxBackoff = time.Minute
	DefaultPacing     = 2 * time.Second
)

// Job is one pending relay.
type Job struct {
	ID         string          `json:"id"`
	Route      string          `json:"route"`
	SourceTxID string          `json:"source_tx_id"`
	Sender     string          `json:"sender"`
	Recipient  string          `json:"recipient"`
	Amount     decimal.Decimal `json:"amount"`
	AmountBase *big.Int        `json:"amount_base"`
	Memo       string          `json:"memo,omitempty"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Failure is a job dropped after its retries were exhausted or after a
// non-retryable error.
type Failure struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Handler relays one job.
type Handler interface {
	Relay(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Relay calls f.
func (f HandlerFunc) Relay(ctx context.Context, job Job) error { return f(ctx, job) }

// FailureSink receives permanently failed jobs.
type FailureSink interface {
	JobFailed(ctx context.Context, f Failure)
}

// Config tunes retries and pacing. Non-positive durations take the defaults.
type Config struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Pacing     time.Duration
}

// Retryable reports whether a relay error is safe to retry: the release
// either was refused by the chain or definitely failed on it. A confirmation
// timeout or a broadcast without an answer is not retryable since the
// release may still land.
func Retryable(err error) bool {
	var (
		sub    *transfer.LegSubmissionError
		failed *transfer.ConfirmationFailedError
	)
	return errors.As(err, &sub) || errors.As(err, &failed)
}

// Queue is an in-memory relay FIFO with a single consumer.
type Queue struct {
	cfg     Config
	handler Handler
	sink    FailureSink
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	draining atomic.Bool
	wg       sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithFailureSink registers where permanently failed jobs go.
func WithFailureSink(s FailureSink) Option {
	return func(q *Queue) { q.sink = s }
}

// New creates a Queue relaying through handler.
func New(handler Handler, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Pacing <= 0 {
		cfg.Pacing = DefaultPacing
	}
	q := &Queue{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start enables draining. Jobs enqueued before Start are processed now.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	pending := len(q.jobs)
	q.mu.Unlock()

	q.logger.Info("Relay queue started", zap.Int("pending", pending))
	q.kick()
}

// Stop cancels the drain loop and waits for it to exit. Jobs still queued
// are reported and discarded with the process.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
	if n := q.Len(); n > 0 {
		q.logger.Warn("Relay queue stopped with pending jobs", zap.Int("pending", n))
	}
}

// Enqueue appends job to the tail, assigning it an id and resetting its
// retry counter, and returns the id.
func (q *Queue) Enqueue(job Job) string {
	job.ID = uuid.NewString()
	job.Retries = 0
	job.EnqueuedAt = q.now()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.RelayQueueDepth.Set(float64(depth))
	metrics.RelayJobs.WithLabelValues("enqueued").Inc()
	q.logger.Info("Relay job enqueued",
		zap.String("job_id", job.ID),
		zap.String("route", job.Route),
		zap.String("recipient", job.Recipient),
		zap.String("amount", job.Amount.String()),
		zap.Int("depth", depth))

	q.kick()
	return job.ID
}

// Len returns the number of queued jobs, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending returns a copy of the queued jobs in order.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

func (q *Queue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.stopped {
		return
	}
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go q.drain(q.ctx)
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			q.draining.Store(false)
			return
		}
		job, ok := q.popFront()
		if !ok {
			q.draining.Store(false)
			// An Enqueue between the pop and the Store saw the flag set and
			// did not start a loop; pick its job up here.
			if q.Len() == 0 || !q.draining.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	log := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("route", job.Route),
		zap.String("recipient", job.Recipient),
		zap.Int("retries", job.Retries))

	err := q.handler.Relay(ctx, job)
	if err == nil {
		metrics.RelayJobs.WithLabelValues("relayed").Inc()
		log.Info("Relay job completed", zap.String("amount", job.Amount.String()))
		_ = q.sleep(ctx, q.cfg.Pacing)
		return
	}

	if ctx.Err() != nil {
		// Shutting down: keep the job at the head without spending a retry.
		q.pushFront(job)
		return
	}

	if Retryable(err) && job.Retries < q.cfg.MaxRetries {
		job.Retries++
		q.pushFront(job)
		delay := q.backoff(job.Retries)
		metrics.RelayJobs.WithLabelValues("requeued").Inc()
		log.Warn("Relay job failed, requeued at front",
			zap.Int("attempt", job.Retries),
			zap.Duration("backoff", delay),
			zap.Error(err))
		_ = q.sleep(ctx, delay)
		return
	}

	q.fail(ctx, job, err)
	_ = q.sleep(ctx, q.cfg.Pacing)
}

func (q *Queue) fail(ctx context.Context, job Job, err error) {
	metrics.RelayJobs.WithLabelValues("dropped").Inc()
	q.logger.Error("Relay job permanently failed",
		zap.String("job_id", job.ID),
		zap.String("route", job.Route),
		zap.String("source_tx_id", job.SourceTxID),
		zap.String("sender", job.Sender),
		zap.String("recipient", job.Recipient),
		zap.String("amount", job.Amount.String()),
		zap.Int("retries", job.Retries),
		zap.Bool("retryable", Retryable(err)),
		zap.Error(err))

	if q.sink != nil {
		q.sink.JobFailed(context.WithoutCancel(ctx), Failure{Job: job, Error: err.Error(), FailedAt: q.now()})
	}
}

// backoff returns Backoff × 2^(attempt-1), capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) popFront() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	metrics.RelayQueueDepth.Set(float64(len(q.jobs)))
	return job, true
}

func (q *Queue) pushFront(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append([]Job{job}, q.jobs...)
	metrics.RelayQueueDepth.Set(float64(len(q.jobs)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
