package push

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/orgchat/relay/internal/metrics"
	"github.com/orgchat/relay/internal/utils"
)

// Job is one queued push decision: deliver the notification to every device
// the recipient has registered. The audit row and cooldown stamp were written
// when the job was created, so delivery here is fire-and-forget.
type Job struct {
	UserID int64
	Tokens []string
	Note   Notification
}

// Dispatcher decouples push delivery from the websocket fan-out path. Jobs
// are queued without blocking and drained by a fixed pool of workers.
type Dispatcher struct {
	sender  Sender
	logger  *utils.Logger
	queue   chan Job
	done    chan struct{}
	wg      sync.WaitGroup
	workers int
}

// NewDispatcher creates a dispatcher. A nil sender is allowed: jobs are
// accepted and dropped, which keeps the fan-out path identical whether or
// not push delivery is configured.
func NewDispatcher(sender Sender, queueSize, workers int, logger *utils.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		sender:  sender,
		logger:  logger,
		queue:   make(chan Job, queueSize),
		done:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop drains queued jobs and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}

// Enqueue queues a job without blocking the caller. Jobs are dropped when
// the queue is full or the dispatcher is stopping.
func (d *Dispatcher) Enqueue(job Job) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case d.queue <- job:
		return true
	default:
		metrics.Pushes.WithLabelValues("queue_full").Inc()
		d.logger.Warn(context.Background(), "Push queue full, dropping notification for user %d", job.UserID)
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.done:
			// Drain whatever made it into the queue before shutdown.
			for {
				select {
				case job := <-d.queue:
					d.deliver(ctx, job)
				default:
					return
				}
			}

		case job := <-d.queue:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	if d.sender == nil {
		d.logger.Debug(ctx, "Push delivery disabled, dropping notification for user %d", job.UserID)
		return
	}

	for _, token := range job.Tokens {
		if err := d.sender.Send(ctx, token, job.Note); err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				// The breaker rejects every call while open, so the
				// remaining tokens would fail the same way.
				metrics.Pushes.WithLabelValues("breaker_open").Inc()
				d.logger.Warn(ctx, "Push breaker open, dropping notification for user %d", job.UserID)
				return
			}
			metrics.Pushes.WithLabelValues("failed").Inc()
			d.logger.Error(ctx, "Failed to deliver push notification to user %d: %v", job.UserID, err)
			continue
		}
		metrics.Pushes.WithLabelValues("sent").Inc()
	}
}
