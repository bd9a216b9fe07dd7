package engine

import (
	"context"
	"log/slog"
	"sync"

	"claimline/internal/domain"
	"claimline/internal/logging"
	"claimline/internal/metrics"
)

// ProcessFunc evaluates one claim.
type ProcessFunc func(ctx context.Context, claimID string) (domain.Claim, error)

// Dispatcher feeds submitted claim ids to a fixed pool of workers through a
// bounded queue.
type Dispatcher struct {
	process ProcessFunc
	workers int
	queue   chan string
	metrics *metrics.Metrics
	log     *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(process ProcessFunc, workers, queueSize int, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Dispatcher{
		process: process,
		workers: workers,
		queue:   make(chan string, queueSize),
		metrics: m,
		log:     logging.OrDiscard(log),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx or calling Shutdown stops them;
// claims being evaluated at that moment see the cancellation.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.log.Info("dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Enqueue schedules a claim for evaluation. It blocks while the queue is
// full, until ctx is done or the dispatcher shuts down.
func (d *Dispatcher) Enqueue(ctx context.Context, claimID string) error {
	select {
	case <-d.done:
		return ErrShuttingDown
	default:
	}
	select {
	case d.queue <- claimID:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-d.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued claims.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Shutdown stops accepting claims, cancels the workers and waits for them
// to return or for ctx to expire. Claims still queued stay submitted and are
// picked up again on the next start.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.done) })
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case claimID := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			claim, err := d.process(ctx, claimID)
			if err != nil {
				if ctx.Err() != nil {
					d.log.Info("claim evaluation interrupted", "worker", id, "claim_id", claimID)
					continue
				}
				d.log.Error("claim evaluation failed", "worker", id, "claim_id", claimID, "error", err)
				continue
			}
			d.log.Debug("claim settled", "worker", id, "claim_id", claimID, "status", string(claim.Status))
		}
	}
}
