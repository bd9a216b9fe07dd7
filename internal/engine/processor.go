package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"claimline/internal/domain"
	"claimline/internal/lock"
	"claimline/internal/logging"
	"claimline/internal/metrics"
)

type ProcessorConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// LockTTL is the lifetime of the cross-process claim lock.
	LockTTL time.Duration
}

// Processor drives a claim through the coordinator until it settles. At most
// one evaluation per claim id runs at a time: concurrent callers in this
// process share the in-flight result, and Locker keeps other processes out.
// The shared evaluation belongs to the processor, not to any caller; only
// Shutdown cancels it.
type Processor struct {
	Coordinator *Coordinator
	Store       Store
	// Locker is optional.
	Locker  lock.Locker
	Config  ProcessorConfig
	Metrics *metrics.Metrics
	Log     *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	life    context.Context
	stop    context.CancelFunc
	flights sync.WaitGroup
}

func NewProcessor(c *Coordinator, store Store, locker lock.Locker, cfg ProcessorConfig, m *metrics.Metrics, log *slog.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	life, stop := context.WithCancel(context.Background())
	return &Processor{
		Coordinator: c,
		Store:       store,
		Locker:      locker,
		Config:      cfg,
		Metrics:     m,
		Log:         logging.OrDiscard(log),
		life:        life,
		stop:        stop,
	}
}

// Process evaluates the claim and returns it settled. A claim that already
// settled is returned as stored. Cancelling ctx only stops this caller from
// waiting: the evaluation carries on for the other callers and is stored.
func (p *Processor) Process(ctx context.Context, claimID string) (domain.Claim, error) {
	ch := p.group.DoChan(claimID, func() (any, error) {
		return p.flight(ctx, claimID)
	})
	select {
	case res := <-ch:
		claim, _ := res.Val.(domain.Claim)
		return claim, res.Err
	case <-ctx.Done():
		return domain.Claim{}, ctx.Err()
	}
}

// Shutdown cancels running evaluations, which leave their claims in
// processing_failed, and waits for them to return or for ctx to expire.
// Later calls to Process fail with ErrShuttingDown.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.flights.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flight runs one shared evaluation. It keeps the values of the caller that
// started it but is cancelled only by Shutdown.
func (p *Processor) flight(caller context.Context, claimID string) (domain.Claim, error) {
	if !p.enter() {
		return domain.Claim{}, ErrShuttingDown
	}
	defer p.flights.Done()
	ctx, cancel := context.WithCancel(context.WithoutCancel(caller))
	defer cancel()
	if p.life != nil {
		defer context.AfterFunc(p.life, cancel)()
	}
	return p.process(ctx, claimID)
}

func (p *Processor) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.life != nil && p.life.Err() != nil {
		return false
	}
	p.flights.Add(1)
	return true
}

func (p *Processor) process(ctx context.Context, claimID string) (domain.Claim, error) {
	release, err := p.acquire(ctx, claimID)
	if errors.Is(err, ErrDuplicateSubmission) {
		p.Log.Debug("claim evaluated elsewhere", "claim_id", claimID)
		return p.Store.LoadClaim(ctx, claimID)
	}
	if err != nil {
		return domain.Claim{}, err
	}
	defer release()

	p.Metrics.IncInFlight()
	defer p.Metrics.DecInFlight()

	claim, err := p.Store.LoadClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, fmt.Errorf("load claim %s: %w", claimID, err)
	}
	if claim.Status.Settled() {
		return claim, nil
	}

	var lastErr error
	for n := 1; ; n++ {
		out, err := p.Coordinator.Attempt(ctx, claim)
		if err == nil {
			p.Metrics.ObserveAttempt("ok")
			p.Metrics.ObserveSettled(string(out.Status))
			return out, nil
		}
		claim, lastErr = out, err
		if ctx.Err() != nil {
			p.Metrics.ObserveAttempt("cancelled")
			return claim, ctx.Err()
		}
		p.Metrics.ObserveAttempt("failed")
		if n >= p.Config.MaxAttempts {
			break
		}
		wait := p.backoff(n)
		p.Log.Warn("retrying claim", "claim_id", claimID, "attempt", n, "backoff", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return claim, err
		}
	}

	out, err := p.Coordinator.ForceReview(ctx, claim, lastErr, p.Config.MaxAttempts)
	if err != nil {
		p.Log.Error("force review failed, claim left in processing_failed", "claim_id", claimID, "error", err)
		return claim, err
	}
	p.Metrics.ObserveSettled(string(out.Status))
	return out, nil
}

func (p *Processor) acquire(ctx context.Context, claimID string) (func(), error) {
	if p.Locker == nil {
		return func() {}, nil
	}
	release, err := p.Locker.Acquire(ctx, "claim:"+claimID, p.Config.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubmission, claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", claimID, err)
	}
	return release, nil
}

// backoff returns the wait before attempt n+1: base doubled per failed
// attempt and capped at MaxBackoff.
func (p *Processor) backoff(n int) time.Duration {
	d := p.Config.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.Config.MaxBackoff > 0 && d >= p.Config.MaxBackoff {
			return p.Config.MaxBackoff
		}
	}
	if p.Config.MaxBackoff > 0 && d > p.Config.MaxBackoff {
		return p.Config.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
