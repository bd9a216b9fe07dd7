package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"claimline/internal/domain"
	"claimline/internal/evaluator"
	"claimline/internal/logging"
	"claimline/internal/tracing"
)

// Observer receives one observation per settled evaluator call.
type Observer interface {
	ObserveEvaluation(evaluator, status string, degraded bool, d time.Duration)
}

type Config struct {
	// Timeout returns the budget for one evaluator, retries included.
	Timeout       func(name string) time.Duration
	FallbackScore float64
	Retries       int
}

// Aggregator runs the required evaluators in parallel and merges their
// results into Evidence. It never fails: an evaluator that errors, panics or
// misses its deadline is replaced by a degraded fallback.
type Aggregator struct {
	evaluators []evaluator.Evaluator
	cfg        Config
	observer   Observer
	log        *slog.Logger
}

func New(evaluators []evaluator.Evaluator, cfg Config, observer Observer, log *slog.Logger) *Aggregator {
	if cfg.Timeout == nil {
		cfg.Timeout = func(string) time.Duration { return 3 * time.Second }
	}
	return &Aggregator{
		evaluators: append([]evaluator.Evaluator(nil), evaluators...),
		cfg:        cfg,
		observer:   observer,
		log:        logging.OrDiscard(log),
	}
}

// Required lists the evaluator names Collect always reports on.
func (a *Aggregator) Required() []string {
	names := make([]string, len(a.evaluators))
	for i, ev := range a.evaluators {
		names[i] = ev.Name()
	}
	return names
}

// Collect starts every evaluator together and waits for all of them. Its
// latency is bounded by the largest evaluator timeout.
func (a *Aggregator) Collect(ctx context.Context, claim domain.Claim) domain.Evidence {
	results := make([]domain.EvaluationResult, len(a.evaluators))
	var g errgroup.Group
	for i, ev := range a.evaluators {
		g.Go(func() error {
			results[i] = a.run(ctx, ev, claim)
			return nil
		})
	}
	_ = g.Wait()
	return domain.NewEvidence(results...)
}

func (a *Aggregator) run(ctx context.Context, ev evaluator.Evaluator, claim domain.Claim) domain.EvaluationResult {
	name := ev.Name()
	ctx, span := tracing.Start(ctx, "evaluator."+name, attribute.String("claim_id", claim.ID))
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout(name))
	defer cancel()

	var (
		res domain.EvaluationResult
		err error
	)
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		res, err = Call(callCtx, ev, claim)
		if err == nil || callCtx.Err() != nil {
			break
		}
	}
	if err != nil {
		status := domain.ResultFailed
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			status = domain.ResultTimedOut
		}
		logging.WithTrace(ctx, a.log).Warn("evaluator unavailable, using fallback",
			"claim_id", claim.ID, "evaluator", name, "status", string(status), "error", err)
		res = evaluator.Fallback(name, a.cfg.FallbackScore, status)
	} else {
		res.EvaluatorName = name
	}
	if a.observer != nil {
		a.observer.ObserveEvaluation(name, string(res.Status), res.Degraded, time.Since(start))
	}
	tracing.End(span, err)
	return res
}

// Call runs ev on its own goroutine and returns as soon as either the
// evaluator finishes or ctx is done, so an evaluator that ignores its
// context cannot stall the caller. A panic is reported as an error.
func Call(ctx context.Context, ev evaluator.Evaluator, claim domain.Claim) (domain.EvaluationResult, error) {
	type outcome struct {
		res domain.EvaluationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("evaluator %s panicked: %v", ev.Name(), r)}
			}
		}()
		res, err := ev.Evaluate(ctx, claim)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return domain.EvaluationResult{}, ctx.Err()
	}
}
