package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"claimline/internal/aggregator"
	"claimline/internal/config"
	"claimline/internal/decision"
	"claimline/internal/domain"
	"claimline/internal/evaluator"
	"claimline/internal/llm"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/routing"
	"claimline/internal/tracing"
)

// failSaveTimeout bounds the processing_failed write made after the attempt
// context is already gone.
const failSaveTimeout = 5 * time.Second

// Store persists policies and claims.
type Store interface {
	GetPolicy(ctx context.Context, number string) (domain.Policy, error)
	SaveClaim(ctx context.Context, c domain.Claim) error
	LoadClaim(ctx context.Context, id string) (domain.Claim, error)
}

// Workflow is the human-review system review tasks are handed to. Creating
// the same task twice must be a no-op. GetReviewTaskByClaim returns
// domain.ErrNotFound when the claim has no task.
type Workflow interface {
	CreateReviewTask(ctx context.Context, t domain.ReviewTask) error
	GetReviewTaskByClaim(ctx context.Context, claimID string) (domain.ReviewTask, error)
}

// Coordinator runs one pass of the claim pipeline: policy gate, parallel
// evaluation, synthesis and routing. Each pass ends with a single claim
// write.
type Coordinator struct {
	Store       Store
	Workflow    Workflow
	Policy      evaluator.Evaluator
	Aggregator  *aggregator.Aggregator
	Synthesizer *decision.Synthesizer
	Router      *routing.Router
	// PolicyTimeout bounds the policy gate.
	PolicyTimeout time.Duration
	Metrics       *metrics.Metrics
	Log           *slog.Logger
	Now           func() time.Time
}

// Options carries the optional collaborators of the pipeline. Zero values
// are replaced by what the config describes.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Inferer  llm.Inferer
	Provider evaluator.Provider
	// Evaluators replaces the fraud, risk and external evaluators.
	Evaluators []evaluator.Evaluator
	// Policy replaces the policy gate.
	Policy evaluator.Evaluator
	Now    func() time.Time
}

// NewCoordinator wires the pipeline described by cfg on top of store and
// workflow.
func NewCoordinator(store Store, workflow Workflow, cfg *config.Config, opts Options) *Coordinator {
	log := logging.OrDiscard(opts.Logger)
	policy := opts.Policy
	if policy == nil {
		policy = evaluator.NewPolicyEvaluator(store)
	}
	evaluators := opts.Evaluators
	if len(evaluators) == 0 {
		evaluators = defaultEvaluators(store, cfg, opts)
	}
	agg := aggregator.New(evaluators, aggregator.Config{
		Timeout:       cfg.Evaluation.Timeout,
		FallbackScore: cfg.Evaluation.FallbackScore,
		Retries:       cfg.Evaluation.Retries,
	}, opts.Metrics, log)
	synth := decision.NewSynthesizer(decision.Config{
		Weights:          cfg.Decision.Weights,
		ApproveBelow:     cfg.Decision.ApproveBelow,
		InvestigateAbove: cfg.Decision.InvestigateAbove,
		HighValueAmount:  cfg.Decision.HighValueAmount,
		DegradedPenalty:  cfg.Decision.DegradedPenalty,
		MaxReasoning:     cfg.Decision.MaxReasoning,
	})
	router := routing.NewRouter(routing.Config{
		UrgentRiskAbove:          cfg.Routing.UrgentRiskAbove,
		VeryHighAmount:           cfg.Routing.VeryHighAmount,
		AdjusterAuthorityLimit:   cfg.Routing.AdjusterAuthorityLimit,
		LargeLossAmount:          cfg.Routing.LargeLossAmount,
		ReviewSLA:                cfg.Routing.ReviewSLA,
		FraudReportingDeadline:   cfg.Routing.FraudReportingDeadline,
		CoverageDecisionDeadline: cfg.Routing.CoverageDecisionDeadline,
		ConsumerProtectionStates: cfg.Routing.ConsumerProtectionStates,
	})
	c := &Coordinator{
		Store:         store,
		Workflow:      workflow,
		Policy:        policy,
		Aggregator:    agg,
		Synthesizer:   synth,
		Router:        router,
		PolicyTimeout: cfg.Evaluation.Timeout(evaluator.PolicyName),
		Metrics:       opts.Metrics,
		Log:           log,
		Now:           opts.Now,
	}
	router.Now = c.now
	return c
}

func defaultEvaluators(store Store, cfg *config.Config, opts Options) []evaluator.Evaluator {
	model := opts.Inferer
	if model == nil && cfg.LLM.Enabled {
		model = llm.NewOllamaClient(llm.Config{BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model, Timeout: cfg.LLM.Timeout})
	}
	provider := opts.Provider
	if provider == nil {
		provider = evaluator.NewCachedProvider(
			evaluator.NewWatchlistProvider(cfg.External.FlaggedPolicies, cfg.External.FlaggedNames, cfg.External.CatastropheDays),
			cfg.External.CacheSize, cfg.External.CacheTTL)
	}
	return []evaluator.Evaluator{
		evaluator.NewFraudEvaluator(store, model, cfg.LLM.Weight),
		evaluator.NewRiskEvaluator(store),
		evaluator.NewExternalEvaluator(provider),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) stamp() string {
	return c.now().Format(time.RFC3339)
}

// Attempt runs one pipeline pass over claim, which must be submitted or
// processing_failed. On success the returned claim is settled and stored.
// On failure it is stored as processing_failed and the error is a
// *ProcessingError, unless the policy gate rejected the claim, which is a
// normal denial.
func (c *Coordinator) Attempt(ctx context.Context, claim domain.Claim) (out domain.Claim, err error) {
	out = copyClaim(claim)
	out.Attempts++
	out.LastError = ""
	out.PolicyCheck = nil
	out.Evidence = nil
	out.Decision = nil
	ctx, span := tracing.Start(ctx, "claim.attempt",
		attribute.String("claim_id", out.ID), attribute.Int("attempt", out.Attempts))
	log := logging.WithTrace(ctx, c.Log).With("claim_id", out.ID, "attempt", out.Attempts)

	defer func() {
		if r := recover(); r != nil {
			err = &ProcessingError{ClaimID: out.ID, Stage: out.Status, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			out = c.fail(ctx, log, out, err)
		}
		tracing.End(span, err)
	}()

	if err := transition(&out, domain.StatusPolicyValidating, c.stamp(), fmt.Sprintf("attempt %d", out.Attempts)); err != nil {
		return out, c.processingErr(out, err)
	}
	check, err := c.checkPolicy(ctx, out)
	if err != nil {
		if pe, ok := evaluator.IsPolicyInvalid(err); ok {
			return c.deny(ctx, log, out, pe.Reason)
		}
		return out, c.processingErr(out, fmt.Errorf("policy check: %w", err))
	}
	out.PolicyCheck = &check

	if err := transition(&out, domain.StatusEvaluating, c.stamp(), ""); err != nil {
		return out, c.processingErr(out, err)
	}
	ev := c.Aggregator.Collect(ctx, out)
	if err := ctx.Err(); err != nil {
		return out, c.processingErr(out, err)
	}
	out.Evidence = &ev

	if err := transition(&out, domain.StatusSynthesizing, c.stamp(), ""); err != nil {
		return out, c.processingErr(out, err)
	}
	d := c.Synthesizer.Synthesize(ev, out.Amount)
	d.SynthesizedAt = c.stamp()
	out.Decision = &d

	if err := c.route(ctx, &out, d, ""); err != nil {
		return out, err
	}
	log.Info("claim evaluated", "status", string(out.Status), "outcome", string(out.Decision.Outcome),
		"combined_risk", out.Decision.CombinedRisk, "confidence", out.Decision.Confidence, "degraded_count", out.Decision.DegradedCount)
	return out, nil
}

// ForceReview hands a claim whose retries are exhausted to a human adjuster.
func (c *Coordinator) ForceReview(ctx context.Context, claim domain.Claim, cause error, attempts int) (domain.Claim, error) {
	out := copyClaim(claim)
	d := decision.ForceReview(failureCause(cause), attempts)
	d.SynthesizedAt = c.stamp()
	out.Decision = &d
	if err := c.route(ctx, &out, d, "retries exhausted"); err != nil {
		return claim, err
	}
	logging.WithTrace(ctx, c.Log).Warn("claim routed to review after repeated failures",
		"claim_id", out.ID, "attempts", attempts, "error", cause)
	return out, nil
}

func (c *Coordinator) checkPolicy(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error) {
	ctx, span := tracing.Start(ctx, "evaluator."+evaluator.PolicyName, attribute.String("claim_id", claim.ID))
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.PolicyTimeout)
	defer cancel()
	res, err := aggregator.Call(callCtx, c.Policy, claim)
	status := domain.ResultOK
	switch {
	case err == nil:
		res.EvaluatorName = evaluator.PolicyName
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		status = domain.ResultTimedOut
	default:
		status = domain.ResultFailed
	}
	if _, ok := evaluator.IsPolicyInvalid(err); ok {
		status = domain.ResultOK
	}
	c.Metrics.ObserveEvaluation(evaluator.PolicyName, string(status), false, time.Since(start))
	tracing.End(span, err)
	return res, err
}

func (c *Coordinator) deny(ctx context.Context, log *slog.Logger, claim domain.Claim, reason string) (domain.Claim, error) {
	d := decision.Deny(reason)
	d.SynthesizedAt = c.stamp()
	claim.Decision = &d
	next := claim
	if err := transition(&next, domain.StatusDenied, c.stamp(), reason); err != nil {
		return claim, c.processingErr(claim, err)
	}
	if err := c.Store.SaveClaim(ctx, next); err != nil {
		return claim, c.processingErr(claim, fmt.Errorf("save claim: %w", err))
	}
	log.Info("claim denied by policy check", "reason", reason)
	return next, nil
}

// route hands the decision to the router, creates the review task when the
// route has one and writes the claim. Once a claim has a review task its
// route is fixed: a later attempt keeps the task's queue and decision.
func (c *Coordinator) route(ctx context.Context, claim *domain.Claim, d domain.Decision, note string) error {
	r := c.Router.Route(*claim, d)
	existing, err := c.Workflow.GetReviewTaskByClaim(ctx, claim.ID)
	switch {
	case err == nil:
		if r.Task == nil || r.Task.AssignedRole != existing.AssignedRole || d.Outcome != existing.AISnapshot.Outcome {
			c.Log.Warn("claim already has a review task, keeping its route", "claim_id", claim.ID,
				"task_id", existing.ID, "assigned_role", string(existing.AssignedRole),
				"task_outcome", string(existing.AISnapshot.Outcome), "outcome", string(d.Outcome))
		}
		snapshot := existing.AISnapshot.Copy()
		claim.Decision = &snapshot
		claim.ReviewTaskID = existing.ID
		r = routing.Route{Status: routing.StatusFor(existing.AssignedRole)}
	case errors.Is(err, domain.ErrNotFound):
		if r.Task != nil {
			if err := c.Workflow.CreateReviewTask(ctx, *r.Task); err != nil {
				return c.processingErr(*claim, fmt.Errorf("create review task: %w", err))
			}
			claim.ReviewTaskID = r.Task.ID
			c.Metrics.ObserveReviewTask(string(r.Task.AssignedRole), string(r.Task.Priority))
		}
	default:
		return c.processingErr(*claim, fmt.Errorf("load review task: %w", err))
	}
	next := *claim
	if err := transition(&next, r.Status, c.stamp(), note); err != nil {
		return c.processingErr(*claim, err)
	}
	if err := c.Store.SaveClaim(ctx, next); err != nil {
		return c.processingErr(*claim, fmt.Errorf("save claim: %w", err))
	}
	*claim = next
	return nil
}

// fail records a failed attempt. The write uses a detached context so a
// cancelled attempt still leaves the claim in processing_failed.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, claim domain.Claim, cause error) domain.Claim {
	claim.LastError = failureCause(cause)
	if err := transition(&claim, domain.StatusProcessingFailed, c.stamp(), claim.LastError); err != nil {
		log.Error("cannot mark claim failed", "status", string(claim.Status), "error", err)
		return claim
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failSaveTimeout)
	defer cancel()
	if err := c.Store.SaveClaim(saveCtx, claim); err != nil {
		log.Error("save failed claim", "error", err)
	}
	log.Warn("claim attempt failed", "error", cause)
	return claim
}

func (c *Coordinator) processingErr(claim domain.Claim, err error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return &ProcessingError{ClaimID: claim.ID, Stage: claim.Status, Err: err}
}

// failureCause strips the ProcessingError envelope for human-facing text.
func failureCause(err error) string {
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func copyClaim(c domain.Claim) domain.Claim {
	out := c
	out.History = append([]domain.Transition(nil), c.History...)
	if c.PolicyCheck != nil {
		pc := c.PolicyCheck.Copy()
		out.PolicyCheck = &pc
	}
	if c.Evidence != nil {
		results := make([]domain.EvaluationResult, 0, len(c.Evidence.Results))
		for _, r := range c.Evidence.Results {
			results = append(results, r)
		}
		ev := domain.NewEvidence(results...)
		out.Evidence = &ev
	}
	if c.Decision != nil {
		d := c.Decision.Copy()
		out.Decision = &d
	}
	return out
}
