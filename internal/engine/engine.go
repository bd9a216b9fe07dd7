package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimline/internal/config"
	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/lock"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/repo"
)

const dateLayout = "2006-01-02"

// Engine is the entry point used by the CLI and the HTTP server: it checks
// permissions, persists submissions and hands them to the pipeline.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Config      *config.Config
	Auth        auth.Authorizer
	Coordinator *Coordinator
	Processor   *Processor
	Dispatcher  *Dispatcher
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	Now         func() time.Time

	closeLocker func() error
}

// EngineOptions extends the pipeline options with the in-flight lock.
type EngineOptions struct {
	Options
	// Locker defaults to Redis when dedup.redis_url is set, else an
	// in-process lock.
	Locker lock.Locker
}

func New(db *sql.DB, cfg *config.Config, opts EngineOptions) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		DB:      db,
		Config:  cfg,
		Auth:    auth.New(cfg),
		Metrics: opts.Metrics,
		Log:     logging.OrDiscard(opts.Logger),
		Now:     opts.Now,
	}
	e.Repo = repo.New(db, e.now)

	pipeline := opts.Options
	pipeline.Logger = e.Log
	pipeline.Now = e.now
	e.Coordinator = NewCoordinator(e.Repo, e.Repo, cfg, pipeline)

	locker := opts.Locker
	if locker == nil {
		if cfg.Dedup.RedisURL != "" {
			r, err := lock.NewRedis(cfg.Dedup.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("dedup redis: %w", err)
			}
			locker = r
			e.closeLocker = r.Close
		} else {
			locker = lock.NewLocal()
		}
	}
	e.Processor = NewProcessor(e.Coordinator, e.Repo, locker, ProcessorConfig{
		MaxAttempts: cfg.Processing.MaxAttempts,
		BaseBackoff: cfg.Processing.BaseBackoff,
		MaxBackoff:  cfg.Processing.MaxBackoff,
		LockTTL:     cfg.Dedup.LockTTL,
	}, e.Metrics, e.Log)
	e.Dispatcher = NewDispatcher(e.Processor.Process, cfg.Processing.Workers, cfg.Processing.QueueSize, e.Metrics, e.Log)
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Start launches the workers and requeues claims a previous run left
// submitted or processing_failed. It returns the number requeued.
func (e *Engine) Start(ctx context.Context) (int, error) {
	e.Dispatcher.Start(ctx)
	ids, err := e.Repo.ListClaimIDsByStatus(ctx, domain.StatusSubmitted, domain.StatusProcessingFailed)
	if err != nil {
		return 0, fmt.Errorf("list unfinished claims: %w", err)
	}
	for i, id := range ids {
		if err := e.Dispatcher.Enqueue(ctx, id); err != nil {
			return i, err
		}
	}
	if len(ids) > 0 {
		e.Log.Info("requeued unfinished claims", "count", len(ids))
	}
	return len(ids), nil
}

// Shutdown stops the workers. In-flight claims are cancelled and left in
// processing_failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := errors.Join(e.Dispatcher.Shutdown(ctx), e.Processor.Shutdown(ctx))
	if e.closeLocker != nil {
		if cerr := e.closeLocker(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SubmitOptions are parameters for submitting a claim.
type SubmitOptions struct {
	// ID makes the submission idempotent. A new id is generated when empty.
	ID           string
	PolicyNumber string
	ClaimType    string
	Amount       float64
	IncidentDate string
	Description  string
	ClaimantName string
	Jurisdiction string
	// Wait evaluates the claim before returning instead of queueing it.
	Wait  bool
	Actor auth.Actor
}

// Submit stores a claim and schedules its evaluation. Submitting an id that
// already exists returns the stored claim; an unfinished one is scheduled
// again.
func (e *Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Claim, error) {
	if err := e.Auth.Require(opts.Actor, auth.PermClaimSubmit); err != nil {
		return domain.Claim{}, err
	}
	if err := validateSubmission(opts); err != nil {
		return domain.Claim{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	claim := domain.Claim{
		ID:           id,
		PolicyNumber: strings.TrimSpace(opts.PolicyNumber),
		ClaimType:    strings.ToLower(strings.TrimSpace(opts.ClaimType)),
		Amount:       opts.Amount,
		IncidentDate: opts.IncidentDate,
		Description:  opts.Description,
		ClaimantName: opts.ClaimantName,
		Jurisdiction: strings.ToUpper(strings.TrimSpace(opts.Jurisdiction)),
		Status:       domain.StatusSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stored, created, err := e.Repo.InsertClaim(ctx, claim, opts.Actor.ID)
	if err != nil {
		return domain.Claim{}, err
	}
	if !created {
		e.Log.Info("duplicate submission", "claim_id", id, "status", string(stored.Status))
	}
	if stored.Status.Settled() {
		return stored, nil
	}
	return e.schedule(ctx, stored, opts.Wait)
}

// Resubmit schedules an unfinished claim again. Settled claims are returned
// unchanged.
func (e *Engine) Resubmit(ctx context.Context, claimID string, wait bool, actor auth.Actor) (domain.Claim, error) {
	if err := e.Auth.Require(actor, auth.PermClaimSubmit); err != nil {
		return domain.Claim{}, err
	}
	claim, err := e.Repo.LoadClaim(ctx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if claim.Status.Settled() {
		return claim, nil
	}
	return e.schedule(ctx, claim, wait)
}

func (e *Engine) schedule(ctx context.Context, claim domain.Claim, wait bool) (domain.Claim, error) {
	if wait {
		return e.Processor.Process(ctx, claim.ID)
	}
	if err := e.Dispatcher.Enqueue(ctx, claim.ID); err != nil {
		return claim, fmt.Errorf("queue claim %s: %w", claim.ID, err)
	}
	return claim, nil
}

func validateSubmission(opts SubmitOptions) error {
	if strings.TrimSpace(opts.PolicyNumber) == "" {
		return invalidClaim("policy_number is required")
	}
	if strings.TrimSpace(opts.ClaimType) == "" {
		return invalidClaim("claim_type is required")
	}
	if opts.Amount <= 0 {
		return invalidClaim("amount must be positive")
	}
	if _, err := time.Parse(dateLayout, opts.IncidentDate); err != nil {
		return invalidClaim("incident_date must be YYYY-MM-DD")
	}
	return nil
}

func (e *Engine) GetClaim(ctx context.Context, id string, actor auth.Actor) (domain.Claim, error) {
	if err := e.Auth.Require(actor, auth.PermClaimRead); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.LoadClaim(ctx, id)
}

func (e *Engine) ListClaims(ctx context.Context, f repo.ClaimFilters, actor auth.Actor) ([]domain.Claim, error) {
	if err := e.Auth.Require(actor, auth.PermClaimRead); err != nil {
		return nil, err
	}
	return e.Repo.ListClaims(ctx, f)
}

func (e *Engine) ListReviewTasks(ctx context.Context, f repo.TaskFilters, actor auth.Actor) ([]domain.ReviewTask, error) {
	if err := e.Auth.Require(actor, auth.PermReviewRead); err != nil {
		return nil, err
	}
	return e.Repo.ListReviewTasks(ctx, f)
}

func (e *Engine) GetReviewTask(ctx context.Context, id string, actor auth.Actor) (domain.ReviewTask, error) {
	if err := e.Auth.Require(actor, auth.PermReviewRead); err != nil {
		return domain.ReviewTask{}, err
	}
	return e.Repo.GetReviewTask(ctx, id)
}

// CloseOptions are parameters for recording a reviewer's decision.
type CloseOptions struct {
	TaskID string
	// Outcome is approve or deny.
	Outcome    domain.Outcome
	Resolution string
	Actor      auth.Actor
}

// CloseReviewTask records the human decision on a review task. Only actors
// allowed to work the task's queue may close it.
func (e *Engine) CloseReviewTask(ctx context.Context, opts CloseOptions) (domain.ReviewTask, error) {
	var final domain.ClaimStatus
	switch opts.Outcome {
	case domain.OutcomeApprove:
		final = domain.StatusApproved
	case domain.OutcomeDeny:
		final = domain.StatusDenied
	default:
		return domain.ReviewTask{}, fmt.Errorf("invalid outcome %q: must be approve or deny", opts.Outcome)
	}
	task, err := e.Repo.GetReviewTask(ctx, opts.TaskID)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if err := e.Auth.Require(opts.Actor, auth.ReviewClosePermission(task.AssignedRole)); err != nil {
		return domain.ReviewTask{}, err
	}
	if task.Status == domain.TaskClosed {
		return domain.ReviewTask{}, repo.ErrTaskClosed
	}
	claim, err := e.Repo.LoadClaim(ctx, task.ClaimID)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if err := ensureClaimTransition(claim.Status, final); err != nil {
		return domain.ReviewTask{}, err
	}
	closed, err := e.Repo.CloseReviewTask(ctx, task.ID, opts.Actor.ID, opts.Resolution, final)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	e.Metrics.ObserveSettled(string(final))
	e.Log.Info("review task closed", "task_id", task.ID, "claim_id", task.ClaimID, "status", string(final), "actor_id", opts.Actor.ID)
	return closed, nil
}

func (e *Engine) UpsertPolicy(ctx context.Context, p domain.Policy, actor auth.Actor) (domain.Policy, error) {
	if err := e.Auth.Require(actor, auth.PermPolicyWrite); err != nil {
		return domain.Policy{}, err
	}
	p.Number = strings.TrimSpace(p.Number)
	if p.Number == "" {
		return domain.Policy{}, errors.New("policy number is required")
	}
	if p.Status == "" {
		p.Status = "active"
	}
	for _, d := range []struct{ field, value string }{
		{"effective_date", p.EffectiveDate},
		{"expiration_date", p.ExpirationDate},
	} {
		if _, err := time.Parse(dateLayout, d.value); err != nil {
			return domain.Policy{}, fmt.Errorf("invalid %s %q: must be YYYY-MM-DD", d.field, d.value)
		}
	}
	if p.ExpirationDate < p.EffectiveDate {
		return domain.Policy{}, errors.New("invalid policy: expiration_date before effective_date")
	}
	if p.CoverageLimit < 0 || p.Deductible < 0 {
		return domain.Policy{}, errors.New("invalid policy: coverage_limit and deductible must not be negative")
	}
	if err := e.Repo.UpsertPolicy(ctx, p, actor.ID); err != nil {
		return domain.Policy{}, err
	}
	return e.Repo.GetPolicy(ctx, p.Number)
}

func (e *Engine) GetPolicy(ctx context.Context, number string, actor auth.Actor) (domain.Policy, error) {
	if err := e.Auth.Require(actor, auth.PermPolicyRead); err != nil {
		return domain.Policy{}, err
	}
	return e.Repo.GetPolicy(ctx, number)
}

func (e *Engine) ListPolicies(ctx context.Context, actor auth.Actor) ([]domain.Policy, error) {
	if err := e.Auth.Require(actor, auth.PermPolicyRead); err != nil {
		return nil, err
	}
	return e.Repo.ListPolicies(ctx)
}

func (e *Engine) Events(ctx context.Context, f repo.EventFilters, actor auth.Actor) ([]domain.Event, error) {
	if err := e.Auth.Require(actor, auth.PermEventRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}

// APIKeyCreateOptions are parameters for issuing an API key.
type APIKeyCreateOptions struct {
	Name    string
	ActorID string
	Roles   []string
	Actor   auth.Actor
}

// CreateAPIKey issues a key for ActorID. The plain key is returned once and
// only its hash is stored.
func (e *Engine) CreateAPIKey(ctx context.Context, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	if err := e.Auth.Require(opts.Actor, auth.PermAPIKeyManage); err != nil {
		return domain.APIKey{}, "", err
	}
	if opts.ActorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	if len(opts.Roles) == 0 {
		return domain.APIKey{}, "", errors.New("at least one role required")
	}
	for _, r := range opts.Roles {
		if !e.Auth.KnownRole(r) {
			return domain.APIKey{}, "", fmt.Errorf("invalid role %q", r)
		}
	}
	plain := "cl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		Roles:     opts.Roles,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e *Engine) ListAPIKeys(ctx context.Context, actorID string, actor auth.Actor) ([]domain.APIKey, error) {
	if err := e.Auth.Require(actor, auth.PermAPIKeyManage); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e *Engine) RevokeAPIKey(ctx context.Context, id string, actor auth.Actor) error {
	if err := e.Auth.Require(actor, auth.PermAPIKeyManage); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

// ResolveAPIKey returns the actor behind a plain API key.
func (e *Engine) ResolveAPIKey(ctx context.Context, plain string) (auth.Actor, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{ID: key.ActorID, Roles: key.Roles}, nil
}
