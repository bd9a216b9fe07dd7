package domain

// ClaimStatus is a state of the claim evaluation state machine.
type ClaimStatus string

const (
	StatusSubmitted          ClaimStatus = "submitted"
	StatusPolicyValidating   ClaimStatus = "policy_validating"
	StatusEvaluating         ClaimStatus = "evaluating"
	StatusSynthesizing       ClaimStatus = "synthesizing"
	StatusAutoApproved       ClaimStatus = "auto_approved"
	StatusDenied             ClaimStatus = "denied"
	StatusPendingReview      ClaimStatus = "pending_review"
	StatusUnderInvestigation ClaimStatus = "under_investigation"
	StatusProcessingFailed   ClaimStatus = "processing_failed"
	// StatusApproved is written by a human reviewer closing a review task.
	StatusApproved ClaimStatus = "approved"
)

// Terminal reports whether no further processing happens for the status.
func (s ClaimStatus) Terminal() bool {
	return s == StatusAutoApproved || s == StatusDenied || s == StatusApproved
}

// Handoff reports whether ownership has passed to the human-review workflow.
func (s ClaimStatus) Handoff() bool {
	return s == StatusPendingReview || s == StatusUnderInvestigation
}

// Settled reports whether the core has finished with the claim.
func (s ClaimStatus) Settled() bool {
	return s.Terminal() || s.Handoff()
}

type Claim struct {
	ID           string            `json:"id"`
	PolicyNumber string            `json:"policy_number"`
	ClaimType    string            `json:"claim_type"`
	Amount       float64           `json:"amount"`
	IncidentDate string            `json:"incident_date" format:"date"`
	Description  string            `json:"description,omitempty"`
	ClaimantName string            `json:"claimant_name,omitempty"`
	Jurisdiction string            `json:"jurisdiction,omitempty"`
	Status       ClaimStatus       `json:"status" enum:"submitted,policy_validating,evaluating,synthesizing,auto_approved,denied,pending_review,under_investigation,processing_failed,approved"`
	PolicyCheck  *EvaluationResult `json:"policy_check,omitempty"`
	Evidence     *Evidence         `json:"evidence,omitempty"`
	Decision     *Decision         `json:"decision,omitempty"`
	ReviewTaskID string            `json:"review_task_id,omitempty"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	History      []Transition      `json:"history,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// Transition records one state machine step.
type Transition struct {
	From ClaimStatus `json:"from"`
	To   ClaimStatus `json:"to"`
	At   string      `json:"at" format:"date-time"`
	Note string      `json:"note,omitempty"`
}

type Policy struct {
	Number         string   `json:"number"`
	HolderName     string   `json:"holder_name,omitempty"`
	Status         string   `json:"status" enum:"active,inactive,lapsed,cancelled"`
	EffectiveDate  string   `json:"effective_date" format:"date"`
	ExpirationDate string   `json:"expiration_date" format:"date"`
	CoverageLimit  float64  `json:"coverage_limit"`
	Deductible     float64  `json:"deductible"`
	CoveredPerils  []string `json:"covered_perils,omitempty"`
	Exclusions     []string `json:"exclusions,omitempty"`
	PreviousClaims int      `json:"previous_claims"`
	PremiumStatus  string   `json:"premium_status,omitempty"`
}

// ResultStatus tags how an evaluator call settled.
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultTimedOut ResultStatus = "timed_out"
	ResultFailed   ResultStatus = "failed"
)

// EvaluationResult is produced once per (claim, evaluator) pair.
type EvaluationResult struct {
	EvaluatorName string       `json:"evaluator_name"`
	Score         float64      `json:"score"`
	Confidence    float64      `json:"confidence"`
	Factors       []string     `json:"factors"`
	Status        ResultStatus `json:"status" enum:"ok,timed_out,failed"`
	Degraded      bool         `json:"degraded"`
}

// NewResult builds an ok result, clamping score and confidence into [0,1].
func NewResult(name string, score, confidence float64, factors ...string) EvaluationResult {
	return EvaluationResult{
		EvaluatorName: name,
		Score:         Clamp01(score),
		Confidence:    Clamp01(confidence),
		Factors:       append([]string(nil), factors...),
		Status:        ResultOK,
	}
}

// Copy returns a result that shares no memory with r.
func (r EvaluationResult) Copy() EvaluationResult {
	r.Factors = append([]string(nil), r.Factors...)
	return r
}

// Evidence is the merged set of evaluator results for one claim.
type Evidence struct {
	Results       map[string]EvaluationResult `json:"results"`
	DegradedCount int                         `json:"degraded_count"`
}

// NewEvidence indexes results by evaluator name and counts degraded ones.
func NewEvidence(results ...EvaluationResult) Evidence {
	ev := Evidence{Results: make(map[string]EvaluationResult, len(results))}
	for _, r := range results {
		ev.Results[r.EvaluatorName] = r.Copy()
	}
	for _, r := range ev.Results {
		if r.Degraded {
			ev.DegradedCount++
		}
	}
	return ev
}

// Has reports whether every named evaluator has a result.
func (e Evidence) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := e.Results[n]; !ok {
			return false
		}
	}
	return true
}

type Outcome string

const (
	OutcomeApprove       Outcome = "approve"
	OutcomeDeny          Outcome = "deny"
	OutcomeInvestigate   Outcome = "investigate"
	OutcomePendingReview Outcome = "pending_review"
)

type Decision struct {
	Outcome       Outcome  `json:"outcome" enum:"approve,deny,investigate,pending_review"`
	Confidence    float64  `json:"confidence"`
	CombinedRisk  float64  `json:"combined_risk"`
	DegradedCount int      `json:"degraded_count"`
	Reasoning     []string `json:"reasoning"`
	SynthesizedAt string   `json:"synthesized_at,omitempty" format:"date-time"`
}

// Copy returns a decision that shares no memory with d.
func (d Decision) Copy() Decision {
	d.Reasoning = append([]string(nil), d.Reasoning...)
	return d
}

type ReviewRole string

const (
	RoleAdjuster        ReviewRole = "adjuster"
	RoleSeniorAdjuster  ReviewRole = "senior_adjuster"
	RoleSIUInvestigator ReviewRole = "siu_investigator"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

const (
	TaskOpen   = "open"
	TaskClosed = "closed"
)

// ReviewTask is a unit of work for a human reviewer. AISnapshot is never
// mutated after creation.
type ReviewTask struct {
	ID                     string     `json:"id"`
	ClaimID                string     `json:"claim_id"`
	AssignedRole           ReviewRole `json:"assigned_role" enum:"adjuster,senior_adjuster,siu_investigator"`
	Priority               Priority   `json:"priority" enum:"low,normal,high,urgent"`
	Status                 string     `json:"status" enum:"open,closed"`
	DueAt                  string     `json:"due_at" format:"date-time"`
	RegulatoryDeadline     string     `json:"regulatory_deadline,omitempty" format:"date-time"`
	RegulatoryRequirements []string   `json:"regulatory_requirements,omitempty"`
	AISnapshot             Decision   `json:"ai_snapshot"`
	Resolution             string     `json:"resolution,omitempty"`
	ClosedBy               string     `json:"closed_by,omitempty"`
	ClosedAt               string     `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt              string     `json:"created_at" format:"date-time"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
