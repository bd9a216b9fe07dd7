package evaluator

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"claimline/internal/domain"
)

// Report is a third-party view of the parties and circumstances of a claim.
type Report struct {
	Score   float64
	Factors []string
}

// Provider looks up third-party data for a claim.
type Provider interface {
	Lookup(ctx context.Context, claim domain.Claim) (Report, error)
}

// ExternalEvaluator turns a provider report into an evaluation result.
type ExternalEvaluator struct {
	Provider Provider
}

func NewExternalEvaluator(p Provider) *ExternalEvaluator {
	return &ExternalEvaluator{Provider: p}
}

func (e *ExternalEvaluator) Name() string { return ExternalName }

func (e *ExternalEvaluator) Evaluate(ctx context.Context, claim domain.Claim) (domain.EvaluationResult, error) {
	rep, err := e.Provider.Lookup(ctx, claim)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	factors := rep.Factors
	if len(factors) == 0 {
		factors = []string{"no third-party findings"}
	}
	return domain.NewResult(ExternalName, rep.Score, 0.7, factors...), nil
}

// weatherPerils are claim types a recorded catastrophe event corroborates.
var weatherPerils = map[string]bool{
	"hail": true, "flood": true, "storm": true, "wind": true, "hurricane": true, "wildfire": true, "weather": true,
}

// WatchlistProvider checks configured watchlists of flagged policies and
// claimants, and catastrophe dates that corroborate weather losses.
type WatchlistProvider struct {
	flaggedPolicies map[string]bool
	flaggedNames    map[string]bool
	catastropheDays map[string]bool
}

func NewWatchlistProvider(policies, names, catastropheDays []string) *WatchlistProvider {
	return &WatchlistProvider{
		flaggedPolicies: toSet(policies),
		flaggedNames:    toSet(names),
		catastropheDays: toSet(catastropheDays),
	}
}

func (w *WatchlistProvider) Lookup(ctx context.Context, claim domain.Claim) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	rep := Report{Score: 0.1}
	if w.flaggedPolicies[normalize(claim.PolicyNumber)] {
		rep.Score += 0.6
		rep.Factors = append(rep.Factors, "policy on fraud watchlist")
	}
	if claim.ClaimantName != "" && w.flaggedNames[normalize(claim.ClaimantName)] {
		rep.Score += 0.5
		rep.Factors = append(rep.Factors, "claimant on fraud watchlist")
	}
	if weatherPerils[normalize(claim.ClaimType)] {
		if w.catastropheDays[claim.IncidentDate] {
			rep.Score = 0
			rep.Factors = append(rep.Factors, "catastrophe event corroborates incident")
		} else if len(w.catastropheDays) > 0 {
			rep.Score += 0.2
			rep.Factors = append(rep.Factors, "no recorded weather event on incident date")
		}
	}
	rep.Score = domain.Clamp01(rep.Score)
	return rep, nil
}

// CachedProvider memoizes provider reports per claim subject for a TTL.
// Errors are not cached.
type CachedProvider struct {
	next  Provider
	cache *expirable.LRU[string, Report]
}

func NewCachedProvider(next Provider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = 512
	}
	return &CachedProvider{next: next, cache: expirable.NewLRU[string, Report](size, nil, ttl)}
}

func (c *CachedProvider) Lookup(ctx context.Context, claim domain.Claim) (Report, error) {
	key := subjectKey(claim)
	if rep, ok := c.cache.Get(key); ok {
		return copyReport(rep), nil
	}
	rep, err := c.next.Lookup(ctx, claim)
	if err != nil {
		return Report{}, err
	}
	c.cache.Add(key, copyReport(rep))
	return rep, nil
}

// Len returns the number of cached reports.
func (c *CachedProvider) Len() int { return c.cache.Len() }

func subjectKey(claim domain.Claim) string {
	return strings.Join([]string{
		normalize(claim.PolicyNumber), normalize(claim.ClaimantName), claim.IncidentDate, normalize(claim.ClaimType),
	}, "|")
}

func copyReport(r Report) Report {
	r.Factors = append([]string(nil), r.Factors...)
	return r
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[normalize(v)] = true
	}
	return set
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
