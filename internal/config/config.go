package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models claimline.yml.
type Config struct {
	Evaluation Evaluation `yaml:"evaluation"`
	Decision   Decision   `yaml:"decision"`
	Routing    Routing    `yaml:"routing"`
	Processing Processing `yaml:"processing"`
	External   External   `yaml:"external"`
	LLM        LLM        `yaml:"llm"`
	Dedup      Dedup      `yaml:"dedup"`
	RBAC       struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Evaluation struct {
	Timeouts      map[string]time.Duration `yaml:"timeouts"`
	FallbackScore float64                  `yaml:"fallback_score"`
	Retries       int                      `yaml:"retries"`
}

// Timeout returns the per-evaluator timeout, falling back to the default entry.
func (e Evaluation) Timeout(name string) time.Duration {
	if d, ok := e.Timeouts[name]; ok && d > 0 {
		return d
	}
	if d, ok := e.Timeouts["default"]; ok && d > 0 {
		return d
	}
	return 3 * time.Second
}

type Decision struct {
	Weights          map[string]float64 `yaml:"weights"`
	ApproveBelow     float64            `yaml:"approve_below"`
	InvestigateAbove float64            `yaml:"investigate_above"`
	HighValueAmount  float64            `yaml:"high_value_amount"`
	DegradedPenalty  float64            `yaml:"degraded_penalty"`
	MaxReasoning     int                `yaml:"max_reasoning"`
}

type Routing struct {
	UrgentRiskAbove          float64       `yaml:"urgent_risk_above"`
	VeryHighAmount           float64       `yaml:"very_high_amount"`
	AdjusterAuthorityLimit   float64       `yaml:"adjuster_authority_limit"`
	LargeLossAmount          float64       `yaml:"large_loss_amount"`
	ReviewSLA                time.Duration `yaml:"review_sla"`
	FraudReportingDeadline   time.Duration `yaml:"fraud_reporting_deadline"`
	CoverageDecisionDeadline time.Duration `yaml:"coverage_decision_deadline"`
	ConsumerProtectionStates []string      `yaml:"consumer_protection_states"`
}

type Processing struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type External struct {
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	FlaggedPolicies []string      `yaml:"flagged_policies"`
	FlaggedNames    []string      `yaml:"flagged_names"`
	CatastropheDays []string      `yaml:"catastrophe_days"`
}

type LLM struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// Weight of the model score when blended into the heuristic fraud score.
	Weight float64 `yaml:"weight"`
}

type Dedup struct {
	RedisURL string        `yaml:"redis_url"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with claimline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Evaluation.FallbackScore < 0 || c.Evaluation.FallbackScore > 1 {
		return fmt.Errorf("config.evaluation.fallback_score must be within [0,1]")
	}
	if c.Evaluation.Retries < 0 {
		return fmt.Errorf("config.evaluation.retries must not be negative")
	}
	for name, d := range c.Evaluation.Timeouts {
		if d <= 0 {
			return fmt.Errorf("timeout for evaluator %s must be positive", name)
		}
	}
	d := c.Decision
	if len(d.Weights) == 0 {
		return fmt.Errorf("config.decision.weights is required")
	}
	var total float64
	for name, w := range d.Weights {
		if w < 0 {
			return fmt.Errorf("weight for evaluator %s must not be negative", name)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("config.decision.weights must have at least one positive weight")
	}
	if d.ApproveBelow < 0 || d.InvestigateAbove > 1 || d.ApproveBelow > d.InvestigateAbove {
		return fmt.Errorf("config.decision bands must satisfy 0 <= approve_below <= investigate_above <= 1")
	}
	if d.DegradedPenalty < 0 || d.DegradedPenalty > 1 {
		return fmt.Errorf("config.decision.degraded_penalty must be within [0,1]")
	}
	if d.MaxReasoning <= 0 {
		return fmt.Errorf("config.decision.max_reasoning must be positive")
	}
	if c.Routing.ReviewSLA <= 0 {
		return fmt.Errorf("config.routing.review_sla must be positive")
	}
	p := c.Processing
	if p.Workers <= 0 {
		return fmt.Errorf("config.processing.workers must be positive")
	}
	if p.QueueSize <= 0 {
		return fmt.Errorf("config.processing.queue_size must be positive")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("config.processing.max_attempts must be positive")
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("config.processing backoff must satisfy 0 <= base_backoff <= max_backoff")
	}
	if c.External.CacheSize <= 0 {
		return fmt.Errorf("config.external.cache_size must be positive")
	}
	if c.LLM.Enabled {
		if c.LLM.BaseURL == "" || c.LLM.Model == "" {
			return fmt.Errorf("config.llm requires base_url and model when enabled")
		}
		if c.LLM.Weight < 0 || c.LLM.Weight > 1 {
			return fmt.Errorf("config.llm.weight must be within [0,1]")
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `evaluation:
  timeouts:
    default: 3s
    policy: 3s
    fraud: 3s
    risk: 3s
    external: 3s
  fallback_score: 0.7
  retries: 0

decision:
  weights:
    fraud: 1
    risk: 1
    external: 0
  approve_below: 0.3
  investigate_above: 0.6
  high_value_amount: 100000
  degraded_penalty: 0.25
  max_reasoning: 10

routing:
  urgent_risk_above: 0.8
  very_high_amount: 500000
  adjuster_authority_limit: 10000
  large_loss_amount: 100000
  review_sla: 72h
  fraud_reporting_deadline: 240h
  coverage_decision_deadline: 720h
  consumer_protection_states: [CA, NY, FL]

processing:
  workers: 4
  queue_size: 64
  max_attempts: 3
  base_backoff: 500ms
  max_backoff: 10s

external:
  cache_size: 512
  cache_ttl: 1h
  flagged_policies: []
  flagged_names: []
  catastrophe_days: []

llm:
  enabled: false
  base_url: http://localhost:11434
  model: llama3
  timeout: 3s
  weight: 0.5

dedup:
  redis_url: ""
  lock_ttl: 30s

rbac:
  roles:
    intake:
      description: "Submits claims and reads their status"
      permissions: [claim.submit, claim.read, policy.read, policy.write]
    adjuster:
      description: "Works the adjuster review queue"
      permissions: [claim.read, policy.read, review.read, review.close.adjuster]
    senior_adjuster:
      description: "Works escalated reviews above adjuster authority"
      permissions: [claim.read, policy.read, review.read, review.close.adjuster, review.close.senior_adjuster]
    siu_investigator:
      description: "Special investigations unit"
      permissions: [claim.read, policy.read, review.read, review.close.siu_investigator]
    admin:
      description: "Full access"
      permissions: ["*"]

webhooks: []
`
