package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models outcomedesk.yml.
type Config struct {
	Marketplace struct {
		ID string `yaml:"id"`
	} `yaml:"marketplace"`
	Outcomes struct {
		Catalog map[string]OutcomeType `yaml:"catalog"`
	} `yaml:"outcomes"`
	Premiums struct {
		// Latency premiums keyed by max_latency_seconds ceilings; the first
		// entry whose ceiling is >= the requested latency applies.
		Latency []LatencyPremium `yaml:"latency"`
		// Guarantee premiums keyed by guarantee level.
		Guarantee map[string]float64 `yaml:"guarantee"`
	} `yaml:"premiums"`
	Budgets struct {
		PacingIntervalMinutes int            `yaml:"pacing_interval_minutes"`
		Alerts                []BudgetAlert  `yaml:"alerts"`
		Defaults              BudgetDefaults `yaml:"defaults"`
	} `yaml:"budgets"`
	Escalation struct {
		MonitorIntervalSeconds int           `yaml:"monitor_interval_seconds"`
		Destinations           []Destination `yaml:"destinations"`
		Dispatch               Dispatch      `yaml:"dispatch"`
	} `yaml:"escalation"`
	Conversions struct {
		MatchRetryLimit    int     `yaml:"match_retry_limit"`
		MatchRetrySeconds  int     `yaml:"match_retry_seconds"`
		FuzzyWindowSeconds int     `yaml:"fuzzy_window_seconds"`
		QualityScoreStep   float64 `yaml:"quality_score_step"`
	} `yaml:"conversions"`
	Guarantees struct {
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	} `yaml:"guarantees"`
}

type OutcomeType struct {
	Description       string   `yaml:"description"`
	VerificationModel string   `yaml:"verification_model"`
	ClaimWindowDays   int      `yaml:"claim_window_days"`
	MaxLatencySeconds int      `yaml:"max_latency_seconds"`
	RequiredMetrics   []string `yaml:"required_metrics"`
	OptionalMetrics   []string `yaml:"optional_metrics"`
	Capabilities      []string `yaml:"capabilities"`
	Enabled           *bool    `yaml:"enabled"`
}

func (o OutcomeType) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

type LatencyPremium struct {
	MaxLatencySeconds int     `yaml:"max_latency_seconds"`
	Multiplier        float64 `yaml:"multiplier"`
}

type BudgetAlert struct {
	ThresholdPercent int    `yaml:"threshold_percent"`
	Action           string `yaml:"action"` // notify | reduce_bids | pause
}

type BudgetDefaults struct {
	PeriodDays int     `yaml:"period_days"`
	DailyCap   float64 `yaml:"daily_cap"`
	Total      float64 `yaml:"total"`
}

type Destination struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
	Secret   string `yaml:"secret"`
	Enabled  *bool  `yaml:"enabled"`
}

type Dispatch struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffSeconds int `yaml:"backoff_seconds"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run odk init or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if len(c.Outcomes.Catalog) == 0 {
		return fmt.Errorf("config.outcomes.catalog is required")
	}
	for name, ot := range c.Outcomes.Catalog {
		switch ot.VerificationModel {
		case "capi", "guarantee":
		default:
			return fmt.Errorf("outcome %s has invalid verification_model %q", name, ot.VerificationModel)
		}
		if ot.VerificationModel == "guarantee" && ot.ClaimWindowDays <= 0 {
			return fmt.Errorf("guarantee-backed outcome %s requires claim_window_days > 0", name)
		}
	}
	for i, lp := range c.Premiums.Latency {
		if lp.Multiplier <= 0 {
			return fmt.Errorf("premiums.latency[%d] multiplier must be > 0", i)
		}
	}
	for level, m := range c.Premiums.Guarantee {
		if m <= 0 {
			return fmt.Errorf("premiums.guarantee.%s must be > 0", level)
		}
	}
	for i, a := range c.Budgets.Alerts {
		switch a.Action {
		case "notify", "reduce_bids", "pause":
		default:
			return fmt.Errorf("budgets.alerts[%d] has unknown action %q", i, a.Action)
		}
	}
	for i, d := range c.Escalation.Destinations {
		switch d.Type {
		case "webhook", "queue", "email", "integration":
		default:
			return fmt.Errorf("escalation.destinations[%d] has unknown type %q", i, d.Type)
		}
	}
	return nil
}

// OutcomeFor looks up an enabled catalog entry.
func (c *Config) OutcomeFor(outcomeType string) (OutcomeType, bool) {
	ot, ok := c.Outcomes.Catalog[outcomeType]
	if !ok || !ot.IsEnabled() {
		return OutcomeType{}, false
	}
	return ot, true
}

// LatencyPremiumFor returns the multiplier for a requested max latency. A zero
// latency means no constraint, so no premium applies.
func (c *Config) LatencyPremiumFor(maxLatencySeconds int) float64 {
	if maxLatencySeconds <= 0 {
		return 1.0
	}
	for _, lp := range c.Premiums.Latency {
		if maxLatencySeconds <= lp.MaxLatencySeconds {
			return lp.Multiplier
		}
	}
	return 1.0
}

// GuaranteePremiumFor returns the multiplier for a guarantee level.
func (c *Config) GuaranteePremiumFor(level string) float64 {
	if level == "" {
		return 1.0
	}
	if m, ok := c.Premiums.Guarantee[level]; ok {
		return m
	}
	return 1.0
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "outcomedesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(marketplaceID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `marketplace:
  id: %s

outcomes:
  catalog:
    cs.resolve:
      description: "Resolve a customer service issue"
      verification_model: capi
      max_latency_seconds: 300
      required_metrics: [resolution_confirmed]
      optional_metrics: [csat_delta]
      capabilities: [customer_service]
    code.review:
      description: "Review a pull request"
      verification_model: capi
      max_latency_seconds: 900
      required_metrics: [review_posted]
      capabilities: [code_review]
    lead.qualify:
      description: "Qualify an inbound sales lead"
      verification_model: guarantee
      claim_window_days: 30
      max_latency_seconds: 3600
      required_metrics: [qualification_recorded]
      capabilities: [sales]
    content.draft:
      description: "Draft marketing content"
      verification_model: guarantee
      claim_window_days: 14
      max_latency_seconds: 1800
      required_metrics: [draft_delivered]
      capabilities: [writing]

premiums:
  latency:
    - max_latency_seconds: 60
      multiplier: 1.5
    - max_latency_seconds: 300
      multiplier: 1.2
    - max_latency_seconds: 3600
      multiplier: 1.0
  guarantee:
    standard: 1.1
    premium: 1.25

budgets:
  pacing_interval_minutes: 60
  alerts:
    - threshold_percent: 80
      action: notify
    - threshold_percent: 95
      action: reduce_bids
    - threshold_percent: 100
      action: pause
  defaults:
    period_days: 30
    daily_cap: 500
    total: 10000

escalation:
  monitor_interval_seconds: 30
  destinations:
    - type: webhook
      name: ops-handoff
      url: ""
      priority: 1
  dispatch:
    max_attempts: 5
    backoff_seconds: 2
    timeout_seconds: 5

conversions:
  match_retry_limit: 5
  match_retry_seconds: 30
  fuzzy_window_seconds: 300
  quality_score_step: 0.02

guarantees:
  sweep_interval_minutes: 60
`
