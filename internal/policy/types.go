package policy

import "time"

const (
	DefaultApprovalTimeout  = 24 * time.Hour
	MinApprovalTimeout      = time.Minute
	DefaultEvaluatorTimeout = 250 * time.Millisecond
	DefaultAmountLow        = 100
	DefaultAmountHigh       = 10000
)

// Policy is the autonomy policy document operators edit.
type Policy struct {
	PolicyID      string                    `yaml:"policy_id"`
	PolicyVersion string                    `yaml:"policy_version"`
	Defaults      PolicyDefaults            `yaml:"defaults"`
	Risk          RiskConfig                `yaml:"risk"`
	Evaluators    EvaluatorConfig           `yaml:"evaluators"`
	Capabilities  map[string]CapabilityRule `yaml:"capabilities"`
}

type PolicyDefaults struct {
	MigrationWeight      int           `yaml:"migration_weight"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	RequiresConfirmation bool          `yaml:"requires_confirmation"`
}

type RiskConfig struct {
	AmountLow  float64 `yaml:"amount_low"`
	AmountHigh float64 `yaml:"amount_high"`
}

// CapabilityRule overrides defaults for one capability. Nil fields inherit.
type CapabilityRule struct {
	MigrationWeight      *int           `yaml:"migration_weight"`
	RiskLevel            *float64       `yaml:"risk_level"`
	RequiresConfirmation *bool          `yaml:"requires_confirmation"`
	ApprovalTimeout      *time.Duration `yaml:"approval_timeout"`
}

type EvaluatorConfig struct {
	Timeout        time.Duration         `yaml:"timeout"`
	Budget         *BudgetConfig         `yaml:"budget"`
	TimeWindow     *TimeWindowConfig     `yaml:"time_window"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// BudgetConfig hides costed capabilities once spend in the window would
// exceed a tenant or agent limit. Zero limits are unlimited.
type BudgetConfig struct {
	TenantLimit float64       `yaml:"tenant_limit"`
	AgentLimit  float64       `yaml:"agent_limit"`
	Window      time.Duration `yaml:"window"`
	Exempt      []string      `yaml:"exempt"`
}

// TimeWindowConfig restricts capabilities to allowed hours. Start after End
// describes a window that crosses midnight.
type TimeWindowConfig struct {
	Timezone       string   `yaml:"timezone"`
	Start          string   `yaml:"start"`
	End            string   `yaml:"end"`
	Days           []string `yaml:"days"`
	Capabilities   []string `yaml:"capabilities"`
	OperationTypes []string `yaml:"operation_types"`
}

type RateLimitConfig struct {
	Window        time.Duration  `yaml:"window"`
	MaxCalls      int            `yaml:"max_calls"`
	PerCapability map[string]int `yaml:"per_capability"`
}

// CircuitBreakerConfig trips once at least MinCalls outcomes fall in the
// window and the failure ratio is strictly above FailureRatio. A ratio of 0
// trips on the first failure.
type CircuitBreakerConfig struct {
	Window       time.Duration `yaml:"window"`
	MinCalls     int           `yaml:"min_calls"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// CapabilityConfig is the resolved autonomy configuration for one capability.
type CapabilityConfig struct {
	Name                 string        `json:"name"`
	MigrationWeight      int           `json:"migration_weight"`
	RiskLevel            *float64      `json:"risk_level,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	ApprovalTimeout      time.Duration `json:"approval_timeout"`
	AmountLow            float64       `json:"amount_low"`
	AmountHigh           float64       `json:"amount_high"`
}
