package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Validate checks a policy for values the engine cannot act on.
func Validate(p Policy) error {
	cerr := &ConfigurationError{}

	checkWeight(cerr, "defaults.migration_weight", p.Defaults.MigrationWeight)
	checkTimeout(cerr, "defaults.approval_timeout", p.Defaults.ApprovalTimeout)

	if p.Risk.AmountLow < 0 || p.Risk.AmountHigh < 0 {
		cerr.add("risk amount thresholds must not be negative")
	}
	low, high := p.amountThresholds()
	if low >= high {
		cerr.add(fmt.Sprintf("risk.amount_low (%g) must be below risk.amount_high (%g)", low, high))
	}

	names := make([]string, 0, len(p.Capabilities))
	for name := range p.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rule := p.Capabilities[name]
		field := "capabilities." + name
		if strings.TrimSpace(name) == "" {
			cerr.add("capability name must not be empty")
		}
		if rule.MigrationWeight != nil {
			checkWeight(cerr, field+".migration_weight", *rule.MigrationWeight)
		}
		if rule.RiskLevel != nil && (*rule.RiskLevel < 0 || *rule.RiskLevel > 1) {
			cerr.add(fmt.Sprintf("%s.risk_level must be within [0,1], got %g", field, *rule.RiskLevel))
		}
		if rule.ApprovalTimeout != nil {
			if *rule.ApprovalTimeout == 0 {
				cerr.add(field + ".approval_timeout must not be zero")
			}
			checkTimeout(cerr, field+".approval_timeout", *rule.ApprovalTimeout)
		}
	}

	validateEvaluators(cerr, p.Evaluators)

	if len(cerr.Problems) > 0 {
		return cerr
	}
	return nil
}

func checkWeight(cerr *ConfigurationError, field string, w int) {
	if w < 0 || w > 100 {
		cerr.add(fmt.Sprintf("%s must be within [0,100], got %d", field, w))
	}
}

func checkTimeout(cerr *ConfigurationError, field string, d time.Duration) {
	if d != 0 && d < MinApprovalTimeout {
		cerr.add(fmt.Sprintf("%s must be at least %s, got %s", field, MinApprovalTimeout, d))
	}
}

func validateEvaluators(cerr *ConfigurationError, ev EvaluatorConfig) {
	if ev.Timeout < 0 {
		cerr.add("evaluators.timeout must not be negative")
	}
	if b := ev.Budget; b != nil {
		if b.TenantLimit < 0 || b.AgentLimit < 0 {
			cerr.add("evaluators.budget limits must not be negative")
		}
		if b.Window <= 0 {
			cerr.add("evaluators.budget.window must be positive")
		}
	}
	if tw := ev.TimeWindow; tw != nil {
		if _, err := ParseClock(tw.Start); err != nil {
			cerr.add("evaluators.time_window.start: " + err.Error())
		}
		if _, err := ParseClock(tw.End); err != nil {
			cerr.add("evaluators.time_window.end: " + err.Error())
		}
		if tw.Timezone != "" {
			if _, err := time.LoadLocation(tw.Timezone); err != nil {
				cerr.add("evaluators.time_window.timezone: " + err.Error())
			}
		}
		for _, d := range tw.Days {
			if _, ok := weekdays[strings.ToLower(d)]; !ok {
				cerr.add("evaluators.time_window.days: unknown day " + d)
			}
		}
	}
	if rl := ev.RateLimit; rl != nil {
		if rl.Window <= 0 {
			cerr.add("evaluators.rate_limit.window must be positive")
		}
		if rl.MaxCalls <= 0 {
			cerr.add("evaluators.rate_limit.max_calls must be positive")
		}
		for name, n := range rl.PerCapability {
			if n <= 0 {
				cerr.add("evaluators.rate_limit.per_capability." + name + " must be positive")
			}
		}
	}
	if cb := ev.CircuitBreaker; cb != nil {
		if cb.Window <= 0 {
			cerr.add("evaluators.circuit_breaker.window must be positive")
		}
		if cb.MinCalls <= 0 {
			cerr.add("evaluators.circuit_breaker.min_calls must be positive")
		}
		if cb.FailureRatio < 0 || cb.FailureRatio >= 1 {
			cerr.add("evaluators.circuit_breaker.failure_ratio must be within [0,1)")
		}
		if cb.Cooldown <= 0 {
			cerr.add("evaluators.circuit_breaker.cooldown must be positive")
		}
	}
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWeekday maps a three-letter day name to a time.Weekday.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(s)]
	return d, ok
}
