package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidahmann/steward/internal/crypto"
	"github.com/davidahmann/steward/internal/logger"
)

// Snapshot is an immutable view of the policy. Readers hold on to one
// snapshot for the whole evaluation of an action.
type Snapshot struct {
	Policy   Policy
	Hash     string
	Version  uint64
	LoadedAt time.Time

	// weights set at runtime; they survive reloads of the policy file
	overrides map[string]int
}

// Capability resolves the effective configuration for a capability.
// Unknown capabilities get the defaults, which observe only unless the
// operator raised the default weight.
func (s *Snapshot) Capability(name string) CapabilityConfig {
	p := s.Policy
	low, high := p.amountThresholds()
	cfg := CapabilityConfig{
		Name:                 name,
		MigrationWeight:      p.Defaults.MigrationWeight,
		RequiresConfirmation: p.Defaults.RequiresConfirmation,
		ApprovalTimeout:      p.Defaults.ApprovalTimeout,
		AmountLow:            low,
		AmountHigh:           high,
	}
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}

	if rule, ok := p.Capabilities[name]; ok {
		if rule.MigrationWeight != nil {
			cfg.MigrationWeight = *rule.MigrationWeight
		}
		if rule.RiskLevel != nil {
			v := *rule.RiskLevel
			cfg.RiskLevel = &v
		}
		if rule.RequiresConfirmation != nil {
			cfg.RequiresConfirmation = *rule.RequiresConfirmation
		}
		if rule.ApprovalTimeout != nil {
			cfg.ApprovalTimeout = *rule.ApprovalTimeout
		}
	}
	if w, ok := s.overrides[name]; ok {
		cfg.MigrationWeight = w
	}
	return cfg
}

// EvaluatorTimeout is the per-evaluator deadline used by the visibility filter.
func (s *Snapshot) EvaluatorTimeout() time.Duration {
	if s.Policy.Evaluators.Timeout > 0 {
		return s.Policy.Evaluators.Timeout
	}
	return DefaultEvaluatorTimeout
}

func (p Policy) amountThresholds() (float64, float64) {
	low, high := p.Risk.AmountLow, p.Risk.AmountHigh
	if low == 0 {
		low = DefaultAmountLow
	}
	if high == 0 {
		high = DefaultAmountHigh
	}
	return low, high
}

// Provider hands out the current policy snapshot. Updates swap the pointer,
// so an evaluation in flight keeps the snapshot it started with.
type Provider struct {
	path    string
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	version uint64
	now     func() time.Time
}

// NewProvider loads the policy at path.
func NewProvider(path string) (*Provider, error) {
	loaded, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	pr := &Provider{path: path, now: time.Now}
	pr.install(loaded, nil)
	return pr, nil
}

// NewStaticProvider serves an in-memory policy. Reload is a no-op.
func NewStaticProvider(p Policy) (*Provider, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	pr := &Provider{now: time.Now}
	pr.install(LoadedPolicy{Policy: p, Hash: "static"}, nil)
	return pr, nil
}

// Current returns the active snapshot.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Path returns the backing policy file, empty for static providers.
func (p *Provider) Path() string {
	return p.path
}

// Reload re-reads the policy file. An invalid file leaves the active
// snapshot in place. It reports whether the policy changed.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false, err
	}
	if crypto.DigestWithPrefix(data) == p.Current().Hash {
		return false, nil
	}
	loaded, err := ParsePolicy(data)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(loaded, p.current.Load().overrides)
	return true, nil
}

// SetMigrationWeight overrides the weight of one capability. The next
// evaluation sees the new value.
func (p *Provider) SetMigrationWeight(capability string, weight int) error {
	if capability == "" {
		return &ConfigurationError{Problems: []string{"capability name must not be empty"}}
	}
	if weight < 0 || weight > 100 {
		return &ConfigurationError{Problems: []string{fmt.Sprintf("migration_weight must be within [0,100], got %d", weight)}}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.current.Load()
	overrides := make(map[string]int, len(cur.overrides)+1)
	for k, v := range cur.overrides {
		overrides[k] = v
	}
	overrides[capability] = weight
	p.install(LoadedPolicy{Policy: cur.Policy, Hash: cur.Hash}, overrides)
	return nil
}

// Watch polls the policy file and reloads it on change until ctx is done.
func (p *Provider) Watch(ctx context.Context, interval time.Duration) {
	if p.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := p.Reload()
			if err != nil {
				logger.Logger.Warn().Err(err).Str("path", p.path).Msg("policy reload failed; keeping previous snapshot")
				continue
			}
			if changed {
				snap := p.Current()
				logger.Logger.Info().Str("policy_hash", snap.Hash).Uint64("version", snap.Version).Msg("policy reloaded")
			}
		}
	}
}

// install must be called with mu held, or before the provider is shared.
func (p *Provider) install(loaded LoadedPolicy, overrides map[string]int) {
	p.version++
	p.current.Store(&Snapshot{
		Policy:    loaded.Policy,
		Hash:      loaded.Hash,
		Version:   p.version,
		LoadedAt:  p.now(),
		overrides: overrides,
	})
}
