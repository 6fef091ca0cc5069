package events

import (
	"sync"

	"github.com/davidahmann/steward/internal/logger"
)

// Emitter publishes governance events. Emit must not block the caller on
// delivery and never fails the governance path.
type Emitter interface {
	Emit(event GovernanceEvent)
}

type LogEmitter struct{}

func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

func (e *LogEmitter) Emit(event GovernanceEvent) {
	logger.Logger.Info().
		Str("event", string(event.Type)).
		Str("tenant_id", event.TenantID).
		Str("agent_id", event.AgentID).
		Str("capability", event.CapabilityName).
		Str("decision_id", event.DecisionID).
		Str("verdict", string(event.Verdict)).
		Str("execution_mode", string(event.ExecutionMode)).
		Float64("risk_score", event.RiskScore).
		Int("migration_weight", event.MigrationWeight).
		Str("reason", event.Reason).
		Msg("governance event")
}

type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

func (m *MultiEmitter) Emit(event GovernanceEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []GovernanceEvent
}

func (r *Recorder) Emit(event GovernanceEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *Recorder) Events() []GovernanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GovernanceEvent, len(r.events))
	copy(out, r.events)
	return out
}

type Nop struct{}

func (Nop) Emit(GovernanceEvent) {}
