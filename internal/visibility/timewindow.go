package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/pkg/types"
)

const TimeWindowEvaluatorName = "time_window"

// TimeWindowEvaluator offers restricted capabilities only inside allowed
// hours. A start later than the end wraps past midnight.
type TimeWindowEvaluator struct {
	loc        *time.Location
	start, end int
	days       map[time.Weekday]bool
	caps       map[string]bool
	ops        map[types.OperationType]bool
}

func NewTimeWindowEvaluator(cfg policy.TimeWindowConfig) (*TimeWindowEvaluator, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	start, err := policy.ParseClock(cfg.Start)
	if err != nil {
		return nil, err
	}
	end, err := policy.ParseClock(cfg.End)
	if err != nil {
		return nil, err
	}

	e := &TimeWindowEvaluator{loc: loc, start: start, end: end}
	if len(cfg.Days) > 0 {
		e.days = make(map[time.Weekday]bool, len(cfg.Days))
		for _, d := range cfg.Days {
			wd, ok := policy.ParseWeekday(d)
			if !ok {
				return nil, fmt.Errorf("unknown day %q", d)
			}
			e.days[wd] = true
		}
	}
	if len(cfg.Capabilities) > 0 {
		e.caps = make(map[string]bool, len(cfg.Capabilities))
		for _, c := range cfg.Capabilities {
			e.caps[c] = true
		}
	}
	if len(cfg.OperationTypes) > 0 {
		e.ops = make(map[types.OperationType]bool, len(cfg.OperationTypes))
		for _, op := range cfg.OperationTypes {
			e.ops[types.OperationType(op)] = true
		}
	}
	return e, nil
}

func newTimeWindowFromPolicy(cfg policy.EvaluatorConfig, _ Deps) (Evaluator, error) {
	if cfg.TimeWindow == nil {
		return nil, nil
	}
	ev, err := NewTimeWindowEvaluator(*cfg.TimeWindow)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *TimeWindowEvaluator) Name() string { return TimeWindowEvaluatorName }

func (e *TimeWindowEvaluator) Evaluate(_ context.Context, capability types.Capability, _ string, ec types.EvalContext) Result {
	if !e.applies(capability) {
		return Visible()
	}
	local := ec.Now.In(e.loc)
	if e.days != nil && !e.days[local.Weekday()] {
		return Hidden("outside allowed days: " + local.Weekday().String())
	}
	if !e.inHours(local.Hour()*60 + local.Minute()) {
		return Hidden(fmt.Sprintf("outside allowed hours at %s", local.Format("15:04")))
	}
	return Visible()
}

// applies reports whether the capability is restricted. With no selectors
// configured every capability is.
func (e *TimeWindowEvaluator) applies(capability types.Capability) bool {
	if e.caps == nil && e.ops == nil {
		return true
	}
	return e.caps[capability.Name] || e.ops[capability.OperationType]
}

func (e *TimeWindowEvaluator) inHours(minute int) bool {
	switch {
	case e.start == e.end:
		return true
	case e.start < e.end:
		return minute >= e.start && minute < e.end
	default:
		return minute >= e.start || minute < e.end
	}
}
