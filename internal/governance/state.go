package governance

import "github.com/davidahmann/steward/pkg/types"

type Step string

const (
	StepExecute    Step = "execute"
	StepEnqueue    Step = "enqueue"
	StepRecordOnly Step = "record_only"
	StepReject     Step = "reject"
)

// Plan maps a gate verdict to the execution mode recorded for it and the
// step the engine takes next.
func Plan(verdict types.Verdict) (types.ExecutionMode, Step) {
	switch verdict {
	case types.VerdictAutoExecute:
		return types.ModeAuto, StepExecute
	case types.VerdictRequireApproval:
		return types.ModePendingApproval, StepEnqueue
	case types.VerdictObserveOnly:
		return types.ModeObserved, StepRecordOnly
	default:
		return "", StepReject
	}
}

// ResolutionPlan maps a terminal approval status to the mode of the linked
// ledger record and whether the action now runs.
func ResolutionPlan(status types.ApprovalStatus) (types.ExecutionMode, bool) {
	switch status {
	case types.ApprovalApproved:
		return types.ModeApproved, true
	case types.ApprovalModified:
		return types.ModeModified, true
	case types.ApprovalRejected:
		return types.ModeRejected, false
	case types.ApprovalExpired:
		return types.ModeExpired, false
	default:
		return "", false
	}
}
