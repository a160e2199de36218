package proto

import "fmt"

// RunState is one state of the run lifecycle machine.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

func (s RunState) String() string { return string(s) }

// Terminal reports whether the state is final. No transition leaves a
// terminal state.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ValidRunTransitions is the lifecycle transition table:
// pending → running ⇄ paused → (succeeded | failed).
//
//nolint:gochecknoglobals // Static transition table
var ValidRunTransitions = map[RunState][]RunState{
	StatePending:   {StateRunning, StateFailed},
	StateRunning:   {StatePaused, StateSucceeded, StateFailed},
	StatePaused:    {StateRunning, StateFailed},
	StateSucceeded: {},
	StateFailed:    {},
}

// IsValidRunTransition reports whether from → to is allowed.
func IsValidRunTransition(from, to RunState) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Decision is the outcome of one iteration, returned by the engine to the
// controller.
type Decision string

const (
	DecisionContinue       Decision = "continue"
	DecisionRotate         Decision = "rotate"
	DecisionPause          Decision = "pause"
	DecisionStopSuccess    Decision = "stop_success"
	DecisionStopFailure    Decision = "stop_failure"
	DecisionGutterMitigate Decision = "gutter_mitigate"
)

// NewTransitionError reports an attempted invalid lifecycle transition.
func NewTransitionError(from, to RunState) error {
	return fmt.Errorf("invalid run state transition: %s -> %s", from, to)
}

// DecisionForAction maps a terminating action to its decision.
func DecisionForAction(t ActionType) (Decision, error) {
	switch t {
	case ActionRotate:
		return DecisionRotate, nil
	case ActionPause:
		return DecisionPause, nil
	case ActionStopSuccess:
		return DecisionStopSuccess, nil
	case ActionStopFailure:
		return DecisionStopFailure, nil
	case ActionRun, ActionPatch, ActionWrite, ActionCommit:
		return "", fmt.Errorf("action type %s is not terminating", t)
	}
	return "", fmt.Errorf("unknown action type %s", t)
}

// MitigationRung is the position on the gutter mitigation ladder. The ladder
// advances one rung per consecutive gutter event with no improvement and
// resets to RungNone on any clean iteration.
type MitigationRung int

const (
	RungNone MitigationRung = iota
	RungForceRotate
	RungFallbackModel
	RungDoctor
	RungHumanReview
)

func (r MitigationRung) String() string {
	switch r {
	case RungNone:
		return "none"
	case RungForceRotate:
		return "force_rotate"
	case RungFallbackModel:
		return "fallback_model"
	case RungDoctor:
		return "doctor"
	case RungHumanReview:
		return "human_review"
	default:
		return "exhausted"
	}
}
