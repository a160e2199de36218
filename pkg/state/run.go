// Package state persists run state to durable files. The union of the
// files in a run directory is the complete source of truth for a run:
// everything the controller holds in memory can be reconstructed from them
// after a restart.
package state

import (
	"time"

	"autopilot/pkg/config"
	"autopilot/pkg/proto"
)

// ChecklistItem is one declared success criterion for a run. All items
// must be satisfied before a run may finish as succeeded.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Run is the aggregate for a single autonomous editing session. It is
// mutated only by the run controller and iteration engine and saved
// through the store after every change.
type Run struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`

	State      proto.RunState `json:"state"`
	Iterations int            `json:"iterations"`

	// Mitigation ladder position. Resets to RungNone on any iteration
	// that scores below the gutter threshold.
	LadderRung         proto.MitigationRung `json:"ladder_rung"`
	ConsecutiveGutters int                  `json:"consecutive_gutters"`

	// ActiveProfile names the model profile for the next iteration. It
	// starts as the primary profile and may be switched to the fallback
	// by the mitigation ladder.
	ActiveProfile string `json:"active_profile"`
	ForceRotate   bool   `json:"force_rotate,omitempty"`

	SandboxSession string `json:"sandbox_session,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`

	CostUSD float64 `json:"cost_usd"`

	Budgets             config.Budgets  `json:"budgets"`
	VerificationCommand string          `json:"verification_command,omitempty"`
	Checklist           []ChecklistItem `json:"checklist,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ElapsedBefore accumulates wall time from earlier process lifetimes
	// so budget tracking survives restarts.
	ElapsedBefore time.Duration `json:"elapsed_before_ns,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	Resumable     bool   `json:"resumable,omitempty"`

	LastDoctorReport string `json:"last_doctor_report,omitempty"`
}

// ChecklistSatisfied reports whether every declared success criterion is
// marked done. A run with no checklist has nothing outstanding.
func (r *Run) ChecklistSatisfied() bool {
	for i := range r.Checklist {
		if !r.Checklist[i].Done {
			return false
		}
	}
	return true
}

// OutstandingChecklist returns the text of every item not yet done.
func (r *Run) OutstandingChecklist() []string {
	var open []string
	for i := range r.Checklist {
		if !r.Checklist[i].Done {
			open = append(open, r.Checklist[i].Text)
		}
	}
	return open
}

// MarkChecklistItem marks the checklist item with matching text as done.
// Returns false if no item matches.
func (r *Run) MarkChecklistItem(text string) bool {
	for i := range r.Checklist {
		if r.Checklist[i].Text == text {
			r.Checklist[i].Done = true
			return true
		}
	}
	return false
}

// Transition moves the run to a new lifecycle state if the transition is
// allowed. Terminal states record a completion timestamp.
func (r *Run) Transition(to proto.RunState) error {
	if !proto.IsValidRunTransition(r.State, to) {
		return proto.NewTransitionError(r.State, to)
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		now := r.UpdatedAt
		r.CompletedAt = &now
	}
	return nil
}
